package dialect

import (
	"github.com/tidwall/gjson"

	"streamrelay/internal/demux"
	"streamrelay/internal/models"
)

// OpenAI parses chat-completions chunks from OpenAI and compatible vendors.
// The [DONE] sentinel never reaches the parser.
type OpenAI struct {
	sentMetadata bool
}

func NewOpenAI() *OpenAI {
	return &OpenAI{}
}

func (p *OpenAI) Parse(ev demux.WireEvent) ([]Action, error) {
	root, err := parseObject(ev.Data)
	if err != nil {
		return nil, err
	}

	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
		return []Action{
			Issue{Message: errorText(e), Severity: SeverityError},
			Close{},
		}, nil
	}

	var actions []Action
	if !p.sentMetadata {
		if model := root.Get("model").String(); model != "" {
			p.sentMetadata = true
			actions = append(actions, SetMetadata{Fields: models.Metadata{Model: model}})
		}
	}

	choices := root.Get("choices")
	if choices.Exists() && !choices.IsArray() {
		return nil, parseErrorf("choices is not an array")
	}
	list := choices.Array()

	var choice gjson.Result
	if len(list) > 0 {
		choice = list[0]
		if c := choice.Get("delta.content"); c.Type == gjson.String && c.Str != "" {
			actions = append(actions, Text{Delta: c.Str})
		}
	}

	var meta models.Metadata
	if usage := root.Get("usage"); usage.IsObject() {
		meta.InputTokens = int(usage.Get("prompt_tokens").Int())
		meta.OutputTokens = int(usage.Get("completion_tokens").Int())
	}

	if finish := choice.Get("finish_reason"); finish.Type == gjson.String {
		meta.StopReason = finish.Str
	}
	if !meta.IsZero() {
		actions = append(actions, SetMetadata{Fields: meta})
	}
	if meta.StopReason == "" {
		return actions, nil
	}

	switch meta.StopReason {
	case "length":
		actions = append(actions, Issue{Message: "Response truncated: the output token limit was reached.", Severity: SeverityWarning})
	case "content_filter":
		actions = append(actions, Issue{Message: "Response stopped by the content filter.", Severity: SeverityWarning})
	}
	return append(actions, Close{}), nil
}
