package dialect

import (
	"streamrelay/internal/demux"
	"streamrelay/internal/models"
)

// Ollama parses /api/chat JSON lines.
type Ollama struct {
	sentMetadata bool
}

func NewOllama() *Ollama {
	return &Ollama{}
}

func (p *Ollama) Parse(ev demux.WireEvent) ([]Action, error) {
	root, err := parseObject(ev.Data)
	if err != nil {
		return nil, err
	}

	if e := root.Get("error"); e.Exists() {
		return nil, parseErrorf("ollama error: %s", errorText(e))
	}

	var actions []Action
	if !p.sentMetadata {
		if model := root.Get("model").String(); model != "" {
			p.sentMetadata = true
			actions = append(actions, SetMetadata{Fields: models.Metadata{Model: model}})
		}
	}

	if content := root.Get("message.content").String(); content != "" {
		actions = append(actions, Text{Delta: content})
	}

	if !root.Get("done").Bool() {
		return actions, nil
	}

	reason := root.Get("done_reason").String()
	if reason == "length" {
		actions = append(actions, Issue{Message: "Response truncated: the output token limit was reached.", Severity: SeverityWarning})
	}
	meta := models.Metadata{
		InputTokens:  int(root.Get("prompt_eval_count").Int()),
		OutputTokens: int(root.Get("eval_count").Int()),
		StopReason:   reason,
	}
	if !meta.IsZero() {
		actions = append(actions, SetMetadata{Fields: meta})
	}
	return append(actions, Close{}), nil
}
