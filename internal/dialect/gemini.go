package dialect

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"streamrelay/internal/demux"
	"streamrelay/internal/models"
)

// TruncationMarker is appended to the message when Gemini stops on its token limit.
const TruncationMarker = " [...]"

// Gemini parses streamGenerateContent responses. Each event holds exactly one candidate.
type Gemini struct {
	modelID      string
	sentMetadata bool
}

// NewGemini returns a parser that reports modelID as the answering model, since
// the vendor does not always echo it.
func NewGemini(modelID string) *Gemini {
	return &Gemini{modelID: modelID}
}

func (p *Gemini) Parse(ev demux.WireEvent) ([]Action, error) {
	root, err := parseObject(ev.Data)
	if err != nil {
		return nil, err
	}

	// A blocked prompt has no candidates at all.
	if reason := root.Get("promptFeedback.blockReason").String(); reason != "" {
		return []Action{
			Issue{Message: fmt.Sprintf("Input not allowed: %s (the prompt was blocked before generation).", reason), Severity: SeverityError},
			Close{},
		}, nil
	}

	candidates := root.Get("candidates").Array()
	if len(candidates) != 1 {
		return nil, parseErrorf("expected 1 candidate, got %d", len(candidates))
	}
	candidate := candidates[0]

	var actions []Action
	if !p.sentMetadata {
		model := p.modelID
		if model == "" {
			model = root.Get("modelVersion").String()
		}
		if model != "" {
			p.sentMetadata = true
			actions = append(actions, SetMetadata{Fields: models.Metadata{Model: model}})
		}
	}

	finish := candidate.Get("finishReason").String()
	meta := models.Metadata{StopReason: finish}
	if usage := root.Get("usageMetadata"); usage.IsObject() {
		meta.InputTokens = int(usage.Get("promptTokenCount").Int())
		meta.OutputTokens = int(usage.Get("candidatesTokenCount").Int())
	}
	if !meta.IsZero() {
		actions = append(actions, SetMetadata{Fields: meta})
	}

	parts := candidate.Get("content.parts")

	if !parts.Exists() {
		switch finish {
		case "MAX_TOKENS", "RECITATION", "SAFETY":
			return append(actions, p.stop(finish, candidate.Get("safetyRatings").Array())...), nil
		default:
			return nil, parseErrorf("candidate without content (finishReason %q)", finish)
		}
	}

	list := parts.Array()
	if len(list) != 1 {
		return nil, parseErrorf("expected 1 content part, got %d", len(list))
	}
	part := list[0]
	text := part.Get("text")
	switch {
	case !text.Exists():
		return nil, parseErrorf("unsupported content part %s", clip(part.Raw))
	case part.Get("thought").Bool():
		// reasoning summaries are not part of the answer
	case text.String() != "":
		actions = append(actions, Text{Delta: text.String()})
	}

	switch finish {
	case "MAX_TOKENS", "RECITATION", "SAFETY":
		actions = append(actions, p.stop(finish, candidate.Get("safetyRatings").Array())...)
	}
	return actions, nil
}

func (p *Gemini) stop(finish string, ratings []gjson.Result) []Action {
	switch finish {
	case "MAX_TOKENS":
		return []Action{Text{Delta: TruncationMarker}, Close{}}
	case "RECITATION":
		return []Action{
			Issue{Message: "Generation stopped: the response resembled existing material (RECITATION).", Severity: SeverityWarning},
			Close{},
		}
	default:
		var blocked []string
		for _, r := range ratings {
			if r.Get("blocked").Bool() {
				blocked = append(blocked, r.Get("category").String())
			}
		}
		msg := "Generation stopped by the vendor safety filters (SAFETY)."
		if len(blocked) > 0 {
			msg = fmt.Sprintf("Generation stopped by the vendor safety filters (SAFETY: %s).", strings.Join(blocked, ", "))
		}
		return []Action{Issue{Message: msg, Severity: SeverityWarning}, Close{}}
	}
}
