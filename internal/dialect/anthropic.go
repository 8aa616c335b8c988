package dialect

import (
	"strings"

	"streamrelay/internal/demux"
	"streamrelay/internal/models"
)

// Anthropic parses Messages API stream events. Event names drive the state
// machine; unknown names are rejected.
type Anthropic struct {
	sentMetadata bool
	message      *anthropicMessage
}

// anthropicMessage shadows the response message as it is streamed.
type anthropicMessage struct {
	id           string
	model        string
	stopReason   string
	inputTokens  int
	outputTokens int
	blocks       []*anthropicBlock
}

type anthropicBlock struct {
	kind    string
	text    strings.Builder
	input   strings.Builder
	stopped bool
}

func NewAnthropic() *Anthropic {
	return &Anthropic{}
}

func (p *Anthropic) Parse(ev demux.WireEvent) ([]Action, error) {
	root, err := parseObject(ev.Data)
	if err != nil {
		return nil, err
	}

	name := ev.Name
	if name == "" {
		name = root.Get("type").String()
	}

	switch name {
	case "ping":
		return nil, nil

	case "message_start":
		msg := root.Get("message")
		if !msg.IsObject() {
			return nil, parseErrorf("message_start without message")
		}
		p.message = &anthropicMessage{
			id:           msg.Get("id").String(),
			model:        msg.Get("model").String(),
			inputTokens:  int(msg.Get("usage.input_tokens").Int()),
			outputTokens: int(msg.Get("usage.output_tokens").Int()),
		}
		if p.sentMetadata {
			return nil, nil
		}
		p.sentMetadata = true
		return []Action{SetMetadata{Fields: models.Metadata{
			Model:       p.message.model,
			InputTokens: p.message.inputTokens,
		}}}, nil

	case "content_block_start":
		if err := p.requireMessage(name); err != nil {
			return nil, err
		}
		index := int(root.Get("index").Int())
		if index != len(p.message.blocks) {
			return nil, parseErrorf("content_block_start index %d out of order (have %d blocks)", index, len(p.message.blocks))
		}
		cb := root.Get("content_block")
		block := &anthropicBlock{kind: cb.Get("type").String()}
		p.message.blocks = append(p.message.blocks, block)

		switch block.kind {
		case "text":
			if text := cb.Get("text").String(); text != "" {
				block.text.WriteString(text)
				return []Action{Text{Delta: text}}, nil
			}
		case "thinking", "redacted_thinking", "tool_use", "server_tool_use":
		default:
			return nil, parseErrorf("unsupported content block type %q", block.kind)
		}
		return nil, nil

	case "content_block_delta":
		block, err := p.block(name, int(root.Get("index").Int()))
		if err != nil {
			return nil, err
		}
		delta := root.Get("delta")
		switch kind := delta.Get("type").String(); kind {
		case "text_delta":
			if block.kind != "text" {
				return nil, parseErrorf("text_delta for %s block", block.kind)
			}
			text := delta.Get("text").String()
			block.text.WriteString(text)
			if text == "" {
				return nil, nil
			}
			return []Action{Text{Delta: text}}, nil
		case "thinking_delta":
			block.text.WriteString(delta.Get("thinking").String())
		case "input_json_delta":
			block.input.WriteString(delta.Get("partial_json").String())
		case "signature_delta", "citations_delta":
		default:
			return nil, parseErrorf("unsupported content block delta %q", kind)
		}
		return nil, nil

	case "content_block_stop":
		block, err := p.block(name, int(root.Get("index").Int()))
		if err != nil {
			return nil, err
		}
		block.stopped = true
		return nil, nil

	case "message_delta":
		if err := p.requireMessage(name); err != nil {
			return nil, err
		}
		if reason := root.Get("delta.stop_reason").String(); reason != "" {
			p.message.stopReason = reason
		}
		if out := root.Get("usage.output_tokens"); out.Exists() {
			p.message.outputTokens = int(out.Int())
		}
		return nil, nil

	case "message_stop":
		if err := p.requireMessage(name); err != nil {
			return nil, err
		}
		var actions []Action
		// Input tokens already went out with message_start.
		meta := models.Metadata{
			OutputTokens: p.message.outputTokens,
			StopReason:   p.message.stopReason,
		}
		if !meta.IsZero() {
			actions = append(actions, SetMetadata{Fields: meta})
		}
		if p.message.stopReason == "max_tokens" {
			actions = append(actions, Issue{Message: "Response truncated: the output token limit was reached.", Severity: SeverityWarning})
		}
		return append(actions, Close{}), nil

	case "error":
		return []Action{
			Issue{Message: errorText(root.Get("error")), Severity: SeverityError},
			Close{},
		}, nil

	default:
		return nil, parseErrorf("unknown anthropic event %q", name)
	}
}

func (p *Anthropic) requireMessage(event string) error {
	if p.message == nil {
		return parseErrorf("%s before message_start", event)
	}
	return nil
}

func (p *Anthropic) block(event string, index int) (*anthropicBlock, error) {
	if err := p.requireMessage(event); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(p.message.blocks) {
		return nil, parseErrorf("%s for unknown block %d", event, index)
	}
	block := p.message.blocks[index]
	if block.stopped {
		return nil, parseErrorf("%s for stopped block %d", event, index)
	}
	return block, nil
}
