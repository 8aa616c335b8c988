package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"streamrelay/internal/models"
)

var (
	errClaudeInvalidSystem   = errors.New("invalid system prompt")
	errClaudeUnsupportedStop = errors.New("unsupported stop sequences")
)

// ClaudeMessageRequest models the Anthropic Claude /v1/messages payload.
type ClaudeMessageRequest struct {
	Model       string
	MaxTokens   *int
	Messages    []ClaudeMessage
	System      []string
	Stream      bool
	Temperature *float64
	Options     map[string]any
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *ClaudeMessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string          `json:"model"`
		MaxTokens     *int            `json:"max_tokens"`
		Messages      []ClaudeMessage `json:"messages"`
		System        json.RawMessage `json:"system"`
		Stream        bool            `json:"stream"`
		Temperature   *float64        `json:"temperature"`
		TopP          *float64        `json:"top_p"`
		TopK          *int            `json:"top_k"`
		StopSequences json.RawMessage `json:"stop_sequences"`
		Metadata      struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude request: %w", err)
	}

	systemPrompts, err := parseClaudeSystem(raw.System)
	if err != nil {
		return err
	}

	stopSequences, err := parseClaudeStops(raw.StopSequences)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.Messages = raw.Messages
	r.System = systemPrompts
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.Options = make(map[string]any)

	if raw.TopP != nil {
		r.Options["top_p"] = *raw.TopP
	}
	if raw.TopK != nil {
		r.Options["top_k"] = *raw.TopK
	}
	if len(stopSequences) > 0 {
		r.Options["stop"] = stopSequences
	}
	if raw.Metadata.UserID != "" {
		r.Options["user"] = raw.Metadata.UserID
	}

	return r.validate()
}

func (r *ClaudeMessageRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyHistory
	}
	return nil
}

// ToChatRequest converts the Claude request into a registry-resolved chat request.
func (r ClaudeMessageRequest) ToChatRequest() models.ChatRequest {
	history := make([]models.HistoryTurn, 0, len(r.Messages)+len(r.System))
	for _, systemMsg := range r.System {
		history = append(history, models.HistoryTurn{
			Role:  models.RoleSystem,
			Parts: []models.Part{{Kind: models.PartText, Text: systemMsg}},
		})
	}
	for _, m := range r.Messages {
		history = append(history, models.HistoryTurn{Role: models.Role(m.Role), Parts: m.Parts})
	}

	var options map[string]any
	if len(r.Options) > 0 {
		options = make(map[string]any, len(r.Options))
		for k, v := range r.Options {
			options[k] = v
		}
	}

	return models.ChatRequest{
		Model: models.ModelDescriptor{
			ID:              r.Model,
			Temperature:     r.Temperature,
			MaxOutputTokens: r.MaxTokens,
			VendorOptions:   options,
		},
		History: history,
	}
}

// ClaudeMessage represents a single message in the request payload.
type ClaudeMessage struct {
	Role  string
	Parts []models.Part
}

// UnmarshalJSON normalises the Claude message content structure.
func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude message: %w", err)
	}

	parts, err := extractClaudeContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Parts = parts

	return m.validate()
}

func (m *ClaudeMessage) validate() error {
	switch m.Role {
	case "user", "assistant":
	default:
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if len(m.Parts) == 0 {
		return errInvalidContent
	}
	return nil
}

func parseClaudeSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		s := strings.TrimSpace(single)
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}

	var blocks []claudeSystemBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "" && block.Type != "text" {
				return nil, fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidSystem, block.Type)
			}
			if text := strings.TrimSpace(block.Text); text != "" {
				out = append(out, text)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}

	return nil, errClaudeInvalidSystem
}

func parseClaudeStops(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var stops []string
	if err := json.Unmarshal(raw, &stops); err != nil {
		return nil, errClaudeUnsupportedStop
	}

	out := make([]string, 0, len(stops))
	for _, stop := range stops {
		if strings.TrimSpace(stop) == "" {
			return nil, errClaudeUnsupportedStop
		}
		out = append(out, stop)
	}
	return out, nil
}

type claudeSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeContentBlock struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Source struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

func extractClaudeContent(raw json.RawMessage) ([]models.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errInvalidContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil, errInvalidContent
		}
		return []models.Part{{Kind: models.PartText, Text: text}}, nil
	}

	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, errInvalidContent
	}

	parts := make([]models.Part, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case "text":
			parts = append(parts, models.Part{Kind: models.PartText, Text: block.Text})
		case "image":
			if block.Source.Type != "base64" || block.Source.Data == "" {
				return nil, fmt.Errorf("%w: only base64 image sources are supported", errInvalidContent)
			}
			parts = append(parts, models.Part{Kind: models.PartBinary, MimeType: block.Source.MediaType, Data: block.Source.Data})
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			parts = append(parts, models.Part{Kind: models.PartToolCall, ToolCallID: block.ID, ToolName: block.Name, ToolArgs: args})
		case "tool_result":
			result, err := toolResultText(block.Content)
			if err != nil {
				return nil, err
			}
			parts = append(parts, models.Part{Kind: models.PartToolResult, ToolCallID: block.ToolUseID, ToolResult: result})
		default:
			return nil, fmt.Errorf("%w: unsupported block type %q", errInvalidContent, block.Type)
		}
	}
	return parts, nil
}

// toolResultText flattens string or text-block tool_result content.
func toolResultText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var blocks []claudeSystemBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("%w: unsupported tool_result content", errInvalidContent)
	}
	var builder strings.Builder
	for _, block := range blocks {
		if block.Type != "text" {
			return "", fmt.Errorf("%w: unsupported tool_result block %q", errInvalidContent, block.Type)
		}
		builder.WriteString(block.Text)
	}
	return builder.String(), nil
}

// ClaudeStreamEvent is one named SSE event of the Messages streaming format.
type ClaudeStreamEvent struct {
	Name string
	Data any
}

// Messages stream payloads.
type (
	claudeMessageStart struct {
		Type    string             `json:"type"`
		Message claudeMessageShell `json:"message"`
	}
	claudeMessageShell struct {
		ID           string            `json:"id"`
		Type         string            `json:"type"`
		Role         string            `json:"role"`
		Model        string            `json:"model"`
		Content      []ClaudeTextBlock `json:"content"`
		StopReason   *string           `json:"stop_reason"`
		StopSequence *string           `json:"stop_sequence"`
		Usage        ClaudeUsage       `json:"usage"`
	}
	claudeBlockStart struct {
		Type         string          `json:"type"`
		Index        int             `json:"index"`
		ContentBlock ClaudeTextBlock `json:"content_block"`
	}
	claudeBlockDelta struct {
		Type  string          `json:"type"`
		Index int             `json:"index"`
		Delta ClaudeTextDelta `json:"delta"`
	}
	claudeBlockStop struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
	}
	claudeMessageDelta struct {
		Type  string `json:"type"`
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage ClaudeUsage `json:"usage"`
	}
	claudeMessageStop struct {
		Type string `json:"type"`
	}
	claudeError struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

// ClaudeTextBlock represents a text content block.
type ClaudeTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeTextDelta is the incremental text of a content block.
type ClaudeTextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeUsage mirrors Anthropic usage format.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ClaudeEncoder renders outward events in the Messages streaming format.
// Issues are held until the next event: they are written as text unless the
// stream then fails, in which case they become the error message.
type ClaudeEncoder struct {
	id        string
	model     string
	metadata  models.Metadata
	blockOpen bool
	pending   string
}

func NewClaudeEncoder(id, model string) *ClaudeEncoder {
	return &ClaudeEncoder{id: id, model: model}
}

// Encode maps one event to the stream events it produces.
func (e *ClaudeEncoder) Encode(ev models.Event) []ClaudeStreamEvent {
	switch ev.Kind {
	case models.EventStart:
		return []ClaudeStreamEvent{{Name: "message_start", Data: claudeMessageStart{
			Type: "message_start",
			Message: claudeMessageShell{
				ID:      e.id,
				Type:    "message",
				Role:    "assistant",
				Model:   e.model,
				Content: []ClaudeTextBlock{},
			},
		}}}
	case models.EventSet:
		e.metadata = e.metadata.Merge(ev.Set)
		return nil
	case models.EventText:
		out := e.flushIssue()
		return append(out, e.text(ev.Text)...)
	case models.EventIssue:
		out := e.flushIssue()
		e.pending = ev.IssueText
		return out
	case models.EventDone:
		if ev.Termination.Reason == models.ReasonError {
			return e.fail(ev.Termination)
		}
		out := e.flushIssue()
		out = append(out, e.closeBlock()...)

		delta := claudeMessageDelta{Type: "message_delta"}
		delta.Delta.StopReason = claudeStopReason(e.metadata.StopReason)
		delta.Usage = ClaudeUsage{InputTokens: e.metadata.InputTokens, OutputTokens: e.metadata.OutputTokens}
		return append(out,
			ClaudeStreamEvent{Name: "message_delta", Data: delta},
			ClaudeStreamEvent{Name: "message_stop", Data: claudeMessageStop{Type: "message_stop"}},
		)
	default:
		return nil
	}
}

func (e *ClaudeEncoder) text(delta string) []ClaudeStreamEvent {
	var out []ClaudeStreamEvent
	if !e.blockOpen {
		e.blockOpen = true
		out = append(out, ClaudeStreamEvent{Name: "content_block_start", Data: claudeBlockStart{
			Type:         "content_block_start",
			ContentBlock: ClaudeTextBlock{Type: "text"},
		}})
	}
	return append(out, ClaudeStreamEvent{Name: "content_block_delta", Data: claudeBlockDelta{
		Type:  "content_block_delta",
		Delta: ClaudeTextDelta{Type: "text_delta", Text: delta},
	}})
}

func (e *ClaudeEncoder) flushIssue() []ClaudeStreamEvent {
	if e.pending == "" {
		return nil
	}
	text := e.pending
	e.pending = ""
	if e.blockOpen {
		text = "\n\n" + text
	}
	return e.text(text)
}

func (e *ClaudeEncoder) closeBlock() []ClaudeStreamEvent {
	if !e.blockOpen {
		return nil
	}
	e.blockOpen = false
	return []ClaudeStreamEvent{{Name: "content_block_stop", Data: claudeBlockStop{Type: "content_block_stop"}}}
}

func (e *ClaudeEncoder) fail(t models.Termination) []ClaudeStreamEvent {
	out := e.closeBlock()
	msg := e.pending
	if msg == "" {
		msg = string(t.Error)
	}
	e.pending = ""

	payload := claudeError{Type: "error"}
	payload.Error.Type = "api_error"
	payload.Error.Message = msg
	return append(out, ClaudeStreamEvent{Name: "error", Data: payload})
}

func claudeStopReason(vendor string) string {
	switch vendor {
	case "max_tokens", "length", "MAX_TOKENS":
		return "max_tokens"
	case "stop_sequence":
		return "stop_sequence"
	case "tool_use", "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}
