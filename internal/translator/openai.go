package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"streamrelay/internal/models"
)

// ChatCompletionRequest models the OpenAI chat/completions request payload
// accepted on the OpenAI-compatible streaming endpoint.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   *int
	Temperature *float64
	Options     map[string]any
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string          `json:"model"`
		Messages            []ChatMessage   `json:"messages"`
		Stream              bool            `json:"stream"`
		MaxTokens           *int            `json:"max_tokens"`
		MaxCompletionTokens *int            `json:"max_completion_tokens"`
		Temperature         *float64        `json:"temperature"`
		TopP                *float64        `json:"top_p"`
		FrequencyPenalty    *float64        `json:"frequency_penalty"`
		PresencePenalty     *float64        `json:"presence_penalty"`
		Stop                json.RawMessage `json:"stop"`
		User                string          `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	if r.MaxTokens == nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature

	r.Options = make(map[string]any)
	if raw.TopP != nil {
		r.Options["top_p"] = *raw.TopP
	}
	if raw.FrequencyPenalty != nil {
		r.Options["frequency_penalty"] = *raw.FrequencyPenalty
	}
	if raw.PresencePenalty != nil {
		r.Options["presence_penalty"] = *raw.PresencePenalty
	}
	if len(stopValues) > 0 {
		r.Options["stop"] = stopValues
	}
	if raw.User != "" {
		r.Options["user"] = raw.User
	}

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyHistory
	}
	return nil
}

// ToChatRequest converts the OpenAI request into a registry-resolved chat request.
func (r ChatCompletionRequest) ToChatRequest() models.ChatRequest {
	history := make([]models.HistoryTurn, 0, len(r.Messages))
	for _, m := range r.Messages {
		history = append(history, m.toTurn())
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

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role       string
	Parts      []models.Part
	ToolCallID string
}

// UnmarshalJSON supports string and array-of-parts content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCallID string          `json:"tool_call_id"`
		ToolCalls  []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = strings.ToLower(strings.TrimSpace(raw.Role))
	m.ToolCallID = raw.ToolCallID

	parts, err := extractMessageParts(raw.Content)
	if err != nil {
		return err
	}

	if m.Role == "tool" {
		var text strings.Builder
		for _, p := range parts {
			text.WriteString(p.Text)
		}
		m.Parts = []models.Part{{Kind: models.PartToolResult, ToolCallID: raw.ToolCallID, ToolResult: text.String()}}
	} else {
		m.Parts = parts
	}
	for _, call := range raw.ToolCalls {
		m.Parts = append(m.Parts, models.Part{
			Kind:       models.PartToolCall,
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			ToolArgs:   call.Function.Arguments,
		})
	}

	return m.validate()
}

func (m *ChatMessage) validate() error {
	switch m.Role {
	case "system", "user", "assistant":
	case "tool":
		if m.ToolCallID == "" {
			return fmt.Errorf("%w: tool message requires tool_call_id", errInvalidContent)
		}
	default:
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func (m ChatMessage) toTurn() models.HistoryTurn {
	role := models.Role(m.Role)
	if m.Role == "tool" {
		role = models.RoleUser
	}
	return models.HistoryTurn{Role: role, Parts: m.Parts}
}

func extractMessageParts(raw json.RawMessage) ([]models.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil, nil
		}
		return []models.Part{{Kind: models.PartText, Text: text}}, nil
	}

	var segments []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	parts := make([]models.Part, 0, len(segments))
	for _, segment := range segments {
		switch segment.Type {
		case "text":
			parts = append(parts, models.Part{Kind: models.PartText, Text: segment.Text})
		case "image_url":
			mime, data, ok := parseDataURL(segment.ImageURL.URL)
			if !ok {
				return nil, fmt.Errorf("%w: only data: image URLs are supported", errInvalidContent)
			}
			parts = append(parts, models.Part{Kind: models.PartBinary, MimeType: mime, Data: data})
		default:
			return nil, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	return parts, nil
}

// parseDataURL splits data:<mime>;base64,<data>.
func parseDataURL(url string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime, found = strings.CutSuffix(meta, ";base64")
	if !found || mime == "" || data == "" {
		return "", "", false
	}
	return mime, data, true
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

// ChatCompletionChunk models one OpenAI streaming chunk.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *OpenAIUsage  `json:"usage,omitempty"`
}

// ChunkChoice is the single choice of a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental message fields.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChunkEncoder renders outward events as OpenAI chunks. Issues are inlined as
// assistant text so stock clients display them.
type ChunkEncoder struct {
	id       string
	created  int64
	model    string
	metadata models.Metadata
	wrote    bool
}

func NewChunkEncoder(id string, created int64, model string) *ChunkEncoder {
	return &ChunkEncoder{id: id, created: created, model: model}
}

// Encode maps one event to zero or one chunk.
func (e *ChunkEncoder) Encode(ev models.Event) (ChatCompletionChunk, bool) {
	switch ev.Kind {
	case models.EventStart:
		return e.chunk(ChunkDelta{Role: "assistant"}, nil), true
	case models.EventSet:
		e.metadata = e.metadata.Merge(ev.Set)
		if ev.Set.Model != "" {
			e.model = ev.Set.Model
		}
		return ChatCompletionChunk{}, false
	case models.EventText:
		e.wrote = true
		return e.chunk(ChunkDelta{Content: ev.Text}, nil), true
	case models.EventIssue:
		text := ev.IssueText
		if e.wrote {
			text = "\n\n" + text
		}
		e.wrote = true
		return e.chunk(ChunkDelta{Content: text}, nil), true
	case models.EventDone:
		reason := "stop"
		if ev.Termination.Reason == models.ReasonError {
			reason = "error"
		} else if claudeStopReason(e.metadata.StopReason) == "max_tokens" {
			reason = "length"
		}
		c := e.chunk(ChunkDelta{}, &reason)
		if e.metadata.InputTokens != 0 || e.metadata.OutputTokens != 0 {
			c.Usage = &OpenAIUsage{
				PromptTokens:     e.metadata.InputTokens,
				CompletionTokens: e.metadata.OutputTokens,
				TotalTokens:      e.metadata.InputTokens + e.metadata.OutputTokens,
			}
		}
		return c, true
	default:
		return ChatCompletionChunk{}, false
	}
}

func (e *ChunkEncoder) chunk(delta ChunkDelta, finish *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}
