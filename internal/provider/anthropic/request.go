// Package anthropic builds streaming Messages API requests.
package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"streamrelay/internal/models"
	"streamrelay/internal/provider"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 8192
)

type messagePayload struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	System        string         `json:"system,omitempty"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Stream        bool           `json:"stream"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// BuildRequest returns the streaming /v1/messages request.
func BuildRequest(access models.AccessDescriptor, model models.ModelDescriptor, history []models.HistoryTurn) (models.UpstreamRequest, error) {
	if err := provider.CheckAccess(access, model, history); err != nil {
		return models.UpstreamRequest{}, err
	}

	payload, err := buildMessagePayload(model, history)
	if err != nil {
		return models.UpstreamRequest{}, err
	}

	req, err := provider.NewRequest(access, provider.Host(access)+"/v1/messages", payload)
	if err != nil {
		return models.UpstreamRequest{}, err
	}

	version := access.APIVersion
	if version == "" {
		version = apiVersion
	}
	req.Headers.Set("x-api-key", access.APIKey)
	req.Headers.Set("anthropic-version", version)
	return req, nil
}

func buildMessagePayload(model models.ModelDescriptor, history []models.HistoryTurn) (messagePayload, error) {
	messages := make([]message, 0, len(history))
	var systemParts []string

	for i, turn := range history {
		if turn.Role == models.RoleSystem {
			if text := strings.TrimSpace(turn.Text()); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}
		if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
			return messagePayload{}, fmt.Errorf("%w: anthropic does not support role %q", provider.ErrInvalidHistory, turn.Role)
		}

		blocks, err := convertParts(turn)
		if err != nil {
			return messagePayload{}, fmt.Errorf("history[%d]: %w", i, err)
		}
		if len(blocks) == 0 {
			continue
		}

		// Consecutive turns from the same author are merged; the API expects alternation.
		if n := len(messages); n > 0 && messages[n-1].Role == string(turn.Role) {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			continue
		}
		messages = append(messages, message{Role: string(turn.Role), Content: blocks})
	}

	if len(messages) == 0 {
		return messagePayload{}, fmt.Errorf("%w: anthropic requires at least one user message", provider.ErrInvalidHistory)
	}
	if messages[0].Role != string(models.RoleUser) {
		return messagePayload{}, errors.Join(provider.ErrInvalidHistory, errors.New("anthropic conversation must start with a user message"))
	}

	payload := messagePayload{
		Model:       model.ID,
		Messages:    messages,
		System:      strings.Join(systemParts, "\n\n"),
		MaxTokens:   defaultMaxTokens,
		Temperature: model.Temperature,
		Stream:      true,
	}
	if model.MaxOutputTokens != nil && *model.MaxOutputTokens > 0 {
		payload.MaxTokens = *model.MaxOutputTokens
	}

	opts := model.VendorOptions
	if v, ok := provider.Float(opts, "top_p"); ok {
		payload.TopP = &v
	}
	if v, ok := provider.Int(opts, "top_k"); ok {
		payload.TopK = &v
	}
	if stop, ok := provider.StringSlice(opts, "stop"); ok {
		payload.StopSequences = stop
	}
	if user, ok := provider.String(opts, "user"); ok {
		payload.Metadata = map[string]any{"user_id": user}
	}
	return payload, nil
}

func convertParts(turn models.HistoryTurn) ([]contentBlock, error) {
	blocks := make([]contentBlock, 0, len(turn.Parts))
	for _, p := range turn.Parts {
		switch p.Kind {
		case models.PartText:
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			blocks = append(blocks, contentBlock{Type: "text", Text: p.Text})
		case models.PartBinary:
			if !strings.HasPrefix(p.MimeType, "image/") {
				return nil, fmt.Errorf("%w: unsupported attachment type %q", provider.ErrInvalidHistory, p.MimeType)
			}
			blocks = append(blocks, contentBlock{
				Type:   "image",
				Source: &imageSource{Type: "base64", MediaType: p.MimeType, Data: p.Data},
			})
		case models.PartToolCall:
			if turn.Role != models.RoleAssistant {
				return nil, fmt.Errorf("%w: tool call in %s turn", provider.ErrInvalidHistory, turn.Role)
			}
			blocks = append(blocks, contentBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: provider.ToolInput(p.ToolArgs),
			})
		case models.PartToolResult:
			if turn.Role != models.RoleUser {
				return nil, fmt.Errorf("%w: tool result in %s turn", provider.ErrInvalidHistory, turn.Role)
			}
			blocks = append(blocks, contentBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolCallID,
				Content:   p.ToolResult,
			})
		default:
			return nil, fmt.Errorf("%w: unknown part kind %q", provider.ErrInvalidHistory, p.Kind)
		}
	}
	return blocks, nil
}
