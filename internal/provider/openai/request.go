// Package openai builds chat-completions requests for OpenAI and the vendors
// that speak its wire format.
package openai

import (
	"fmt"
	"net/url"
	"strings"

	"streamrelay/internal/models"
	"streamrelay/internal/provider"
)

const defaultAzureAPIVersion = "2024-10-21"

type chatPayload struct {
	Model            string    `json:"model"`
	Messages         []message `json:"messages"`
	Stream           bool      `json:"stream"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	User             string    `json:"user,omitempty"`
}

type message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// BuildRequest returns the streaming chat-completions request for the access dialect.
func BuildRequest(access models.AccessDescriptor, model models.ModelDescriptor, history []models.HistoryTurn) (models.UpstreamRequest, error) {
	if err := provider.CheckAccess(access, model, history); err != nil {
		return models.UpstreamRequest{}, err
	}

	payload, err := buildChatPayload(model, history)
	if err != nil {
		return models.UpstreamRequest{}, err
	}

	req, err := provider.NewRequest(access, chatURL(access, model.ID), payload)
	if err != nil {
		return models.UpstreamRequest{}, err
	}

	switch access.Dialect {
	case models.DialectAzure:
		req.Headers.Set("api-key", access.APIKey)
	default:
		if access.APIKey != "" {
			req.Headers.Set("Authorization", "Bearer "+access.APIKey)
		}
	}
	if access.OrgID != "" {
		req.Headers.Set("OpenAI-Organization", access.OrgID)
	}
	if access.Dialect == models.DialectOpenRouter {
		if req.Headers.Get("HTTP-Referer") == "" {
			req.Headers.Set("HTTP-Referer", "https://github.com/streamrelay/streamrelay")
		}
		if req.Headers.Get("X-Title") == "" {
			req.Headers.Set("X-Title", "streamrelay")
		}
	}
	return req, nil
}

func chatURL(access models.AccessDescriptor, modelID string) string {
	host := provider.Host(access)
	switch {
	case access.Dialect == models.DialectAzure:
		version := access.APIVersion
		if version == "" {
			version = defaultAzureAPIVersion
		}
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			host, url.PathEscape(modelID), url.QueryEscape(version))
	case access.Dialect == models.DialectPerplexity, strings.HasSuffix(host, "/v1"):
		return host + "/chat/completions"
	default:
		return host + "/v1/chat/completions"
	}
}

func buildChatPayload(model models.ModelDescriptor, history []models.HistoryTurn) (chatPayload, error) {
	var messages []message
	for i, turn := range history {
		converted, err := convertTurn(turn)
		if err != nil {
			return chatPayload{}, fmt.Errorf("history[%d]: %w", i, err)
		}
		messages = append(messages, converted...)
	}

	payload := chatPayload{
		Model:       model.ID,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   model.MaxOutputTokens,
		Temperature: model.Temperature,
	}

	opts := model.VendorOptions
	if v, ok := provider.Float(opts, "top_p"); ok {
		payload.TopP = &v
	}
	if v, ok := provider.Float(opts, "frequency_penalty"); ok {
		payload.FrequencyPenalty = &v
	}
	if v, ok := provider.Float(opts, "presence_penalty"); ok {
		payload.PresencePenalty = &v
	}
	if stop, ok := provider.StringSlice(opts, "stop"); ok {
		payload.Stop = stop
	}
	if user, ok := provider.String(opts, "user"); ok {
		payload.User = user
	}
	return payload, nil
}

// convertTurn maps one turn to one or more messages. Tool results become
// separate tool messages at the position they appear.
func convertTurn(turn models.HistoryTurn) ([]message, error) {
	switch turn.Role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant:
	default:
		return nil, fmt.Errorf("%w: unsupported role %q", provider.ErrInvalidHistory, turn.Role)
	}

	var (
		out       []message
		parts     []contentPart
		toolCalls []toolCall
	)
	flush := func() {
		if len(parts) == 0 && len(toolCalls) == 0 {
			return
		}
		out = append(out, message{
			Role:      string(turn.Role),
			Content:   collapse(parts),
			ToolCalls: toolCalls,
		})
		parts, toolCalls = nil, nil
	}

	for _, p := range turn.Parts {
		switch p.Kind {
		case models.PartText:
			parts = append(parts, contentPart{Type: "text", Text: p.Text})
		case models.PartBinary:
			if !strings.HasPrefix(p.MimeType, "image/") {
				return nil, fmt.Errorf("%w: unsupported attachment type %q", provider.ErrInvalidHistory, p.MimeType)
			}
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: provider.DataURL(p)}})
		case models.PartToolCall:
			if turn.Role != models.RoleAssistant {
				return nil, fmt.Errorf("%w: tool call in %s turn", provider.ErrInvalidHistory, turn.Role)
			}
			toolCalls = append(toolCalls, toolCall{
				ID:       p.ToolCallID,
				Type:     "function",
				Function: toolFunction{Name: p.ToolName, Arguments: string(provider.ToolInput(p.ToolArgs))},
			})
		case models.PartToolResult:
			flush()
			out = append(out, message{Role: "tool", Content: p.ToolResult, ToolCallID: p.ToolCallID})
		default:
			return nil, fmt.Errorf("%w: unknown part kind %q", provider.ErrInvalidHistory, p.Kind)
		}
	}
	flush()
	return out, nil
}

// collapse sends text-only content as a plain string, which every compatible vendor accepts.
func collapse(parts []contentPart) any {
	if len(parts) == 0 {
		return nil
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type != "text" {
			return parts
		}
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n")
}
