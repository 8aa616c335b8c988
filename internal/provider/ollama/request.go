// Package ollama builds /api/chat requests for a local or remote Ollama daemon.
package ollama

import (
	"fmt"

	"streamrelay/internal/models"
	"streamrelay/internal/provider"
)

type chatPayload struct {
	Model     string         `json:"model"`
	Messages  []message      `json:"messages"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// BuildRequest returns the streaming /api/chat request. The response is newline-delimited JSON.
func BuildRequest(access models.AccessDescriptor, model models.ModelDescriptor, history []models.HistoryTurn) (models.UpstreamRequest, error) {
	if err := provider.CheckAccess(access, model, history); err != nil {
		return models.UpstreamRequest{}, err
	}

	messages := make([]message, 0, len(history))
	for i, turn := range history {
		msg, err := convertTurn(turn)
		if err != nil {
			return models.UpstreamRequest{}, fmt.Errorf("history[%d]: %w", i, err)
		}
		messages = append(messages, msg...)
	}

	payload := chatPayload{
		Model:    model.ID,
		Messages: messages,
		Stream:   true,
		Options:  buildOptions(model),
	}
	if keepAlive, ok := provider.String(model.VendorOptions, "keep_alive"); ok {
		payload.KeepAlive = keepAlive
	}

	req, err := provider.NewRequest(access, provider.Host(access)+"/api/chat", payload)
	if err != nil {
		return models.UpstreamRequest{}, err
	}
	req.Headers.Set("Accept", "application/x-ndjson")
	if access.APIKey != "" {
		req.Headers.Set("Authorization", "Bearer "+access.APIKey)
	}
	return req, nil
}

func buildOptions(model models.ModelDescriptor) map[string]any {
	options := make(map[string]any)
	if model.Temperature != nil {
		options["temperature"] = *model.Temperature
	}
	if model.MaxOutputTokens != nil {
		options["num_predict"] = *model.MaxOutputTokens
	}
	opts := model.VendorOptions
	if v, ok := provider.Float(opts, "top_p"); ok {
		options["top_p"] = v
	}
	if v, ok := provider.Int(opts, "top_k"); ok {
		options["top_k"] = v
	}
	if v, ok := provider.Int(opts, "num_ctx"); ok {
		options["num_ctx"] = v
	}
	if stop, ok := provider.StringSlice(opts, "stop"); ok {
		options["stop"] = stop
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

func convertTurn(turn models.HistoryTurn) ([]message, error) {
	switch turn.Role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant:
	default:
		return nil, fmt.Errorf("%w: ollama does not support role %q", provider.ErrInvalidHistory, turn.Role)
	}

	msg := message{Role: string(turn.Role), Content: turn.Text()}
	var out []message
	for _, p := range turn.Parts {
		switch p.Kind {
		case models.PartText:
		case models.PartBinary:
			msg.Images = append(msg.Images, p.Data)
		case models.PartToolCall:
			// Prior tool calls are replayed as plain assistant text.
			if msg.Content != "" {
				msg.Content += "\n"
			}
			msg.Content += fmt.Sprintf("[tool call %s(%s)]", p.ToolName, provider.ToolInput(p.ToolArgs))
		case models.PartToolResult:
			out = append(out, message{Role: "tool", Content: p.ToolResult})
		default:
			return nil, fmt.Errorf("%w: unknown part kind %q", provider.ErrInvalidHistory, p.Kind)
		}
	}
	if msg.Content != "" || len(msg.Images) > 0 {
		out = append([]message{msg}, out...)
	}
	return out, nil
}
