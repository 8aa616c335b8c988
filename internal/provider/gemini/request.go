// Package gemini builds streamGenerateContent requests for the Generative Language API.
package gemini

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"streamrelay/internal/models"
	"streamrelay/internal/provider"
)

type generatePayload struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []safetySetting   `json:"safetySettings,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// BuildRequest returns the SSE-mode streamGenerateContent request.
func BuildRequest(access models.AccessDescriptor, model models.ModelDescriptor, history []models.HistoryTurn) (models.UpstreamRequest, error) {
	if err := provider.CheckAccess(access, model, history); err != nil {
		return models.UpstreamRequest{}, err
	}

	payload, err := buildGeneratePayload(model, history)
	if err != nil {
		return models.UpstreamRequest{}, err
	}

	modelID := strings.TrimPrefix(model.ID, "models/")
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", provider.Host(access), url.PathEscape(modelID))

	req, err := provider.NewRequest(access, endpoint, payload)
	if err != nil {
		return models.UpstreamRequest{}, err
	}
	req.Headers.Set("x-goog-api-key", access.APIKey)
	return req, nil
}

func buildGeneratePayload(model models.ModelDescriptor, history []models.HistoryTurn) (generatePayload, error) {
	var (
		contents []content
		system   []part
	)
	// Function responses must name the function; tool call ids are mapped back to names.
	toolNames := make(map[string]string)

	for i, turn := range history {
		switch turn.Role {
		case models.RoleSystem:
			if text := strings.TrimSpace(turn.Text()); text != "" {
				system = append(system, part{Text: text})
			}
			continue
		case models.RoleUser, models.RoleAssistant:
		default:
			return generatePayload{}, fmt.Errorf("%w: gemini does not support role %q", provider.ErrInvalidHistory, turn.Role)
		}

		parts, err := convertParts(turn, toolNames)
		if err != nil {
			return generatePayload{}, fmt.Errorf("history[%d]: %w", i, err)
		}
		if len(parts) == 0 {
			continue
		}

		role := "user"
		if turn.Role == models.RoleAssistant {
			role = "model"
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, content{Role: role, Parts: parts})
	}

	if len(contents) == 0 {
		return generatePayload{}, fmt.Errorf("%w: gemini requires at least one user or model turn", provider.ErrInvalidHistory)
	}

	payload := generatePayload{Contents: contents}
	if len(system) > 0 {
		payload.SystemInstruction = &content{Parts: system}
	}

	cfg := generationConfig{
		Temperature:     model.Temperature,
		MaxOutputTokens: model.MaxOutputTokens,
	}
	opts := model.VendorOptions
	if v, ok := provider.Float(opts, "top_p"); ok {
		cfg.TopP = &v
	}
	if v, ok := provider.Int(opts, "top_k"); ok {
		cfg.TopK = &v
	}
	if stop, ok := provider.StringSlice(opts, "stop"); ok {
		cfg.StopSequences = stop
	}
	if !cfg.empty() {
		payload.GenerationConfig = &cfg
	}

	if threshold, ok := provider.String(opts, "safety_threshold"); ok && threshold != "" {
		for _, category := range harmCategories {
			payload.SafetySettings = append(payload.SafetySettings, safetySetting{Category: category, Threshold: threshold})
		}
	}
	return payload, nil
}

func convertParts(turn models.HistoryTurn, toolNames map[string]string) ([]part, error) {
	parts := make([]part, 0, len(turn.Parts))
	for _, p := range turn.Parts {
		switch p.Kind {
		case models.PartText:
			if p.Text == "" {
				continue
			}
			parts = append(parts, part{Text: p.Text})
		case models.PartBinary:
			parts = append(parts, part{InlineData: &inlineData{MimeType: p.MimeType, Data: p.Data}})
		case models.PartToolCall:
			if turn.Role != models.RoleAssistant {
				return nil, fmt.Errorf("%w: tool call in %s turn", provider.ErrInvalidHistory, turn.Role)
			}
			toolNames[p.ToolCallID] = p.ToolName
			parts = append(parts, part{FunctionCall: &functionCall{Name: p.ToolName, Args: provider.ToolInput(p.ToolArgs)}})
		case models.PartToolResult:
			name := p.ToolName
			if name == "" {
				name = toolNames[p.ToolCallID]
			}
			if name == "" {
				return nil, fmt.Errorf("%w: tool result %q has no matching call", provider.ErrInvalidHistory, p.ToolCallID)
			}
			parts = append(parts, part{FunctionResponse: &functionResponse{
				Name:     name,
				Response: map[string]any{"content": p.ToolResult},
			}})
		default:
			return nil, fmt.Errorf("%w: unknown part kind %q", provider.ErrInvalidHistory, p.Kind)
		}
	}
	return parts, nil
}

func (c generationConfig) empty() bool {
	return c.Temperature == nil && c.MaxOutputTokens == nil && c.TopP == nil && c.TopK == nil && len(c.StopSequences) == 0
}
