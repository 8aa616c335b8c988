package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"streamrelay/internal/models"
)

var (
	errEmptyModel      = errors.New("model must be provided")
	errEmptyHistory    = errors.New("at least one history turn is required")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
	errInvalidAccess   = errors.New("invalid access")
)

var allowedRoles = map[models.Role]struct{}{
	models.RoleSystem:    {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
}

// ChatStreamRequest is the native streaming chat payload. Access is optional:
// without it the model is resolved against the configured profiles.
type ChatStreamRequest struct {
	Access  *models.AccessDescriptor
	Model   models.ModelDescriptor
	History []models.HistoryTurn
}

type accessJSON struct {
	Dialect    string            `json:"dialect"`
	APIKey     string            `json:"apiKey"`
	Host       string            `json:"host"`
	OrgID      string            `json:"orgId"`
	APIVersion string            `json:"apiVersion"`
	Headers    map[string]string `json:"headers"`
}

type modelJSON struct {
	ID              string         `json:"id"`
	Temperature     *float64       `json:"temperature"`
	MaxOutputTokens *int           `json:"maxOutputTokens"`
	VendorOptions   map[string]any `json:"vendorOptions"`
}

type turnJSON struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Parts   []partJSON      `json:"parts"`
}

type partJSON struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Args     string `json:"args"`
	Result   string `json:"result"`
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatStreamRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Access  *accessJSON     `json:"access"`
		Model   json.RawMessage `json:"model"`
		History []turnJSON      `json:"history"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	model, err := decodeModel(raw.Model)
	if err != nil {
		return err
	}
	r.Model = model

	r.Access = nil
	if raw.Access != nil {
		dialect, ok := models.ParseDialect(raw.Access.Dialect)
		if !ok {
			return fmt.Errorf("%w: unknown dialect %q", errInvalidAccess, raw.Access.Dialect)
		}
		r.Access = &models.AccessDescriptor{
			Dialect:    dialect,
			APIKey:     strings.TrimSpace(raw.Access.APIKey),
			Host:       strings.TrimSpace(raw.Access.Host),
			OrgID:      raw.Access.OrgID,
			APIVersion: raw.Access.APIVersion,
			Headers:    raw.Access.Headers,
		}
	}

	if len(raw.History) == 0 {
		return errEmptyHistory
	}
	r.History = make([]models.HistoryTurn, 0, len(raw.History))
	for i, t := range raw.History {
		turn, err := t.toTurn()
		if err != nil {
			return fmt.Errorf("history[%d]: %w", i, err)
		}
		r.History = append(r.History, turn)
	}
	return nil
}

// ToChatRequest converts the payload into the dispatcher's request form.
func (r ChatStreamRequest) ToChatRequest() models.ChatRequest {
	req := models.ChatRequest{Model: r.Model, History: r.History}
	if r.Access != nil {
		req.Access = *r.Access
	}
	return req
}

// decodeModel accepts either a bare model id or a descriptor object.
func decodeModel(raw json.RawMessage) (models.ModelDescriptor, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return models.ModelDescriptor{}, errEmptyModel
	}

	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		id = strings.TrimSpace(id)
		if id == "" {
			return models.ModelDescriptor{}, errEmptyModel
		}
		return models.ModelDescriptor{ID: id}, nil
	}

	var m modelJSON
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.ModelDescriptor{}, fmt.Errorf("decode model: %w", err)
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return models.ModelDescriptor{}, errEmptyModel
	}
	if m.MaxOutputTokens != nil && *m.MaxOutputTokens <= 0 {
		return models.ModelDescriptor{}, errors.New("maxOutputTokens must be positive")
	}
	return models.ModelDescriptor{
		ID:              m.ID,
		Temperature:     m.Temperature,
		MaxOutputTokens: m.MaxOutputTokens,
		VendorOptions:   m.VendorOptions,
	}, nil
}

func (t turnJSON) toTurn() (models.HistoryTurn, error) {
	role := models.Role(strings.ToLower(strings.TrimSpace(t.Role)))
	if _, ok := allowedRoles[role]; !ok {
		return models.HistoryTurn{}, fmt.Errorf("%w: %q", errInvalidRole, t.Role)
	}

	turn := models.HistoryTurn{Role: role}
	if len(t.Content) > 0 && !bytes.Equal(bytes.TrimSpace(t.Content), []byte("null")) {
		var text string
		if err := json.Unmarshal(t.Content, &text); err != nil {
			return models.HistoryTurn{}, fmt.Errorf("%w: content must be a string", errInvalidContent)
		}
		if text != "" {
			turn.Parts = append(turn.Parts, models.Part{Kind: models.PartText, Text: text})
		}
	}

	for i, p := range t.Parts {
		part, err := p.toPart()
		if err != nil {
			return models.HistoryTurn{}, fmt.Errorf("parts[%d]: %w", i, err)
		}
		turn.Parts = append(turn.Parts, part)
	}

	if len(turn.Parts) == 0 {
		return models.HistoryTurn{}, fmt.Errorf("%w: turn has no content", errInvalidContent)
	}
	return turn, nil
}

func (p partJSON) toPart() (models.Part, error) {
	switch models.PartKind(p.Type) {
	case models.PartText:
		return models.Part{Kind: models.PartText, Text: p.Text}, nil
	case models.PartBinary:
		if p.MimeType == "" || p.Data == "" {
			return models.Part{}, fmt.Errorf("%w: binary part requires mimeType and data", errInvalidContent)
		}
		return models.Part{Kind: models.PartBinary, MimeType: p.MimeType, Data: p.Data}, nil
	case models.PartToolCall:
		if p.Name == "" {
			return models.Part{}, fmt.Errorf("%w: tool-call part requires a name", errInvalidContent)
		}
		return models.Part{Kind: models.PartToolCall, ToolCallID: p.ID, ToolName: p.Name, ToolArgs: p.Args}, nil
	case models.PartToolResult:
		if p.ID == "" && p.Name == "" {
			return models.Part{}, fmt.Errorf("%w: tool-result part requires an id or name", errInvalidContent)
		}
		return models.Part{Kind: models.PartToolResult, ToolCallID: p.ID, ToolName: p.Name, ToolResult: p.Result}, nil
	default:
		return models.Part{}, fmt.Errorf("%w: part type %q not supported", errInvalidContent, p.Type)
	}
}
