package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"streamrelay/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "streamrelay/0.1"
)

// ErrMissingAPIKey indicates the access descriptor lacks a mandatory key.
var ErrMissingAPIKey = errors.New("missing api key")

// ErrMissingHost indicates a dialect without a default host was given no endpoint.
var ErrMissingHost = errors.New("missing host")

// ErrMissingModel indicates the model descriptor has no id.
var ErrMissingModel = errors.New("missing model id")

// ErrEmptyHistory indicates there is nothing to send.
var ErrEmptyHistory = errors.New("history must contain at least one turn")

// ErrInvalidHistory indicates the history cannot be expressed in the vendor format.
var ErrInvalidHistory = errors.New("invalid history")

// CheckAccess validates the fields every vendor needs before a body is built.
func CheckAccess(access models.AccessDescriptor, model models.ModelDescriptor, history []models.HistoryTurn) error {
	if access.Dialect.KeyRequired() && strings.TrimSpace(access.APIKey) == "" {
		return fmt.Errorf("%s: %w", access.Dialect.DisplayName(), ErrMissingAPIKey)
	}
	if Host(access) == "" {
		return fmt.Errorf("%s: %w", access.Dialect.DisplayName(), ErrMissingHost)
	}
	if strings.TrimSpace(model.ID) == "" {
		return ErrMissingModel
	}
	if len(history) == 0 {
		return ErrEmptyHistory
	}
	return nil
}

// Host returns the endpoint override or the dialect default, without a trailing slash.
func Host(access models.AccessDescriptor) string {
	host := strings.TrimSpace(access.Host)
	if host == "" {
		host = access.Dialect.DefaultHost()
	}
	if host != "" && !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return strings.TrimRight(host, "/")
}

// NewRequest marshals payload into a POST request carrying the common headers
// plus any configured extra headers.
func NewRequest(access models.AccessDescriptor, url string, payload any) (models.UpstreamRequest, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.UpstreamRequest{}, fmt.Errorf("marshal payload: %w", err)
	}

	headers := make(http.Header)
	headers.Set("Content-Type", contentTypeJSON)
	headers.Set("Accept", "text/event-stream")
	headers.Set("User-Agent", userAgent)
	for k, v := range access.Headers {
		headers.Set(k, v)
	}

	return models.UpstreamRequest{
		Method:  http.MethodPost,
		URL:     url,
		Headers: headers,
		Body:    body,
	}, nil
}

// ToolInput returns the tool arguments as a JSON object, or {} when they are not valid JSON.
func ToolInput(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

// DataURL renders a binary part as an inline data URL.
func DataURL(p models.Part) string {
	return "data:" + p.MimeType + ";base64," + p.Data
}
