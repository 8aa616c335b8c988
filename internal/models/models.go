package models

import (
	"net/http"
	"strings"
)

// Role identifies the author of a history turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind tags the content carried by a Part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartBinary     PartKind = "binary"
	PartToolCall   PartKind = "tool-call"
	PartToolResult PartKind = "tool-result"
)

// Part is one ordered piece of a history turn.
type Part struct {
	Kind PartKind

	Text string

	// Binary parts carry base64 data and its mimetype.
	MimeType string
	Data     string

	// Tool parts.
	ToolCallID string
	ToolName   string
	ToolArgs   string
	ToolResult string
}

// HistoryTurn is a single conversational turn. Part order is significant.
type HistoryTurn struct {
	Role  Role
	Parts []Part
}

// Text joins the text parts of the turn.
func (t HistoryTurn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Kind != PartText {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// AccessDescriptor identifies the vendor family and how to authenticate with it.
type AccessDescriptor struct {
	Dialect    Dialect
	APIKey     string
	Host       string
	OrgID      string
	APIVersion string
	Headers    map[string]string
}

// ModelDescriptor names the model to call and its sampling parameters.
type ModelDescriptor struct {
	ID              string
	Temperature     *float64
	MaxOutputTokens *int
	VendorOptions   map[string]any
}

// ChatRequest is one chat turn as handed to the dispatcher.
type ChatRequest struct {
	Access  AccessDescriptor
	Model   ModelDescriptor
	History []HistoryTurn
}

// UpstreamRequest is the concrete vendor HTTP request.
type UpstreamRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Model identifies a configured model with its profile metadata.
type Model struct {
	ID      string
	Profile string
	Dialect Dialect
	Aliases []string
}
