// Package dialect parses each vendor family's streaming event grammar into a
// small uniform set of actions.
//
// A Parser instance is stateful across the events of one HTTP response and is
// never reused for another request.
package dialect

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"streamrelay/internal/demux"
	"streamrelay/internal/models"
)

// ErrParse marks a structurally or semantically invalid vendor event.
var ErrParse = errors.New("invalid upstream event")

// Severity grades an Issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Action is one normalized operation: Text, SetMetadata, Issue or Close.
type Action interface {
	isAction()
}

// Text appends to the running assistant message.
type Text struct {
	Delta string
}

// SetMetadata is shallow-merged into the message metadata.
type SetMetadata struct {
	Fields models.Metadata
}

// Issue is a recoverable, user-visible problem. It does not end the stream by itself.
type Issue struct {
	Message  string
	Severity Severity
}

// Close marks the logical message complete.
type Close struct{}

func (Text) isAction()        {}
func (SetMetadata) isAction() {}
func (Issue) isAction()       {}
func (Close) isAction()       {}

// Parser consumes one wire event at a time.
type Parser interface {
	Parse(ev demux.WireEvent) ([]Action, error)
}

// New returns a fresh parser for the dialect family. modelID is the model the
// request was prepared for; parsers whose vendor does not echo it use it as metadata.
func New(family models.Family, modelID string) (Parser, error) {
	switch family {
	case models.FamilyOpenAI:
		return NewOpenAI(), nil
	case models.FamilyAnthropic:
		return NewAnthropic(), nil
	case models.FamilyGemini:
		return NewGemini(modelID), nil
	case models.FamilyOllama:
		return NewOllama(), nil
	default:
		return nil, fmt.Errorf("no parser for dialect family %q", family)
	}
}

func parseErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

const maxQuotedPayload = 256

func parseObject(data string) (gjson.Result, error) {
	if !gjson.Valid(data) {
		return gjson.Result{}, parseErrorf("malformed JSON payload %q", clip(data))
	}
	root := gjson.Parse(data)
	if !root.IsObject() {
		return gjson.Result{}, parseErrorf("expected a JSON object, got %q", clip(data))
	}
	return root, nil
}

// errorText extracts a human-readable message from an {"error": ...} value
// that may be a string or an object.
func errorText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if msg := v.Get("message").String(); msg != "" {
		if typ := v.Get("type").String(); typ != "" {
			return typ + ": " + msg
		}
		return msg
	}
	return v.Raw
}

func clip(s string) string {
	if len(s) <= maxQuotedPayload {
		return s
	}
	return s[:maxQuotedPayload] + "..."
}
