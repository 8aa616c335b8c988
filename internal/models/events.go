package models

import (
	"encoding/json"
	"fmt"
)

// Metadata is a partial record describing the assistant message. Zero fields are absent.
type Metadata struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	StopReason   string `json:"stopReason,omitempty"`
}

// Merge applies the non-zero fields of other over m.
func (m Metadata) Merge(other Metadata) Metadata {
	if other.Model != "" {
		m.Model = other.Model
	}
	if other.InputTokens != 0 {
		m.InputTokens = other.InputTokens
	}
	if other.OutputTokens != 0 {
		m.OutputTokens = other.OutputTokens
	}
	if other.StopReason != "" {
		m.StopReason = other.StopReason
	}
	return m
}

// IsZero reports whether no field is set.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// TerminationReason explains why a request's stream ended.
type TerminationReason string

const (
	ReasonUpstreamClose TerminationReason = "upstream-close"
	ReasonEventDone     TerminationReason = "event-done"
	ReasonParserClose   TerminationReason = "parser-close"
	ReasonError         TerminationReason = "error"
)

// ErrorKind classifies a terminal failure.
type ErrorKind string

const (
	ErrorUpstreamPrepare ErrorKind = "upstream-prepare"
	ErrorUpstreamFetch   ErrorKind = "upstream-fetch"
	ErrorUpstreamRead    ErrorKind = "upstream-read"
	ErrorUpstreamParse   ErrorKind = "upstream-parse"
)

// Termination is the single final outcome of a request.
type Termination struct {
	Reason TerminationReason
	Error  ErrorKind
}

// Failed builds an error termination.
func Failed(kind ErrorKind) Termination {
	return Termination{Reason: ReasonError, Error: kind}
}

func (t Termination) String() string {
	if t.Reason == ReasonError {
		return fmt.Sprintf("error(%s)", t.Error)
	}
	return string(t.Reason)
}

// EventKind tags an outward event.
type EventKind string

const (
	EventStart EventKind = "start"
	EventText  EventKind = "text"
	EventSet   EventKind = "set"
	EventIssue EventKind = "issue"
	EventDone  EventKind = "done"
)

// Event is one outward event delivered to the chat client.
type Event struct {
	Kind        EventKind
	Text        string
	Set         Metadata
	IssueID     string
	IssueText   string
	Termination Termination
}

func StartEvent() Event { return Event{Kind: EventStart} }

func TextEvent(delta string) Event { return Event{Kind: EventText, Text: delta} }

func SetEvent(m Metadata) Event { return Event{Kind: EventSet, Set: m} }

func IssueEvent(id, text string) Event {
	return Event{Kind: EventIssue, IssueID: id, IssueText: text}
}

func DoneEvent(t Termination) Event { return Event{Kind: EventDone, Termination: t} }

// MarshalJSON renders the client wire shape of the event.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventText:
		return json.Marshal(struct {
			T string `json:"t"`
		}{e.Text})
	case EventSet:
		return json.Marshal(struct {
			Set Metadata `json:"set"`
		}{e.Set})
	case EventIssue:
		return json.Marshal(struct {
			IssueID   string `json:"issueId"`
			IssueText string `json:"issueText"`
		}{e.IssueID, e.IssueText})
	case EventStart:
		return []byte(`{"type":"start"}`), nil
	case EventDone:
		return json.Marshal(struct {
			Type   string            `json:"type"`
			Reason TerminationReason `json:"reason"`
			Error  ErrorKind         `json:"error,omitempty"`
		}{"done", e.Termination.Reason, e.Termination.Error})
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
}
