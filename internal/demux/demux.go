// Package demux splits raw upstream response text into discrete wire events
// without interpreting their payload.
package demux

import "fmt"

// Kind tags a wire event.
type Kind string

const (
	KindEvent         Kind = "event"
	KindReconnectHint Kind = "reconnect-hint"
)

// WireEvent is one SSE event or one JSON line. Data is opaque.
type WireEvent struct {
	Kind Kind
	Name string
	Data string
}

// Demuxer is an incremental state machine. Each call consumes only the new
// chunk, keeps any unterminated remainder, and returns the events completed so far.
type Demuxer interface {
	Demux(chunk string) []WireEvent
	// Buffered reports how many bytes of an unterminated event are held.
	Buffered() int
}

// Format selects a demuxer flavour.
type Format string

const (
	FormatSSE    Format = "sse"
	FormatJSONNL Format = "json-nl"
)

// New returns a fresh demuxer for the format.
func New(format Format) (Demuxer, error) {
	switch format {
	case FormatSSE:
		return NewSSE(), nil
	case FormatJSONNL:
		return NewJSONNL(), nil
	default:
		return nil, fmt.Errorf("unknown demux format %q", format)
	}
}
