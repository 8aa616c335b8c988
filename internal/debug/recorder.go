// Package debug records request frames for inspection. Recorders are write-only
// from the dispatcher's side and never influence the stream.
package debug

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"streamrelay/internal/models"
)

// Recorder receives the lifecycle of one upstream request.
type Recorder interface {
	// CreateFrame opens a frame and returns its id.
	CreateFrame(ctx context.Context) string
	SetRequest(id, url string, headers http.Header, body []byte)
	AddParticle(id string, ev models.Event)
	CompleteFrame(id string, t models.Termination)
}

// Nop discards everything.
type Nop struct{}

func (Nop) CreateFrame(context.Context) string { return "" }

func (Nop) SetRequest(string, string, http.Header, []byte) {}

func (Nop) AddParticle(string, models.Event) {}

func (Nop) CompleteFrame(string, models.Termination) {}

// Multi fans out to several recorders. Frame ids are taken from the first
// recorder and mapped to each member's own id.
type Multi struct {
	recorders []Recorder
	ids       *frameIDs
}

// NewMulti combines recorders; nil members are skipped.
func NewMulti(recorders ...Recorder) *Multi {
	m := &Multi{ids: newFrameIDs()}
	for _, r := range recorders {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
	return m
}

func (m *Multi) CreateFrame(ctx context.Context) string {
	if len(m.recorders) == 0 {
		return ""
	}
	ids := make([]string, len(m.recorders))
	for i, r := range m.recorders {
		ids[i] = r.CreateFrame(ctx)
	}
	m.ids.put(ids[0], ids)
	return ids[0]
}

func (m *Multi) SetRequest(id, url string, headers http.Header, body []byte) {
	for i, member := range m.ids.get(id) {
		m.recorders[i].SetRequest(member, url, headers, body)
	}
}

func (m *Multi) AddParticle(id string, ev models.Event) {
	for i, member := range m.ids.get(id) {
		m.recorders[i].AddParticle(member, ev)
	}
}

func (m *Multi) CompleteFrame(id string, t models.Termination) {
	for i, member := range m.ids.take(id) {
		m.recorders[i].CompleteFrame(member, t)
	}
}

// Safe shields the caller from a misbehaving recorder: panics are logged and swallowed.
func Safe(r Recorder, logger *slog.Logger) Recorder {
	if r == nil {
		return Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &safeRecorder{next: r, logger: logger}
}

type safeRecorder struct {
	next   Recorder
	logger *slog.Logger
}

func (s *safeRecorder) guard(op string) {
	if v := recover(); v != nil {
		s.logger.Warn("debug recorder panicked", "op", op, "panic", v)
	}
}

func (s *safeRecorder) CreateFrame(ctx context.Context) (id string) {
	defer s.guard("create")
	return s.next.CreateFrame(ctx)
}

func (s *safeRecorder) SetRequest(id, url string, headers http.Header, body []byte) {
	defer s.guard("request")
	s.next.SetRequest(id, url, headers, body)
}

func (s *safeRecorder) AddParticle(id string, ev models.Event) {
	defer s.guard("particle")
	s.next.AddParticle(id, ev)
}

func (s *safeRecorder) CompleteFrame(id string, t models.Termination) {
	defer s.guard("complete")
	s.next.CompleteFrame(id, t)
}

type frameIDs struct {
	mu  sync.Mutex
	ids map[string][]string
}

func newFrameIDs() *frameIDs {
	return &frameIDs{ids: make(map[string][]string)}
}

func (f *frameIDs) put(id string, members []string) {
	f.mu.Lock()
	f.ids[id] = members
	f.mu.Unlock()
}

func (f *frameIDs) get(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id]
}

func (f *frameIDs) take(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := f.ids[id]
	delete(f.ids, id)
	return members
}
