package debug

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamrelay/internal/models"
)

const (
	defaultMaxFrames = 50
	redacted         = "[redacted]"
)

// A header is redacted when its lowercased name contains any of these.
var credentialMarkers = []string{"authorization", "key", "token", "secret"}

// Frame is the recorded lifecycle of one upstream request.
type Frame struct {
	ID          string            `json:"id"`
	Started     time.Time         `json:"started"`
	Completed   time.Time         `json:"completed,omitzero"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Particles   []models.Event    `json:"particles"`
	Termination string            `json:"termination,omitempty"`
	IsComplete  bool              `json:"isComplete"`
}

// MemoryRecorder keeps the most recent frames in memory.
type MemoryRecorder struct {
	mu     sync.Mutex
	max    int
	order  []string
	frames map[string]*Frame
	now    func() time.Time
}

// NewMemoryRecorder keeps at most limit frames; older frames are evicted first.
func NewMemoryRecorder(limit int) *MemoryRecorder {
	if limit <= 0 {
		limit = defaultMaxFrames
	}
	return &MemoryRecorder{
		max:    limit,
		frames: make(map[string]*Frame),
		now:    time.Now,
	}
}

func (m *MemoryRecorder) CreateFrame(context.Context) string {
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames[id] = &Frame{ID: id, Started: m.now(), Particles: []models.Event{}}
	m.order = append(m.order, id)
	for len(m.order) > m.max {
		delete(m.frames, m.order[0])
		m.order = m.order[1:]
	}
	return id
}

func (m *MemoryRecorder) SetRequest(id, url string, headers http.Header, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[id]
	if !ok {
		return
	}
	f.URL = url
	f.Headers = redactHeaders(headers)
	f.Body = string(body)
}

func (m *MemoryRecorder) AddParticle(id string, ev models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.frames[id]; ok && !f.IsComplete {
		f.Particles = append(f.Particles, ev)
	}
}

func (m *MemoryRecorder) CompleteFrame(id string, t models.Termination) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.frames[id]; ok && !f.IsComplete {
		f.Completed = m.now()
		f.Termination = t.String()
		f.IsComplete = true
	}
}

// Frames returns a snapshot of the retained frames, oldest first.
func (m *MemoryRecorder) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Frame, 0, len(m.order))
	for _, id := range m.order {
		f := *m.frames[id]
		f.Particles = slices.Clone(f.Particles)
		out = append(out, f)
	}
	return out
}

// Frame returns one retained frame.
func (m *MemoryRecorder) Frame(id string) (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[id]
	if !ok {
		return Frame{}, false
	}
	out := *f
	out.Particles = slices.Clone(f.Particles)
	return out, true
}

func redactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if isCredential(name) {
			out[name] = redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func isCredential(name string) bool {
	lower := strings.ToLower(name)
	return slices.ContainsFunc(credentialMarkers, func(marker string) bool {
		return strings.Contains(lower, marker)
	})
}
