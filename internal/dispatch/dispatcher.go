// Package dispatch drives one chat turn end to end: prepare, fetch, then pump
// the response body through the demuxer and parser into outward events.
//
// Each request moves through Starting, Streaming and Terminated, and ends with
// exactly one done event.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamrelay/internal/debug"
	"streamrelay/internal/demux"
	"streamrelay/internal/dialect"
	"streamrelay/internal/models"
	"streamrelay/internal/upstream"
)

const (
	readChunkSize = 32 << 10
	maxErrorBody  = 64 << 10
	doneSentinel  = "[DONE]"
)

// PrepareFunc builds the upstream request and its per-request collaborators.
type PrepareFunc func(models.AccessDescriptor, models.ModelDescriptor, []models.HistoryTurn) (*upstream.Prepared, error)

// Dispatcher is safe for concurrent use; all per-request state lives in a session.
type Dispatcher struct {
	client   *http.Client
	recorder debug.Recorder
	logger   *slog.Logger
	prepare  PrepareFunc
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder attaches a debug recorder. Recorder panics are contained.
func WithRecorder(r debug.Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithPrepare replaces upstream.Prepare.
func WithPrepare(p PrepareFunc) Option {
	return func(d *Dispatcher) { d.prepare = p }
}

// New constructs a dispatcher. A nil client falls back to http.DefaultClient.
func New(client *http.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:  client,
		logger:  slog.Default(),
		prepare: upstream.Prepare,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	d.recorder = debug.Safe(d.recorder, d.logger)
	return d
}

// Stream starts the request and returns its outward events. The channel is
// unbuffered and closed after the done event; callers must drain it. Cancelling
// ctx aborts the upstream fetch and ends the stream with an upstream-read error.
func (d *Dispatcher) Stream(ctx context.Context, req models.ChatRequest) <-chan models.Event {
	out := make(chan models.Event)
	go func() {
		defer close(out)
		s := &session{
			d:       d,
			out:     out,
			dialect: req.Access.Dialect,
			vendor:  req.Access.Dialect.DisplayName(),
			modelID: req.Model.ID,
			started: time.Now(),
		}
		s.logger = d.logger.With("dialect", string(s.dialect), "model", s.modelID)
		s.run(ctx, req)
	}()
	return out
}

// Error surfaces a failure injected by the caller, for example a model that could
// not be resolved, as a complete upstream-prepare stream.
func (d *Dispatcher) Error(ctx context.Context, target models.Dialect, err error) <-chan models.Event {
	out := make(chan models.Event)
	go func() {
		defer close(out)
		s := &session{
			d:       d,
			out:     out,
			dialect: target,
			vendor:  target.DisplayName(),
			started: time.Now(),
		}
		s.logger = d.logger.With("dialect", string(target))
		s.frame = d.recorder.CreateFrame(ctx)
		s.fail(models.ErrorUpstreamPrepare, err)
	}()
	return out
}

type state int

const (
	stateStarting state = iota
	stateStreaming
	stateTerminated
)

// session is the state of one request. It is owned by a single goroutine.
type session struct {
	d       *Dispatcher
	out     chan<- models.Event
	logger  *slog.Logger
	dialect models.Dialect
	vendor  string
	modelID string
	frame   string
	started time.Time

	state     state
	sentModel bool
}

func (s *session) run(ctx context.Context, req models.ChatRequest) {
	s.frame = s.d.recorder.CreateFrame(ctx)

	prepared, err := s.d.prepare(req.Access, req.Model, req.History)
	if err != nil {
		s.fail(models.ErrorUpstreamPrepare, err)
		return
	}
	if prepared.ModelID != "" {
		s.modelID = prepared.ModelID
	}
	s.d.recorder.SetRequest(s.frame, prepared.Request.URL, prepared.Request.Headers, prepared.Request.Body)

	resp, err := s.fetch(ctx, prepared.Request)
	if err != nil {
		s.fail(models.ErrorUpstreamFetch, err)
		return
	}
	defer resp.Body.Close()

	s.state = stateStreaming
	s.emit(models.StartEvent())
	s.pump(ctx, resp.Body, prepared)
}

func (s *session) fetch(ctx context.Context, ureq models.UpstreamRequest) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, ureq.Method, ureq.URL, bytes.NewReader(ureq.Body))
	if err != nil {
		return nil, &FetchError{Err: fmt.Errorf("construct request: %w", err)}
	}
	httpReq.Header = ureq.Headers.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}

	resp, err := s.d.client.Do(httpReq)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, newStatusError(resp)
	}
	return resp, nil
}

func (s *session) pump(ctx context.Context, body io.Reader, p *upstream.Prepared) {
	buf := make([]byte, readChunkSize)
	for s.state != stateTerminated {
		n, err := body.Read(buf)
		if n > 0 {
			s.feed(string(buf[:n]), p)
			if s.state == stateTerminated {
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if pending := p.Demuxer.Buffered(); pending > 0 {
				s.logger.Debug("discarding unterminated upstream event", "bytes", pending)
			}
			s.terminate(models.Termination{Reason: models.ReasonUpstreamClose})
			return
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			s.fail(models.ErrorUpstreamRead, err)
			return
		}
	}
}

func (s *session) feed(chunk string, p *upstream.Prepared) {
	for _, ev := range p.Demuxer.Demux(chunk) {
		if s.state == stateTerminated {
			s.logger.Warn("dropping upstream event after termination", "frame", s.frame, "event", ev.Name)
			continue
		}
		if ev.Kind == demux.KindReconnectHint {
			s.logger.Debug("ignoring reconnect hint", "retry", ev.Data)
			continue
		}
		if s.dialect.Family() == models.FamilyOpenAI && strings.TrimSpace(ev.Data) == doneSentinel {
			s.terminate(models.Termination{Reason: models.ReasonEventDone})
			continue
		}

		actions, err := p.Parser.Parse(ev)
		if err != nil {
			s.fail(models.ErrorUpstreamParse, err)
			continue
		}
		for _, action := range actions {
			s.apply(action)
		}
	}
}

func (s *session) apply(action dialect.Action) {
	if s.state == stateTerminated {
		s.logger.Warn("dropping parser action after termination", "frame", s.frame, "action", fmt.Sprintf("%T", action))
		return
	}

	switch a := action.(type) {
	case dialect.Text:
		if a.Delta == "" {
			return
		}
		s.ensureModel()
		s.emit(models.TextEvent(a.Delta))
	case dialect.SetMetadata:
		if a.Fields.IsZero() {
			return
		}
		// The first outward set always names a model.
		if !s.sentModel && a.Fields.Model == "" {
			a.Fields.Model = s.modelID
		}
		if a.Fields.Model != "" {
			s.sentModel = true
		}
		s.emit(models.SetEvent(a.Fields))
	case dialect.Issue:
		s.emit(models.IssueEvent("vendor-"+string(a.Severity), a.Message))
	case dialect.Close:
		s.terminate(models.Termination{Reason: models.ReasonParserClose})
	default:
		s.logger.Warn("unknown parser action", "action", fmt.Sprintf("%T", action))
	}
}

// ensureModel sends the prepared model id when the vendor has not named one
// before the first text.
func (s *session) ensureModel() {
	if s.sentModel || s.modelID == "" {
		return
	}
	s.sentModel = true
	s.emit(models.SetEvent(models.Metadata{Model: s.modelID}))
}

func (s *session) emit(ev models.Event) {
	if s.state == stateTerminated {
		s.logger.Warn("dropping event after termination", "frame", s.frame, "kind", string(ev.Kind))
		return
	}
	s.d.recorder.AddParticle(s.frame, ev)
	s.out <- ev
}

// fail converts err into one readable issue line and the matching error termination.
func (s *session) fail(kind models.ErrorKind, err error) {
	if s.state == stateTerminated {
		s.logger.Warn("dropping failure after termination", "frame", s.frame, "kind", string(kind), "err", err)
		return
	}
	s.logger.Warn("upstream request failed", "frame", s.frame, "kind", string(kind), "err", err)
	s.emit(models.IssueEvent(string(kind), fmt.Sprintf("[%s Issue] %s", s.vendor, describe(kind, err))))
	s.terminate(models.Failed(kind))
}

func (s *session) terminate(t models.Termination) {
	if s.state == stateTerminated {
		s.logger.Warn("ignoring repeated termination", "frame", s.frame, "termination", t.String())
		return
	}
	s.emit(models.DoneEvent(t))
	s.state = stateTerminated
	s.d.recorder.CompleteFrame(s.frame, t)
	s.logger.Info("upstream stream finished",
		"frame", s.frame,
		"termination", t.String(),
		"duration", time.Since(s.started).Round(time.Millisecond).String(),
	)
}

func describe(kind models.ErrorKind, err error) string {
	switch kind {
	case models.ErrorUpstreamPrepare:
		var prepErr *upstream.PrepareError
		if errors.As(err, &prepErr) {
			return "Could not prepare the request: " + prepErr.Err.Error()
		}
		return "Could not prepare the request: " + err.Error()
	case models.ErrorUpstreamFetch:
		return err.Error()
	case models.ErrorUpstreamRead:
		if errors.Is(err, context.Canceled) {
			return "The stream was interrupted: request canceled."
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "The stream was interrupted: request timed out."
		}
		return "The stream was interrupted: " + err.Error()
	case models.ErrorUpstreamParse:
		return "Unexpected response from the service: " + err.Error()
	default:
		return err.Error()
	}
}
