package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"streamrelay/internal/models"
	"streamrelay/internal/translator"
)

// streamEncoder writes outward events in one client wire format.
type streamEncoder interface {
	encode(w io.Writer, ev models.Event) error
	finish(w io.Writer) error
}

// relay runs the request and writes its events as they arrive. Once the headers
// are sent every failure is reported in-band, so relay only returns an error
// before streaming begins.
func (s *Server) relay(c echo.Context, req models.ChatRequest, enc streamEncoder) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.Server.StreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.Request().Context(), s.cfg.Server.StreamTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.Request().Context())
	}
	defer cancel()

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	// The events channel is always drained so the dispatcher can finish.
	var writeErr error
	for ev := range s.router.Stream(ctx, req) {
		if writeErr != nil {
			continue
		}
		if writeErr = enc.encode(c.Response(), ev); writeErr != nil {
			slog.Warn("client write failed, aborting upstream", "request_id", requestID, "err", writeErr)
			cancel()
			continue
		}
		flusher.Flush()
	}

	if writeErr == nil {
		if err := enc.finish(c.Response()); err != nil {
			slog.Warn("failed to finish stream", "request_id", requestID, "err", err)
			return nil
		}
		flusher.Flush()
	}
	return nil
}

// nativeStream writes each event as a named SSE event carrying its JSON shape.
type nativeStream struct{}

func (nativeStream) encode(w io.Writer, ev models.Event) error {
	return writeSSEEvent(w, string(ev.Kind), ev)
}

func (nativeStream) finish(io.Writer) error { return nil }

// openAIStream writes chat.completion.chunk data lines and the [DONE] sentinel.
type openAIStream struct {
	enc *translator.ChunkEncoder
}

func (o openAIStream) encode(w io.Writer, ev models.Event) error {
	chunk, ok := o.enc.Encode(ev)
	if !ok {
		return nil
	}
	return writeSSEData(w, chunk)
}

func (openAIStream) finish(w io.Writer) error {
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}

// claudeStream writes the named events of the Messages streaming format.
type claudeStream struct {
	enc *translator.ClaudeEncoder
}

func (cs claudeStream) encode(w io.Writer, ev models.Event) error {
	for _, out := range cs.enc.Encode(ev) {
		if err := writeSSEEvent(w, out.Name, out.Data); err != nil {
			return err
		}
	}
	return nil
}

func (claudeStream) finish(io.Writer) error { return nil }

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
