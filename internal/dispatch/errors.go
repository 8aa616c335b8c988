package dispatch

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// FetchError describes a failed upstream call: either a transport error or a
// non-2xx response.
type FetchError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Could not reach the service: %v", e.Err)
	}
	if e.Message == "" {
		return fmt.Sprintf("The service responded with HTTP %d.", e.StatusCode)
	}
	return fmt.Sprintf("The service responded with HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func newStatusError(resp *http.Response) *FetchError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &FetchError{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(body),
	}
}

// errorMessage pulls the human-readable part out of a vendor error body.
func errorMessage(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	if gjson.Valid(text) {
		root := gjson.Parse(text)
		for _, path := range []string{"error.message", "error", "message", "detail", "0.error.message"} {
			if v := root.Get(path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	const maxLen = 512
	if len(text) > maxLen {
		text = text[:maxLen] + "..."
	}
	return text
}
