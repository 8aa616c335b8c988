// Package upstream turns a chat request into everything needed to talk to the
// vendor: the HTTP request, a fresh demuxer and a fresh dialect parser.
package upstream

import (
	"errors"
	"fmt"

	"streamrelay/internal/demux"
	"streamrelay/internal/dialect"
	"streamrelay/internal/models"
	"streamrelay/internal/provider/anthropic"
	"streamrelay/internal/provider/gemini"
	"streamrelay/internal/provider/ollama"
	"streamrelay/internal/provider/openai"
)

// ErrPrepare marks failures that happen before any network activity.
var ErrPrepare = errors.New("upstream prepare failed")

// PrepareError carries the dialect the request was prepared for.
type PrepareError struct {
	Dialect models.Dialect
	Err     error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dialect.DisplayName(), e.Err)
}

func (e *PrepareError) Unwrap() []error {
	return []error{ErrPrepare, e.Err}
}

// Prepared bundles the per-request collaborators. Demuxer and Parser are never shared.
type Prepared struct {
	Request models.UpstreamRequest
	Demuxer demux.Demuxer
	Parser  dialect.Parser
	Dialect models.Dialect
	ModelID string
}

type builderFunc func(models.AccessDescriptor, models.ModelDescriptor, []models.HistoryTurn) (models.UpstreamRequest, error)

var builders = map[models.Family]builderFunc{
	models.FamilyOpenAI:    openai.BuildRequest,
	models.FamilyAnthropic: anthropic.BuildRequest,
	models.FamilyGemini:    gemini.BuildRequest,
	models.FamilyOllama:    ollama.BuildRequest,
}

// Prepare selects the vendor by access dialect and builds the request. It performs no I/O.
func Prepare(access models.AccessDescriptor, model models.ModelDescriptor, history []models.HistoryTurn) (*Prepared, error) {
	fail := func(err error) (*Prepared, error) {
		return nil, &PrepareError{Dialect: access.Dialect, Err: err}
	}

	if !access.Dialect.Valid() {
		return fail(fmt.Errorf("unsupported dialect %q", access.Dialect))
	}
	family := access.Dialect.Family()

	build, ok := builders[family]
	if !ok {
		return fail(fmt.Errorf("no request builder for dialect family %q", family))
	}
	req, err := build(access, model, history)
	if err != nil {
		return fail(err)
	}

	format := demux.FormatSSE
	if family == models.FamilyOllama {
		format = demux.FormatJSONNL
	}
	demuxer, err := demux.New(format)
	if err != nil {
		return fail(err)
	}

	parser, err := dialect.New(family, model.ID)
	if err != nil {
		return fail(err)
	}

	return &Prepared{
		Request: req,
		Demuxer: demuxer,
		Parser:  parser,
		Dialect: access.Dialect,
		ModelID: model.ID,
	}, nil
}
