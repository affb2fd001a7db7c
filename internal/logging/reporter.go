package logging

import (
	"context"

	"github.com/rs/zerolog"
)

// Fields is structured context attached to a reported error.
type Fields map[string]any

// ErrorReporter receives errors the pipeline recovers from locally.
type ErrorReporter interface {
	Report(ctx context.Context, fields Fields, err error)
}

// Reporter writes recovered errors to a zerolog logger.
type Reporter struct {
	logger zerolog.Logger
}

// NewReporter wraps logger as an ErrorReporter.
func NewReporter(logger zerolog.Logger) *Reporter {
	return &Reporter{logger: logger}
}

// Report logs err at error level with fields attached.
func (r *Reporter) Report(_ context.Context, fields Fields, err error) {
	evt := r.logger.Error().Err(err)
	if len(fields) > 0 {
		evt = evt.Fields(map[string]any(fields))
	}
	evt.Msg("recovered error")
}

var _ ErrorReporter = (*Reporter)(nil)
