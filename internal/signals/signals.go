// Package signals turns normalized message text into structured signals.
// Extractors are external collaborators; Fallback guarantees a turn always
// receives a usable signal.
package signals

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/logging"
	"venueline/internal/metrics"
)

// ErrExtractionUnavailable marks provider errors, timeouts and malformed output.
var ErrExtractionUnavailable = errors.New("extraction unavailable")

// Extractor detects intent, entities and flags in normalized text.
type Extractor interface {
	Detect(ctx context.Context, text string, rc RecordContext) (domain.Signals, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, text string, rc RecordContext) (domain.Signals, error)

func (f ExtractorFunc) Detect(ctx context.Context, text string, rc RecordContext) (domain.Signals, error) {
	return f(ctx, text, rc)
}

// RecordContext is the read-only view of a record handed to extractors.
type RecordContext struct {
	Stage    int               `json:"stage"`
	Verified map[string]string `json:"verified"`
	Awaiting []string          `json:"awaiting_confirmation,omitempty"`
	Missing  []string          `json:"missing,omitempty"`
	// LastIntent is the intent detected on the previous turn of the thread.
	LastIntent string `json:"last_intent,omitempty"`
}

// ContextFor builds the extractor context for rec.
func ContextFor(rec *domain.Record, reg *gates.Registry) RecordContext {
	rc := RecordContext{Stage: rec.Stage, Verified: map[string]string{}}
	for _, g := range reg.All() {
		st := rec.Gate(g.ID)
		switch {
		case reg.IsVerified(rec, g.ID):
			rc.Verified[g.ID] = reg.Compute(rec, g.ID)
		case st.AwaitingConfirmation():
			rc.Awaiting = append(rc.Awaiting, g.ID)
		}
	}
	for _, g := range reg.Missing(rec) {
		rc.Missing = append(rc.Missing, g.ID)
	}
	return rc
}

// LowConfidence is the documented signal used when no extractor produced one.
func LowConfidence() domain.Signals {
	return domain.Signals{
		Intent:     "unknown",
		Confidence: 0.1,
		Entities:   map[string]string{},
		Fallback:   true,
	}
}

// Fallback tries Primary, then Secondary, then returns LowConfidence.
// It only returns an error when the context itself is done.
type Fallback struct {
	Primary   Extractor
	Secondary Extractor
	Logger    *logging.Logger
}

func (f Fallback) Detect(ctx context.Context, text string, rc RecordContext) (domain.Signals, error) {
	logger := f.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	for i, ex := range []Extractor{f.Primary, f.Secondary} {
		if ex == nil {
			continue
		}
		sig, err := ex.Detect(ctx, text, rc)
		if err == nil {
			if sig.Entities == nil {
				sig.Entities = map[string]string{}
			}
			if i > 0 {
				sig.Fallback = true
			}
			return sig, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Signals{}, ctxErr
		}
		reason := "primary_error"
		if i > 0 {
			reason = "secondary_error"
		}
		metrics.ExtractionFallbacks.WithLabelValues(reason).Inc()
		logger.Warn(ctx, "signal extraction failed, degrading", zap.Error(err), zap.String("reason", reason))
	}
	metrics.ExtractionFallbacks.WithLabelValues("low_confidence").Inc()
	return LowConfidence(), nil
}
