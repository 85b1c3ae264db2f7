// Package verbalizer turns a draft into the final client-facing text. Any
// renderer may reword a draft but must keep its hard facts.
package verbalizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/llm"
	"venueline/internal/logging"
	"venueline/internal/metrics"
)

type Verbalizer interface {
	Render(ctx context.Context, draft domain.Draft, tone config.ToneConfig) (string, error)
}

// Template wraps the draft body in the configured greeting and sign-off.
type Template struct{}

func (Template) Render(_ context.Context, draft domain.Draft, tone config.ToneConfig) (string, error) {
	var b strings.Builder
	if tone.Greeting != "" {
		b.WriteString(tone.Greeting)
		b.WriteString(",\n\n")
	}
	b.WriteString(strings.TrimSpace(draft.Body))
	if tone.SignOff != "" {
		b.WriteString("\n\n")
		b.WriteString(tone.SignOff)
	}
	return b.String(), nil
}

// Completer is the part of llm.Client the renderer needs.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, jsonMode bool) (string, error)
}

const renderPrompt = `Rewrite the venue's reply to a client in a %s register.
Open with %q and close with %q.
Keep every date, amount, currency, count and room name exactly as written. Do not add facts.
Return only the message text.`

// LLM asks a chat model to reword the draft.
type LLM struct {
	Client Completer
}

func (l LLM) Render(ctx context.Context, draft domain.Draft, tone config.ToneConfig) (string, error) {
	register := tone.Register
	if register == "" {
		register = "formal"
	}
	out, err := l.Client.Complete(ctx, []llm.Message{
		{Role: "system", Content: fmt.Sprintf(renderPrompt, register, tone.Greeting, tone.SignOff)},
		{Role: "user", Content: draft.Body},
	}, false)
	if err != nil {
		return "", fmt.Errorf("render draft: %w", err)
	}
	return strings.TrimSpace(out), nil
}

var (
	isoDatePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	amountPattern  = regexp.MustCompile(`\b\d+(?:[.,]\d+)?\b`)
)

// Facts lists the hard facts of body: ISO dates first, then the remaining
// numbers (amounts and counts), in order of appearance.
func Facts(body string) []string {
	dates := isoDatePattern.FindAllString(body, -1)
	rest := isoDatePattern.ReplaceAllString(body, " ")
	facts := append([]string{}, dates...)
	facts = append(facts, amountPattern.FindAllString(rest, -1)...)
	if cur := currencyOf(body); cur != "" {
		facts = append(facts, cur)
	}
	return facts
}

var currencyPattern = regexp.MustCompile(`\b(CHF|EUR|USD|GBP)\b`)

func currencyOf(body string) string {
	return currencyPattern.FindString(body)
}

// Missing returns the facts of draft absent from rendered.
func Missing(draft, rendered string) []string {
	var missing []string
	for _, f := range Facts(draft) {
		if !strings.Contains(rendered, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// FactChecked renders with Inner and falls back to Fallback when the
// rendering fails or drops a hard fact.
type FactChecked struct {
	Inner    Verbalizer
	Fallback Verbalizer
	Logger   *logging.Logger
}

func (f FactChecked) Render(ctx context.Context, draft domain.Draft, tone config.ToneConfig) (string, error) {
	fallback := f.Fallback
	if fallback == nil {
		fallback = Template{}
	}
	logger := f.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if f.Inner == nil {
		return fallback.Render(ctx, draft, tone)
	}
	out, err := f.Inner.Render(ctx, draft, tone)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		metrics.VerbalizerFallbacks.Inc()
		logger.Warn(ctx, "verbalizer failed, using draft body", zap.Error(err))
		return fallback.Render(ctx, draft, tone)
	}
	if missing := Missing(draft.Body, out); len(missing) > 0 || strings.TrimSpace(out) == "" {
		metrics.VerbalizerFallbacks.Inc()
		logger.Warn(ctx, "rendering dropped facts, using draft body", zap.Strings("missing", missing), zap.String("topic", draft.Topic))
		return fallback.Render(ctx, draft, tone)
	}
	return out, nil
}
