package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/llm"
)

// Completer is the part of llm.Client the extractor needs.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, jsonMode bool) (string, error)
}

// LLM asks a chat model for signals and validates the reply against the registry.
type LLM struct {
	Client   Completer
	Registry *gates.Registry
}

const extractPrompt = `You read one client message in a venue booking conversation and return signals as JSON.

Known entity keys (use only these): %s
Gates that are verified, with their values: %s
Gates awaiting the client's confirmation: %s
Intent of the client's previous message: %s

Respond ONLY with a JSON object:
{"intent": string, "confidence": number 0..1, "entities": {key: string},
 "is_confirmation": bool, "is_change_request": bool, "is_question": bool,
 "change_targets": [entity keys the client explicitly asks to change]}
Dates are YYYY-MM-DD. Participant counts are plain integers. Omit entities that are not stated.`

type llmSignals struct {
	Intent          string         `json:"intent"`
	Confidence      float64        `json:"confidence"`
	Entities        map[string]any `json:"entities"`
	IsConfirmation  bool           `json:"is_confirmation"`
	IsChangeRequest bool           `json:"is_change_request"`
	IsQuestion      bool           `json:"is_question"`
	ChangeTargets   []string       `json:"change_targets"`
}

func (l LLM) Detect(ctx context.Context, text string, rc RecordContext) (domain.Signals, error) {
	var keys []string
	for _, g := range l.Registry.All() {
		keys = append(keys, g.Entities...)
	}
	verified, _ := json.Marshal(rc.Verified)
	prompt := fmt.Sprintf(extractPrompt, strings.Join(keys, ", "), string(verified), strings.Join(rc.Awaiting, ", "), rc.LastIntent)
	out, err := l.Client.Complete(ctx, []llm.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: text},
	}, true)
	if err != nil {
		return domain.Signals{}, fmt.Errorf("%w: %v", ErrExtractionUnavailable, err)
	}
	return l.parse(out)
}

func (l LLM) parse(out string) (domain.Signals, error) {
	raw := llm.ExtractJSON(out)
	if raw == "" {
		return domain.Signals{}, fmt.Errorf("%w: no json object in reply", ErrExtractionUnavailable)
	}
	var parsed llmSignals
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return domain.Signals{}, fmt.Errorf("%w: %v", ErrExtractionUnavailable, err)
	}
	sig := domain.Signals{
		Intent:          parsed.Intent,
		Confidence:      clamp(parsed.Confidence),
		Entities:        map[string]string{},
		IsConfirmation:  parsed.IsConfirmation,
		IsChangeRequest: parsed.IsChangeRequest,
		IsQuestion:      parsed.IsQuestion,
	}
	if sig.Intent == "" {
		sig.Intent = IntentOther
	}
	for key, v := range parsed.Entities {
		if _, ok := l.Registry.ForEntity(key); !ok && key != EntityPaymentDate {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if v == nil || s == "" {
			continue
		}
		if f, ok := v.(float64); ok {
			s = fmt.Sprintf("%d", int64(f))
		}
		sig.Entities[key] = s
	}
	for _, key := range parsed.ChangeTargets {
		if _, ok := sig.Entities[key]; ok {
			sig.ChangeTargets = append(sig.ChangeTargets, key)
		}
	}
	return sig, nil
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
