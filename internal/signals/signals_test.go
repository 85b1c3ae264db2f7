package signals

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/llm"
	"venueline/internal/normalize"
)

func testRegistry(t *testing.T) *gates.Registry {
	t.Helper()
	reg, err := gates.FromConfig(config.Default("test"))
	require.NoError(t, err)
	return reg
}

func detect(t *testing.T, text string) domain.Signals {
	t.Helper()
	h := NewHeuristic(testRegistry(t), []string{"Room A", "Room B", "Room C"})
	sig, err := h.Detect(context.Background(), normalize.Normalize(text), RecordContext{})
	require.NoError(t, err)
	return sig
}

func TestHeuristicMultiFactMessage(t *testing.T) {
	sig := detect(t, "Room B for 20 people on 2026-03-15. Billing: Acme AG, Main St 1, Zurich.")
	assert.Equal(t, map[string]string{
		EntityEventDate:    "2026-03-15",
		EntityParticipants: "20",
		EntityRoom:         "Room B",
		EntityBilling:      "Acme AG, Main St 1, Zurich",
	}, sig.Entities)
	assert.False(t, sig.IsConfirmation)
	assert.False(t, sig.IsChangeRequest)
	assert.Equal(t, IntentProvide, sig.Intent)
}

func TestHeuristicBoundRevision(t *testing.T) {
	sig := detect(t, "Actually, please change the date to 15.04.2026.")
	assert.True(t, sig.IsChangeRequest)
	assert.Equal(t, "2026-04-15", sig.Entities[EntityEventDate])
	assert.Equal(t, []string{EntityEventDate}, sig.ChangeTargets)
	assert.Equal(t, IntentChange, sig.Intent)

	sig = detect(t, "We will be 30 people instead.")
	assert.Equal(t, []string{EntityParticipants}, sig.ChangeTargets)
}

func TestHeuristicRevisionBindsLabelledBilling(t *testing.T) {
	sig := detect(t, "Actually, please change our billing address. Billing: Foo GmbH, Bahnhofstrasse 2, Bern.")
	assert.True(t, sig.IsChangeRequest)
	assert.Equal(t, "Foo GmbH, Bahnhofstrasse 2, Bern", sig.Entities[EntityBilling])
	assert.Equal(t, []string{EntityBilling}, sig.ChangeTargets)

	// a labelled value without a revision phrase stays plain content
	sig = detect(t, "Billing: Foo GmbH, Bahnhofstrasse 2, Bern.")
	assert.Empty(t, sig.ChangeTargets)
}

func TestHeuristicPaymentDateIsNotEventDate(t *testing.T) {
	sig := detect(t, "Actually we will pay the deposit on 2026-04-01 instead.")
	assert.True(t, sig.IsChangeRequest)
	assert.Empty(t, sig.ChangeTargets)
	assert.Equal(t, "2026-04-01", sig.Entities[EntityPaymentDate])
	_, hasEventDate := sig.Entities[EntityEventDate]
	assert.False(t, hasEventDate)
}

func TestHeuristicIgnoresQuotedHistory(t *testing.T) {
	sig := detect(t, "Sounds good, thanks.\n\nOn Tue, 3 Mar 2026, Venue <team@venue.ch> wrote:\n> Could we change the date to 2026-05-01?")
	assert.True(t, sig.IsConfirmation)
	assert.False(t, sig.IsChangeRequest)
	assert.Empty(t, sig.Entities)
}

func TestHeuristicFlags(t *testing.T) {
	sig := detect(t, "Is parking available?")
	assert.True(t, sig.IsQuestion)
	assert.Equal(t, IntentQuestion, sig.Intent)

	sig = detect(t, "We do not confirm yet.")
	assert.False(t, sig.IsConfirmation)

	sig = detect(t, "We have paid the deposit yesterday.")
	assert.Equal(t, domain.DepositPaid, sig.Entities[EntityDepositStatus])

	sig = detect(t, "Unfortunately we need to cancel the booking.")
	assert.Equal(t, IntentCancel, sig.Intent)

	sig = detect(t, "Could we have Room Z on March 3rd, 2026?")
	assert.Equal(t, "2026-03-03", sig.Entities[EntityEventDate])
	_, hasRoom := sig.Entities[EntityRoom]
	assert.False(t, hasRoom, "unknown rooms are not extracted")
}

type fakeCompleter struct {
	out string
	err error
}

func (f fakeCompleter) Complete(context.Context, []llm.Message, bool) (string, error) {
	return f.out, f.err
}

func TestLLMExtractorFiltersUnknownKeys(t *testing.T) {
	ex := LLM{Registry: testRegistry(t), Client: fakeCompleter{out: "```json\n" +
		`{"intent":"change","confidence":1.7,"entities":{"event_date":"2026-04-01","participants":25,"mood":"happy"},` +
		`"is_change_request":true,"change_targets":["event_date","mood"]}` + "\n```"}}
	sig, err := ex.Detect(context.Background(), "move to 2026-04-01, 25 people", RecordContext{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, sig.Confidence)
	assert.Equal(t, map[string]string{"event_date": "2026-04-01", "participants": "25"}, sig.Entities)
	assert.Equal(t, []string{"event_date"}, sig.ChangeTargets)
}

func TestLLMExtractorMalformedOutput(t *testing.T) {
	ex := LLM{Registry: testRegistry(t), Client: fakeCompleter{out: "I cannot help with that"}}
	_, err := ex.Detect(context.Background(), "hi", RecordContext{})
	assert.ErrorIs(t, err, ErrExtractionUnavailable)
}

func TestFallbackDegrades(t *testing.T) {
	failing := ExtractorFunc(func(context.Context, string, RecordContext) (domain.Signals, error) {
		return domain.Signals{}, ErrExtractionUnavailable
	})
	h := NewHeuristic(testRegistry(t), nil)

	sig, err := Fallback{Primary: failing, Secondary: h}.Detect(context.Background(), "We are 12 people.", RecordContext{})
	require.NoError(t, err)
	assert.True(t, sig.Fallback)
	assert.Equal(t, "12", sig.Entities[EntityParticipants])

	sig, err = Fallback{Primary: failing, Secondary: failing}.Detect(context.Background(), "x", RecordContext{})
	require.NoError(t, err)
	assert.Equal(t, LowConfidence(), sig)
}

func TestFallbackSurfacesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	failing := ExtractorFunc(func(ctx context.Context, _ string, _ RecordContext) (domain.Signals, error) {
		return domain.Signals{}, ctx.Err()
	})
	_, err := Fallback{Primary: failing}.Detect(ctx, "x", RecordContext{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestContextFor(t *testing.T) {
	reg := testRegistry(t)
	rec := &domain.Record{Stage: 5}
	rec.SetGate("event_date", domain.GateState{Canonical: "2026-03-15", Verified: true})
	rec.SetGate("billing", domain.GateState{Captured: "Acme", Canonical: "Acme"})
	rc := ContextFor(rec, reg)
	assert.Equal(t, "2026-03-15", rc.Verified["event_date"])
	assert.Equal(t, []string{"billing"}, rc.Awaiting)
	assert.Contains(t, rc.Missing, "participants")
	assert.NotContains(t, rc.Missing, "billing")
}
