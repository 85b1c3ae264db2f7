package stages

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"venueline/internal/domain"
	"venueline/internal/gates"
)

// DocOffer is the sub-document holding the priced offer.
const DocOffer = "offer"

func (d *Dispatcher) composeOffer(_ context.Context, t *Turn, g gates.Gate) (string, domain.Draft, error) {
	rec := t.Record
	room := d.dependencyValue(rec, g, KindRoom)
	date := d.dependencyValue(rec, g, KindDate)
	participants, _ := strconv.Atoi(d.dependencyValue(rec, g, KindInt))
	offer, err := d.catalog.PriceOffer(room, date, participants)
	if err != nil {
		return "", domain.Draft{}, fmt.Errorf("price offer: %w", err)
	}
	if rec.Docs == nil {
		rec.Docs = map[string]any{}
	}
	rec.Docs[DocOffer] = map[string]any{
		"room":         offer.Room,
		"date":         offer.Date,
		"participants": offer.Participants,
		"total":        offer.Total,
		"currency":     offer.Currency,
		"rev":          rec.Requirements.Rev,
	}
	rec.MarkDirty()
	body := fmt.Sprintf("We are pleased to offer %s on %s for %d people at %s %s.",
		offer.Room, offer.Date, offer.Participants, formatAmount(offer.Total), offer.Currency)
	return offer.Summary(), domain.Draft{Body: body, Topic: "offer"}, nil
}

func (d *Dispatcher) composeSummary(_ context.Context, t *Turn, g gates.Gate) (string, domain.Draft, error) {
	rec := t.Record
	var facts []string
	for _, other := range d.reg.All() {
		if other.ID == g.ID {
			continue
		}
		if v := d.reg.Compute(rec, other.ID); v != "" {
			facts = append(facts, fmt.Sprintf("%s: %s", other.DisplayName(), v))
		}
	}
	body := "Your booking is confirmed. Summary:\n- " + strings.Join(facts, "\n- ")
	return "confirmed", domain.Draft{Body: body, Topic: "final_confirmation"}, nil
}

func (d *Dispatcher) composeGeneric(_ context.Context, t *Turn, g gates.Gate) (string, domain.Draft, error) {
	var parts []string
	for _, dep := range g.DependsOn {
		parts = append(parts, d.reg.Compute(t.Record, dep))
	}
	value := strings.Join(parts, " / ")
	return value, domain.Draft{Body: fmt.Sprintf("%s: %s", g.DisplayName(), value), Topic: g.ID}, nil
}
