package stages

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"venueline/internal/catalog"
	"venueline/internal/domain"
	"venueline/internal/gates"
)

// Gate kinds with dedicated validation or composition.
const (
	KindDate    = "date"
	KindInt     = "int"
	KindText    = "text"
	KindRoom    = "room"
	KindBilling = "billing"
	KindDeposit = "deposit"
	KindOffer   = "offer"
	KindSummary = "summary"
)

const dateLayout = "2006-01-02"

// validate returns the canonical value, or a client-facing problem when the
// captured value cannot be accepted.
func (d *Dispatcher) validate(ctx context.Context, t *Turn, g gates.Gate, raw string) (string, string, error) {
	if g.Kind == KindRoom {
		return d.validateRoom(ctx, t, g, raw)
	}
	if g.Kind == KindDate {
		v, problem := d.normalizeValue(g, raw)
		if problem != "" {
			return "", problem, nil
		}
		day, _ := time.Parse(dateLayout, v)
		today := time.Date(t.Now.Year(), t.Now.Month(), t.Now.Day(), 0, 0, 0, 0, time.UTC)
		if day.Before(today) && !d.pastDates {
			return "", fmt.Sprintf("%s lies in the past.", v), nil
		}
		return v, "", nil
	}
	v, problem := d.normalizeValue(g, raw)
	return v, problem, nil
}

// normalizeValue applies the format rules of the gate kind.
func (d *Dispatcher) normalizeValue(g gates.Gate, raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	switch g.Kind {
	case KindDate:
		day, err := time.Parse(dateLayout, raw)
		if err != nil {
			return "", fmt.Sprintf("We could not read %q as a date.", raw)
		}
		return day.Format(dateLayout), ""
	case KindInt:
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return "", fmt.Sprintf("We could not read %q as a number.", raw)
		}
		return strconv.Itoa(n), ""
	default:
		if raw == "" {
			return "", "The value was empty."
		}
		return raw, ""
	}
}

func (d *Dispatcher) validateRoom(ctx context.Context, t *Turn, g gates.Gate, raw string) (string, string, error) {
	rec := t.Record
	room, ok := d.catalog.Room(raw)
	if !ok {
		return "", fmt.Sprintf("We do not have a room called %q; our rooms are %s.", raw, strings.Join(d.catalog.RoomNames(), ", ")), nil
	}
	date := d.dependencyValue(rec, g, KindDate)
	participants, _ := strconv.Atoi(d.dependencyValue(rec, g, KindInt))
	if participants > room.Capacity {
		return "", fmt.Sprintf("%s seats up to %d people.%s", room.Name, room.Capacity, suggestion(d.catalog.SuggestRooms(participants))), nil
	}
	if hold := rec.RoomHold; hold != nil && hold.Room == room.Name && hold.Date == date && hold.Fingerprint == rec.Requirements.Hash {
		return room.Name, "", nil
	}
	if date != "" {
		free, err := d.calendar.Available(ctx, room.Name, date)
		if err != nil {
			return "", "", fmt.Errorf("check availability of %s: %w", room.Name, err)
		}
		if !free {
			var alternatives []catalog.Room
			for _, r := range d.catalog.SuggestRooms(participants) {
				if r.Name == room.Name {
					continue
				}
				if ok, err := d.calendar.Available(ctx, r.Name, date); err == nil && ok {
					alternatives = append(alternatives, r)
				}
			}
			return "", fmt.Sprintf("%s is not available on %s.%s", room.Name, date, suggestion(alternatives)), nil
		}
	}
	rec.RoomHold = &domain.RoomHold{Room: room.Name, Date: date, Fingerprint: rec.Requirements.Hash, HeldAt: t.stamp()}
	rec.MarkDirty()
	return room.Name, "", nil
}

// dependencyValue returns the canonical value of the first dependency of the given kind.
func (d *Dispatcher) dependencyValue(rec *domain.Record, g gates.Gate, kind string) string {
	for _, id := range g.DependsOn {
		dep, ok := d.reg.Get(id)
		if !ok {
			continue
		}
		if dep.Kind == kind {
			return d.reg.Compute(rec, id)
		}
		if v := d.dependencyValue(rec, dep, kind); v != "" {
			return v
		}
	}
	return ""
}

func suggestion(rooms []catalog.Room) string {
	if len(rooms) == 0 {
		return ""
	}
	names := make([]string, 0, len(rooms))
	for _, r := range rooms {
		names = append(names, fmt.Sprintf("%s (up to %d)", r.Name, r.Capacity))
	}
	return " Available instead: " + strings.Join(names, ", ") + "."
}

func offerTotal(rec *domain.Record) float64 {
	offer, _ := rec.Docs[DocOffer].(map[string]any)
	switch v := offer["total"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func formatAmount(v float64) string { return catalog.FormatAmount(v) }

func lower(s string) string { return strings.ToLower(s) }
