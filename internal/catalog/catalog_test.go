package catalog

import (
	"context"
	"testing"

	"venueline/internal/config"
)

func TestCatalogFromDefaultConfig(t *testing.T) {
	cfg := config.Default("t")
	cfg.Catalog.BlockedDates = map[string][]string{"Room B": {"2026-03-16"}}
	c := FromConfig(cfg)

	if r, ok := c.Room("room b"); !ok || r.Capacity != 40 {
		t.Fatalf("room lookup failed: %+v", r)
	}
	suggested := c.SuggestRooms(20)
	if len(suggested) != 2 || suggested[0].Name != "Room B" {
		t.Fatalf("suggest = %+v", suggested)
	}
	offer, err := c.PriceOffer("Room B", "2026-03-15", 20)
	if err != nil {
		t.Fatal(err)
	}
	if offer.Summary() != "Room B on 2026-03-15 for 20 people: 1200.00 CHF" {
		t.Fatalf("summary = %q", offer.Summary())
	}
	if got := c.DepositFor(offer.Total); got != 360 {
		t.Fatalf("deposit = %v", got)
	}
	if _, err := c.PriceOffer("Room Z", "2026-03-15", 1); err == nil {
		t.Fatalf("expected unknown room error")
	}

	cal := NewStaticCalendar(cfg.Catalog.BlockedDates)
	ok, _ := cal.Available(context.Background(), "Room B", "2026-03-16")
	if ok {
		t.Fatalf("blocked date reported available")
	}
	ok, _ = cal.Available(context.Background(), "Room B", "2026-03-15")
	if !ok {
		t.Fatalf("free date reported blocked")
	}
}
