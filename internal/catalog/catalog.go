// Package catalog is read-only venue reference data: rooms, rates and the
// availability calendar capability.
package catalog

import (
	"context"
	"fmt"
	"math"
	"strings"

	"venueline/internal/config"
)

type Room struct {
	Name     string
	Capacity int
	DayRate  float64
}

// Catalog is immutable after construction.
type Catalog struct {
	rooms          []Room
	currency       string
	depositPercent float64
	depositDueDays int
}

// Calendar reports room availability. Real calendar systems sit behind it.
type Calendar interface {
	Available(ctx context.Context, room, date string) (bool, error)
}

// Offer is the priced summary the offer stage sends for approval.
type Offer struct {
	Room         string
	Date         string
	Participants int
	Total        float64
	Currency     string
}

func (o Offer) Summary() string {
	return fmt.Sprintf("%s on %s for %d people: %s %s", o.Room, o.Date, o.Participants, FormatAmount(o.Total), o.Currency)
}

func FromConfig(cfg *config.Config) *Catalog {
	c := &Catalog{
		currency:       cfg.Venue.Currency,
		depositPercent: cfg.Venue.DepositPercent,
		depositDueDays: cfg.Venue.DepositDueDays,
	}
	if c.currency == "" {
		c.currency = "CHF"
	}
	for _, r := range cfg.Catalog.Rooms {
		c.rooms = append(c.rooms, Room{Name: r.Name, Capacity: r.Capacity, DayRate: r.DayRate})
	}
	return c
}

func (c *Catalog) Rooms() []Room {
	return append([]Room(nil), c.rooms...)
}

func (c *Catalog) RoomNames() []string {
	out := make([]string, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r.Name)
	}
	return out
}

func (c *Catalog) Currency() string { return c.currency }

func (c *Catalog) DepositDueDays() int { return c.depositDueDays }

// Room looks a room up by case-insensitive name.
func (c *Catalog) Room(name string) (Room, bool) {
	for _, r := range c.rooms {
		if strings.EqualFold(r.Name, strings.TrimSpace(name)) {
			return r, true
		}
	}
	return Room{}, false
}

// SuggestRooms returns rooms that fit the head count, smallest first.
func (c *Catalog) SuggestRooms(participants int) []Room {
	var out []Room
	for _, r := range c.rooms {
		if r.Capacity >= participants {
			out = append(out, r)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Capacity < out[j-1].Capacity; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// PriceOffer prices a one-day booking of room.
func (c *Catalog) PriceOffer(room, date string, participants int) (Offer, error) {
	r, ok := c.Room(room)
	if !ok {
		return Offer{}, fmt.Errorf("unknown room %s", room)
	}
	return Offer{Room: r.Name, Date: date, Participants: participants, Total: r.DayRate, Currency: c.currency}, nil
}

// DepositFor returns the deposit owed for an offer total.
func (c *Catalog) DepositFor(total float64) float64 {
	return math.Round(total*c.depositPercent) / 100
}

// FormatAmount renders an amount with two decimals.
func FormatAmount(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

// StaticCalendar blocks the configured dates per room.
type StaticCalendar struct {
	blocked map[string]map[string]bool
}

func NewStaticCalendar(blocked map[string][]string) StaticCalendar {
	cal := StaticCalendar{blocked: map[string]map[string]bool{}}
	for room, dates := range blocked {
		key := strings.ToLower(room)
		cal.blocked[key] = map[string]bool{}
		for _, d := range dates {
			cal.blocked[key][d] = true
		}
	}
	return cal
}

func (s StaticCalendar) Available(ctx context.Context, room, date string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !s.blocked[strings.ToLower(room)][date], nil
}
