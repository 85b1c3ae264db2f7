package signals

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"venueline/internal/domain"
	"venueline/internal/gates"
)

// Entity keys produced by the heuristic extractor.
const (
	EntityEventDate     = "event_date"
	EntityParticipants  = "participants"
	EntityRoom          = "room"
	EntityBilling       = "billing"
	EntityDepositStatus = "deposit_status"
	EntityPaymentDate   = "payment_date"
)

// Intent labels.
const (
	IntentCancel   = "cancel"
	IntentChange   = "change"
	IntentConfirm  = "confirm"
	IntentQuestion = "question"
	IntentProvide  = "provide_info"
	IntentOther    = "other"
)

var (
	isoDate      = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	euroDate     = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)
	dayMonthDate = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)
	monthDayDate = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	headcount    = regexp.MustCompile(`(?i)\b(\d{1,4})\s*(?:people|persons|guests|participants|attendees|pax|ppl)\b`)
	roomRef      = regexp.MustCompile(`(?i)\broom\s+([a-z]|\d{1,3})\b`)
	billingLine  = regexp.MustCompile(`(?i)\bbilling(?:\s+address)?\s*:\s*([^\n]+)`)
	depositPaid  = regexp.MustCompile(`(?i)\bdeposit\b[^.\n]*\b(paid|transferred|sent|wired|settled)\b|\b(paid|transferred|sent|wired|settled)\b[^.\n]*\bdeposit\b`)
	paymentWords = regexp.MustCompile(`(?i)\b(pay|paid|payment|deposit|invoice|due|transfer)\b`)
	confirmWords = regexp.MustCompile(`(?i)\b(yes|confirm|confirmed|confirming|agreed|agree|sounds good|that works|perfect|accept|accepted|go ahead|approved)\b`)
	negatedWords = regexp.MustCompile(`(?i)\b(not|don't|do not|cannot|can't|won't)\s+(confirm|agree|accept|approve)`)
	reviseWords  = regexp.MustCompile(`(?i)\b(change|changes|changed|instead|actually|rather|switch|move|moved|update|correction|reschedule)\b`)
	questionLead = regexp.MustCompile(`(?i)^(can|could|would|is|are|do|does|what|when|where|which|how|why)\b`)
	cancelWords  = regexp.MustCompile(`(?i)\bcancel(?:\s+(?:the|our|my|this))?\s+(?:booking|reservation|event)\b|\b(?:need|want|have)\s+to\s+cancel\b`)
	clauseSplit  = regexp.MustCompile(`[.!?;\n]+`)
)

var monthIndex = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// Heuristic is a deterministic regex extractor. It is the fallback for the
// LLM extractor and the default when no provider is configured.
type Heuristic struct {
	reg     *gates.Registry
	aliases []aliasEntry
	rooms   map[string]string
}

type aliasEntry struct {
	re     *regexp.Regexp
	gateID string
}

// NewHeuristic builds an extractor bound to the registry aliases. When rooms
// is non-empty only those room names are recognised.
func NewHeuristic(reg *gates.Registry, rooms []string) *Heuristic {
	h := &Heuristic{reg: reg, rooms: map[string]string{}}
	idx := reg.AliasIndex()
	words := make([]string, 0, len(idx))
	for w := range idx {
		words = append(words, w)
	}
	sort.Strings(words)
	for _, w := range words {
		h.aliases = append(h.aliases, aliasEntry{
			re:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`),
			gateID: idx[w],
		})
	}
	for _, r := range rooms {
		h.rooms[strings.ToLower(r)] = r
	}
	return h
}

func (h *Heuristic) Detect(ctx context.Context, text string, _ RecordContext) (domain.Signals, error) {
	if err := ctx.Err(); err != nil {
		return domain.Signals{}, err
	}
	sig := domain.Signals{Entities: map[string]string{}}
	rest := text
	// labelled values carry their own key, so a revision clause anywhere in
	// the message may bind to them
	labelled := map[string]string{}
	if m := billingLine.FindStringSubmatchIndex(rest); m != nil {
		value := strings.TrimRight(strings.TrimSpace(rest[m[2]:m[3]]), ".")
		if value != "" {
			sig.Entities[EntityBilling] = value
			labelled[EntityBilling] = value
		}
		rest = rest[:m[0]] + rest[m[1]:]
	}
	if depositPaid.MatchString(rest) {
		sig.Entities[EntityDepositStatus] = domain.DepositPaid
	}
	rest = euroToISO(rest)

	targets := map[string]bool{}
	for _, clause := range clauseSplit.Split(rest, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		found := h.clauseEntities(clause)
		for k, v := range found {
			sig.Entities[k] = v
		}
		if questionLead.MatchString(clause) {
			sig.IsQuestion = true
		}
		if !reviseWords.MatchString(clause) {
			continue
		}
		sig.IsChangeRequest = true
		for _, a := range h.aliases {
			if !a.re.MatchString(clause) {
				continue
			}
			for _, candidates := range []map[string]string{found, labelled} {
				for key := range candidates {
					if g, ok := h.reg.ForEntity(key); ok && g.ID == a.gateID {
						targets[key] = true
					}
				}
			}
		}
	}
	for key := range targets {
		sig.ChangeTargets = append(sig.ChangeTargets, key)
	}
	sort.Strings(sig.ChangeTargets)

	if strings.Contains(text, "?") {
		sig.IsQuestion = true
	}
	sig.IsConfirmation = confirmWords.MatchString(text) && !negatedWords.MatchString(text)
	sig.Intent = intentOf(text, sig)
	sig.Confidence = 0.4
	if len(sig.Entities) > 0 || sig.IsConfirmation || sig.IsChangeRequest {
		sig.Confidence = 0.7
	}
	return sig, nil
}

func (h *Heuristic) clauseEntities(clause string) map[string]string {
	out := map[string]string{}
	if d := lastDate(clause); d != "" {
		if paymentWords.MatchString(clause) {
			out[EntityPaymentDate] = d
		} else {
			out[EntityEventDate] = d
		}
	}
	if ms := headcount.FindAllStringSubmatch(clause, -1); len(ms) > 0 {
		n, err := strconv.Atoi(ms[len(ms)-1][1])
		if err == nil && n > 0 {
			out[EntityParticipants] = strconv.Itoa(n)
		}
	}
	for _, m := range roomRef.FindAllStringSubmatch(clause, -1) {
		name := "Room " + strings.ToUpper(m[1])
		if len(h.rooms) > 0 {
			known, ok := h.rooms[strings.ToLower(name)]
			if !ok {
				continue
			}
			name = known
		}
		out[EntityRoom] = name
	}
	return out
}

func intentOf(text string, sig domain.Signals) string {
	switch {
	case cancelWords.MatchString(text):
		return IntentCancel
	case sig.IsChangeRequest && len(sig.ChangeTargets) > 0:
		return IntentChange
	case sig.IsConfirmation:
		return IntentConfirm
	case len(sig.Entities) > 0:
		return IntentProvide
	case sig.IsQuestion:
		return IntentQuestion
	default:
		return IntentOther
	}
}

// lastDate returns the last recognisable calendar date in s as YYYY-MM-DD.
func lastDate(s string) string {
	type hit struct {
		pos  int
		date string
	}
	var hits []hit
	for _, m := range isoDate.FindAllStringSubmatchIndex(s, -1) {
		y, _ := strconv.Atoi(s[m[2]:m[3]])
		mo, _ := strconv.Atoi(s[m[4]:m[5]])
		d, _ := strconv.Atoi(s[m[6]:m[7]])
		if v := isoOf(y, time.Month(mo), d); v != "" {
			hits = append(hits, hit{m[0], v})
		}
	}
	for _, m := range dayMonthDate.FindAllStringSubmatchIndex(s, -1) {
		d, _ := strconv.Atoi(s[m[2]:m[3]])
		mo := monthIndex[strings.ToLower(s[m[4]:m[5]])]
		y, _ := strconv.Atoi(s[m[6]:m[7]])
		if v := isoOf(y, mo, d); v != "" {
			hits = append(hits, hit{m[0], v})
		}
	}
	for _, m := range monthDayDate.FindAllStringSubmatchIndex(s, -1) {
		mo := monthIndex[strings.ToLower(s[m[2]:m[3]])]
		d, _ := strconv.Atoi(s[m[4]:m[5]])
		y, _ := strconv.Atoi(s[m[6]:m[7]])
		if v := isoOf(y, mo, d); v != "" {
			hits = append(hits, hit{m[0], v})
		}
	}
	if len(hits) == 0 {
		return ""
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	return hits[len(hits)-1].date
}

func isoOf(y int, m time.Month, d int) string {
	if m < time.January || m > time.December || d < 1 || d > 31 {
		return ""
	}
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || t.Month() != m {
		return ""
	}
	return t.Format("2006-01-02")
}

// euroToISO rewrites dd.mm.yyyy so clause splitting on '.' keeps dates intact.
func euroToISO(s string) string {
	return euroDate.ReplaceAllStringFunc(s, func(m string) string {
		parts := euroDate.FindStringSubmatch(m)
		d, _ := strconv.Atoi(parts[1])
		mo, _ := strconv.Atoi(parts[2])
		y, _ := strconv.Atoi(parts[3])
		if v := isoOf(y, time.Month(mo), d); v != "" {
			return v
		}
		return fmt.Sprintf("%s/%s/%s", parts[1], parts[2], parts[3])
	})
}
