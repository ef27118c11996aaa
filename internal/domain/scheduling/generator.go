package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// MaxRuleDays bounds the date range of one generation rule.
const MaxRuleDays = 366

// Generator turns availability rules into free slots. Generation is
// idempotent: existing slots of any status are skipped, never modified.
type Generator struct {
	slots SlotRepository
	tx    TxRunner
}

func NewGenerator(slots SlotRepository, tx TxRunner) *Generator {
	return &Generator{slots: slots, tx: tx}
}

type plannedSlot struct {
	Date string
	Time string
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return 0, Validationf("invalid time %q, want HH:MM", s)
	}
	if t.Minute()%30 != 0 {
		return 0, Validationf("time %q is not on a 30 minute boundary", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// planSlots validates rule and lists the distinct slot positions it opens,
// in date then time order.
func planSlots(rule CyclicalRule) ([]plannedSlot, error) {
	start, err := time.Parse(DateLayout, rule.StartDate)
	if err != nil {
		return nil, Validationf("invalid startDate %q", rule.StartDate)
	}
	end, err := time.Parse(DateLayout, rule.EndDate)
	if err != nil {
		return nil, Validationf("invalid endDate %q", rule.EndDate)
	}
	if end.Before(start) {
		return nil, Validationf("endDate %s is before startDate %s", rule.EndDate, rule.StartDate)
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > MaxRuleDays {
		return nil, Validationf("rule spans %d days, at most %d allowed", days, MaxRuleDays)
	}

	if len(rule.Weekdays) == 0 {
		return nil, Validationf("weekdays must not be empty")
	}
	weekdays := make(map[time.Weekday]bool, len(rule.Weekdays))
	for _, wd := range rule.Weekdays {
		if wd < 0 || wd > 6 {
			return nil, Validationf("weekday %d out of range 0-6", wd)
		}
		weekdays[time.Weekday(wd)] = true
	}

	if len(rule.TimeRanges) == 0 {
		return nil, Validationf("timeRanges must not be empty")
	}
	var times []string
	seen := make(map[string]bool)
	for _, tr := range rule.TimeRanges {
		from, err := parseClock(tr.Start)
		if err != nil {
			return nil, err
		}
		to, err := parseClock(tr.End)
		if err != nil {
			return nil, err
		}
		if to <= from {
			return nil, Validationf("time range %s-%s must end after it starts", tr.Start, tr.End)
		}
		for t := from; t < to; t += SlotLength {
			if c := formatClock(t); !seen[c] {
				seen[c] = true
				times = append(times, c)
			}
		}
	}
	sort.Strings(times)

	var planned []plannedSlot
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if !weekdays[d.Weekday()] {
			continue
		}
		date := d.Format(DateLayout)
		for _, t := range times {
			planned = append(planned, plannedSlot{Date: date, Time: t})
		}
	}
	return planned, nil
}

func (g *Generator) GenerateCyclical(ctx context.Context, doctorID string, rule CyclicalRule) (GenerateResult, error) {
	if doctorID == "" {
		return GenerateResult{}, Validationf("doctorId is required")
	}
	planned, err := planSlots(rule)
	if err != nil {
		return GenerateResult{}, err
	}

	var res GenerateResult
	err = g.tx.WithinTx(ctx, func(ctx context.Context) error {
		res = GenerateResult{}
		for _, p := range planned {
			created, err := g.slots.Insert(ctx, &Slot{DoctorID: doctorID, Date: p.Date, Time: p.Time})
			if err != nil {
				return err
			}
			if created {
				res.Created++
			} else {
				res.Skipped++
			}
		}
		return nil
	})
	return res, err
}

func (g *Generator) GenerateSingle(ctx context.Context, doctorID string, rule SingleRule) (GenerateResult, error) {
	cyc, err := rule.Cyclical()
	if err != nil {
		return GenerateResult{}, err
	}
	return g.GenerateCyclical(ctx, doctorID, cyc)
}
