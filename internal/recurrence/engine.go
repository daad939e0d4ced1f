// Package recurrence computes occurrence fire-times for recurring
// campaigns. The engine is a pure function of rule, last dispatched
// sequence, and clock: it never touches storage, which keeps the
// timezone/DST math testable in isolation from the scheduler loop.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailpulse/internal/domain"
)

// maxCandidates bounds the filter scan so a rule whose weekday filter
// matches nothing cannot loop forever.
const maxCandidates = 10000

// horizonYears stops scheduling rules that have drifted absurdly far
// into the future instead of creating out-of-range timestamps.
const horizonYears = 50

// NextDue returns the next occurrence after lastSeq, or nil when the
// rule is exhausted (end date passed, max occurrences reached, or no
// candidate matches the rule's filters).
//
// All date arithmetic happens in the rule's timezone on wall-clock
// values and is converted to an absolute instant only at the end, so
// daylight-saving transitions neither skip nor duplicate a calendar
// occurrence.
func NextDue(rule *domain.RecurrenceRule, lastSeq int, now time.Time) (*domain.Occurrence, error) {
	seq := lastSeq + 1
	if rule.MaxOccurrences > 0 && seq > rule.MaxOccurrences {
		return nil, nil
	}

	loc, err := location(rule.Timezone)
	if err != nil {
		return nil, err
	}

	anchor := rule.StartDate.In(loc)
	if h, m, ok := parseSendTime(rule.SendTime); ok {
		anchor = time.Date(anchor.Year(), anchor.Month(), anchor.Day(), h, m, 0, 0, loc)
	}

	matched := 0
	for i := 0; i < maxCandidates; i++ {
		candidate, err := step(rule, anchor, i, loc)
		if err != nil {
			return nil, err
		}

		if !sendable(rule, candidate) {
			continue
		}
		matched++
		if matched < seq {
			continue
		}

		if rule.EndDate != nil && candidate.After(rule.EndDate.In(loc)) {
			return nil, nil
		}
		if candidate.After(now.AddDate(horizonYears, 0, 0)) {
			return nil, nil
		}

		return &domain.Occurrence{
			ID:       uuid.New(),
			RuleID:   rule.ID,
			Sequence: seq,
			FireAt:   candidate.UTC(),
			Status:   domain.OccurrencePending,
		}, nil
	}

	return nil, nil
}

// step returns the i-th candidate fire-time counted from the anchor.
// Month-based frequencies step from the anchor, not the previous
// candidate, so the anchored day-of-month survives short months
// (Jan 31 → Feb 28 → Mar 31, not Mar 28).
func step(rule *domain.RecurrenceRule, anchor time.Time, i int, loc *time.Location) (time.Time, error) {
	switch rule.Frequency {
	case domain.FreqDaily:
		return addDays(anchor, i, loc), nil
	case domain.FreqWeekly:
		if len(rule.SendWeekdays) > 0 {
			// A weekday filter means "these days each week": candidates
			// step daily and the filter picks the matching ones.
			return addDays(anchor, i, loc), nil
		}
		return addDays(anchor, i*7, loc), nil
	case domain.FreqBiweekly:
		return addDays(anchor, i*14, loc), nil
	case domain.FreqMonthly:
		return addMonths(anchor, i, loc), nil
	case domain.FreqQuarterly:
		return addMonths(anchor, i*3, loc), nil
	case domain.FreqYearly:
		return addMonths(anchor, i*12, loc), nil
	case domain.FreqCustom:
		if rule.CustomIntervalDays <= 0 {
			return time.Time{}, fmt.Errorf("custom frequency requires a positive interval, got %d", rule.CustomIntervalDays)
		}
		return addDays(anchor, i*rule.CustomIntervalDays, loc), nil
	}
	return time.Time{}, fmt.Errorf("unknown frequency %q", rule.Frequency)
}

// addDays advances the wall-clock date, keeping the anchor's local time
// of day even across a DST transition.
func addDays(t time.Time, days int, loc *time.Location) time.Time {
	d := t.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}

// addMonths advances by calendar months, clamping to the last day of the
// target month when the anchored day does not exist (Jan 31 + 1 month is
// Feb 28 or 29, never Mar 2).
func addMonths(t time.Time, months int, loc *time.Location) time.Time {
	total := int(t.Month()) - 1 + months
	year := t.Year() + total/12
	month := time.Month(total%12 + 1)

	day := t.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// sendable applies the rule's calendar filters to a candidate date.
func sendable(rule *domain.RecurrenceRule, t time.Time) bool {
	if rule.SkipWeekends {
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	if rule.Frequency == domain.FreqWeekly && len(rule.SendWeekdays) > 0 {
		name := strings.ToLower(t.Weekday().String())
		for _, d := range rule.SendWeekdays {
			if strings.ToLower(d) == name {
				return true
			}
		}
		return false
	}
	return true
}

func parseSendTime(s string) (hour, minute int, ok bool) {
	if s == "" {
		return 0, 0, false
	}
	parts := strings.SplitN(s, ":", 2)
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m := 0
	if len(parts) == 2 {
		m, err = strconv.Atoi(parts[1])
		if err != nil || m < 0 || m > 59 {
			return 0, 0, false
		}
	}
	return h, m, true
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
