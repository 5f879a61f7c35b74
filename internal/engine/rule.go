package engine

import (
	"strings"
	"time"

	"medsched/internal/model"
)

// rule is a parsed, validated MedicationDefinition.
type rule struct {
	id         string
	recurrence model.Recurrence
	start      model.Date
	end        model.Date // zero: unbounded
	weekdays   [7]bool
	once       model.Date
	times      []model.Clock // definition order, may contain duplicates
}

func (e *Engine) compile(def model.MedicationDefinition) (rule, error) {
	r := rule{id: def.ID}
	fail := func(field string, err error) (rule, error) {
		return rule{}, &DefinitionError{MedicationID: def.ID, Field: field, Err: err}
	}

	if strings.TrimSpace(def.StartDate) == "" {
		return fail("start_date", ErrMissing)
	}
	start, err := model.ParseDate(def.StartDate)
	if err != nil {
		return fail("start_date", err)
	}
	r.start = start

	if strings.TrimSpace(def.EndDate) != "" {
		end, err := model.ParseDate(def.EndDate)
		if err != nil {
			return fail("end_date", err)
		}
		r.end = end
	}

	rec, err := parseRecurrence(def.Recurrence)
	if err != nil {
		return fail("recurrence", err)
	}
	r.recurrence = rec

	switch rec {
	case model.RecurrenceOnce:
		r.once = start
		if strings.TrimSpace(def.ScheduleDate) != "" {
			d, err := model.ParseDate(def.ScheduleDate)
			if err != nil {
				return fail("schedule_date", err)
			}
			r.once = d
		}
		t := e.defaultTime
		if strings.TrimSpace(def.ScheduleTime) != "" {
			t, err = model.ParseClock(def.ScheduleTime)
			if err != nil {
				return fail("schedule_time", err)
			}
		}
		r.times = []model.Clock{t}
		return r, nil

	case model.RecurrenceWeekly:
		if len(def.DaysOfWeek) == 0 {
			r.weekdays = e.weeklyDefault
		} else {
			days, ok := weekdaySet(def.DaysOfWeek)
			if !ok {
				return fail("days_of_week", ErrBadWeekdays)
			}
			r.weekdays = days
		}
	}

	times, err := e.doseTimes(def)
	if err != nil {
		return fail("times", err)
	}
	r.times = times
	return r, nil
}

// doseTimes resolves intra-day timing: fixed times win over an interval,
// and the default time applies when neither is set.
func (e *Engine) doseTimes(def model.MedicationDefinition) ([]model.Clock, error) {
	raw := splitTimes(def.FixedTimes)
	if len(raw) > 0 {
		out := make([]model.Clock, 0, len(raw))
		for _, s := range raw {
			c, err := model.ParseClock(s)
			if err != nil {
				continue
			}
			out = append(out, c)
		}
		if len(out) == 0 {
			return nil, ErrNoDoseTimes
		}
		return out, nil
	}

	if def.IntervalHours > 0 {
		base := e.baseHour
		if def.StartHour != nil {
			base = *def.StartHour
		}
		if base < 0 || base > 23 {
			return nil, ErrBadStartHour
		}
		out := make([]model.Clock, 0, (23-base)/def.IntervalHours+1)
		for h := base; ; h += def.IntervalHours {
			out = append(out, model.Clock{Hour: h})
			if def.IntervalHours > 23-h {
				break
			}
		}
		return out, nil
	}

	return []model.Clock{e.defaultTime}, nil
}

// splitTimes flattens list entries and semicolon-separated values,
// dropping blanks.
func splitTimes(entries []string) []string {
	var out []string
	for _, entry := range entries {
		for _, part := range strings.Split(entry, ";") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseRecurrence(s string) (model.Recurrence, error) {
	switch model.Recurrence(strings.ToLower(strings.TrimSpace(s))) {
	case "", model.RecurrenceDaily:
		return model.RecurrenceDaily, nil
	case model.RecurrenceWeekly:
		return model.RecurrenceWeekly, nil
	case model.RecurrenceMonthly:
		return model.RecurrenceMonthly, nil
	case model.RecurrenceOnce:
		return model.RecurrenceOnce, nil
	default:
		return "", ErrUnknownRecurrence
	}
}

// weekdaySet converts 0..6 indices to a set. Out-of-range entries are
// dropped; the set is invalid when nothing remains.
func weekdaySet(days []int) ([7]bool, bool) {
	var set [7]bool
	ok := false
	for _, d := range days {
		if d < 0 || d > 6 {
			continue
		}
		set[d] = true
		ok = true
	}
	return set, ok
}

// withinBounds checks the start/end window only.
func (r rule) withinBounds(date model.Date) bool {
	if date.Before(r.start) {
		return false
	}
	if !r.end.IsZero() && date.After(r.end) {
		return false
	}
	return true
}

func (r rule) activeOn(date model.Date) bool {
	if !r.withinBounds(date) {
		return false
	}
	switch r.recurrence {
	case model.RecurrenceWeekly:
		return r.weekdays[date.Weekday()]
	case model.RecurrenceMonthly:
		return date.Day == r.start.Day
	case model.RecurrenceOnce:
		return date == r.once
	default:
		return true
	}
}

func (r rule) rruleWeekdays() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d, on := range r.weekdays {
		if on {
			out = append(out, time.Weekday(d))
		}
	}
	return out
}

// sortedTimes returns r.times ascending with duplicates removed; the
// (medication, date, time) triple is an occurrence's identity.
func (r rule) sortedTimes() []model.Clock {
	out := make([]model.Clock, 0, len(r.times))
	seen := make(map[model.Clock]bool, len(r.times))
	for _, t := range r.times {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sortClocks(out)
	return out
}
