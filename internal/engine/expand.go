package engine

import (
	"iter"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	"medsched/internal/model"
)

// RangeQuery bounds an expansion.
type RangeQuery struct {
	// From is the first calendar date considered (inclusive). When zero,
	// the date of After in the engine location is used.
	From model.Date

	// To is the last calendar date considered (inclusive). When zero, a
	// horizon depending on the recurrence is applied.
	To model.Date

	// After, when set, keeps only occurrences strictly later than it, so
	// past doses inside the range are not materialised again.
	After time.Time
}

// ExpandResult is the outcome of expanding several definitions.
type ExpandResult struct {
	// Slots are ordered by instant, then by definition order.
	Slots []model.Slot

	// Truncated lists medication IDs whose expansion hit the cap.
	Truncated []string

	// Anomalies lists definitions that were skipped as malformed.
	Anomalies []Anomaly
}

// OccurrencesInRange lazily yields def's occurrences within q in ascending
// chronological order. The sequence is restartable and bounded by q.To,
// the default horizon, and the per-expansion cap. A malformed definition
// or a reversed range yields nothing.
func (e *Engine) OccurrencesInRange(def model.MedicationDefinition, q RangeQuery) iter.Seq[model.Slot] {
	return func(yield func(model.Slot) bool) {
		r, err := e.compile(def)
		if err != nil {
			return
		}
		e.walk(r, q, yield)
	}
}

// Expand collects the occurrences of all defs within q. Malformed
// definitions are reported as anomalies instead of failing the batch.
func (e *Engine) Expand(defs []model.MedicationDefinition, q RangeQuery) ExpandResult {
	var result ExpandResult
	all := make([]model.Slot, 0)

	for _, def := range defs {
		r, err := e.compile(def)
		if err != nil {
			result.Anomalies = append(result.Anomalies, Anomaly{MedicationID: def.ID, Err: err})
			continue
		}
		truncated := e.walk(r, q, func(s model.Slot) bool {
			all = append(all, s)
			return true
		})
		if truncated {
			result.Truncated = append(result.Truncated, def.ID)
		}
	}

	slices.SortStableFunc(all, func(a, b model.Slot) int {
		return a.At.Compare(b.At)
	})
	result.Slots = all
	return result
}

// walk feeds fn with r's occurrences in q until fn returns false. It
// reports whether the cap cut the expansion short.
func (e *Engine) walk(r rule, q RangeQuery, fn func(model.Slot) bool) bool {
	from, to, ok := e.window(r, q)
	if !ok {
		return false
	}
	times := r.sortedTimes()
	if len(times) == 0 {
		return false
	}

	emitted := 0
	for date := range e.activeDates(r, from, to) {
		for _, t := range times {
			at := date.At(t, e.loc)
			if !q.After.IsZero() && !at.After(q.After) {
				continue
			}
			if emitted == e.maxOccurrences {
				return true
			}
			if !fn(model.Slot{MedicationID: r.id, Date: date, Time: t, At: at}) {
				return false
			}
			emitted++
		}
	}
	return false
}

// window clamps q to the definition's own start/end dates and resolves
// the default horizon.
func (e *Engine) window(r rule, q RangeQuery) (model.Date, model.Date, bool) {
	from := q.From
	if from.IsZero() {
		if q.After.IsZero() {
			return model.Date{}, model.Date{}, false
		}
		from = model.DateOf(q.After.In(e.loc))
	}
	to := q.To
	if to.IsZero() {
		to = e.horizon(r, from)
	}
	if to.Before(from) {
		return model.Date{}, model.Date{}, false
	}

	if from.Before(r.start) {
		from = r.start
	}
	if !r.end.IsZero() && to.After(r.end) {
		to = r.end
	}
	if to.Before(from) {
		return model.Date{}, model.Date{}, false
	}
	return from, to, true
}

// horizon is the last date of an open-ended query. A once rule has a
// single dose, so its own date is the horizon.
func (e *Engine) horizon(r rule, from model.Date) model.Date {
	switch r.recurrence {
	case model.RecurrenceOnce:
		return r.once
	case model.RecurrenceDaily:
		return from.AddDays(e.dailyDays - 1)
	case model.RecurrenceWeekly:
		return from.AddDays(7*e.weeklyWeeks - 1)
	default:
		return from.AddMonths(e.monthlyMonths).AddDays(-1)
	}
}

// activeDates enumerates active dates in [from, to]. Daily, weekly and
// monthly rules are driven by an RRULE; every candidate is re-checked
// against activeOn so both paths agree.
func (e *Engine) activeDates(r rule, from, to model.Date) iter.Seq[model.Date] {
	return func(yield func(model.Date) bool) {
		if r.recurrence == model.RecurrenceOnce {
			if !r.once.Before(from) && !r.once.After(to) && r.activeOn(r.once) {
				yield(r.once)
			}
			return
		}

		rr, err := rrule.NewRRule(r.rruleOption(from, to))
		if err != nil {
			return
		}
		next := rr.Iterator()
		for {
			t, ok := next()
			if !ok {
				return
			}
			d := model.DateOf(t)
			if !r.activeOn(d) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

// rruleOption maps r onto an RRULE anchored at UTC midnight; only the
// calendar date of each instance is used.
func (r rule) rruleOption(from, to model.Date) rrule.ROption {
	opt := rrule.ROption{
		Dtstart: from.In(time.UTC),
		Until:   to.In(time.UTC),
	}
	switch r.recurrence {
	case model.RecurrenceWeekly:
		opt.Freq = rrule.WEEKLY
		for _, wd := range r.rruleWeekdays() {
			opt.Byweekday = append(opt.Byweekday, rruleWeekday(wd))
		}
	case model.RecurrenceMonthly:
		// Months without this day are skipped, as RFC 5545 requires.
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = []int{r.start.Day}
	default:
		opt.Freq = rrule.DAILY
	}
	return opt
}

func rruleWeekday(wd time.Weekday) rrule.Weekday {
	switch wd {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

func sortClocks(cs []model.Clock) {
	slices.SortFunc(cs, func(a, b model.Clock) int {
		return a.Compare(b)
	})
}
