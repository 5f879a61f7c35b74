package engine

import (
	"slices"
	"time"

	"medsched/internal/model"
)

// DayResult is the classification of several medications for one date.
type DayResult struct {
	Date        model.Date
	Occurrences []model.Occurrence
	Anomalies   []Anomaly
}

// TimeGroup is a time-of-day bucket of occurrences.
type TimeGroup struct {
	Time        model.Clock        `json:"time"`
	Occurrences []model.Occurrence `json:"occurrences"`
}

// Classify returns def's occurrences on date, ascending by time, each
// tagged with its state at now. Confirmations for other medications or
// days are ignored; a nil slice means nothing was confirmed.
func (e *Engine) Classify(def model.MedicationDefinition, date model.Date, now time.Time, confirmations []model.ConfirmationRecord) []model.Occurrence {
	r, err := e.compile(def)
	if err != nil {
		return nil
	}
	return e.classify(r, date, now, confirmations)
}

// ClassifyAll classifies every definition for date. Occurrences are
// grouped by time first; within a time, definitions keep their input
// order.
func (e *Engine) ClassifyAll(defs []model.MedicationDefinition, date model.Date, now time.Time, confirmations []model.ConfirmationRecord) DayResult {
	result := DayResult{Date: date, Occurrences: make([]model.Occurrence, 0)}
	for _, def := range defs {
		r, err := e.compile(def)
		if err != nil {
			result.Anomalies = append(result.Anomalies, Anomaly{MedicationID: def.ID, Err: err})
			continue
		}
		result.Occurrences = append(result.Occurrences, e.classify(r, date, now, confirmations)...)
	}
	slices.SortStableFunc(result.Occurrences, func(a, b model.Occurrence) int {
		return a.Time.Compare(b.Time)
	})
	return result
}

func (e *Engine) classify(r rule, date model.Date, now time.Time, confirmations []model.ConfirmationRecord) []model.Occurrence {
	if !r.activeOn(date) {
		return nil
	}
	taken, skipped := confirmationState(r.id, date, confirmations)

	times := r.sortedTimes()
	out := make([]model.Occurrence, 0, len(times))
	for _, t := range times {
		at := date.At(t, e.loc)
		occ := model.Occurrence{
			Slot: model.Slot{MedicationID: r.id, Date: date, Time: t, At: at},
		}
		switch {
		case taken:
			occ.State = model.StateTaken
		case skipped:
			occ.State = model.StateSkipped
		case !at.After(now):
			occ.State = model.StateTakeable
		default:
			occ.State = model.StateFuture
		}
		out = append(out, occ)
	}
	return out
}

// confirmationState scans for confirmations of (medicationID, date). Any
// taken record wins over any number of others; unparsable dates never
// match.
func confirmationState(medicationID string, date model.Date, confirmations []model.ConfirmationRecord) (taken, skipped bool) {
	for _, c := range confirmations {
		if c.MedicationID != medicationID {
			continue
		}
		d, err := model.ParseDate(c.ConfirmationDate)
		if err != nil || d != date {
			continue
		}
		if c.Taken {
			return true, false
		}
		if c.Status == model.ConfirmationSkipped {
			skipped = true
		}
	}
	return false, skipped
}

// GroupByTime buckets occurrences by time of day, ascending, keeping the
// relative order inside each bucket.
func GroupByTime(occs []model.Occurrence) []TimeGroup {
	groups := make([]TimeGroup, 0)
	index := make(map[model.Clock]int)
	for _, o := range occs {
		i, ok := index[o.Time]
		if !ok {
			i = len(groups)
			index[o.Time] = i
			groups = append(groups, TimeGroup{Time: o.Time})
		}
		groups[i].Occurrences = append(groups[i].Occurrences, o)
	}
	slices.SortStableFunc(groups, func(a, b TimeGroup) int {
		return a.Time.Compare(b.Time)
	})
	return groups
}

// PendingCount counts occurrences that are due and not yet confirmed.
func PendingCount(occs []model.Occurrence) int {
	n := 0
	for _, o := range occs {
		if o.State == model.StateTakeable {
			n++
		}
	}
	return n
}
