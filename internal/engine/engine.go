// Package engine turns medication definitions into concrete dose
// occurrences and classifies them against confirmations.
//
// Everything here is a pure function of its inputs. An Engine only holds
// immutable defaults, so one value can be shared by any number of
// goroutines without locking.
package engine

import (
	"errors"
	"fmt"
	"time"

	"medsched/internal/model"
)

const (
	defaultMaxOccurrences       = 5000
	defaultDailyHorizonDays     = 30
	defaultWeeklyHorizonWeeks   = 4
	defaultMonthlyHorizonMonths = 12
)

var defaultDoseTime = model.Clock{Hour: 8, Minute: 0}

var defaultWeeklyDays = []int{1, 3, 5}

var (
	ErrMissing           = errors.New("missing value")
	ErrUnknownRecurrence = errors.New("unknown recurrence")
	ErrNoDoseTimes       = errors.New("no parsable dose time")
	ErrBadWeekdays       = errors.New("no valid weekday")
	ErrBadStartHour      = errors.New("start hour out of range")
)

// DefinitionError reports why a medication definition cannot be scheduled.
type DefinitionError struct {
	MedicationID string
	Field        string
	Err          error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("medication %q: %s: %v", e.MedicationID, e.Field, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Anomaly is a medication that was left out of a result. Callers are
// expected to log these; they are never fatal.
type Anomaly struct {
	MedicationID string
	Err          error
}

// Options configures engine defaults. Zero values select the built-in
// defaults.
type Options struct {
	// Location is the zone dose times are interpreted in. Nil means time.Local.
	Location *time.Location

	// DefaultTime is used when a definition has neither fixed times nor an
	// interval, and for "once" definitions without a schedule time.
	DefaultTime *model.Clock

	// BaseHour is the first hour of an interval grid when the definition
	// does not carry its own start hour.
	BaseHour int

	// WeeklyDefaultDays applies to weekly definitions without days.
	WeeklyDefaultDays []int

	DailyHorizonDays     int
	WeeklyHorizonWeeks   int
	MonthlyHorizonMonths int

	// MaxOccurrences caps a single expansion.
	MaxOccurrences int
}

// Engine computes occurrences. Construct with New.
type Engine struct {
	loc            *time.Location
	defaultTime    model.Clock
	baseHour       int
	weeklyDefault  [7]bool
	dailyDays      int
	weeklyWeeks    int
	monthlyMonths  int
	maxOccurrences int
}

// New builds an Engine, replacing unset or invalid options with defaults.
func New(opts Options) *Engine {
	e := &Engine{
		loc:            opts.Location,
		defaultTime:    defaultDoseTime,
		baseHour:       opts.BaseHour,
		dailyDays:      opts.DailyHorizonDays,
		weeklyWeeks:    opts.WeeklyHorizonWeeks,
		monthlyMonths:  opts.MonthlyHorizonMonths,
		maxOccurrences: opts.MaxOccurrences,
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if opts.DefaultTime != nil {
		e.defaultTime = *opts.DefaultTime
	}
	if e.baseHour < 0 || e.baseHour > 23 {
		e.baseHour = 0
	}

	days, ok := weekdaySet(opts.WeeklyDefaultDays)
	if !ok {
		days, _ = weekdaySet(defaultWeeklyDays)
	}
	e.weeklyDefault = days

	if e.dailyDays <= 0 {
		e.dailyDays = defaultDailyHorizonDays
	}
	if e.weeklyWeeks <= 0 {
		e.weeklyWeeks = defaultWeeklyHorizonWeeks
	}
	if e.monthlyMonths <= 0 {
		e.monthlyMonths = defaultMonthlyHorizonMonths
	}
	if e.maxOccurrences <= 0 {
		e.maxOccurrences = defaultMaxOccurrences
	}
	return e
}

// Location returns the zone dose instants are computed in.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Validate reports whether def can be scheduled at all. The returned error
// is a *DefinitionError.
func (e *Engine) Validate(def model.MedicationDefinition) error {
	_, err := e.compile(def)
	return err
}

// IsActiveOn reports whether def has doses on date. Malformed definitions
// are never active.
func (e *Engine) IsActiveOn(def model.MedicationDefinition, date model.Date) bool {
	r, err := e.compile(def)
	if err != nil {
		return false
	}
	return r.activeOn(date)
}

// OccurrenceTimesOn returns the dose times def would have on date, in
// definition order. It does not check whether date is active; the time
// grid is the same on every active day.
func (e *Engine) OccurrenceTimesOn(def model.MedicationDefinition, date model.Date) []model.Clock {
	r, err := e.compile(def)
	if err != nil {
		return nil
	}
	out := make([]model.Clock, len(r.times))
	copy(out, r.times)
	return out
}
