package model

import "time"

// Recurrence names the rule that decides on which calendar dates a
// medication is active.
type Recurrence string

const (
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
	RecurrenceOnce    Recurrence = "once"
)

// MedicationDefinition is a medication row as it comes out of storage.
//
// Fields are kept loosely typed (dates and times as strings, zero values
// meaning "absent") because rows are written by several clients and may
// contain garbage. The engine parses them and excludes what it cannot read.
type MedicationDefinition struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Dosage string `json:"dosage,omitempty"`

	// StartDate / EndDate are calendar dates (YYYY-MM-DD). EndDate is
	// inclusive; empty means unbounded.
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date,omitempty"`

	// Recurrence is one of daily/weekly/monthly/once. Empty means daily.
	Recurrence string `json:"recurrence,omitempty"`

	// FixedTimes lists HH:MM dose times. An entry may itself hold several
	// semicolon-separated times ("08:00;20:00").
	FixedTimes []string `json:"fixed_times,omitempty"`

	// IntervalHours repeats the dose every N hours from StartHour, within
	// a single calendar day. Ignored when FixedTimes is set.
	IntervalHours int  `json:"interval_hours,omitempty"`
	StartHour     *int `json:"start_hour,omitempty"`

	// DaysOfWeek holds weekday indices (0=Sunday..6=Saturday), weekly only.
	DaysOfWeek []int `json:"days_of_week,omitempty"`

	// ScheduleDate / ScheduleTime pin the single dose of a "once" medication.
	ScheduleDate string `json:"schedule_date,omitempty"`
	ScheduleTime string `json:"schedule_time,omitempty"`
}

// ConfirmationStatus distinguishes an explicit skip from a plain "not taken".
type ConfirmationStatus string

const (
	ConfirmationTaken   ConfirmationStatus = "taken"
	ConfirmationSkipped ConfirmationStatus = "skipped"
)

// ConfirmationRecord is a user-entered statement about one medication on
// one calendar day. Confirmations are per day, not per dose time.
type ConfirmationRecord struct {
	ID               string             `json:"id,omitempty"`
	MedicationID     string             `json:"medication_id"`
	ConfirmationDate string             `json:"confirmation_date"`
	ConfirmationTime string             `json:"confirmation_time,omitempty"`
	Taken            bool               `json:"taken"`
	Status           ConfirmationStatus `json:"status,omitempty"`
}

// State is the classification of a single occurrence at a given instant.
type State string

const (
	StateFuture   State = "future"
	StateTakeable State = "takeable"
	StateTaken    State = "taken"
	StateSkipped  State = "skipped"
)

// Slot is one concrete (date, time) dose event of a medication, without
// any confirmation state attached.
type Slot struct {
	MedicationID string    `json:"medication_id"`
	Date         Date      `json:"scheduled_date"`
	Time         Clock     `json:"scheduled_time"`
	At           time.Time `json:"scheduled_at"`
}

// Occurrence is a Slot classified against the current instant and the
// confirmations for its day.
type Occurrence struct {
	Slot
	State State `json:"state"`
}

// ScheduleStatus is the persisted status of a materialised schedule row.
type ScheduleStatus string

const (
	SchedulePending ScheduleStatus = "pending"
	ScheduleTaken   ScheduleStatus = "taken"
	ScheduleSkipped ScheduleStatus = "skipped"
)

// ScheduledDose is a materialised Slot with its persisted status.
type ScheduledDose struct {
	Slot
	Status ScheduleStatus `json:"status"`
}
