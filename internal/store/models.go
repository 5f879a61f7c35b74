package store

import (
	"time"

	"medsched/internal/model"
)

// Medication is the persisted form of a medication definition. List
// columns are stored as JSON text.
type Medication struct {
	ID     string `gorm:"primaryKey"`
	UserID string `gorm:"index;not null"`
	Name   string
	Dosage string

	StartDate  string
	EndDate    string
	Recurrence string

	FixedTimes    []string `gorm:"serializer:json;type:text"`
	IntervalHours int
	StartHour     *int
	DaysOfWeek    []int `gorm:"serializer:json;type:text"`

	ScheduleDate string
	ScheduleTime string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Definition converts the row to the engine's input type.
func (m Medication) Definition() model.MedicationDefinition {
	return model.MedicationDefinition{
		ID:            m.ID,
		UserID:        m.UserID,
		Name:          m.Name,
		Dosage:        m.Dosage,
		StartDate:     m.StartDate,
		EndDate:       m.EndDate,
		Recurrence:    m.Recurrence,
		FixedTimes:    m.FixedTimes,
		IntervalHours: m.IntervalHours,
		StartHour:     m.StartHour,
		DaysOfWeek:    m.DaysOfWeek,
		ScheduleDate:  m.ScheduleDate,
		ScheduleTime:  m.ScheduleTime,
	}
}

func medicationFromDefinition(def model.MedicationDefinition) Medication {
	return Medication{
		ID:            def.ID,
		UserID:        def.UserID,
		Name:          def.Name,
		Dosage:        def.Dosage,
		StartDate:     def.StartDate,
		EndDate:       def.EndDate,
		Recurrence:    def.Recurrence,
		FixedTimes:    def.FixedTimes,
		IntervalHours: def.IntervalHours,
		StartHour:     def.StartHour,
		DaysOfWeek:    def.DaysOfWeek,
		ScheduleDate:  def.ScheduleDate,
		ScheduleTime:  def.ScheduleTime,
	}
}

// Confirmation records that a medication was taken or skipped on a day.
// Dates are stored as YYYY-MM-DD text so range filters compare lexically.
type Confirmation struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"index;not null"`
	MedicationID string `gorm:"index;not null"`
	Date         string `gorm:"column:confirmation_date;index;not null"`
	Time         string `gorm:"column:confirmation_time"`
	Taken        bool
	Status       string
	CreatedAt    time.Time
}

func (c Confirmation) Record() model.ConfirmationRecord {
	return model.ConfirmationRecord{
		ID:               c.ID,
		MedicationID:     c.MedicationID,
		ConfirmationDate: c.Date,
		ConfirmationTime: c.Time,
		Taken:            c.Taken,
		Status:           model.ConfirmationStatus(c.Status),
	}
}

// ScheduleRow is one materialised future occurrence. The
// (medication, date, time) triple is unique.
type ScheduleRow struct {
	ID            string    `gorm:"primaryKey"`
	UserID        string    `gorm:"index;not null"`
	MedicationID  string    `gorm:"uniqueIndex:idx_schedule_slot;not null"`
	ScheduledDate string    `gorm:"uniqueIndex:idx_schedule_slot;not null"`
	ScheduledTime string    `gorm:"uniqueIndex:idx_schedule_slot;not null"`
	ScheduledAt   time.Time `gorm:"index"`
	Status        string    `gorm:"not null;default:pending"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r ScheduleRow) Slot() model.Slot {
	s := model.Slot{MedicationID: r.MedicationID, At: r.ScheduledAt}
	s.Date, _ = model.ParseDate(r.ScheduledDate)
	s.Time, _ = model.ParseClock(r.ScheduledTime)
	return s
}

func (r ScheduleRow) Dose() model.ScheduledDose {
	return model.ScheduledDose{Slot: r.Slot(), Status: model.ScheduleStatus(r.Status)}
}
