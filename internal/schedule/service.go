// Package schedule connects the occurrence engine to storage: it loads
// snapshots, asks the engine what is due, and writes back confirmations
// and materialised schedule rows.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medsched/internal/engine"
	appLog "medsched/internal/log"
	"medsched/internal/model"
)

var (
	ErrInvalidMedication   = errors.New("invalid medication")
	ErrInvalidConfirmation = errors.New("invalid confirmation")
	ErrInvalidRange        = errors.New("invalid range")
)

// defaultScheduleDays is the span of a schedule listing without an end date.
const defaultScheduleDays = 7

// Repository is the data-access collaborator. *store.Store implements it.
type Repository interface {
	CreateMedication(ctx context.Context, def model.MedicationDefinition) (model.MedicationDefinition, error)
	GetMedication(ctx context.Context, userID, id string) (model.MedicationDefinition, error)
	ListMedications(ctx context.Context, userID string) ([]model.MedicationDefinition, error)
	DeleteMedication(ctx context.Context, userID, id string) error
	SaveConfirmation(ctx context.Context, userID string, rec model.ConfirmationRecord) (model.ConfirmationRecord, error)
	ListConfirmations(ctx context.Context, userID string, from, to model.Date) ([]model.ConfirmationRecord, error)
	InsertScheduleRows(ctx context.Context, userID string, slots []model.Slot) (int64, error)
	UpdateScheduleStatus(ctx context.Context, userID, medicationID string, date model.Date, status model.ScheduleStatus) (int64, error)
	ListScheduledDoses(ctx context.Context, userID string, from, to model.Date) ([]model.ScheduledDose, error)
}

// Service is safe for concurrent use.
type Service struct {
	repo   Repository
	engine *engine.Engine
	now    func() time.Time
}

type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, eng *engine.Engine, opts ...Option) *Service {
	s := &Service{repo: repo, engine: eng, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CurrentDate returns the current instant's calendar date in the engine zone.
func (s *Service) CurrentDate() model.Date {
	return model.DateOf(s.now().In(s.engine.Location()))
}

// DayView is a user's classified schedule for one date.
type DayView struct {
	Date        model.Date         `json:"date"`
	Occurrences []model.Occurrence `json:"occurrences"`
	Groups      []engine.TimeGroup `json:"groups"`
	Pending     int                `json:"pending"`
	Skipped     []string           `json:"skipped_medications,omitempty"`
}

// Day classifies all of a user's medications for date at the current
// instant.
func (s *Service) Day(ctx context.Context, userID string, date model.Date) (DayView, error) {
	defs, err := s.repo.ListMedications(ctx, userID)
	if err != nil {
		return DayView{}, fmt.Errorf("load medications: %w", err)
	}
	confs, err := s.repo.ListConfirmations(ctx, userID, date, date)
	if err != nil {
		return DayView{}, fmt.Errorf("load confirmations: %w", err)
	}

	res := s.engine.ClassifyAll(defs, date, s.now(), confs)
	view := DayView{
		Date:        date,
		Occurrences: res.Occurrences,
		Groups:      engine.GroupByTime(res.Occurrences),
		Pending:     engine.PendingCount(res.Occurrences),
	}
	for _, a := range res.Anomalies {
		logAnomaly(userID, a)
		view.Skipped = append(view.Skipped, a.MedicationID)
	}
	return view, nil
}

// Today is Day for the current date.
func (s *Service) Today(ctx context.Context, userID string) (DayView, error) {
	return s.Day(ctx, userID, s.CurrentDate())
}

// Pending counts today's doses that are due and unconfirmed.
func (s *Service) Pending(ctx context.Context, userID string) (int, error) {
	view, err := s.Today(ctx, userID)
	if err != nil {
		return 0, err
	}
	return view.Pending, nil
}

// Upcoming lists future occurrences in [from, to]. A zero from means
// today; a zero to applies each medication's default horizon.
func (s *Service) Upcoming(ctx context.Context, userID string, from, to model.Date) (engine.ExpandResult, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return engine.ExpandResult{}, fmt.Errorf("%w: to %s is before from %s", ErrInvalidRange, to, from)
	}
	defs, err := s.repo.ListMedications(ctx, userID)
	if err != nil {
		return engine.ExpandResult{}, fmt.Errorf("load medications: %w", err)
	}
	res := s.engine.Expand(defs, engine.RangeQuery{From: from, To: to, After: s.now()})
	for _, a := range res.Anomalies {
		logAnomaly(userID, a)
	}
	for _, id := range res.Truncated {
		appLog.Warn("schedule: occurrence expansion truncated", "user", userID, "medication_id", id)
	}
	return res, nil
}

// MaterializeResult summarises one materialisation pass.
type MaterializeResult struct {
	Generated int      `json:"generated"`
	Inserted  int64    `json:"inserted"`
	Truncated []string `json:"truncated,omitempty"`
	Skipped   []string `json:"skipped_medications,omitempty"`
}

// Materialize writes a pending row for every future occurrence within
// each medication's default horizon. Rows that already exist are kept, so
// repeated runs only add what is new; past occurrences are never written.
func (s *Service) Materialize(ctx context.Context, userID string) (MaterializeResult, error) {
	res, err := s.Upcoming(ctx, userID, s.CurrentDate(), model.Date{})
	if err != nil {
		return MaterializeResult{}, err
	}
	inserted, err := s.repo.InsertScheduleRows(ctx, userID, res.Slots)
	if err != nil {
		return MaterializeResult{}, fmt.Errorf("materialize: %w", err)
	}

	out := MaterializeResult{
		Generated: len(res.Slots),
		Inserted:  inserted,
		Truncated: res.Truncated,
	}
	for _, a := range res.Anomalies {
		out.Skipped = append(out.Skipped, a.MedicationID)
	}
	appLog.Info("schedule materialized",
		"user", userID,
		"generated", out.Generated,
		"inserted", out.Inserted,
		"skipped", len(out.Skipped),
	)
	return out, nil
}

// ScheduleView is the materialised schedule over a resolved date range.
type ScheduleView struct {
	From  model.Date            `json:"from"`
	To    model.Date            `json:"to"`
	Doses []model.ScheduledDose `json:"doses"`
}

// ScheduledDoses lists the materialised rows dated within [from, to]. A
// zero from means today; a zero to covers a week starting at from.
func (s *Service) ScheduledDoses(ctx context.Context, userID string, from, to model.Date) (ScheduleView, error) {
	if from.IsZero() {
		from = s.CurrentDate()
	}
	if to.IsZero() {
		to = from.AddDays(defaultScheduleDays - 1)
	}
	if to.Before(from) {
		return ScheduleView{}, fmt.Errorf("%w: to %s is before from %s", ErrInvalidRange, to, from)
	}
	doses, err := s.repo.ListScheduledDoses(ctx, userID, from, to)
	if err != nil {
		return ScheduleView{}, fmt.Errorf("load schedule: %w", err)
	}
	if doses == nil {
		doses = []model.ScheduledDose{}
	}
	return ScheduleView{From: from, To: to, Doses: doses}, nil
}

// ConfirmRequest is a user's take/skip action for one medication and day.
type ConfirmRequest struct {
	MedicationID string `json:"medication_id"`
	// Date defaults to today.
	Date string `json:"date,omitempty"`
	// Skipped records an explicit skip instead of a taken dose.
	Skipped bool `json:"skipped,omitempty"`
}

// Confirm stores the confirmation and then updates the day's schedule
// rows. The medication must exist and be active on the date.
func (s *Service) Confirm(ctx context.Context, userID string, req ConfirmRequest) (model.ConfirmationRecord, error) {
	if strings.TrimSpace(req.MedicationID) == "" {
		return model.ConfirmationRecord{}, fmt.Errorf("%w: medication_id is required", ErrInvalidConfirmation)
	}
	now := s.now().In(s.engine.Location())
	date := model.DateOf(now)
	if strings.TrimSpace(req.Date) != "" {
		d, err := model.ParseDate(req.Date)
		if err != nil {
			return model.ConfirmationRecord{}, fmt.Errorf("%w: %v", ErrInvalidConfirmation, err)
		}
		date = d
	}

	def, err := s.repo.GetMedication(ctx, userID, req.MedicationID)
	if err != nil {
		return model.ConfirmationRecord{}, err
	}
	if !s.engine.IsActiveOn(def, date) {
		return model.ConfirmationRecord{}, fmt.Errorf("%w: medication %s is not scheduled on %s", ErrInvalidConfirmation, def.ID, date)
	}

	rec := model.ConfirmationRecord{
		MedicationID:     def.ID,
		ConfirmationDate: date.String(),
		ConfirmationTime: model.Clock{Hour: now.Hour(), Minute: now.Minute()}.String(),
		Taken:            !req.Skipped,
		Status:           model.ConfirmationTaken,
	}
	status := model.ScheduleTaken
	if req.Skipped {
		rec.Status = model.ConfirmationSkipped
		status = model.ScheduleSkipped
	}

	saved, err := s.repo.SaveConfirmation(ctx, userID, rec)
	if err != nil {
		return model.ConfirmationRecord{}, fmt.Errorf("confirm: %w", err)
	}
	// A taken record always wins, so a later skip must not downgrade
	// rows that an earlier confirmation marked taken.
	if req.Skipped {
		if taken, err := s.takenOn(ctx, userID, def.ID, date); err == nil && taken {
			return saved, nil
		}
	}
	if _, err := s.repo.UpdateScheduleStatus(ctx, userID, def.ID, date, status); err != nil {
		return saved, fmt.Errorf("confirm: %w", err)
	}
	return saved, nil
}

func (s *Service) takenOn(ctx context.Context, userID, medicationID string, date model.Date) (bool, error) {
	confs, err := s.repo.ListConfirmations(ctx, userID, date, date)
	if err != nil {
		return false, err
	}
	for _, c := range confs {
		if c.MedicationID == medicationID && c.Taken {
			return true, nil
		}
	}
	return false, nil
}

// AddMedication validates def with the engine and stores it for userID.
func (s *Service) AddMedication(ctx context.Context, userID string, def model.MedicationDefinition) (model.MedicationDefinition, error) {
	def.UserID = userID
	if err := s.engine.Validate(def); err != nil {
		return model.MedicationDefinition{}, fmt.Errorf("%w: %v", ErrInvalidMedication, err)
	}
	return s.repo.CreateMedication(ctx, def)
}

// Medications lists a user's stored definitions, including malformed ones.
func (s *Service) Medications(ctx context.Context, userID string) ([]model.MedicationDefinition, error) {
	return s.repo.ListMedications(ctx, userID)
}

// RemoveMedication deletes a medication and its pending schedule rows.
// Confirmations stay as history.
func (s *Service) RemoveMedication(ctx context.Context, userID, id string) error {
	return s.repo.DeleteMedication(ctx, userID, id)
}

func logAnomaly(userID string, a engine.Anomaly) {
	appLog.Warn("schedule: skipping malformed medication",
		"user", userID,
		"medication_id", a.MedicationID,
		"reason", a.Err,
	)
}
