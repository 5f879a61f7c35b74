package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"medsched/internal/model"
)

const memoryPath = ":memory:"

var ErrNotFound = errors.New("not found")

// Store persists medications, confirmations and schedule rows in SQLite.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and
// migrates the schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	dsn := memoryPath
	if path != "" && path != memoryPath {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dsn == memoryPath {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	s, err := New(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Medication{}, &Confirmation{}, &ScheduleRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schedule schemas: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Medication operations

func (s *Store) CreateMedication(ctx context.Context, def model.MedicationDefinition) (model.MedicationDefinition, error) {
	if def.UserID == "" {
		return model.MedicationDefinition{}, errors.New("medication without user")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	row := medicationFromDefinition(def)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.MedicationDefinition{}, fmt.Errorf("create medication: %w", err)
	}
	return row.Definition(), nil
}

func (s *Store) GetMedication(ctx context.Context, userID, id string) (model.MedicationDefinition, error) {
	var row Medication
	err := s.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.MedicationDefinition{}, ErrNotFound
	}
	if err != nil {
		return model.MedicationDefinition{}, fmt.Errorf("get medication: %w", err)
	}
	return row.Definition(), nil
}

// ListMedications returns a user's medications in insertion order.
func (s *Store) ListMedications(ctx context.Context, userID string) ([]model.MedicationDefinition, error) {
	var rows []Medication
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("rowid ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	out := make([]model.MedicationDefinition, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Definition())
	}
	return out, nil
}

// DeleteMedication removes a medication together with its pending
// schedule rows. Confirmations are kept as history.
func (s *Store) DeleteMedication(ctx context.Context, userID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("user_id = ? AND id = ?", userID, id).Delete(&Medication{})
		if res.Error != nil {
			return fmt.Errorf("delete medication: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		err := tx.Where("user_id = ? AND medication_id = ? AND status = ?", userID, id, string(model.SchedulePending)).
			Delete(&ScheduleRow{}).Error
		if err != nil {
			return fmt.Errorf("delete schedule rows: %w", err)
		}
		return nil
	})
}

// Confirmation operations

func (s *Store) SaveConfirmation(ctx context.Context, userID string, rec model.ConfirmationRecord) (model.ConfirmationRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := Confirmation{
		ID:           rec.ID,
		UserID:       userID,
		MedicationID: rec.MedicationID,
		Date:         rec.ConfirmationDate,
		Time:         rec.ConfirmationTime,
		Taken:        rec.Taken,
		Status:       string(rec.Status),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.ConfirmationRecord{}, fmt.Errorf("save confirmation: %w", err)
	}
	return row.Record(), nil
}

// ListConfirmations returns a user's confirmations dated within [from, to].
func (s *Store) ListConfirmations(ctx context.Context, userID string, from, to model.Date) ([]model.ConfirmationRecord, error) {
	var rows []Confirmation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND confirmation_date >= ? AND confirmation_date <= ?", userID, from.String(), to.String()).
		Order("rowid ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	out := make([]model.ConfirmationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Record())
	}
	return out, nil
}

// Schedule row operations

// InsertScheduleRows stores slots as pending rows. Slots that already have
// a row are left untouched; the number of new rows is returned.
func (s *Store) InsertScheduleRows(ctx context.Context, userID string, slots []model.Slot) (int64, error) {
	if len(slots) == 0 {
		return 0, nil
	}
	rows := make([]ScheduleRow, 0, len(slots))
	for _, sl := range slots {
		rows = append(rows, ScheduleRow{
			ID:            uuid.NewString(),
			UserID:        userID,
			MedicationID:  sl.MedicationID,
			ScheduledDate: sl.Date.String(),
			ScheduledTime: sl.Time.String(),
			ScheduledAt:   sl.At.UTC(),
			Status:        string(model.SchedulePending),
		})
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, 200)
	if res.Error != nil {
		return 0, fmt.Errorf("insert schedule rows: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateScheduleStatus sets the status of every row of a medication on a
// date, returning how many rows changed.
func (s *Store) UpdateScheduleStatus(ctx context.Context, userID, medicationID string, date model.Date, status model.ScheduleStatus) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&ScheduleRow{}).
		Where("user_id = ? AND medication_id = ? AND scheduled_date = ?", userID, medicationID, date.String()).
		Update("status", string(status))
	if res.Error != nil {
		return 0, fmt.Errorf("update schedule status: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListScheduleRows returns a user's rows dated within [from, to], ordered
// by instant.
func (s *Store) ListScheduleRows(ctx context.Context, userID string, from, to model.Date) ([]ScheduleRow, error) {
	var rows []ScheduleRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND scheduled_date >= ? AND scheduled_date <= ?", userID, from.String(), to.String()).
		Order("scheduled_at ASC").Order("medication_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list schedule rows: %w", err)
	}
	return rows, nil
}

// ListScheduledDoses is ListScheduleRows converted to domain doses.
func (s *Store) ListScheduledDoses(ctx context.Context, userID string, from, to model.Date) ([]model.ScheduledDose, error) {
	rows, err := s.ListScheduleRows(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]model.ScheduledDose, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Dose())
	}
	return out, nil
}
