package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medsched/internal/model"
)

// entry is one VEVENT read back from an exported feed.
type entry struct {
	UID     string
	Summary string
	Start   time.Time
	End     time.Time
}

// parseFeed reads a VCALENDAR payload, skipping events without a UID or a
// readable DTSTART.
func parseFeed(body []byte) ([]entry, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics parse: %w", err)
	}
	entries := make([]entry, 0)
	for _, ve := range cal.Events() {
		uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
		if uid == nil || uid.Value == "" {
			continue
		}
		e := entry{UID: uid.Value}
		if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
			e.Summary = p.Value
		}
		if e.Start, err = ve.GetStartAt(); err != nil {
			continue
		}
		if end, err := ve.GetEndAt(); err == nil {
			e.End = end
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func slotAt(medID, date, clock string, loc *time.Location) model.Slot {
	d, c := model.MustDate(date), model.MustClock(clock)
	return model.Slot{MedicationID: medID, Date: d, Time: c, At: d.At(c, loc)}
}

func TestExport_RoundTrip(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	defs := []model.MedicationDefinition{
		{ID: "med_1", Name: "Metformin", Dosage: "500mg"},
		{ID: "med_2", Name: "Vitamin D"},
	}
	slots := []model.Slot{
		slotAt("med_1", "2024-01-05", "08:00", seoul),
		slotAt("med_2", "2024-01-05", "08:00", seoul),
		slotAt("med_1", "2024-01-05", "20:00", seoul),
		slotAt("gone", "2024-01-06", "09:30", seoul),
	}

	body := Export(slots, defs, ExportConfig{
		CalendarName: "Medications",
		Location:     seoul,
		Stamp:        time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
	})
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "METHOD:PUBLISH")
	assert.Contains(t, body, "X-WR-CALNAME:Medications")
	assert.Contains(t, body, "X-WR-TIMEZONE:Asia/Seoul")
	assert.Equal(t, 4, strings.Count(body, "BEGIN:VEVENT"))

	entries, err := parseFeed([]byte(body))
	require.NoError(t, err)
	require.Len(t, entries, 4)

	first := entries[0]
	assert.Equal(t, "med_1/2024-01-05/0800@medsched", first.UID)
	assert.Equal(t, "Metformin 500mg", first.Summary)
	assert.True(t, first.Start.Equal(time.Date(2024, 1, 4, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, 15*time.Minute, first.End.Sub(first.Start))

	assert.Equal(t, "Vitamin D", entries[1].Summary)
	assert.Equal(t, "Medication", entries[3].Summary)
	assert.Equal(t, "gone/2024-01-06/0930@medsched", entries[3].UID)
}

func TestExport_Empty(t *testing.T) {
	body := Export(nil, nil, ExportConfig{Duration: time.Hour})
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.NotContains(t, body, "BEGIN:VEVENT")

	entries, err := parseFeed([]byte(body))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExport_Duration(t *testing.T) {
	s := slotAt("m", "2024-01-05", "08:00", time.UTC)
	entries, err := parseFeed([]byte(Export([]model.Slot{s}, nil, ExportConfig{Duration: time.Hour})))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, time.Hour, entries[0].End.Sub(entries[0].Start))
}

func TestParseFeedHelper_Errors(t *testing.T) {
	_, err := parseFeed(nil)
	assert.Error(t, err)

	body := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:x\r\n" +
		"BEGIN:VEVENT\r\nSUMMARY:no uid\r\nDTSTART:20240105T080000Z\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:ok\r\nDTSTART:20240105T080000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	entries, err := parseFeed([]byte(body))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok", entries[0].UID)
	assert.True(t, entries[0].End.IsZero())
}
