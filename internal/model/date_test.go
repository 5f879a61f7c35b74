package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, Date{Year: 2024, Month: time.February, Day: 29}, d)

	d, err = ParseDate("2024-01-05T10:00:00+09:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-05", d.String())

	d, err = ParseDate(" 2024-01-05 00:00:00 ")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-05", d.String())

	for _, bad := range []string{"", "2023-02-29", "05/01/2024", "tomorrow"} {
		_, err := ParseDate(bad)
		assert.Error(t, err, bad)
	}
}

func TestDateArithmetic(t *testing.T) {
	d := MustDate("2024-01-31")
	assert.Equal(t, "2024-02-01", d.AddDays(1).String())
	assert.Equal(t, "2023-12-31", d.AddDays(-31).String())
	assert.Equal(t, "2025-01-31", d.AddMonths(12).String())
	assert.Equal(t, time.Wednesday, d.Weekday())

	assert.True(t, d.Before(MustDate("2024-02-01")))
	assert.True(t, d.After(MustDate("2023-12-31")))
	assert.Equal(t, 0, d.Compare(MustDate("2024-01-31")))
}

func TestDateAt(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	got := MustDate("2024-01-05").At(MustClock("08:30"), loc)
	assert.Equal(t, time.Date(2024, 1, 4, 23, 30, 0, 0, time.UTC), got.UTC())
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("8:05")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 8, Minute: 5}, c)
	assert.Equal(t, "08:05", c.String())

	c, err = ParseClock("23:59:59")
	require.NoError(t, err)
	assert.Equal(t, 23*60+59, c.Minutes())

	for _, bad := range []string{"", "24:00", "12:60", "12:5", "noon", "1:2:3:4", "12:30:99", "+8:00", "-1:00", "008:00", " 8:+5", "08:00:+1"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestOccurrenceJSON(t *testing.T) {
	occ := Occurrence{
		Slot: Slot{
			MedicationID: "m1",
			Date:         MustDate("2024-01-05"),
			Time:         MustClock("20:00"),
			At:           time.Date(2024, 1, 5, 20, 0, 0, 0, time.UTC),
		},
		State: StateFuture,
	}

	data, err := json.Marshal(occ)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"medication_id": "m1",
		"scheduled_date": "2024-01-05",
		"scheduled_time": "20:00",
		"scheduled_at": "2024-01-05T20:00:00Z",
		"state": "future"
	}`, string(data))

	var back Occurrence
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, occ.Date, back.Date)
	assert.Equal(t, occ.Time, back.Time)
}
