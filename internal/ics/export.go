// Package ics renders dose occurrences as an iCalendar feed so they can be
// subscribed to from any calendar client.
package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"medsched/internal/model"
)

const (
	productID       = "-//medsched//medication schedule//EN"
	defaultDuration = 15 * time.Minute
	uidDomain       = "medsched"
)

// ExportConfig controls feed rendering.
type ExportConfig struct {
	// CalendarName becomes X-WR-CALNAME when set.
	CalendarName string
	// Location is advertised as X-WR-TIMEZONE. Event times are always UTC.
	Location *time.Location
	// Duration of each VEVENT. Zero means 15 minutes.
	Duration time.Duration
	// Stamp is written as DTSTAMP. Zero means time.Now.
	Stamp time.Time
}

// Export builds a VCALENDAR with one VEVENT per slot. defs supplies names
// and dosages; slots whose medication is missing from defs still get an
// event with a generic summary.
func Export(slots []model.Slot, defs []model.MedicationDefinition, cfg ExportConfig) string {
	return Build(slots, defs, cfg).Serialize()
}

// Build is Export without serialisation.
func Build(slots []model.Slot, defs []model.MedicationDefinition, cfg ExportConfig) *ical.Calendar {
	if cfg.Duration <= 0 {
		cfg.Duration = defaultDuration
	}
	if cfg.Stamp.IsZero() {
		cfg.Stamp = time.Now()
	}

	byID := make(map[string]model.MedicationDefinition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if cfg.CalendarName != "" {
		cal.SetXWRCalName(cfg.CalendarName)
	}
	if cfg.Location != nil {
		cal.SetXWRTimezone(cfg.Location.String())
	}

	for _, s := range slots {
		def := byID[s.MedicationID]
		ev := cal.AddEvent(EventUID(s))
		ev.SetDtStampTime(cfg.Stamp.UTC())
		ev.SetStartAt(s.At.UTC())
		ev.SetEndAt(s.At.Add(cfg.Duration).UTC())
		ev.SetSummary(summary(def))
		if def.Dosage != "" {
			ev.SetDescription(fmt.Sprintf("Take %s at %s", def.Dosage, s.Time))
		}
		ev.SetProperty(ical.ComponentPropertyCategories, "MEDICATION")
	}
	return cal
}

// EventUID is stable per (medication, date, time), so clients update an
// event in place when the feed is refreshed.
func EventUID(s model.Slot) string {
	return fmt.Sprintf("%s/%s/%02d%02d@%s", s.MedicationID, s.Date, s.Time.Hour, s.Time.Minute, uidDomain)
}

func summary(def model.MedicationDefinition) string {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		name = "Medication"
	}
	if dosage := strings.TrimSpace(def.Dosage); dosage != "" {
		return name + " " + dosage
	}
	return name
}
