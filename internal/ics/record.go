package ics

import (
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/samber/mo"

	"calingest/internal/model"
)

// rawRecordFromComponent extracts the two properties the superset tracker
// and candidate collector are allowed to inspect.
func rawRecordFromComponent(ve *ical.VEvent) RawRecord {
	rec := RawRecord{Component: ve}
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		rec.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rec.RRule = p.Value
	}
	return rec
}

// classifyComponent turns one VEVENT into a parsed CalendarEvent, or an
// explicit per-record failure the caller collects as a warning. The skip
// policy is the caller's decision, not hidden control flow.
func classifyComponent(ve *ical.VEvent, norm *Normalizer) mo.Result[model.CalendarEvent] {
	var out model.CalendarEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return mo.Err[model.CalendarEvent](errors.New("missing UID"))
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	// DTSTART / DTEND. The library's helpers handle VTIMEZONE/TZID logic;
	// we capture the declared TZID separately for display.
	start, startErr := ve.GetStartAt()
	end, _ := ve.GetEndAt()

	allDay := false
	startTZ := ""
	if dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart); dtStartProp != nil {
		val := dtStartProp.Value
		if params := dtStartProp.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				allDay = true
			}
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				startTZ = tzs[0]
			}
		}
		if !strings.Contains(val, "T") {
			allDay = true
		}
		// The library could not build a time.Time; retry against the
		// declared TZID before giving up on the record.
		if startErr != nil || start.IsZero() {
			if t, err := norm.ParseStamp(val, startTZ); err == nil {
				start = t
				startErr = nil
			}
		}
	}
	if startErr != nil || start.IsZero() {
		return mo.Err[model.CalendarEvent](errors.New("missing or undecodable DTSTART"))
	}

	endTZ := startTZ
	if dtEndProp := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEndProp != nil {
		if params := dtEndProp.ICalParameters; params != nil {
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				endTZ = tzs[0]
			}
		}
	}
	if end.IsZero() {
		if allDay {
			end = start.Add(24 * time.Hour)
		} else {
			end = start.Add(time.Hour)
		}
	}

	out.Start = norm.Normalize(start, startTZ)
	out.End = norm.Normalize(end, endTZ)
	out.AllDay = allDay

	if p := ve.GetProperty("STATUS"); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		out.Cancelled = true
	}
	if p := ve.GetProperty("ORGANIZER"); p != nil {
		out.Organizer = strings.TrimPrefix(p.Value, "mailto:")
	}
	if ve.GetProperty("X-MICROSOFT-SKYPETEAMSMEETINGURL") != nil ||
		ve.GetProperty("X-GOOGLE-CONFERENCE") != nil {
		out.OnlineMeeting = true
	}

	if p := ve.GetProperty("LAST-MODIFIED"); p != nil {
		if t, err := norm.ParseStamp(p.Value, ""); err == nil {
			out.LastModified = t
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		out.IsRecurring = true
	}

	// RECURRENCE-ID marks an override instance replacing one generated
	// occurrence of its master.
	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil {
		ridTZ := ""
		if params := ridProp.ICalParameters; params != nil {
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				ridTZ = tzs[0]
			}
		}
		if t, err := norm.ParseStamp(ridProp.Value, ridTZ); err == nil {
			rid := t.In(norm.Ref())
			out.RecurrenceID = &rid
			out.MasterUID = out.UID
		}
	}

	return mo.Ok(out)
}

// exclusionInstants parses every EXDATE attached to a raw record into
// normalized instants. Values may be comma-separated lists and may carry a
// TZID parameter. Unparseable entries are skipped with a warning.
func exclusionInstants(rec RawRecord, norm *Normalizer) ([]time.Time, []model.Warning) {
	if rec.Component == nil {
		return nil, nil
	}

	var (
		out   []time.Time
		warns []model.Warning
	)
	for _, p := range rec.Component.GetProperties(ical.ComponentPropertyExdate) {
		if p.Value == "" {
			continue
		}
		tzid := ""
		if params := p.ICalParameters; params != nil {
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				tzid = tzs[0]
			}
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := norm.ParseStamp(part, tzid)
			if err != nil {
				warns = append(warns, model.Warning{
					Kind:    model.WarnMalformedRecord,
					Message: "uid " + rec.UID + ": undecodable EXDATE " + part,
				})
				continue
			}
			out = append(out, t.In(norm.Ref()))
		}
	}
	return out, warns
}
