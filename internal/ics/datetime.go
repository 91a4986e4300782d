package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "calingest/internal/log"
	"calingest/internal/model"
)

// Normalizer resolves document timezone references and converts instants
// into a single reference location so that all comparisons downstream are
// timezone-consistent. The original zone name is preserved for display.
//
// A Normalizer is owned by one parse operation and is not safe for
// concurrent use.
type Normalizer struct {
	ref   *time.Location
	zones map[string]*time.Location
	warns []model.Warning
}

// NewNormalizer builds a Normalizer for the given IANA reference zone.
// An empty or unresolvable zone falls back to UTC with a warning.
func NewNormalizer(tz string) *Normalizer {
	n := &Normalizer{
		ref:   time.UTC,
		zones: make(map[string]*time.Location),
	}
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return n
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		appLog.Warn("reference timezone unresolvable, falling back to UTC", "tz", tz)
		n.warns = append(n.warns, model.Warning{
			Kind:    model.WarnTimezoneResolution,
			Message: fmt.Sprintf("reference timezone %q unresolvable, using UTC", tz),
		})
		return n
	}
	n.ref = loc
	return n
}

// Ref returns the reference location all instants are converted into.
func (n *Normalizer) Ref() *time.Location {
	return n.ref
}

// Resolve maps a document TZID onto a location. Unknown TZIDs fall back to
// UTC; the failure is recorded once per distinct TZID.
func (n *Normalizer) Resolve(tzid string) *time.Location {
	if tzid == "" {
		return n.ref
	}
	if loc, ok := n.zones[tzid]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		appLog.Warn("timezone resolution failed, using UTC", "tzid", tzid)
		n.warns = append(n.warns, model.Warning{
			Kind:    model.WarnTimezoneResolution,
			Message: fmt.Sprintf("TZID %q unresolvable, interpreting as UTC", tzid),
		})
		loc = time.UTC
	}
	n.zones[tzid] = loc
	return loc
}

// Normalize converts an instant into the reference location, keeping the
// declared zone name (or the instant's own) for display.
func (n *Normalizer) Normalize(t time.Time, tzid string) model.DateTimeInfo {
	zone := tzid
	if zone == "" {
		zone = t.Location().String()
	}
	return model.DateTimeInfo{Time: t.In(n.ref), Zone: zone}
}

// ParseStamp parses a document-native date/date-time value into an absolute
// instant. Supported forms:
//
//   - UTC date-time: 20250101T090000Z
//   - Floating date-time (interpreted in tzid, or the reference zone when
//     no TZID was declared): 20250101T090000
//   - Date only (all-day): 20250101
func (n *Normalizer) ParseStamp(v, tzid string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		const layout = "20060102T150405Z"
		return time.Parse(layout, v)
	}

	loc := n.Resolve(tzid)

	if strings.Contains(v, "T") {
		const layout = "20060102T150405"
		return time.ParseInLocation(layout, v, loc)
	}

	const layoutDate = "20060102"
	return time.ParseInLocation(layoutDate, v, loc)
}

// Drain returns the warnings accumulated so far and resets the list.
func (n *Normalizer) Drain() []model.Warning {
	out := n.warns
	n.warns = nil
	return out
}
