package ics

import (
	"calingest/internal/model"
)

// Merge concatenates expansion instances onto the base event list.
// Instances are additive; the base list is not reordered.
func Merge(base, expanded []model.CalendarEvent) []model.CalendarEvent {
	out := make([]model.CalendarEvent, 0, len(base)+len(expanded))
	out = append(out, base...)
	out = append(out, expanded...)
	return out
}

// Deduplicate removes events sharing an identical (UID, start instant)
// pair, keeping the first occurrence encountered. This guards against a
// master accidentally being expanded twice (e.g. once via buffered parsing
// and once via a streaming fallback path). Idempotent.
func Deduplicate(events []model.CalendarEvent) []model.CalendarEvent {
	type identity struct {
		uid   string
		start int64
	}

	seen := make(map[identity]struct{}, len(events))
	out := make([]model.CalendarEvent, 0, len(events))
	for _, ev := range events {
		id := identity{uid: ev.UID, start: ev.Start.Time.UnixNano()}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, ev)
	}
	return out
}
