package ics

import (
	"bytes"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calingest/internal/model"
)

func parseComponents(t *testing.T, blocks ...[]string) []*ical.VEvent {
	t.Helper()
	cal, err := ical.ParseCalendar(bytes.NewReader(calendarDoc(blocks...)))
	require.NoError(t, err)
	return cal.Events()
}

func TestBuildCandidatesMasterOverInstancePrecedence(t *testing.T) {
	norm := NewNormalizer("UTC")
	comps := parseComponents(t,
		vevent("rec-1", "20250310T090000Z"),
		vevent("rec-1", "20250310T090000Z", "RRULE:FREQ=DAILY;COUNT=5"),
	)

	raws := []RawRecord{
		rawRecordFromComponent(comps[0]), // plain instance
		rawRecordFromComponent(comps[1]), // master
	}
	events := []model.CalendarEvent{
		{UID: "rec-1", Start: model.DateTimeInfo{Time: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}},
		{UID: "rec-1", IsRecurring: true, Summary: "the master",
			Start: model.DateTimeInfo{Time: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}},
	}

	cands, warns := BuildCandidates(events, raws, norm)
	assert.Empty(t, warns)
	require.Len(t, cands, 1)
	assert.Equal(t, "FREQ=DAILY;COUNT=5", cands[0].RRule)
	assert.Equal(t, "the master", cands[0].Event.Summary, "recurring parsed event preferred")
}

func TestBuildCandidatesExclusionUnion(t *testing.T) {
	norm := NewNormalizer("UTC")
	comps := parseComponents(t,
		vevent("rec-1", "20250310T090000Z",
			"RRULE:FREQ=DAILY;COUNT=10",
			"EXDATE:20250312T090000Z,20250313T090000Z"),
	)

	overrideStart := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	rid := overrideStart
	events := []model.CalendarEvent{
		{UID: "rec-1", IsRecurring: true,
			Start: model.DateTimeInfo{Time: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}},
		{UID: "rec-1", MasterUID: "rec-1", RecurrenceID: &rid,
			Start: model.DateTimeInfo{Time: overrideStart}},
	}

	cands, warns := BuildCandidates(events, []RawRecord{rawRecordFromComponent(comps[0])}, norm)
	assert.Empty(t, warns)
	require.Len(t, cands, 1)

	// Declared EXDATEs plus the override's start instant.
	require.Len(t, cands[0].ExDates, 3)
	wants := []time.Time{
		time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 13, 9, 0, 0, 0, time.UTC),
		overrideStart,
	}
	for _, want := range wants {
		found := false
		for _, got := range cands[0].ExDates {
			if got.Equal(want) {
				found = true
			}
		}
		assert.True(t, found, "missing exclusion %v", want)
	}
}

func TestBuildCandidatesSynthesizesWhenEventEvicted(t *testing.T) {
	norm := NewNormalizer("UTC")
	comps := parseComponents(t,
		vevent("rec-evicted", "20250310T090000Z", "RRULE:FREQ=WEEKLY;COUNT=4"),
	)

	// No parsed event survived for this UID.
	cands, warns := BuildCandidates(nil, []RawRecord{rawRecordFromComponent(comps[0])}, norm)
	assert.Empty(t, warns)
	require.Len(t, cands, 1)

	ev := cands[0].Event
	assert.Equal(t, "rec-evicted", ev.UID)
	assert.Equal(t, "Event rec-evicted", ev.Summary)
	assert.True(t, ev.IsRecurring)
	assert.True(t, ev.Start.Time.Equal(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)))
	// Missing end defaults to start+1h.
	assert.True(t, ev.End.Time.Equal(ev.Start.Time.Add(time.Hour)))
}

func TestRepresentativeOrigins(t *testing.T) {
	norm := NewNormalizer("UTC")
	comps := parseComponents(t,
		vevent("rec-1", "20250310T090000Z", "RRULE:FREQ=DAILY;COUNT=2"),
	)
	raw := rawRecordFromComponent(comps[0])

	parsed := map[string]model.CalendarEvent{
		"rec-1": {UID: "rec-1", IsRecurring: true},
	}
	rep := representative("rec-1", raw, parsed, norm)
	assert.Equal(t, RepParsed, rep.Origin)

	rep = representative("rec-1", raw, map[string]model.CalendarEvent{}, norm)
	assert.Equal(t, RepSynthesized, rep.Origin)
}

func TestSynthesizeEventLastResortFallback(t *testing.T) {
	// A master whose start cannot be decoded at all still yields a
	// candidate anchored at the current instant.
	norm := NewNormalizer("UTC")
	raw := RawRecord{UID: "broken", RRule: "FREQ=DAILY;COUNT=2"}

	before := time.Now().In(norm.Ref())
	ev := synthesizeEvent("broken", raw, norm)
	after := time.Now().In(norm.Ref())

	assert.Equal(t, "broken", ev.UID)
	assert.False(t, ev.Start.Time.Before(before.Add(-time.Second)))
	assert.False(t, ev.Start.Time.After(after.Add(time.Second)))
	assert.True(t, ev.End.Time.Equal(ev.Start.Time.Add(time.Hour)))
}

func TestBuildCandidatesSkipsPlainRecords(t *testing.T) {
	norm := NewNormalizer("UTC")
	comps := parseComponents(t,
		vevent("plain-1", "20250310T090000Z"),
		vevent("plain-2", "20250311T090000Z"),
	)

	cands, warns := BuildCandidates(nil, []RawRecord{
		rawRecordFromComponent(comps[0]),
		rawRecordFromComponent(comps[1]),
	}, norm)
	assert.Empty(t, warns)
	assert.Empty(t, cands)
}
