package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calingest/internal/model"
)

func icsBytes(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func vevent(uid, dtstart string, extra ...string) []string {
	lines := []string{
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTART:" + dtstart,
		"SUMMARY:Event " + uid,
	}
	lines = append(lines, extra...)
	lines = append(lines, "END:VEVENT")
	return lines
}

func calendarDoc(blocks ...[]string) []byte {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calingest tests//EN",
		"X-WR-CALNAME:Team calendar",
		"X-WR-CALDESC:Shared schedule",
		"X-WR-TIMEZONE:UTC",
	}
	for _, b := range blocks {
		lines = append(lines, b...)
	}
	lines = append(lines, "END:VCALENDAR")
	return icsBytes(lines...)
}

func newTestScanner(cfg ScanConfig) *Scanner {
	return NewScanner(cfg, NewNormalizer("UTC"))
}

func TestScanBufferedBasic(t *testing.T) {
	doc := calendarDoc(
		vevent("ev-1", "20250310T090000Z"),
		vevent("ev-2", "20250311T100000Z", "DTEND:20250311T113000Z", "LOCATION:Room 4"),
	)
	s := newTestScanner(ScanConfig{})

	res, err := s.Scan(doc)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, 2, res.TotalComponents)
	assert.Empty(t, res.Warnings)

	assert.Equal(t, "Team calendar", res.Meta.Name)
	assert.Equal(t, "Shared schedule", res.Meta.Description)
	assert.Equal(t, "UTC", res.Meta.Timezone)

	ev := res.Events[1]
	assert.Equal(t, "ev-2", ev.UID)
	assert.Equal(t, "Room 4", ev.Location)
	assert.True(t, ev.Start.Time.Equal(time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)))
	assert.True(t, ev.End.Time.Equal(time.Date(2025, 3, 11, 11, 30, 0, 0, time.UTC)))

	// Missing DTEND defaults to one hour after start.
	first := res.Events[0]
	assert.True(t, first.End.Time.Equal(first.Start.Time.Add(time.Hour)))
}

func TestScanStreamMatchesBuffered(t *testing.T) {
	doc := calendarDoc(
		vevent("ev-1", "20250310T090000Z"),
		vevent("ev-2", "20250311T100000Z"),
		vevent("ev-3", "20250312T100000Z", "RRULE:FREQ=WEEKLY;COUNT=4"),
	)

	buffered, err := newTestScanner(ScanConfig{}).Scan(doc)
	require.NoError(t, err)

	streamed, err := newTestScanner(ScanConfig{StreamingThreshold: 1}).Scan(doc)
	require.NoError(t, err)

	require.Len(t, streamed.Events, len(buffered.Events))
	for i := range buffered.Events {
		assert.Equal(t, buffered.Events[i].UID, streamed.Events[i].UID)
		assert.True(t, buffered.Events[i].Start.Time.Equal(streamed.Events[i].Start.Time))
		assert.Equal(t, buffered.Events[i].IsRecurring, streamed.Events[i].IsRecurring)
	}
	assert.Equal(t, buffered.Meta, streamed.Meta)
	assert.Equal(t, buffered.TotalComponents, streamed.TotalComponents)
}

func TestScanEventCapKeepsScanning(t *testing.T) {
	// The cap drops later events from the primary list, but the raw
	// superset still observes them, so a master past the cap survives.
	doc := calendarDoc(
		vevent("ev-1", "20250310T090000Z"),
		vevent("ev-2", "20250311T090000Z"),
		vevent("ev-3", "20250312T090000Z"),
		vevent("rec-1", "20250313T090000Z", "RRULE:FREQ=DAILY;COUNT=3"),
	)
	s := newTestScanner(ScanConfig{MaxStoredEvents: 2})

	res, err := s.Scan(doc)
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
	assert.Equal(t, 4, res.TotalComponents)

	capWarnings := 0
	for _, w := range res.Warnings {
		if w.Kind == model.WarnEventCapReached {
			capWarnings++
		}
	}
	assert.Equal(t, 1, capWarnings, "cap warning recorded exactly once")

	uids := recordUIDs(res.Raw.Records())
	assert.True(t, uids["rec-1"], "master past the cap must be retained in the superset")
}

func TestScanRejectsOversizeDocument(t *testing.T) {
	doc := calendarDoc(vevent("ev-1", "20250310T090000Z"))

	s := newTestScanner(ScanConfig{MaxDocumentBytes: 16})
	_, err := s.Scan(doc)
	assert.ErrorIs(t, err, ErrDocumentTooLarge)

	// Streaming enforces the ceiling as bytes arrive.
	s = newTestScanner(ScanConfig{MaxDocumentBytes: 16, StreamingThreshold: 1})
	_, err = s.ScanReader(strings.NewReader(string(doc)))
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
}

func TestScanTruncatedStreamFails(t *testing.T) {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:ev-1",
		"DTSTART:20250310T090000Z",
		// Document ends mid-component.
	}
	s := newTestScanner(ScanConfig{StreamingThreshold: 1})

	_, err := s.Scan(icsBytes(lines...))
	assert.ErrorIs(t, err, ErrMalformedDocument)
}

func TestScanFatalErrorKeepsAccumulatedWarnings(t *testing.T) {
	// A record skipped before the stream turns out to be truncated must
	// still surface its warning with the failure.
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"DTSTART:20250310T090000Z",
		"SUMMARY:No identity",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:ev-cut",
		// Document ends mid-component.
	}
	s := newTestScanner(ScanConfig{StreamingThreshold: 1})

	res, err := s.Scan(icsBytes(lines...))
	require.ErrorIs(t, err, ErrMalformedDocument)
	require.NotNil(t, res)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, model.WarnMalformedRecord, res.Warnings[0].Kind)
}

func TestScanMissingEnvelopeFails(t *testing.T) {
	doc := icsBytes(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		// No END:VCALENDAR.
	)
	s := newTestScanner(ScanConfig{StreamingThreshold: 1})

	_, err := s.Scan(doc)
	assert.ErrorIs(t, err, ErrMalformedDocument)
}

func TestScanMalformedRecordSkipped(t *testing.T) {
	noUID := []string{
		"BEGIN:VEVENT",
		"DTSTART:20250310T090000Z",
		"SUMMARY:No identity",
		"END:VEVENT",
	}
	doc := calendarDoc(noUID, vevent("ev-1", "20250311T090000Z"))
	s := newTestScanner(ScanConfig{})

	res, err := s.Scan(doc)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "ev-1", res.Events[0].UID)
	assert.Equal(t, 2, res.TotalComponents)

	require.NotEmpty(t, res.Warnings)
	assert.Equal(t, model.WarnMalformedRecord, res.Warnings[0].Kind)
}

func TestScanAllDayDetection(t *testing.T) {
	doc := calendarDoc(
		vevent("day-1", "20250310T090000Z"),
		[]string{
			"BEGIN:VEVENT",
			"UID:day-2",
			"DTSTART;VALUE=DATE:20250315",
			"SUMMARY:Holiday",
			"END:VEVENT",
		},
	)
	s := newTestScanner(ScanConfig{})

	res, err := s.Scan(doc)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.False(t, res.Events[0].AllDay)
	assert.True(t, res.Events[1].AllDay)
}

func TestScanRecurrenceAndOverrideFlags(t *testing.T) {
	doc := calendarDoc(
		vevent("rec-1", "20250310T090000Z", "RRULE:FREQ=DAILY;COUNT=5"),
		vevent("rec-1", "20250312T110000Z", "RECURRENCE-ID:20250312T090000Z"),
	)
	s := newTestScanner(ScanConfig{})

	res, err := s.Scan(doc)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)

	masterEv := res.Events[0]
	assert.True(t, masterEv.IsRecurring)
	assert.False(t, masterEv.IsOverride())

	override := res.Events[1]
	assert.False(t, override.IsRecurring)
	require.True(t, override.IsOverride())
	assert.Equal(t, "rec-1", override.MasterUID)
	assert.True(t, override.RecurrenceID.Equal(time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)))
}

func TestScanStreamUnfoldsCalendarMetadata(t *testing.T) {
	doc := icsBytes(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"X-WR-CALNAME:Team",
		" calendar (folded)",
		"END:VCALENDAR",
	)
	s := newTestScanner(ScanConfig{StreamingThreshold: 1})

	res, err := s.Scan(doc)
	require.NoError(t, err)
	assert.Equal(t, "Teamcalendar (folded)", res.Meta.Name)
}
