package model

import (
	"strconv"
	"time"
)

// DateTimeInfo couples an absolute instant with the timezone name it was
// declared in. All comparisons in the system use Time (already normalized
// to the configured reference location); Zone is kept for display only.
type DateTimeInfo struct {
	Time time.Time
	Zone string
}

// IsZero reports whether the instant was never set.
func (d DateTimeInfo) IsZero() bool {
	return d.Time.IsZero()
}

// CalendarEvent is the normalized representation of one event: either a
// master/plain event produced by parsing, or a concrete instance produced
// by recurrence expansion. Values are immutable once constructed; expansion
// copies a master into new instances rather than mutating it.
type CalendarEvent struct {
	UID string

	Summary     string
	Description string
	Location    string

	Start DateTimeInfo
	End   DateTimeInfo

	AllDay        bool
	Cancelled     bool
	Organizer     string
	OnlineMeeting bool

	// IsRecurring marks a master carrying a recurrence rule.
	// IsExpandedInstance marks a concrete occurrence generated from a master.
	IsRecurring        bool
	IsExpandedInstance bool

	// RecurrenceID is the override marker: the original occurrence instant
	// this separately-declared event replaces. Nil for non-overrides.
	RecurrenceID *time.Time

	// MasterUID links an override or expanded instance back to its master.
	MasterUID string

	LastModified time.Time
}

// IsOverride reports whether this event replaces a generated occurrence of
// its master (RECURRENCE-ID present).
func (e CalendarEvent) IsOverride() bool {
	return e.RecurrenceID != nil
}

// Record flattens the event into a plain key/value map suitable for
// downstream caching or transport.
func (e CalendarEvent) Record() map[string]string {
	rec := map[string]string{
		"uid":         e.UID,
		"summary":     e.Summary,
		"description": e.Description,
		"location":    e.Location,
		"start":       e.Start.Time.Format(time.RFC3339),
		"end":         e.End.Time.Format(time.RFC3339),
		"start_tz":    e.Start.Zone,
		"end_tz":      e.End.Zone,
		"all_day":     strconv.FormatBool(e.AllDay),
		"cancelled":   strconv.FormatBool(e.Cancelled),
		"recurring":   strconv.FormatBool(e.IsRecurring),
		"expanded":    strconv.FormatBool(e.IsExpandedInstance),
	}
	if e.Organizer != "" {
		rec["organizer"] = e.Organizer
	}
	if e.OnlineMeeting {
		rec["online_meeting"] = "true"
	}
	if e.MasterUID != "" {
		rec["master_uid"] = e.MasterUID
	}
	if e.RecurrenceID != nil {
		rec["recurrence_id"] = e.RecurrenceID.Format(time.RFC3339)
	}
	if !e.LastModified.IsZero() {
		rec["last_modified"] = e.LastModified.Format(time.RFC3339)
	}
	return rec
}

// WarningKind classifies recoverable conditions encountered during
// scanning, candidate collection, or expansion.
type WarningKind string

const (
	WarnMalformedRecord       WarningKind = "malformed_record"
	WarnInvalidRecurrenceRule WarningKind = "invalid_recurrence_rule"
	WarnTimezoneResolution    WarningKind = "timezone_resolution"
	WarnExpansionFailure      WarningKind = "expansion_failure"
	WarnEventCapReached       WarningKind = "event_cap_reached"
	WarnExpansionTruncated    WarningKind = "expansion_truncated"
)

// Warning is one recoverable condition. Warnings never abort a parse; they
// accumulate into ParseResult.Warnings while processing continues.
type Warning struct {
	Kind    WarningKind
	Message string
}

func (w Warning) String() string {
	return string(w.Kind) + ": " + w.Message
}

// ParseResult is produced once per document and owned by the caller.
//
// Success=false implies a non-empty ErrorMessage and an empty event list.
// Success=true with non-empty Warnings means the result is usable but may
// be incomplete (some records/instances skipped).
type ParseResult struct {
	Success      bool
	Events       []CalendarEvent
	Warnings     []Warning
	ErrorMessage string

	TotalComponents     int
	EventCount          int
	RecurringEventCount int

	CalendarName        string
	CalendarDescription string
	Timezone            string
	SourceURL           string
}

// WarningStrings renders the warning list for transport/logging.
func (r ParseResult) WarningStrings() []string {
	if len(r.Warnings) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.String())
	}
	return out
}
