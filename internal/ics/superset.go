package ics

import (
	ical "github.com/arran4/golang-ical"
)

// RawRecord is the document-native representation of one event-like block.
// Outside the scanner and candidate collector only two properties matter:
// the UID and whether the record carries a recurrence rule. The underlying
// component is carried opaquely so a minimal event can be synthesized from
// it later if the parsed event was evicted.
type RawRecord struct {
	UID       string
	RRule     string
	Component *ical.VEvent
}

// IsMaster reports whether the record carries a recurrence rule.
func (r RawRecord) IsMaster() bool {
	return r.RRule != ""
}

// SupersetTracker retains a size-bounded superset of raw records seen
// during scanning. Recurrence masters are kept preferentially: they are the
// only records needed for correct expansion, while plain records are only
// needed for direct display and tolerate eviction.
//
// Structure: an append-only master list (capped at the overall limit) plus
// a fixed-capacity ring buffer of non-masters whose logical capacity is
// whatever budget the masters leave. Insertion and eviction are O(1); no
// full-list rebuild happens on overflow.
type SupersetTracker struct {
	limit int

	masters []RawRecord

	ring  []RawRecord
	head  int
	count int
}

// NewSupersetTracker builds a tracker bounded by limit records total.
func NewSupersetTracker(limit int) *SupersetTracker {
	if limit < 1 {
		limit = 1
	}
	return &SupersetTracker{
		limit: limit,
		ring:  make([]RawRecord, limit),
	}
}

// Append retains rec, evicting the oldest non-masters first when the bound
// is reached. A master is never evicted while any non-master remains; only
// when masters alone exceed the limit is the oldest master dropped.
func (t *SupersetTracker) Append(rec RawRecord) {
	if rec.IsMaster() {
		t.masters = append(t.masters, rec)
		if len(t.masters) > t.limit {
			t.masters = t.masters[1:]
		}
		// Masters shrink the non-master budget.
		for t.count > 0 && t.count > t.limit-len(t.masters) {
			t.evictOldest()
		}
		return
	}

	budget := t.limit - len(t.masters)
	if budget <= 0 {
		return
	}
	if t.count == budget {
		t.evictOldest()
	}
	t.ring[(t.head+t.count)%t.limit] = rec
	t.count++
}

func (t *SupersetTracker) evictOldest() {
	t.ring[t.head] = RawRecord{}
	t.head = (t.head + 1) % t.limit
	t.count--
}

// Len reports how many records are currently retained.
func (t *SupersetTracker) Len() int {
	return len(t.masters) + t.count
}

// Records returns the retained records: all masters, then non-masters from
// oldest to newest.
func (t *SupersetTracker) Records() []RawRecord {
	out := make([]RawRecord, 0, t.Len())
	out = append(out, t.masters...)
	for i := 0; i < t.count; i++ {
		out = append(out, t.ring[(t.head+i)%t.limit])
	}
	return out
}
