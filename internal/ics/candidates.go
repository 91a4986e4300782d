package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"calingest/internal/expand"
	appLog "calingest/internal/log"
	"calingest/internal/model"
)

// RepOrigin tags how the representative event for a candidate was obtained:
// from the parsed event list (richer metadata) or synthesized from the raw
// record because the parsed event was evicted or never produced.
type RepOrigin int

const (
	RepParsed RepOrigin = iota
	RepSynthesized
)

// Representative is the event a candidate expansion will copy display
// fields from, with an explicit origin instead of attribute probing.
type Representative struct {
	Event  model.CalendarEvent
	Origin RepOrigin
}

// BuildCandidates turns the parsed events and the retained raw records into
// one expansion candidate per recurrence master.
//
// Precedence when UIDs collide: for raw records the one carrying a
// recurrence rule wins; for parsed events the one flagged recurring wins.
// The exclusion set of a candidate is the union of its declared EXDATEs and
// the start instants of known override instances for that UID, so overrides
// are never double-generated by normal-rule expansion.
//
// Output ordering is not significant; candidates are expanded independently.
func BuildCandidates(events []model.CalendarEvent, raws []RawRecord, norm *Normalizer) ([]expand.Candidate, []model.Warning) {
	var warns []model.Warning

	rawByUID := make(map[string]RawRecord, len(raws))
	for _, r := range raws {
		if r.UID == "" {
			continue
		}
		cur, ok := rawByUID[r.UID]
		if !ok || (!cur.IsMaster() && r.IsMaster()) {
			rawByUID[r.UID] = r
		}
	}

	eventByUID := make(map[string]model.CalendarEvent, len(events))
	overrideStarts := make(map[string][]time.Time)
	for _, ev := range events {
		if ev.IsOverride() {
			uid := ev.MasterUID
			if uid == "" {
				uid = ev.UID
			}
			overrideStarts[uid] = append(overrideStarts[uid], ev.Start.Time)
			continue
		}
		cur, ok := eventByUID[ev.UID]
		if !ok || (!cur.IsRecurring && ev.IsRecurring) {
			eventByUID[ev.UID] = ev
		}
	}

	var cands []expand.Candidate
	for uid, raw := range rawByUID {
		if !raw.IsMaster() {
			continue
		}

		exdates, w := exclusionInstants(raw, norm)
		warns = append(warns, w...)
		exdates = append(exdates, overrideStarts[uid]...)

		rep := representative(uid, raw, eventByUID, norm)
		if rep.Origin == RepSynthesized {
			appLog.Debug("synthesized representative for recurrence master", "uid", uid)
		}

		cands = append(cands, expand.Candidate{
			Event:   rep.Event,
			RRule:   raw.RRule,
			ExDates: exdates,
		})
	}
	return cands, warns
}

// representative prefers the already-parsed event for the UID; when none
// survived, it synthesizes a minimal event from the raw record.
func representative(uid string, raw RawRecord, eventByUID map[string]model.CalendarEvent, norm *Normalizer) Representative {
	if ev, ok := eventByUID[uid]; ok {
		return Representative{Event: ev, Origin: RepParsed}
	}
	return Representative{Event: synthesizeEvent(uid, raw, norm), Origin: RepSynthesized}
}

// synthesizeEvent builds a minimal master from the raw record's
// start/end/summary. A missing end defaults to start+1h; an undecodable
// start falls back to the current instant. It never fails: a candidate is
// always produced for a master, however degraded.
func synthesizeEvent(uid string, raw RawRecord, norm *Normalizer) model.CalendarEvent {
	ev := model.CalendarEvent{UID: uid, IsRecurring: true}

	var (
		start, end time.Time
		startTZ    string
	)
	if ve := raw.Component; ve != nil {
		if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
			ev.Summary = p.Value
		}
		if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
			if params := p.ICalParameters; params != nil {
				if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
					startTZ = tzs[0]
				}
			}
			if t, err := norm.ParseStamp(p.Value, startTZ); err == nil {
				start = t
			}
		}
		if start.IsZero() {
			if t, err := ve.GetStartAt(); err == nil {
				start = t
			}
		}
		if t, err := ve.GetEndAt(); err == nil {
			end = t
		}
	}

	if start.IsZero() {
		// Last-resort fallback; expansion still proceeds from "now".
		start = time.Now().In(norm.Ref())
	}
	if end.IsZero() || !end.After(start) {
		end = start.Add(time.Hour)
	}

	ev.Start = norm.Normalize(start, startTZ)
	ev.End = norm.Normalize(end, startTZ)
	return ev
}
