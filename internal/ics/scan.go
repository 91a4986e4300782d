package ics

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	ical "github.com/arran4/golang-ical"

	appLog "calingest/internal/log"
	"calingest/internal/model"
)

// Fatal scan errors. Everything else is recorded as a warning and scanning
// continues.
var (
	// ErrDocumentTooLarge: the document exceeds the absolute size ceiling;
	// processing aborts before scanning.
	ErrDocumentTooLarge = errors.New("ics: document exceeds size ceiling")
	// ErrMalformedDocument: unrecoverable structural error (e.g. truncated
	// document).
	ErrMalformedDocument = errors.New("ics: malformed document")
)

// CalendarMeta is document-level metadata observed during scanning.
type CalendarMeta struct {
	Name        string
	Description string
	Timezone    string
}

// ScanConfig bounds one scan.
type ScanConfig struct {
	// MaxDocumentBytes is the absolute size ceiling. Zero disables it.
	MaxDocumentBytes int
	// StreamingThreshold: documents at or above this size are scanned
	// incrementally instead of parsed as one buffer.
	StreamingThreshold int
	// MaxStoredEvents caps the primary parsed-event list. Further matching
	// events are dropped with a single warning, but scanning continues so
	// later masters and metadata are still observed.
	MaxStoredEvents int
	// SupersetLimit bounds the raw-record superset.
	SupersetLimit int
}

// ScanResult is everything one scan produced.
type ScanResult struct {
	Events          []model.CalendarEvent
	Raw             *SupersetTracker
	Meta            CalendarMeta
	TotalComponents int
	Warnings        []model.Warning

	capWarned bool
}

// Scanner consumes a calendar document and yields parsed events plus a
// bounded raw-record superset. Every event-like record is appended to the
// superset regardless of whether it was retained in the primary list, so
// recurrence masters are not lost to the event cap.
type Scanner struct {
	cfg  ScanConfig
	norm *Normalizer
}

// NewScanner builds a scanner; zero config fields get conservative defaults.
func NewScanner(cfg ScanConfig, norm *Normalizer) *Scanner {
	if cfg.StreamingThreshold <= 0 {
		cfg.StreamingThreshold = 512 * 1024
	}
	if cfg.MaxStoredEvents <= 0 {
		cfg.MaxStoredEvents = 1000
	}
	if cfg.SupersetLimit <= 0 {
		cfg.SupersetLimit = 1200
	}
	return &Scanner{cfg: cfg, norm: norm}
}

// Scan processes a complete document buffer, choosing incremental scanning
// or whole-buffer parsing by the size threshold.
func (s *Scanner) Scan(body []byte) (*ScanResult, error) {
	if s.cfg.MaxDocumentBytes > 0 && len(body) > s.cfg.MaxDocumentBytes {
		return nil, fmt.Errorf("%w: %d bytes (ceiling %d)", ErrDocumentTooLarge, len(body), s.cfg.MaxDocumentBytes)
	}
	if len(body) >= s.cfg.StreamingThreshold {
		return s.scanStream(bytes.NewReader(body))
	}
	return s.scanBuffered(body)
}

// ScanReader processes an incremental byte source. The size is unknown up
// front, so scanning is always incremental and the ceiling is enforced as
// bytes arrive.
func (s *Scanner) ScanReader(r io.Reader) (*ScanResult, error) {
	return s.scanStream(r)
}

func (s *Scanner) newResult() *ScanResult {
	return &ScanResult{Raw: NewSupersetTracker(s.cfg.SupersetLimit)}
}

// scanBuffered parses the whole document at once via the ICS library.
func (s *Scanner) scanBuffered(body []byte) (*ScanResult, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedDocument)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	res := s.newResult()
	res.Meta = metaFromCalendar(cal)
	for _, ve := range cal.Events() {
		s.ingest(ve, res)
	}
	return res, nil
}

// scanStream reads the document line-wise, extracting one VEVENT block at a
// time and handing each block to the ICS library. Memory stays bounded by
// the largest single component, not the document size. Fatal errors return
// the partial result alongside them so warnings recorded before the failure
// still reach the caller.
func (s *Scanner) scanStream(r io.Reader) (*ScanResult, error) {
	res := s.newResult()
	br := bufio.NewReader(r)

	var (
		block      []string // raw (still folded) lines of the current VEVENT
		depth      int      // nested BEGIN depth inside the current VEVENT
		inEvent    bool
		skipUntil  string // END:<name> of a non-event component being skipped
		pending    string // unfolding buffer for calendar-level lines
		sawBegin   bool
		sawEnd     bool
		totalBytes int
	)

	commitCalLine := func(line string) {
		if line == "" {
			return
		}
		upper := strings.ToUpper(line)
		switch {
		case skipUntil != "":
			if upper == skipUntil {
				skipUntil = ""
			}
		case upper == "BEGIN:VCALENDAR":
			sawBegin = true
		case upper == "END:VCALENDAR":
			sawEnd = true
		case strings.HasPrefix(upper, "BEGIN:"):
			skipUntil = "END:" + upper[len("BEGIN:"):]
		default:
			applyMetaLine(line, &res.Meta)
		}
	}

	for {
		raw, readErr := br.ReadString('\n')

		totalBytes += len(raw)
		if s.cfg.MaxDocumentBytes > 0 && totalBytes > s.cfg.MaxDocumentBytes {
			return res, fmt.Errorf("%w: stream exceeded %d bytes", ErrDocumentTooLarge, s.cfg.MaxDocumentBytes)
		}

		if len(raw) > 0 {
			line := strings.TrimRight(raw, "\r\n")

			if inEvent {
				block = append(block, line)
				upper := strings.ToUpper(line)
				switch {
				case strings.HasPrefix(upper, "BEGIN:"):
					depth++
				case upper == "END:VEVENT" && depth == 0:
					inEvent = false
					s.flushBlock(block, res)
				case strings.HasPrefix(upper, "END:"):
					if depth > 0 {
						depth--
					}
				}
			} else if skipUntil == "" && strings.EqualFold(line, "BEGIN:VEVENT") {
				commitCalLine(pending)
				pending = ""
				inEvent = true
				depth = 0
				block = append(block[:0], line)
			} else if line != "" && (line[0] == ' ' || line[0] == '\t') {
				// Folded continuation of a calendar-level line.
				pending += line[1:]
			} else {
				commitCalLine(pending)
				pending = line
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return res, fmt.Errorf("%w: read: %v", ErrMalformedDocument, readErr)
		}
	}
	commitCalLine(pending)

	if inEvent {
		return res, fmt.Errorf("%w: truncated inside a component", ErrMalformedDocument)
	}
	if !sawBegin || !sawEnd {
		return res, fmt.Errorf("%w: missing calendar envelope", ErrMalformedDocument)
	}
	return res, nil
}

// flushBlock re-wraps one VEVENT block in a minimal calendar envelope and
// parses it with the same library the buffered path uses. A malformed block
// is skipped with a warning; scanning continues.
func (s *Scanner) flushBlock(block []string, res *ScanResult) {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//calingest//stream//EN\r\n")
	for _, line := range block {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")

	cal, err := ical.ParseCalendar(strings.NewReader(b.String()))
	if err != nil || len(cal.Events()) == 0 {
		res.TotalComponents++
		appLog.Warn("malformed record skipped", "err", err)
		res.Warnings = append(res.Warnings, model.Warning{
			Kind:    model.WarnMalformedRecord,
			Message: fmt.Sprintf("unparseable component: %v", err),
		})
		return
	}
	s.ingest(cal.Events()[0], res)
}

// ingest classifies one record and routes it: the raw form always goes to
// the superset tracker, the parsed form goes to the primary list unless the
// cap was reached.
func (s *Scanner) ingest(ve *ical.VEvent, res *ScanResult) {
	res.TotalComponents++
	res.Raw.Append(rawRecordFromComponent(ve))

	outcome := classifyComponent(ve, s.norm)
	if outcome.IsError() {
		appLog.Warn("malformed record skipped", "err", outcome.Error())
		res.Warnings = append(res.Warnings, model.Warning{
			Kind:    model.WarnMalformedRecord,
			Message: outcome.Error().Error(),
		})
		return
	}

	if len(res.Events) >= s.cfg.MaxStoredEvents {
		if !res.capWarned {
			res.capWarned = true
			appLog.Warn("stored event cap reached; further events dropped from primary list",
				"cap", s.cfg.MaxStoredEvents)
			res.Warnings = append(res.Warnings, model.Warning{
				Kind:    model.WarnEventCapReached,
				Message: fmt.Sprintf("stored event cap %d reached; further events dropped", s.cfg.MaxStoredEvents),
			})
		}
		return
	}
	res.Events = append(res.Events, outcome.MustGet())
}

// metaFromCalendar reads document-level metadata from a buffered parse.
func metaFromCalendar(cal *ical.Calendar) CalendarMeta {
	var meta CalendarMeta
	for _, p := range cal.CalendarProperties {
		switch strings.ToUpper(p.IANAToken) {
		case "X-WR-CALNAME", "NAME":
			meta.Name = p.Value
		case "X-WR-CALDESC", "DESCRIPTION":
			meta.Description = p.Value
		case "X-WR-TIMEZONE":
			meta.Timezone = p.Value
		}
	}
	return meta
}

// applyMetaLine reads document-level metadata from one unfolded
// calendar-level content line during streaming.
func applyMetaLine(line string, meta *CalendarMeta) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return
	}
	name := line[:idx]
	if sep := strings.Index(name, ";"); sep >= 0 {
		name = name[:sep]
	}
	value := line[idx+1:]

	switch strings.ToUpper(name) {
	case "X-WR-CALNAME", "NAME":
		meta.Name = value
	case "X-WR-CALDESC", "DESCRIPTION":
		meta.Description = value
	case "X-WR-TIMEZONE":
		meta.Timezone = value
	}
}
