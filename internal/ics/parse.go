package ics

import (
	"context"
	"io"
	"time"

	"calingest/internal/expand"
	appLog "calingest/internal/log"
	"calingest/internal/model"
)

// Options configures one Parser.
type Options struct {
	// Timezone is the IANA reference zone all instants are normalized into.
	Timezone string

	// MaxDocumentBytes is the absolute document size ceiling.
	MaxDocumentBytes int
	// StreamingThreshold selects incremental scanning for larger documents.
	StreamingThreshold int
	// MaxStoredEvents caps the primary parsed-event list per document.
	MaxStoredEvents int
	// SupersetLimit bounds the raw-record superset.
	SupersetLimit int

	// Expand configures the recurrence expansion pool. Nil means defaults;
	// a non-nil config is taken as-is, so an explicit zero occurrence cap
	// really does expand nothing.
	Expand *expand.Config
}

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	expandCfg := expand.DefaultConfig()
	return Options{
		Timezone:           "UTC",
		MaxDocumentBytes:   20 * 1024 * 1024,
		StreamingThreshold: 512 * 1024,
		MaxStoredEvents:    1000,
		SupersetLimit:      1200,
		Expand:             &expandCfg,
	}
}

// Parser turns calendar documents into ParseResults: scan, collect
// recurrence candidates, expand, merge, deduplicate. Each Parse owns its
// own expansion pool with an explicit lifecycle, so concurrent top-level
// parses cannot leak limiter state into each other.
type Parser struct {
	opts Options
}

// NewParser builds a Parser, filling zero options with defaults.
func NewParser(opts Options) *Parser {
	def := DefaultOptions()
	if opts.Timezone == "" {
		opts.Timezone = def.Timezone
	}
	if opts.MaxDocumentBytes <= 0 {
		opts.MaxDocumentBytes = def.MaxDocumentBytes
	}
	if opts.StreamingThreshold <= 0 {
		opts.StreamingThreshold = def.StreamingThreshold
	}
	if opts.MaxStoredEvents <= 0 {
		opts.MaxStoredEvents = def.MaxStoredEvents
	}
	if opts.SupersetLimit <= 0 {
		opts.SupersetLimit = def.SupersetLimit
	}
	if opts.Expand == nil {
		opts.Expand = def.Expand
	}
	return &Parser{opts: opts}
}

// Parse processes a complete document buffer.
func (p *Parser) Parse(ctx context.Context, body []byte, sourceURL string) model.ParseResult {
	norm := NewNormalizer(p.opts.Timezone)
	scanner := NewScanner(p.scanConfig(), norm)

	scan, err := scanner.Scan(body)
	return p.finish(ctx, norm, scan, err, sourceURL)
}

// ParseReader processes an incremental byte source.
func (p *Parser) ParseReader(ctx context.Context, r io.Reader, sourceURL string) model.ParseResult {
	norm := NewNormalizer(p.opts.Timezone)
	scanner := NewScanner(p.scanConfig(), norm)

	scan, err := scanner.ScanReader(r)
	return p.finish(ctx, norm, scan, err, sourceURL)
}

func (p *Parser) scanConfig() ScanConfig {
	return ScanConfig{
		MaxDocumentBytes:   p.opts.MaxDocumentBytes,
		StreamingThreshold: p.opts.StreamingThreshold,
		MaxStoredEvents:    p.opts.MaxStoredEvents,
		SupersetLimit:      p.opts.SupersetLimit,
	}
}

// finish runs the post-scan stages and assembles the ParseResult.
func (p *Parser) finish(ctx context.Context, norm *Normalizer, scan *ScanResult, scanErr error, sourceURL string) model.ParseResult {
	res := model.ParseResult{SourceURL: sourceURL}

	if scanErr != nil {
		appLog.Error("document scan failed", scanErr, "source", sourceURL)
		res.Success = false
		res.ErrorMessage = scanErr.Error()
		// Warnings recorded before the fatal error still belong to the
		// failed result.
		if scan != nil {
			res.Warnings = append(res.Warnings, scan.Warnings...)
		}
		res.Warnings = append(res.Warnings, norm.Drain()...)
		return res
	}

	res.CalendarName = scan.Meta.Name
	res.CalendarDescription = scan.Meta.Description
	res.Timezone = scan.Meta.Timezone
	res.TotalComponents = scan.TotalComponents
	res.Warnings = append(res.Warnings, scan.Warnings...)

	cands, warns := BuildCandidates(scan.Events, scan.Raw.Records(), norm)
	res.Warnings = append(res.Warnings, warns...)
	res.RecurringEventCount = len(cands)

	expandCfg := *p.opts.Expand
	expandCfg.Location = norm.Ref()
	pool := expand.NewPool(expandCfg)

	instances, ewarns, err := pool.Expand(ctx, cands)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if serr := pool.Shutdown(shutdownCtx); serr != nil {
		appLog.Error("expansion pool shutdown timed out", serr, "source", sourceURL)
	}
	cancel()

	res.Warnings = append(res.Warnings, ewarns...)
	if err != nil {
		// Only cancellation reaches here; the batch is unusable.
		res.Success = false
		res.ErrorMessage = err.Error()
		res.Warnings = append(res.Warnings, norm.Drain()...)
		return res
	}

	res.Events = Deduplicate(Merge(scan.Events, instances))
	res.EventCount = len(res.Events)
	res.Warnings = append(res.Warnings, norm.Drain()...)
	res.Success = true

	appLog.Info("parse completed",
		"source", sourceURL,
		"components", res.TotalComponents,
		"events", res.EventCount,
		"masters", res.RecurringEventCount,
		"warnings", len(res.Warnings),
	)
	return res
}
