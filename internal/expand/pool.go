package expand

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	appLog "calingest/internal/log"
	"calingest/internal/model"
)

// Config controls how recurrence expansion is performed.
type Config struct {
	// Concurrency bounds how many candidates are expanded in overlapping
	// fashion at once. Values below 1 are treated as 1.
	Concurrency int

	// WindowDays is the expansion window length: occurrences are generated
	// in [master start, master start + WindowDays].
	WindowDays int

	// MaxOccurrences caps how many instances one candidate may generate.
	// Zero means no instances are generated.
	MaxOccurrences int

	// TimeBudget is the soft per-candidate wall-clock budget, polled at
	// each occurrence boundary. Zero or negative disables the budget.
	TimeBudget time.Duration

	// YieldEvery is how many occurrences are emitted between cooperative
	// yields to the scheduler. Zero disables yielding.
	YieldEvery int

	// ExclusionTolerance treats occurrences within this duration of a
	// declared exclusion instant as excluded, absorbing sub-second and
	// rounding differences between document and computed instants.
	ExclusionTolerance time.Duration

	// Location is the reference timezone all instants are normalized into
	// before comparison. Nil means UTC.
	Location *time.Location
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        1,
		WindowDays:         365,
		MaxOccurrences:     250,
		TimeBudget:         200 * time.Millisecond,
		YieldEvery:         50,
		ExclusionTolerance: 60 * time.Second,
		Location:           time.UTC,
	}
}

// Candidate is one recurrence master queued for expansion: the
// representative event, its recurrence rule, and the combined exclusion
// instants (declared EXDATEs plus known override starts).
type Candidate struct {
	Event   model.CalendarEvent
	RRule   string
	ExDates []time.Time
}

// ErrPoolClosed is returned by Expand/ExpandStream after Shutdown.
var ErrPoolClosed = errors.New("expand: pool is shut down")

// ErrInvalidRule wraps recurrence-rule parse failures so callers can
// classify the resulting warning.
var ErrInvalidRule = errors.New("expand: invalid recurrence rule")

// Pool expands recurrence candidates into concrete occurrence instances
// under a pool-wide concurrency limit. A Pool is constructed per owner and
// has an explicit lifecycle: NewPool, Expand/ExpandStream, Shutdown. No
// state persists between candidates; each candidate's iteration is
// independent and emits in ascending time order.
type Pool struct {
	cfg Config
	sem *semaphore.Weighted

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool constructs a pool from cfg, clamping degenerate values.
func NewPool(cfg Config) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxOccurrences < 0 {
		cfg.MaxOccurrences = 0
	}
	return &Pool{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.Concurrency)),
		quit: make(chan struct{}),
	}
}

// Expand is the blocking entry point: it drives expansion of all candidates
// to completion and returns the collected instances. A failure expanding
// one candidate becomes a warning and does not abort the rest. Instances of
// one candidate stay in ascending time order; no ordering is guaranteed
// across candidates.
func (p *Pool) Expand(ctx context.Context, cands []Candidate) ([]model.CalendarEvent, []model.Warning, error) {
	select {
	case <-p.quit:
		return nil, nil, ErrPoolClosed
	default:
	}

	p.wg.Add(1)
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		mu        sync.Mutex
		instances []model.CalendarEvent
		warnings  []model.Warning
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range cands {
		cand := cand
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.sem.Release(1)

			var local []model.CalendarEvent
			warns, err := p.run(gctx, cand, func(ev model.CalendarEvent) {
				local = append(local, ev)
			})

			mu.Lock()
			defer mu.Unlock()
			instances = append(instances, local...)
			warnings = append(warnings, warns...)
			if err != nil && !errors.Is(err, context.Canceled) {
				warnings = append(warnings, classify(cand, err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Only limiter acquisition can fail, and only via cancellation.
		return instances, warnings, err
	}
	return instances, warnings, nil
}

// ExpandStream is the entry point for callers that already run inside a
// concurrent context: it returns immediately and delivers each instance (or
// per-candidate failure) on the returned channel, closing it when all
// candidates finished or ctx was cancelled.
func (p *Pool) ExpandStream(ctx context.Context, cands []Candidate) <-chan mo.Result[model.CalendarEvent] {
	out := make(chan mo.Result[model.CalendarEvent])

	select {
	case <-p.quit:
		go func() {
			out <- mo.Err[model.CalendarEvent](ErrPoolClosed)
			close(out)
		}()
		return out
	default:
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(out)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-p.quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		// inner.Wait must run on every exit path: out may not be closed
		// while candidate goroutines can still send on it.
		var inner sync.WaitGroup
		for _, cand := range cands {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				break
			}
			cand := cand
			inner.Add(1)
			go func() {
				defer inner.Done()
				defer p.sem.Release(1)

				_, err := p.run(ctx, cand, func(ev model.CalendarEvent) {
					select {
					case out <- mo.Ok(ev):
					case <-ctx.Done():
					}
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					select {
					case out <- mo.Err[model.CalendarEvent](err):
					case <-ctx.Done():
					}
				}
			}()
		}
		inner.Wait()
	}()

	return out
}

// Shutdown cancels all in-flight candidate expansions and waits for them to
// stop, or until ctx expires. A pool cannot be reused after Shutdown.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run expands one candidate, emitting instances in ascending time order.
// Per-candidate state machine: parse rule, compute window, register
// exclusions, then iterate under the occurrence cap and time budget,
// yielding cooperatively every YieldEvery emissions.
func (p *Pool) run(ctx context.Context, cand Candidate, emit func(model.CalendarEvent)) ([]model.Warning, error) {
	ruleStr := normalizeRuleString(cand.RRule)
	if ruleStr == "" {
		return nil, fmt.Errorf("%w: empty rule for uid %q", ErrInvalidRule, cand.Event.UID)
	}

	r, err := rrule.StrToRRule(ruleStr)
	if err != nil {
		return nil, fmt.Errorf("%w: uid %q: %v", ErrInvalidRule, cand.Event.UID, err)
	}

	loc := p.cfg.Location
	masterStart := cand.Event.Start.Time.In(loc)
	windowEnd := masterStart.AddDate(0, 0, p.cfg.WindowDays)

	r.DTStart(masterStart)

	// Register exclusions on the rule set before iteration so excluded
	// occurrences never surface from the iterator and do not count toward
	// the occurrence cap. Near-miss exclusions are caught by the tolerance
	// check inside the loop.
	var set rrule.Set
	set.RRule(r)
	for _, ex := range cand.ExDates {
		set.ExDate(ex.In(loc))
	}

	var warns []model.Warning
	next := set.Iterator()
	started := time.Now()
	count := 0

	for {
		select {
		case <-ctx.Done():
			// Cancelled mid-iteration: stop cleanly, no partial instance.
			return warns, ctx.Err()
		default:
		}

		t, ok := next()
		if !ok {
			break
		}
		if t.Before(masterStart) {
			continue
		}
		if t.After(windowEnd) {
			break
		}

		if p.cfg.TimeBudget > 0 && time.Since(started) > p.cfg.TimeBudget {
			appLog.Warn("expansion time budget exceeded",
				"uid", cand.Event.UID, "emitted", count, "budget", p.cfg.TimeBudget)
			warns = append(warns, model.Warning{
				Kind:    model.WarnExpansionTruncated,
				Message: fmt.Sprintf("uid %q: time budget exceeded after %d occurrences", cand.Event.UID, count),
			})
			break
		}
		if count >= p.cfg.MaxOccurrences {
			break
		}

		occ := t.In(loc)
		if excludedNear(occ, cand.ExDates, p.cfg.ExclusionTolerance) {
			continue
		}

		emit(p.newInstance(cand.Event, occ))
		count++

		if p.cfg.YieldEvery > 0 && count%p.cfg.YieldEvery == 0 {
			runtime.Gosched()
		}
	}

	return warns, nil
}

// newInstance builds one concrete occurrence from a master, copying display
// fields and assigning a fresh unique id. The master is never mutated.
func (p *Pool) newInstance(master model.CalendarEvent, occ time.Time) model.CalendarEvent {
	dur := master.End.Time.Sub(master.Start.Time)
	if dur <= 0 {
		dur = time.Hour
	}

	zone := master.Start.Zone
	if zone == "" {
		zone = p.cfg.Location.String()
	}

	inst := master
	inst.UID = instanceUID(master.UID, occ)
	inst.MasterUID = master.UID
	inst.IsRecurring = false
	inst.IsExpandedInstance = true
	inst.RecurrenceID = nil
	inst.Start = model.DateTimeInfo{Time: occ, Zone: zone}
	inst.End = model.DateTimeInfo{Time: occ.Add(dur), Zone: zone}
	return inst
}

// instanceUID derives a unique instance id from the master UID, the
// occurrence instant, and a random disambiguator (tolerates same-instant
// retries).
func instanceUID(masterUID string, occ time.Time) string {
	return masterUID + "-" + occ.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// excludedNear reports whether t lies within tolerance of any exclusion.
func excludedNear(t time.Time, exdates []time.Time, tolerance time.Duration) bool {
	for _, ex := range exdates {
		d := t.Sub(ex)
		if d < 0 {
			d = -d
		}
		if d <= tolerance {
			return true
		}
	}
	return false
}

// classify maps a per-candidate failure onto a warning kind.
func classify(cand Candidate, err error) model.Warning {
	kind := model.WarnExpansionFailure
	if errors.Is(err, ErrInvalidRule) {
		kind = model.WarnInvalidRecurrenceRule
	}
	appLog.Error("candidate expansion failed", err, "uid", cand.Event.UID, "rrule", cand.RRule)
	return model.Warning{Kind: kind, Message: err.Error()}
}

// normalizeRuleString strips an optional property prefix and surrounding
// whitespace from a raw RRULE value.
func normalizeRuleString(s string) string {
	s = strings.TrimSpace(s)
	const prefix = "RRULE:"
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		s = s[len(prefix):]
	}
	return strings.TrimSpace(s)
}
