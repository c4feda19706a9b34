// The Progress Publisher performs the dual write at the heart of the
// subsystem: durable append first, best-effort broadcast second. If the
// append fails the publish fails and nothing is broadcast; a broadcast-only
// event would be unrecoverable on reconnect. If the broadcast fails after a
// successful append, the publish still succeeds: live observers miss one
// update and recover it from history replay.

package progress

import (
	"log"
	"sync"
	"time"

	"github.com/avelops/jobpulse/internal/models"
	"github.com/avelops/jobpulse/internal/store"
)

// percentEpsilon absorbs floating-point rounding in the step comparison:
// percents derived from integer item counts can land one ulp under a step
// boundary, and a strict compare would push emissions off the step grid.
const percentEpsilon = 1e-9

// Appender is the slice of the event log store the publisher needs.
type Appender interface {
	AppendEvent(ev *models.ProgressEvent) (int64, error)
	LatestEvent(jobID string) (*models.ProgressEvent, error)
}

// Broadcaster is the slice of the broadcast bus the publisher needs.
type Broadcaster interface {
	Publish(topic string, ev *models.ProgressEvent) error
}

// Options configures throttling and the bounded append retry. The clock
// hooks exist so tests can drive time without sleeping.
type Options struct {
	// StepPercent is the minimum progress advance, in percentage points,
	// before another item_progress event is emitted. Default 5.
	StepPercent float64
	// MaxInterval emits an item_progress event regardless of step once this
	// much time has passed since the last emission. Default 2s.
	MaxInterval time.Duration
	// AppendAttempts bounds the local retry when the durable append fails.
	// Default 3 attempts, AppendRetryDelay apart (default 250ms). Indefinite
	// buffering is deliberately not offered: it would let live state diverge
	// from history.
	AppendAttempts   int
	AppendRetryDelay time.Duration

	Now   func() time.Time
	Sleep func(time.Duration)
}

func (o *Options) fillDefaults() {
	if o.StepPercent <= 0 {
		o.StepPercent = 5
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 2 * time.Second
	}
	if o.AppendAttempts <= 0 {
		o.AppendAttempts = 3
	}
	if o.AppendRetryDelay <= 0 {
		o.AppendRetryDelay = 250 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
}

// jobState is the publisher's private per-job throttling and lifecycle
// state. It lives in memory for the publisher's lifetime; horizontal
// scaling of executors therefore requires sticky per-job ownership.
type jobState struct {
	lastKind           models.EventKind
	lastSeq            int64
	terminal           bool
	lastEmittedPercent float64
	lastEmittedAt      time.Time
}

// Publisher is the component job-execution code calls to report progress.
type Publisher struct {
	store Appender
	bus   Broadcaster
	views *ViewTracker // optional in-process projection, may be nil
	opts  Options

	mu   sync.Mutex
	jobs map[string]*jobState
}

// NewPublisher wires a publisher over the event log store and broadcast
// bus. views may be nil.
func NewPublisher(st Appender, b Broadcaster, views *ViewTracker, opts Options) *Publisher {
	opts.fillDefaults()
	return &Publisher{
		store: st,
		bus:   b,
		views: views,
		opts:  opts,
		jobs:  make(map[string]*jobState),
	}
}

// Publish validates, throttles, durably appends and then best-effort
// broadcasts one progress event. It returns the sequence assigned by the
// store. A throttled item_progress event is silently suppressed and the
// last emitted sequence is returned.
func (p *Publisher) Publish(ev *models.ProgressEvent) (int64, error) {
	if ev.JobID == "" {
		return 0, ErrMissingJobID
	}
	if ev.OwnerID == 0 {
		return 0, ErrMissingOwner
	}
	if !ev.Kind.Valid() {
		return 0, ErrInvalidTransition
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.jobState(ev.JobID)
	if st.terminal {
		return 0, ErrJobTerminal
	}
	if ev.Kind == models.KindStarted && st.lastKind != "" {
		return 0, ErrInvalidTransition
	}
	if ev.Kind != models.KindStarted && st.lastKind == "" {
		return 0, ErrInvalidTransition
	}

	now := p.opts.Now()
	if ev.Kind == models.KindItemProgress {
		advanced := ev.Percent-st.lastEmittedPercent >= p.opts.StepPercent-percentEpsilon
		overdue := now.Sub(st.lastEmittedAt) >= p.opts.MaxInterval
		if !advanced && !overdue {
			// Suppressed: neither logged nor broadcast.
			return st.lastSeq, nil
		}
	}

	seq, err := p.appendWithRetry(ev)
	if err != nil {
		// Durable path down. Fail the publish and do not broadcast.
		return 0, err
	}

	st.lastKind = ev.Kind
	st.lastSeq = seq
	st.terminal = ev.Kind.Terminal()
	if ev.Kind == models.KindStarted || ev.Kind == models.KindItemProgress {
		st.lastEmittedPercent = ev.Percent
		st.lastEmittedAt = now
	}

	if p.views != nil {
		p.views.Apply(ev)
	}

	if err := p.bus.Publish(ev.JobID, ev); err != nil {
		// Broadcast path down. The event is durably recorded, so live
		// observers recover it on their next history replay.
		log.Printf("progress: broadcast of job %s seq %d failed: %v", ev.JobID, seq, err)
	}
	return seq, nil
}

// IsTerminal reports whether this publisher has seen a terminal event for
// the job.
func (p *Publisher) IsTerminal(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.jobs[jobID]
	return ok && st.terminal
}

// jobState returns the in-memory state for a job, seeding it from the
// durable log when this publisher has not seen the job before. Caller must
// hold p.mu.
func (p *Publisher) jobState(jobID string) *jobState {
	if st, ok := p.jobs[jobID]; ok {
		return st
	}
	st := &jobState{}
	if last, err := p.store.LatestEvent(jobID); err == nil {
		st.lastKind = last.Kind
		st.lastSeq = last.Sequence
		st.terminal = last.Kind.Terminal()
		st.lastEmittedPercent = last.Percent
		st.lastEmittedAt = last.CreatedAt
	} else if err != store.ErrJobNotFound {
		log.Printf("progress: could not seed state for job %s: %v", jobID, err)
	}
	p.jobs[jobID] = st
	return st
}

func (p *Publisher) appendWithRetry(ev *models.ProgressEvent) (int64, error) {
	var seq int64
	var err error
	for attempt := 1; ; attempt++ {
		seq, err = p.store.AppendEvent(ev)
		if err == nil {
			return seq, nil
		}
		if attempt >= p.opts.AppendAttempts {
			return 0, err
		}
		log.Printf("progress: append for job %s failed (attempt %d/%d): %v",
			ev.JobID, attempt, p.opts.AppendAttempts, err)
		p.opts.Sleep(p.opts.AppendRetryDelay)
	}
}
