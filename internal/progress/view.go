package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/avelops/jobpulse/internal/models"
)

// ViewTracker folds emitted events into per-job JobProgressViews. A view
// outlives its job's terminal event by a grace period so late-arriving UIs
// can still render the final state, then gets evicted by the background
// sweep.
type ViewTracker struct {
	mu      sync.RWMutex
	views   map[string]*models.JobProgressView
	doneAt  map[string]time.Time
	grace   time.Duration
	now     func() time.Time
}

// NewViewTracker creates a tracker that retains terminal views for grace.
func NewViewTracker(grace time.Duration) *ViewTracker {
	return &ViewTracker{
		views:  make(map[string]*models.JobProgressView),
		doneAt: make(map[string]time.Time),
		grace:  grace,
		now:    time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (vt *ViewTracker) SetNow(now func() time.Time) { vt.now = now }

// Apply folds one emitted event into its job's view.
func (vt *ViewTracker) Apply(ev *models.ProgressEvent) {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	v, ok := vt.views[ev.JobID]
	if !ok {
		v = &models.JobProgressView{JobID: ev.JobID, OwnerID: ev.OwnerID, State: "running"}
		vt.views[ev.JobID] = v
	}
	foldEvent(v, ev)
	if ev.Kind.Terminal() {
		vt.doneAt[ev.JobID] = vt.now()
	}
}

// Get returns a copy of the view for jobID.
func (vt *ViewTracker) Get(jobID string) (*models.JobProgressView, bool) {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	v, ok := vt.views[jobID]
	if !ok {
		return nil, false
	}
	cp := *v
	return &cp, true
}

// ForOwner returns copies of all views owned by ownerID, newest first.
func (vt *ViewTracker) ForOwner(ownerID int64) []*models.JobProgressView {
	vt.mu.RLock()
	defer vt.mu.RUnlock()

	var out []*models.JobProgressView
	for _, v := range vt.views {
		if v.OwnerID == ownerID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// EvictExpired drops views whose terminal grace period has elapsed and
// returns how many were removed.
func (vt *ViewTracker) EvictExpired() int {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	now := vt.now()
	evicted := 0
	for jobID, done := range vt.doneAt {
		if now.Sub(done) >= vt.grace {
			delete(vt.views, jobID)
			delete(vt.doneAt, jobID)
			evicted++
		}
	}
	return evicted
}

// BuildView folds a full ordered event history into a view. Used to serve
// views for jobs that predate this process (the in-memory tracker only
// sees events published here).
func BuildView(events []*models.ProgressEvent) *models.JobProgressView {
	if len(events) == 0 {
		return nil
	}
	v := &models.JobProgressView{
		JobID:   events[0].JobID,
		OwnerID: events[0].OwnerID,
		State:   "running",
	}
	for _, ev := range events {
		foldEvent(v, ev)
	}
	return v
}

// ExtendView folds additional ordered events into an existing view.
// Callers replaying a long history page by page use it to avoid holding
// the whole event list at once.
func ExtendView(v *models.JobProgressView, events []*models.ProgressEvent) {
	for _, ev := range events {
		foldEvent(v, ev)
	}
}

func foldEvent(v *models.JobProgressView, ev *models.ProgressEvent) {
	v.LastSequence = ev.Sequence
	v.UpdatedAt = ev.CreatedAt
	switch ev.Kind {
	case models.KindStarted:
		v.StartedAt = ev.CreatedAt
		v.Total = ev.Total
		v.Message = ev.Message
	case models.KindItemProgress:
		v.Current = ev.Current
		v.Total = ev.Total
		v.Percent = ev.Percent
		v.Message = ev.Message
	case models.KindItemError:
		v.ItemErrors++
		v.Current = ev.Current
	case models.KindCompleted:
		v.State = "completed"
		v.Current = ev.Current
		v.Percent = ev.Percent
		v.Message = ev.Message
		at := ev.CreatedAt
		v.FinishedAt = &at
	case models.KindFailed:
		v.State = "failed"
		v.Message = ev.Message
		at := ev.CreatedAt
		v.FinishedAt = &at
	}
}
