package progress

import (
	"github.com/avelops/jobpulse/internal/models"
)

// Tracker is a per-job convenience handle over the publisher for job
// executors: it fills in the job and owner ids and computes percentages so
// executor loops stay terse.
type Tracker struct {
	pub     *Publisher
	jobID   string
	ownerID int64
	total   int
}

// NewTracker binds a tracker to one job. total is the expected item count
// used for percent computation; zero means unknown.
func (p *Publisher) NewTracker(jobID string, ownerID int64, total int) *Tracker {
	return &Tracker{pub: p, jobID: jobID, ownerID: ownerID, total: total}
}

// JobID returns the id of the tracked job.
func (t *Tracker) JobID() string { return t.jobID }

// SetTotal sets the expected item count once the executor knows it. Call
// before Started so the started event carries the total.
func (t *Tracker) SetTotal(total int) { t.total = total }

// Started publishes the job's one started event.
func (t *Tracker) Started(message string) error {
	_, err := t.pub.Publish(&models.ProgressEvent{
		JobID:   t.jobID,
		OwnerID: t.ownerID,
		Kind:    models.KindStarted,
		Total:   t.total,
		Message: message,
	})
	return err
}

// Item publishes progress for one processed item. Throttling may suppress
// it; that is not an error.
func (t *Tracker) Item(current int, message string) error {
	_, err := t.pub.Publish(&models.ProgressEvent{
		JobID:   t.jobID,
		OwnerID: t.ownerID,
		Kind:    models.KindItemProgress,
		Current: current,
		Total:   t.total,
		Percent: t.percent(current),
		Message: message,
	})
	return err
}

// ItemError publishes a per-item failure. Item errors are never throttled.
func (t *Tracker) ItemError(current int, message, detail string) error {
	_, err := t.pub.Publish(&models.ProgressEvent{
		JobID:       t.jobID,
		OwnerID:     t.ownerID,
		Kind:        models.KindItemError,
		Current:     current,
		Total:       t.total,
		Percent:     t.percent(current),
		Message:     message,
		ErrorDetail: detail,
	})
	return err
}

// Completed publishes the job's terminal success event.
func (t *Tracker) Completed(message string) error {
	_, err := t.pub.Publish(&models.ProgressEvent{
		JobID:   t.jobID,
		OwnerID: t.ownerID,
		Kind:    models.KindCompleted,
		Current: t.total,
		Total:   t.total,
		Percent: 100,
		Message: message,
	})
	return err
}

// Failed publishes the job's terminal failure event.
func (t *Tracker) Failed(message string) error {
	_, err := t.pub.Publish(&models.ProgressEvent{
		JobID:   t.jobID,
		OwnerID: t.ownerID,
		Kind:    models.KindFailed,
		Total:   t.total,
		Message: message,
	})
	return err
}

// Finished reports whether a terminal event has been published for the job.
func (t *Tracker) Finished() bool {
	return t.pub.IsTerminal(t.jobID)
}

func (t *Tracker) percent(current int) float64 {
	if t.total <= 0 {
		return 0
	}
	// Multiply before dividing so whole-percent counts (e.g. 55 of 100)
	// come out exact instead of accumulating rounding error.
	return float64(current*100) / float64(t.total)
}
