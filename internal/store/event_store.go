// The append-only event log. Sequence numbers are assigned here, at append
// time, inside a transaction; nothing else in the system is allowed to
// assign them.

package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/avelops/jobpulse/internal/models"
)

// AppendEvent atomically assigns the next sequence for the event's job and
// persists it. On success the assigned sequence and store timestamp are
// written back into ev and the sequence is returned.
func (s *Store) AppendEvent(ev *models.ProgressEvent) (int64, error) {
	if ev.JobID == "" {
		return 0, fmt.Errorf("append: job id is required")
	}
	if !ev.Kind.Valid() {
		return 0, fmt.Errorf("append: unknown event kind %q", ev.Kind)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var lastSeq int64
	err = tx.QueryRow(
		"SELECT COALESCE(MAX(sequence), 0) FROM progress_events WHERE job_id = ?",
		ev.JobID,
	).Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	seq := lastSeq + 1
	createdAt := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO progress_events
			(job_id, sequence, owner_id, kind, current, total, percent, message, error_detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, seq, ev.OwnerID, ev.Kind, ev.Current, ev.Total, ev.Percent,
		ev.Message, ev.ErrorDetail, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	ev.Sequence = seq
	ev.CreatedAt = createdAt
	return seq, nil
}

// ReadEventsSince returns up to limit events for jobID with sequence >
// afterSeq, in sequence order. The owner check happens first: a mismatched
// owner gets ErrForbidden and no data, never a partial result. A limit of 0
// or less means no limit.
func (s *Store) ReadEventsSince(jobID string, ownerID int64, afterSeq int64, limit int) ([]*models.ProgressEvent, error) {
	owner, err := s.JobOwner(jobID)
	if err != nil {
		return nil, err
	}
	if owner != ownerID {
		return nil, ErrForbidden
	}

	query := `
		SELECT job_id, sequence, owner_id, kind, current, total, percent, message, error_detail, created_at
		FROM progress_events
		WHERE job_id = ? AND sequence > ?
		ORDER BY sequence ASC`
	args := []interface{}{jobID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var events []*models.ProgressEvent
	for rows.Next() {
		var ev models.ProgressEvent
		if err := rows.Scan(&ev.JobID, &ev.Sequence, &ev.OwnerID, &ev.Kind, &ev.Current,
			&ev.Total, &ev.Percent, &ev.Message, &ev.ErrorDetail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// JobOwner returns the owner of a job, or ErrJobNotFound if the job has no
// events yet.
func (s *Store) JobOwner(jobID string) (int64, error) {
	var owner int64
	err := s.db.QueryRow(
		"SELECT owner_id FROM progress_events WHERE job_id = ? LIMIT 1", jobID,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return 0, ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return owner, nil
}

// LatestEvent returns the highest-sequence event for a job. Publishers use
// it to recover a job's last known kind after a restart.
func (s *Store) LatestEvent(jobID string) (*models.ProgressEvent, error) {
	var ev models.ProgressEvent
	err := s.db.QueryRow(`
		SELECT job_id, sequence, owner_id, kind, current, total, percent, message, error_detail, created_at
		FROM progress_events
		WHERE job_id = ?
		ORDER BY sequence DESC LIMIT 1`, jobID,
	).Scan(&ev.JobID, &ev.Sequence, &ev.OwnerID, &ev.Kind, &ev.Current,
		&ev.Total, &ev.Percent, &ev.Message, &ev.ErrorDetail, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &ev, nil
}

// ListJobIDs returns the ids of all jobs owned by ownerID, most recently
// started first.
func (s *Store) ListJobIDs(ownerID int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT job_id
		FROM progress_events
		WHERE owner_id = ?
		GROUP BY job_id
		ORDER BY MIN(created_at) DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
