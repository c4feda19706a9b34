package jobs

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avelops/jobpulse/internal/config"
	"github.com/avelops/jobpulse/internal/progress"
	"github.com/avelops/jobpulse/internal/store"
)

// Context is an interface that provides the necessary dependencies for a
// job to run. The core.App struct implements this interface.
type Context interface {
	DB() *sql.DB
	Config() *config.Config
	Store() *store.Store
	Publisher() *progress.Publisher
	Views() *progress.ViewTracker
	JobManager() *Manager
}

// Task is the body of a background job. The tracker is pre-bound to the
// job's id and owner; the task drives the event lifecycle through it,
// starting with Started. Everything the task does with its items is a
// black box to the progress subsystem.
type Task func(ctx Context, tracker *progress.Tracker) error

// JobStatus is the manager's bookkeeping for one job run. It complements,
// not replaces, the durable event log.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"owner_id"`
	Status    string    `json:"status"` // "running", "success", "failed"
	Message   string    `json:"message"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Manager owns the registry of named tasks and runs them. Unlike the
// durable log it is purely in-memory state.
type Manager struct {
	mu     sync.Mutex
	tasks  map[string]Task
	status map[string]*JobStatus // keyed by job id
}

func NewManager() *Manager {
	return &Manager{
		tasks:  make(map[string]Task),
		status: make(map[string]*JobStatus),
	}
}

// Register adds a named task. Registering the same name twice replaces it.
func (m *Manager) Register(name string, task Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[name] = task
}

// TaskNames lists the registered task names, sorted.
func (m *Manager) TaskNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run starts the named task as a new job owned by ownerID and returns the
// generated job id. The task runs in its own goroutine; publish failures
// and panics mark the job failed.
func (m *Manager) Run(name string, ctx Context, ownerID int64) (string, error) {
	m.mu.Lock()
	task, ok := m.tasks[name]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("job '%s' not found", name)
	}

	jobID := uuid.NewString()
	status := &JobStatus{
		JobID:     jobID,
		Name:      name,
		OwnerID:   ownerID,
		Status:    "running",
		Message:   "Job started...",
		StartTime: time.Now(),
	}
	m.status[jobID] = status
	m.mu.Unlock()

	tracker := ctx.Publisher().NewTracker(jobID, ownerID, 0)

	log.Printf("Starting job '%s' as %s", name, jobID)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Job '%s' (%s) panicked: %v", name, jobID, r)
				m.finish(jobID, "failed", fmt.Sprintf("Job panicked: %v", r))
				if !tracker.Finished() {
					if err := tracker.Failed(fmt.Sprintf("job panicked: %v", r)); err != nil {
						log.Printf("Could not record panic for job %s: %v", jobID, err)
					}
				}
			}
		}()

		err := task(ctx, tracker)
		if err != nil {
			log.Printf("Job '%s' (%s) failed: %v", name, jobID, err)
			m.finish(jobID, "failed", err.Error())
			if !tracker.Finished() {
				if ferr := tracker.Failed(err.Error()); ferr != nil {
					log.Printf("Could not record failure for job %s: %v", jobID, ferr)
				}
			}
			return
		}

		if !tracker.Finished() {
			if cerr := tracker.Completed("Job completed successfully."); cerr != nil {
				log.Printf("Could not record completion for job %s: %v", jobID, cerr)
			}
		}
		m.finish(jobID, "success", "Job completed successfully.")
		log.Printf("Finished job '%s' (%s)", name, jobID)
	}()

	return jobID, nil
}

func (m *Manager) finish(jobID, status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.status[jobID]; ok {
		st.Status = status
		st.Message = message
		st.EndTime = time.Now()
	}
}

// GetStatus returns all job run records, newest first.
func (m *Manager) GetStatus() []*JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var statuses []*JobStatus
	for _, s := range m.status {
		cp := *s
		statuses = append(statuses, &cp)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartTime.After(statuses[j].StartTime)
	})
	return statuses
}
