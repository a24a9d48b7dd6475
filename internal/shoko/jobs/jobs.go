// Package jobs tracks long-running hub work, one job per knowledge base.
// The registry enforces the reindex state machine: a KB has at most one
// non-terminal job, and a new start while one is live is rejected with
// ErrAlreadyRunning.
package jobs

import (
	"errors"
	"sync"
	"time"
)

// Job statuses.
const (
	StatusStarted    = "started"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Sentinel errors.
var (
	ErrAlreadyRunning = errors.New("AlreadyRunning")
	ErrNotFound       = errors.New("no job for this knowledge base")
)

// Stats accumulates reindex counters.
type Stats struct {
	Docs   int      `json:"docs"`
	Chunks int      `json:"chunks"`
	Errors []string `json:"errors,omitempty"`
}

// Job is one reindex run. Terminal statuses are completed and failed.
type Job struct {
	KBID        string     `json:"kb_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Stats       Stats      `json:"stats"`
	Message     string     `json:"message,omitempty"`
}

// Terminal reports whether the job can be superseded by a new one.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Registry is the in-memory job table. All methods are safe for concurrent
// use; Get returns copies so workers can keep mutating through the
// registry's own setters only.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Start records a new job for the KB. When a non-terminal job exists the
// call fails with ErrAlreadyRunning and the live job is returned alongside.
func (r *Registry) Start(kbID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[kbID]; ok && !existing.Terminal() {
		return *existing, ErrAlreadyRunning
	}

	job := &Job{
		KBID:      kbID,
		Status:    StatusStarted,
		StartedAt: r.now(),
		Message:   "reindex queued",
	}
	r.jobs[kbID] = job
	return *job, nil
}

// Processing moves the KB's job from started to processing.
func (r *Registry) Processing(kbID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[kbID]; ok && job.Status == StatusStarted {
		job.Status = StatusProcessing
		job.Message = "reindex in progress"
	}
}

// Progress updates the live job's counters.
func (r *Registry) Progress(kbID string, stats Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[kbID]; ok && !job.Terminal() {
		job.Stats = stats
	}
}

// Complete marks the job finished with its final stats.
func (r *Registry) Complete(kbID string, stats Stats) {
	r.finish(kbID, StatusCompleted, stats, "reindex completed")
}

// Fail marks the job failed with the final stats and a reason.
func (r *Registry) Fail(kbID string, stats Stats, reason string) {
	r.finish(kbID, StatusFailed, stats, reason)
}

func (r *Registry) finish(kbID, status string, stats Stats, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[kbID]
	if !ok || job.Terminal() {
		return
	}
	done := r.now()
	job.Status = status
	job.Stats = stats
	job.Message = message
	job.CompletedAt = &done
}

// Get returns a copy of the KB's most recent job.
func (r *Registry) Get(kbID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[kbID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}
