package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a background job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job in this state will never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the progress envelope of one background run. Total stays nil until
// the job learns how much work lies ahead; Detail carries a job-specific
// payload that is replaced wholesale, never mutated in place.
type Job struct {
	ID         string         `json:"job_id"`
	Status     Status         `json:"status"`
	Processed  int            `json:"processed"`
	Total      *int           `json:"total"`
	Detail     map[string]any `json:"detail,omitempty"`
	Message    string         `json:"message,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// snapshot returns an independent copy safe to hand out of the registry.
func (j *Job) snapshot() *Job {
	copied := *j
	if j.Total != nil {
		total := *j.Total
		copied.Total = &total
	}
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		copied.FinishedAt = &finished
	}
	if j.Detail != nil {
		detail := make(map[string]any, len(j.Detail))
		for key, value := range j.Detail {
			detail[key] = value
		}
		copied.Detail = detail
	}
	return &copied
}

// Registry is an in-memory, mutex-guarded store of job states. Readers only
// ever see snapshot copies. The first terminal transition of a job wins;
// a later Complete cannot revive a job that was failed cooperatively.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Create registers a new queued job under a generated "<prefix>-<uuid>" id
// and returns its snapshot.
func (r *Registry) Create(prefix string) *Job {
	job := &Job{
		ID:        prefix + "-" + uuid.New().String(),
		Status:    StatusQueued,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return job.snapshot()
}

// Get returns a snapshot of the job, or false when the id is unknown.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return job.snapshot(), true
}

// Start moves a queued job to running. Jobs failed before their body ran
// stay failed.
func (r *Registry) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && job.Status == StatusQueued {
		job.Status = StatusRunning
	}
}

// Increment adds to the processed counter and, when totalDelta is non-zero,
// grows the total. The first total delta materializes the counter.
func (r *Registry) Increment(id string, processedDelta, totalDelta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.Processed += processedDelta
	if totalDelta != 0 {
		if job.Total == nil {
			total := totalDelta
			job.Total = &total
		} else {
			*job.Total += totalDelta
		}
	}
}

// SetDetail publishes a live progress payload on a running job.
func (r *Registry) SetDetail(id string, detail map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && !job.Status.Terminal() {
		job.Detail = detail
	}
}

// Complete marks a job finished with its final detail payload. A nil detail
// keeps whatever was last published. No-op when the job already failed.
func (r *Registry) Complete(id string, detail map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = StatusCompleted
	if detail != nil {
		job.Detail = detail
	}
	now := time.Now().UTC()
	job.FinishedAt = &now
}

// Fail marks a job failed with a message shown to the user. Processed counts
// and the last published detail stay visible. Returns false when the id is
// unknown or the job already finished.
func (r *Registry) Fail(id, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		return false
	}
	job.Status = StatusFailed
	job.Message = message
	now := time.Now().UTC()
	job.FinishedAt = &now
	return true
}

// IsFailed reports whether the job was marked failed. Job bodies poll this
// at loop boundaries to stop cooperatively.
func (r *Registry) IsFailed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return ok && job.Status == StatusFailed
}
