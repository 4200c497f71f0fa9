// Package store persists scheduled jobs. The dispatcher only talks to the
// JobStore interface; SQLiteStore backs the hub and MemoryStore backs tests
// and ephemeral runs.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when creating a job whose id already exists.
	ErrDuplicateJob = errors.New("job already exists")
)

// JobType selects how a job fires.
type JobType string

const (
	// JobBasic runs an in-process handler registered under the job id.
	JobBasic JobType = "basic"
	// JobActiveAgent synthesizes an inbound message for the pipeline.
	JobActiveAgent JobType = "active_agent"
)

// JobStatus is the outcome of the latest fire.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is one scheduled trigger.
type Job struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Type        JobType         `json:"type" yaml:"type"`
	CronExpr    string          `json:"cron_expr" yaml:"cron"`
	Timezone    string          `json:"timezone,omitempty" yaml:"timezone"`
	Payload     json.RawMessage `json:"payload,omitempty" yaml:"-"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	Persistent  bool            `json:"persistent" yaml:"persistent"`
	Status      JobStatus       `json:"status" yaml:"-"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty" yaml:"-"`
	NextRunTime *time.Time      `json:"next_run_time,omitempty" yaml:"-"`
	LastError   string          `json:"last_error,omitempty" yaml:"-"`
	CreatedAt   time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	c.LastRunAt = cloneTime(j.LastRunAt)
	c.NextRunTime = cloneTime(j.NextRunTime)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// RunState is the part of a job the dispatcher writes when it fires.
type RunState struct {
	Status      JobStatus
	LastRunAt   *time.Time
	NextRunTime *time.Time
	LastError   string
}

// JobStore is the CRUD collaborator of the dispatcher.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	// UpdateRunState writes only the run columns, leaving definition
	// fields such as Enabled untouched.
	UpdateRunState(ctx context.Context, id string, rs RunState) error
	DeleteJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	Close() error
}

// prepareNew fills defaults on a job about to be created.
func prepareNew(job *Job, now time.Time) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = JobBasic
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	job.CreatedAt = now
	job.UpdatedAt = now
}
