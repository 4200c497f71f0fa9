package cron

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dayuer/nanobot-hub/internal/store"
)

// seedJob is one entry of a jobs YAML file.
type seedJob struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Cron        string `yaml:"cron"`
	Timezone    string `yaml:"timezone"`
	Description string `yaml:"description"`
	Session     string `yaml:"session"`
	Note        string `yaml:"note"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Persistent  *bool  `yaml:"persistent,omitempty"`
}

type seedFile struct {
	Jobs []seedJob `yaml:"jobs"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// LoadSeedFile reads job definitions from a YAML file:
//
//	jobs:
//	  - id: morning-checkin
//	    type: active_agent
//	    cron: "0 9 * * 1-5"
//	    timezone: Asia/Shanghai
//	    session: telegram:12345
//	    note: Ask how the deploy went
func LoadSeedFile(path string) ([]*store.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read jobs file")
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	jobs := make([]*store.Job, 0, len(f.Jobs))
	for i, s := range f.Jobs {
		if s.ID == "" {
			return nil, errors.Wrapf(ErrInvalidJob, "jobs[%d]: id is required", i)
		}
		job := &store.Job{
			ID:          s.ID,
			Name:        s.Name,
			Type:        store.JobType(s.Type),
			CronExpr:    s.Cron,
			Timezone:    s.Timezone,
			Description: s.Description,
			Enabled:     boolOr(s.Enabled, true),
			Persistent:  boolOr(s.Persistent, true),
		}
		if job.Type == "" {
			job.Type = store.JobBasic
			if s.Session != "" {
				job.Type = store.JobActiveAgent
			}
		}
		if job.Type == store.JobActiveAgent {
			job.Payload, _ = json.Marshal(ActivePayload{Session: s.Session, Note: s.Note})
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Import upserts jobs through the dispatcher so every definition is
// validated and scheduled.
func (d *Dispatcher) Import(ctx context.Context, jobs []*store.Job) (created, updated int, err error) {
	for _, job := range jobs {
		_, getErr := d.store.GetJob(ctx, job.ID)
		switch {
		case getErr == nil:
			if _, err := d.UpdateJob(ctx, job); err != nil {
				return created, updated, errors.Wrapf(err, "update %s", job.ID)
			}
			updated++
		case errors.Is(getErr, store.ErrNotFound):
			if _, err := d.AddJob(ctx, job); err != nil {
				return created, updated, errors.Wrapf(err, "add %s", job.ID)
			}
			created++
		default:
			return created, updated, getErr
		}
	}
	return created, updated, nil
}
