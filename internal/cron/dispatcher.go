// Package cron fires scheduled jobs at wall-clock times in each job's
// timezone. A basic job runs an in-process handler registered under its id;
// an active_agent job becomes an inbound message on the same path platform
// adapters use.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/store"
)

const DefaultMisfireGrace = 60 * time.Second

var (
	// ErrScheduleParse rejects a job whose cron expression cannot be parsed.
	ErrScheduleParse = errors.New("invalid cron expression")
	// ErrInvalidJob rejects a job with missing or inconsistent fields.
	ErrInvalidJob = errors.New("invalid job")
	// ErrNoHandler is a fire failure for a basic job without a handler.
	ErrNoHandler = errors.New("no handler registered")
)

// Handler runs a basic job.
type Handler func(ctx context.Context, job *store.Job) error

// Sink accepts synthesized inbound envelopes.
type Sink func(ctx context.Context, env bus.InboundEnvelope) error

// SessionResolver turns an opaque session target into the addressing part of
// an inbound envelope.
type SessionResolver interface {
	Resolve(ctx context.Context, session string) (bus.InboundEnvelope, error)
}

// Locker grants a single replica the right to run one fire of a job.
type Locker interface {
	TryLock(ctx context.Context, jobID string, fireAt time.Time) bool
}

// ActivePayload is the payload of an active_agent job.
type ActivePayload struct {
	Session string `json:"session" yaml:"session"`
	Note    string `json:"note" yaml:"note"`
}

// Options configures a Dispatcher.
type Options struct {
	Store        store.JobStore
	Sink         Sink
	Resolver     SessionResolver
	Locker       Locker
	MisfireGrace time.Duration
	Logger       *zerolog.Logger
	Now          func() time.Time
}

type entry struct {
	id       string
	schedule robfig.Schedule
	loc      *time.Location
	next     time.Time
}

// Dispatcher owns the live schedule. The store is the source of truth for
// job definitions; only enabled jobs are live.
type Dispatcher struct {
	store    store.JobStore
	sink     Sink
	resolver SessionResolver
	locker   Locker
	grace    time.Duration
	now      func() time.Time
	parser   robfig.Parser
	logger   zerolog.Logger

	mu       sync.Mutex
	live     map[string]*entry
	handlers map[string]Handler

	wake      chan struct{}
	stopCh    chan struct{}
	loopDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	fires     sync.WaitGroup
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.MisfireGrace <= 0 {
		opts.MisfireGrace = DefaultMisfireGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Dispatcher{
		store:    opts.Store,
		sink:     opts.Sink,
		resolver: opts.Resolver,
		locker:   opts.Locker,
		grace:    opts.MisfireGrace,
		now:      opts.Now,
		parser:   robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor),
		logger:   log.With().Str("component", "cron").Logger(),
		live:     make(map[string]*entry),
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if opts.Logger != nil {
		d.logger = *opts.Logger
	}
	return d
}

// RegisterHandler installs the in-process handler for a basic job. Handlers
// must be registered before Start so the startup sync can schedule them.
func (d *Dispatcher) RegisterHandler(jobID string, h Handler) {
	d.mu.Lock()
	d.handlers[jobID] = h
	d.mu.Unlock()
}

// Parse validates expr and returns its schedule.
func (d *Dispatcher) Parse(expr string) (robfig.Schedule, error) {
	sched, err := d.parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, errors.Wrapf(ErrScheduleParse, "%q: %v", expr, err)
	}
	return sched, nil
}

// location resolves tz, degrading to the system timezone.
func (d *Dispatcher) location(jobID, tz string) *time.Location {
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		d.logger.Warn().Str("job_id", jobID).Str("timezone", tz).Err(err).Msg("invalid timezone, using system timezone")
		return time.Local
	}
	return loc
}

func (d *Dispatcher) validate(job *store.Job) (robfig.Schedule, error) {
	if job.CronExpr == "" {
		return nil, errors.Wrap(ErrInvalidJob, "cron expression is required")
	}
	sched, err := d.Parse(job.CronExpr)
	if err != nil {
		return nil, err
	}
	switch job.Type {
	case "", store.JobBasic:
	case store.JobActiveAgent:
		if _, err := parseActivePayload(job.Payload); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(ErrInvalidJob, "unknown type %q", job.Type)
	}
	return sched, nil
}

func parseActivePayload(raw json.RawMessage) (ActivePayload, error) {
	var p ActivePayload
	if len(raw) == 0 {
		return p, errors.Wrap(ErrInvalidJob, "active_agent payload is required")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Wrapf(ErrInvalidJob, "payload: %v", err)
	}
	if p.Session == "" {
		return p, errors.Wrap(ErrInvalidJob, "payload.session is required")
	}
	return p, nil
}

// AddJob validates, persists and, when enabled, schedules job.
func (d *Dispatcher) AddJob(ctx context.Context, job *store.Job) (*store.Job, error) {
	sched, err := d.validate(job)
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	loc := d.location(job.ID, job.Timezone)
	next := sched.Next(d.now().In(loc))
	job.NextRunTime = &next

	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	if job.Enabled {
		d.schedule(job.ID, sched, loc, next)
	}
	d.logger.Info().Str("job_id", job.ID).Str("cron", job.CronExpr).Time("next_run_time", next).Bool("enabled", job.Enabled).Msg("job added")
	return job.Clone(), nil
}

// UpdateJob replaces the definition of an existing job and reschedules it.
func (d *Dispatcher) UpdateJob(ctx context.Context, job *store.Job) (*store.Job, error) {
	old, err := d.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	sched, err := d.validate(job)
	if err != nil {
		return nil, err
	}
	loc := d.location(job.ID, job.Timezone)
	next := sched.Next(d.now().In(loc))
	job.NextRunTime = &next
	job.CreatedAt = old.CreatedAt
	if job.LastRunAt == nil {
		job.LastRunAt = old.LastRunAt
	}
	if job.Status == "" {
		job.Status = old.Status
	}

	if err := d.store.UpdateJob(ctx, job); err != nil {
		return nil, errors.Wrap(err, "update job")
	}
	if job.Enabled {
		d.schedule(job.ID, sched, loc, next)
	} else {
		d.unschedule(job.ID)
	}
	d.logger.Info().Str("job_id", job.ID).Bool("enabled", job.Enabled).Time("next_run_time", next).Msg("job updated")
	return job.Clone(), nil
}

// SetEnabled toggles a job. A disabled job is removed from the live
// schedule immediately.
func (d *Dispatcher) SetEnabled(ctx context.Context, id string, enabled bool) (*store.Job, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled
	return d.UpdateJob(ctx, job)
}

// DeleteJob removes a job from the store and the live schedule.
func (d *Dispatcher) DeleteJob(ctx context.Context, id string) error {
	d.unschedule(id)
	if err := d.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	d.logger.Info().Str("job_id", id).Msg("job deleted")
	return nil
}

// GetJob loads one job.
func (d *Dispatcher) GetJob(ctx context.Context, id string) (*store.Job, error) {
	return d.store.GetJob(ctx, id)
}

// ListJobs lists all stored jobs, live or not.
func (d *Dispatcher) ListJobs(ctx context.Context) ([]*store.Job, error) {
	return d.store.ListJobs(ctx)
}

// IsLive reports whether id is on the live schedule.
func (d *Dispatcher) IsLive(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.live[id]
	return ok
}

// NextFire returns the live next fire time of id.
func (d *Dispatcher) NextFire(id string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.live[id]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// LiveCount returns the number of scheduled jobs.
func (d *Dispatcher) LiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func (d *Dispatcher) schedule(id string, sched robfig.Schedule, loc *time.Location, next time.Time) {
	d.mu.Lock()
	d.live[id] = &entry{id: id, schedule: sched, loc: loc, next: next}
	d.mu.Unlock()
	d.poke()
}

func (d *Dispatcher) unschedule(id string) {
	d.mu.Lock()
	_, ok := d.live[id]
	delete(d.live, id)
	d.mu.Unlock()
	if ok {
		d.poke()
	}
}

func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start loads enabled persistent jobs and starts the timer loop. Calling it
// again is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		if err = d.sync(ctx); err != nil {
			close(d.loopDone)
			return
		}
		d.mu.Lock()
		d.started = true
		d.mu.Unlock()
		go d.loop(ctx)
		d.logger.Info().Int("live", d.LiveCount()).Msg("dispatcher started")
	})
	return err
}

// Shutdown stops the loop and waits for in-flight fires. Safe to call
// multiple times, and before Start.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.mu.Lock()
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.loopDone
		}
		d.fires.Wait()
		d.logger.Info().Msg("dispatcher stopped")
	})
}

// sync schedules every enabled persistent job from the store.
func (d *Dispatcher) sync(ctx context.Context) error {
	jobs, err := d.store.ListJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "load jobs")
	}
	now := d.now()
	for _, job := range jobs {
		logger := d.logger.With().Str("job_id", job.ID).Logger()
		if !job.Enabled || !job.Persistent {
			continue
		}
		d.mu.Lock()
		_, hasHandler := d.handlers[job.ID]
		d.mu.Unlock()
		if (job.Type == store.JobBasic || job.Type == "") && !hasHandler {
			logger.Warn().Msg("basic job has no registered handler, skipped")
			continue
		}
		sched, err := d.validate(job)
		if err != nil {
			logger.Error().Err(err).Msg("stored job is invalid, skipped")
			continue
		}
		loc := d.location(job.ID, job.Timezone)
		next := sched.Next(now.In(loc))
		if job.NextRunTime != nil && !job.NextRunTime.After(now) {
			if now.Sub(*job.NextRunTime) <= d.grace {
				next = *job.NextRunTime
			} else {
				logger.Warn().Time("missed", *job.NextRunTime).Msg("misfire beyond grace, skipped")
			}
		}
		if job.NextRunTime == nil || !job.NextRunTime.Equal(next) {
			job.NextRunTime = &next
			rs := store.RunState{Status: job.Status, LastRunAt: job.LastRunAt, NextRunTime: &next, LastError: job.LastError}
			if err := d.store.UpdateRunState(ctx, job.ID, rs); err != nil {
				logger.Error().Err(err).Msg("persist next_run_time failed")
			}
		}
		d.mu.Lock()
		d.live[job.ID] = &entry{id: job.ID, schedule: sched, loc: loc, next: next}
		d.mu.Unlock()
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.loopDone)
	for {
		wait := time.Minute
		d.mu.Lock()
		for _, e := range d.live {
			if w := e.next.Sub(d.now()); w < wait {
				wait = w
			}
		}
		d.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.stopCh:
			timer.Stop()
			return
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
			d.fireDue(ctx, d.now())
		}
	}
}

// fireDue fires every live job whose next time is at or before now. A job
// whose fire time is older than the grace window is skipped.
func (d *Dispatcher) fireDue(ctx context.Context, now time.Time) {
	type due struct {
		id      string
		at      time.Time
		next    time.Time
		misfire bool
	}
	var batch []due

	d.mu.Lock()
	for id, e := range d.live {
		if e.next.After(now) {
			continue
		}
		at := e.next
		e.next = e.schedule.Next(now.In(e.loc))
		batch = append(batch, due{id: id, at: at, next: e.next, misfire: now.Sub(at) > d.grace})
	}
	d.mu.Unlock()

	for _, item := range batch {
		if item.misfire {
			d.logger.Warn().Str("job_id", item.id).Time("missed", item.at).Time("next_run_time", item.next).Msg("misfire beyond grace, skipped")
			d.persistNext(ctx, item.id, item.next)
			continue
		}
		d.fires.Add(1)
		go func(id string, at time.Time) {
			defer d.fires.Done()
			if err := d.fire(ctx, id, at); err != nil {
				d.logger.Error().Err(err).Str("job_id", id).Msg("fire failed")
			}
		}(item.id, item.at)
	}
}

func (d *Dispatcher) persistNext(ctx context.Context, id string, next time.Time) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return
	}
	rs := store.RunState{Status: job.Status, LastRunAt: job.LastRunAt, NextRunTime: &next, LastError: job.LastError}
	if err := d.store.UpdateRunState(ctx, id, rs); err != nil {
		d.logger.Error().Err(err).Str("job_id", id).Msg("persist next_run_time failed")
	}
}

// RunNow fires a job immediately, outside its schedule.
func (d *Dispatcher) RunNow(ctx context.Context, id string) error {
	return d.fire(ctx, id, d.now())
}

// fire runs one job and records the outcome.
func (d *Dispatcher) fire(ctx context.Context, id string, at time.Time) error {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.unschedule(id)
		}
		return err
	}
	if d.locker != nil && !d.locker.TryLock(ctx, id, at) {
		d.logger.Debug().Str("job_id", id).Time("fire_at", at).Msg("fire owned by another replica")
		return nil
	}
	logger := d.logger.With().Str("job_id", id).Str("type", string(job.Type)).Logger()

	// Only run columns are written from here on; the definition may be
	// edited or disabled while the job runs.
	started := d.now()
	running := store.RunState{Status: store.StatusRunning, LastRunAt: &started, NextRunTime: job.NextRunTime}
	if err := d.store.UpdateRunState(ctx, id, running); err != nil {
		return errors.Wrap(err, "mark running")
	}
	logger.Info().Time("fire_at", at).Msg("job fired")

	runErr := d.dispatch(ctx, job, started)

	next := d.nextAfter(job, started)
	outcome := store.RunState{Status: store.StatusCompleted, LastRunAt: &started, NextRunTime: &next}
	if runErr != nil {
		outcome.Status = store.StatusFailed
		outcome.LastError = runErr.Error()
		logger.Error().Err(runErr).Msg("job failed")
	} else {
		logger.Info().Dur("elapsed", d.now().Sub(started)).Time("next_run_time", next).Msg("job completed")
	}
	if err := d.store.UpdateRunState(ctx, id, outcome); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug().Msg("job deleted while running")
			return nil
		}
		return errors.Wrap(err, "record outcome")
	}
	return nil
}

// nextAfter prefers the live entry and falls back to parsing.
func (d *Dispatcher) nextAfter(job *store.Job, after time.Time) time.Time {
	d.mu.Lock()
	e, ok := d.live[job.ID]
	var next time.Time
	if ok {
		next = e.next
	}
	d.mu.Unlock()
	if ok && next.After(after) {
		return next
	}
	sched, err := d.Parse(job.CronExpr)
	if err != nil {
		return after
	}
	return sched.Next(after.In(d.location(job.ID, job.Timezone)))
}

func (d *Dispatcher) dispatch(ctx context.Context, job *store.Job, at time.Time) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("job panic: %v", rec)
		}
	}()

	switch job.Type {
	case store.JobActiveAgent:
		return d.trigger(ctx, job, at)
	default:
		d.mu.Lock()
		h, ok := d.handlers[job.ID]
		d.mu.Unlock()
		if !ok {
			return errors.Wrapf(ErrNoHandler, "job %s", job.ID)
		}
		return h(ctx, job)
	}
}

// trigger synthesizes an inbound envelope for the session target.
func (d *Dispatcher) trigger(ctx context.Context, job *store.Job, at time.Time) error {
	p, err := parseActivePayload(job.Payload)
	if err != nil {
		return err
	}
	if d.resolver == nil || d.sink == nil {
		return errors.New("no session resolver or sink configured")
	}
	env, err := d.resolver.Resolve(ctx, p.Session)
	if err != nil {
		return errors.Wrapf(err, "resolve session %q", p.Session)
	}
	env.SenderID = "cron:" + job.ID
	env.MessageID = fmt.Sprintf("cron-%s-%d", job.ID, at.Unix())
	env.Content = p.Note
	env.Timestamp = at
	if env.Metadata == nil {
		env.Metadata = make(map[string]any)
	}
	env.Metadata["job_id"] = job.ID
	env.Metadata["trigger"] = "cron"
	return d.sink(ctx, env)
}
