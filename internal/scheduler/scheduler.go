// Package scheduler submits configured jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/andrej220/remexec/internal/settings"
	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/andrej220/remexec/pkg/lg"
)

// Submitter queues a job for execution.
type Submitter interface {
	Submit(ctx context.Context, req jobspec.Request) error
}

type SubmitterFunc func(ctx context.Context, req jobspec.Request) error

func (f SubmitterFunc) Submit(ctx context.Context, req jobspec.Request) error { return f(ctx, req) }

// Parser accepts five-field specs, six-field specs with leading seconds,
// and descriptors such as "@daily".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    lg.Logger
	tracer    trace.Tracer

	mu   sync.Mutex
	jobs map[string]cron.EntryID
	base context.Context
}

func New(submitter Submitter, logger lg.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithChain(cron.Recover(cronLogger{logger})),
			cron.WithLogger(cronLogger{logger}),
		),
		submitter: submitter,
		logger:    logger.With(lg.String("component", "scheduler")),
		tracer:    otel.Tracer("github.com/andrej220/remexec/internal/scheduler"),
		jobs:      make(map[string]cron.EntryID),
		base:      context.Background(),
	}
}

// Set replaces all schedules. Specs are checked before anything changes,
// so a bad schedule leaves the old set running.
func (s *Scheduler) Set(schedules []settings.Schedule) error {
	parsed := make([]cron.Schedule, len(schedules))
	for i, sc := range schedules {
		p, err := Parser.Parse(sc.Spec)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		parsed[i] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, id := range s.jobs {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
	for i, sc := range schedules {
		s.jobs[sc.Name] = s.cron.Schedule(parsed[i], &scheduledJob{s: s, name: sc.Name, job: sc.Job.Clone()})
		s.logger.Info("added job to scheduler", lg.String("job_name", sc.Name), lg.String("schedule", sc.Spec))
	}
	return nil
}

// Names lists the active schedules.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	return names
}

// Start runs the scheduler until ctx is done and waits for running
// submissions.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping")
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

type scheduledJob struct {
	s    *Scheduler
	name string
	job  jobspec.Descriptor
}

// Run is called by cron. Every firing is a new job with a new id.
func (j *scheduledJob) Run() {
	req := jobspec.NewRequest(j.job.Clone())
	logger := j.s.logger.With(lg.String("job_name", j.name), lg.String("job_id", req.JobID.String()))
	ctx := lg.Attach(j.s.baseContext(), logger)
	ctx, span := j.s.tracer.Start(ctx, "scheduler.Submit", trace.WithAttributes(
		attribute.String("schedule.name", j.name),
		attribute.String("job.id", req.JobID.String()),
	))
	defer span.End()

	logger.Info("submitting scheduled job")
	if err := j.s.submitter.Submit(ctx, req); err != nil {
		logger.Error("failed to submit scheduled job", lg.Err(err))
		span.RecordError(err)
	}
}

// cronLogger adapts lg.Logger to cron.Logger.
type cronLogger struct{ l lg.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, fields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(fields(keysAndValues), lg.Err(err))...)
}

func fields(kv []interface{}) []lg.Field {
	out := make([]lg.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, lg.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
