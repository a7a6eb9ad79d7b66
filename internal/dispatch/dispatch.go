// Package dispatch turns a job request into exactly one Result: it builds
// the batch, fetches credentials, drives the orchestrator and hands the
// Result to every reporter once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/andrej220/remexec/internal/batch"
	"github.com/andrej220/remexec/internal/credentials"
	"github.com/andrej220/remexec/internal/metrics"
	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/andrej220/remexec/pkg/lg"
)

// Reporter receives the final Result of a job.
type Reporter interface {
	Report(ctx context.Context, r orchestrator.Result) error
}

type ReporterFunc func(ctx context.Context, r orchestrator.Result) error

func (f ReporterFunc) Report(ctx context.Context, r orchestrator.Result) error { return f(ctx, r) }

// ConnectFunc binds credentials to a transport.
type ConnectFunc func(credentials.Credentials) orchestrator.Connector

type Config struct {
	Builder      *batch.Builder
	Orchestrator orchestrator.Config
	Credentials  credentials.Provider
	Connect      ConnectFunc
	Reporters    []Reporter
}

// Service runs jobs. The builder and orchestrator settings can be swapped
// while jobs run; a job keeps the settings it started with.
type Service struct {
	current     atomic.Pointer[jobSettings]
	credentials credentials.Provider
	connect     ConnectFunc
	reporters   []Reporter
	tracer      trace.Tracer
}

type jobSettings struct {
	builder *batch.Builder
	orch    orchestrator.Config
}

func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Builder == nil:
		return nil, errors.New("dispatch: builder is required")
	case cfg.Credentials == nil:
		return nil, errors.New("dispatch: credential provider is required")
	case cfg.Connect == nil:
		return nil, errors.New("dispatch: connect func is required")
	}
	s := &Service{
		credentials: cfg.Credentials,
		connect:     cfg.Connect,
		reporters:   cfg.Reporters,
		tracer:      otel.Tracer("github.com/andrej220/remexec/internal/dispatch"),
	}
	s.Update(cfg.Builder, cfg.Orchestrator)
	return s, nil
}

// Update replaces the job settings for jobs started afterwards.
func (s *Service) Update(b *batch.Builder, oc orchestrator.Config) {
	s.current.Store(&jobSettings{builder: b, orch: oc})
}

// Build expands d with the current settings without running anything.
func (s *Service) Build(d jobspec.Descriptor) (batch.Batch, error) {
	return s.current.Load().builder.Build(d)
}

// Handle runs req to completion and returns its Result after every
// reporter has seen it. Malformed jobs fail before any network access;
// credentials are fetched only when there is a command to run.
func (s *Service) Handle(ctx context.Context, req jobspec.Request) orchestrator.Result {
	jobID := req.JobID.String()
	ctx, span := s.tracer.Start(ctx, "dispatch.Handle", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.product", req.Job.Product),
	))
	defer span.End()

	log := lg.FromContext(ctx).With(lg.String("job_id", jobID), lg.String("product", req.Job.Product))
	ctx = lg.Attach(ctx, log)
	settings := s.current.Load()

	var res orchestrator.Result
	b, err := settings.builder.Build(req.Job)
	if err != nil {
		log.Error("cannot build batch", lg.Err(err))
		res = orchestrator.ErrorResult(err, 0)
	} else {
		log.Info("batch built", lg.String("strategy", b.Strategy.String()), lg.Int("commands", b.Len()))
		metrics.BatchSize.Observe(float64(b.Len()))
		res = orchestrator.New(s.connector(), settings.orch).Run(ctx, b)
	}
	return s.finish(ctx, span, req, res)
}

// Reject records the Result of a job that was accepted but could not be
// run, such as one dropped at shutdown before a worker took it. cause is
// classified like any other job failure.
func (s *Service) Reject(ctx context.Context, req jobspec.Request, cause error) orchestrator.Result {
	jobID := req.JobID.String()
	ctx, span := s.tracer.Start(ctx, "dispatch.Reject", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.product", req.Job.Product),
	))
	defer span.End()

	log := lg.FromContext(ctx).With(lg.String("job_id", jobID), lg.String("product", req.Job.Product))
	ctx = lg.Attach(ctx, log)
	log.Warn("job not run", lg.Err(cause))
	return s.finish(ctx, span, req, orchestrator.ErrorResult(cause, 0))
}

// finish stamps res with the job identity, counts it and reports it.
func (s *Service) finish(ctx context.Context, span trace.Span, req jobspec.Request, res orchestrator.Result) orchestrator.Result {
	res.JobID = req.JobID.String()
	res.Product = req.Job.Product

	kind := string(res.Kind)
	if res.OK() {
		kind = "ok"
	}
	metrics.JobsTotal.WithLabelValues(req.Job.Product, kind).Inc()
	span.SetAttributes(attribute.Int("job.status", res.Status), attribute.String("job.kind", kind))

	s.report(ctx, res)
	return res
}

// connector fetches credentials when the orchestrator connects.
func (s *Service) connector() orchestrator.Connector {
	return orchestrator.ConnectorFunc(func(ctx context.Context) (orchestrator.Session, error) {
		creds, err := s.credentials.Fetch(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, orchestrator.ErrCredential) {
				err = fmt.Errorf("%w: %v", orchestrator.ErrCredential, err)
			}
			return nil, err
		}
		return s.connect(creds).Connect(ctx)
	})
}

// report hands res to every reporter once, even when the job was canceled.
// Failures are logged; they do not change the Result.
func (s *Service) report(ctx context.Context, res orchestrator.Result) {
	ctx = context.WithoutCancel(ctx)
	log := lg.FromContext(ctx)
	for i, r := range s.reporters {
		if err := r.Report(ctx, res); err != nil {
			log.Error("reporting result failed", lg.Int("reporter", i), lg.Err(err))
		}
	}
}
