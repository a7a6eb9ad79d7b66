package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andrej220/remexec/internal/dispatch"
	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/internal/runstore"
	"github.com/andrej220/remexec/internal/serverutil"
	"github.com/andrej220/remexec/pkg/consumer"
	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/andrej220/remexec/pkg/lg"
	"github.com/andrej220/remexec/pkg/workerpool"
)

const readRetryDelay = time.Second

type runReader interface {
	Get(ctx context.Context, jobID string) (orchestrator.Result, error)
}

type requestReader interface {
	Read(ctx context.Context) (jobspec.Request, error)
}

type app struct {
	logger     lg.Logger
	svc        *dispatch.Service
	runs       runReader
	pool       *workerpool.Pool[jobspec.Request]
	jobTimeout time.Duration
}

// runJob runs req under the job deadline.
func (a *app) runJob(ctx context.Context, req jobspec.Request) orchestrator.Result {
	if a.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.jobTimeout)
		defer cancel()
	}
	return a.svc.Handle(ctx, req)
}

// Submit queues req on the worker pool. It implements scheduler.Submitter.
func (a *app) Submit(ctx context.Context, req jobspec.Request) error {
	if req.JobID == uuid.Nil {
		req.JobID = uuid.New()
	}
	err := a.pool.Submit(workerpool.Job[jobspec.Request]{
		Payload: req,
		Ctx:     ctx,
		Fn: func(ctx context.Context, req jobspec.Request) error {
			res := a.runJob(ctx, req)
			if !res.OK() {
				return errors.New(res.Message)
			}
			return nil
		},
	})
	if err != nil {
		// the request may already be committed upstream; it still gets a Result
		a.svc.Reject(ctx, req, fmt.Errorf("%w: job not queued: %v", orchestrator.ErrCanceled, err))
	}
	return err
}

// consume feeds queued requests to the pool until ctx is done.
func (a *app) consume(ctx context.Context, r requestReader) error {
	for {
		req, err := r.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, consumer.ErrDecode) {
				a.logger.Warn("skipping message", lg.Err(err))
				continue
			}
			a.logger.Error("reading job queue", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readRetryDelay):
			}
			continue
		}
		a.logger.Debug("received job", lg.String("job_id", req.JobID.String()), lg.String("product", req.Job.Product))
		if err := a.Submit(lg.Attach(ctx, a.logger), req); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error("cannot queue job", lg.String("job_id", req.JobID.String()), lg.Err(err))
		}
	}
}

func (a *app) routes(httpPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(httpPath, serverutil.Instrument(httpPath,
		serverutil.NewValidationHandler[jobspec.Descriptor](http.HandlerFunc(a.handleRun), jobspec.Descriptor.Validate)))
	mux.Handle("GET /runs/{id}", serverutil.Instrument("/runs/{id}", http.HandlerFunc(a.handleGetRun)))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		serverutil.WriteJSON(rw, http.StatusOK, map[string]any{"status": "ok", "active_jobs": a.pool.ActiveWorkers()})
	})
	return mux
}

// handleRun runs one job synchronously and responds with its Result.
func (a *app) handleRun(rw http.ResponseWriter, r *http.Request) {
	d, ok := serverutil.RequestFrom[jobspec.Descriptor](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	req := jobspec.NewRequest(d)
	ctx := lg.Attach(r.Context(), a.logger)
	res := a.runJob(ctx, req)
	serverutil.WriteJSON(rw, http.StatusOK, res)
}

func (a *app) handleGetRun(rw http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		http.Error(rw, "run store is not configured", http.StatusNotFound)
		return
	}
	res, err := a.runs.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		http.Error(rw, err.Error(), http.StatusNotFound)
	case err != nil:
		a.logger.Error("reading run", lg.Err(err))
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
	default:
		serverutil.WriteJSON(rw, http.StatusOK, res)
	}
}
