// Package orchestrator runs a command batch against one remote session,
// strictly one command at a time, and reduces the outcomes to a Result.
//
// Per job the orchestrator moves through
//
//	Idle -> SessionOpen -> Running(i) -> Running(i+1) ... -> Completed
//	                    \-> Aborted   \-> Aborted
//
// A nonzero exit status, a transport failure or cancellation aborts the
// job; commands after the failing one are never dispatched. Commands that
// already ran are not rolled back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/andrej220/remexec/internal/batch"
	"github.com/andrej220/remexec/internal/metrics"
	"github.com/andrej220/remexec/pkg/lg"
)

// Session is one authenticated remote connection. Run blocks until the
// command exits. A nonzero exit status is reported through the Outcome; an
// error means the command's fate is unknown (transport failure or ctx done).
type Session interface {
	Run(ctx context.Context, command string) (Outcome, error)
	Close() error
}

// Connector opens a Session with credentials it already holds.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) { return f(ctx) }

// State is the orchestrator's position in the job lifecycle.
type State int

const (
	StateIdle State = iota
	StateSessionOpen
	StateRunning
	StateAborted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSessionOpen:
		return "session-open"
	case StateRunning:
		return "running"
	case StateAborted:
		return "aborted"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateAborted || s == StateCompleted }

// DefaultCommandDelay is the pause between two successful commands.
const DefaultCommandDelay = 500 * time.Millisecond

// Config tunes an Orchestrator.
type Config struct {
	// CommandDelay is waited after a successful command before the next is
	// dispatched. Zero disables pacing.
	CommandDelay time.Duration
	// OnTransition, if set, observes every state change. index is the
	// 0-based index of the command concerned, or -1.
	OnTransition func(from, to State, index int)
}

// Orchestrator drives jobs. It keeps no per-job state and may run several
// jobs concurrently, each on its own Session.
type Orchestrator struct {
	connector Connector
	cfg       Config
	tracer    trace.Tracer
}

func New(connector Connector, cfg Config) *Orchestrator {
	return &Orchestrator{
		connector: connector,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/andrej220/remexec/internal/orchestrator"),
	}
}

// job is the state of one Run call.
type job struct {
	o     *Orchestrator
	state State
	index int
}

func (j *job) to(next State, index int) {
	if j.state.Terminal() {
		panic(fmt.Sprintf("orchestrator: transition %s -> %s after terminal state", j.state, next))
	}
	prev := j.state
	j.state, j.index = next, index
	if j.o.cfg.OnTransition != nil {
		j.o.cfg.OnTransition(prev, next, index)
	}
}

// Run executes b and returns its single Result. An empty batch completes
// without opening a session.
func (o *Orchestrator) Run(ctx context.Context, b batch.Batch) Result {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("job.product", b.Product),
			attribute.String("job.strategy", b.Strategy.String()),
			attribute.Int("job.commands", len(b.Commands)),
		))
	defer span.End()

	log := lg.FromContext(ctx).With(lg.Int("commands", len(b.Commands)))
	agg := NewAggregator(len(b.Commands))
	j := &job{o: o, state: StateIdle, index: -1}

	o.execute(ctx, j, agg, b.Commands, log)

	res := agg.Finish()
	res.Product = b.Product
	if res.OK() {
		log.Info("batch completed", lg.Int("commands_run", res.CommandsRun))
	} else {
		span.SetStatus(codes.Error, string(res.Kind))
		span.RecordError(agg.Err())
		log.Error("batch aborted",
			lg.String("kind", string(res.Kind)),
			lg.Int("commands_run", res.CommandsRun),
			lg.Int("failed_index", res.FailedIndex),
			lg.Err(agg.Err()))
	}
	span.SetAttributes(attribute.Int("job.commands_run", res.CommandsRun), attribute.Int("job.status", res.Status))
	return res
}

func (o *Orchestrator) execute(ctx context.Context, j *job, agg *Aggregator, commands []string, log lg.Logger) {
	if len(commands) == 0 {
		j.to(StateCompleted, -1)
		return
	}
	if err := ctx.Err(); err != nil {
		agg.Abort(fmt.Errorf("%w: before connect: %v", ErrCanceled, err), "")
		j.to(StateAborted, -1)
		return
	}

	sess, err := o.connector.Connect(ctx)
	if err != nil {
		agg.Abort(connectError(ctx, err), "")
		j.to(StateAborted, -1)
		return
	}
	metrics.JobsInFlight.Inc()
	defer func() {
		metrics.JobsInFlight.Dec()
		if err := sess.Close(); err != nil {
			log.Warn("closing session", lg.Err(err))
		}
	}()
	j.to(StateSessionOpen, -1)

	for i, cmd := range commands {
		if i > 0 && o.cfg.CommandDelay > 0 {
			if err := pause(ctx, o.cfg.CommandDelay); err != nil {
				agg.Abort(fmt.Errorf("%w: waiting before command %d: %v", ErrCanceled, i+1, err), "")
				j.to(StateAborted, i)
				return
			}
		}
		j.to(StateRunning, i)

		out, err := o.dispatch(ctx, sess, i, len(commands), cmd, log)
		if err != nil {
			agg.Abort(err, cmd)
			j.to(StateAborted, i)
			return
		}
		if !agg.Record(out) {
			j.to(StateAborted, i)
			return
		}
	}
	j.to(StateCompleted, -1)
}

// dispatch runs one command and logs its outcome: nonzero exit as an error
// with stderr, stderr on success as a warning, stdout at debug.
func (o *Orchestrator) dispatch(ctx context.Context, sess Session, i, total int, cmd string, log lg.Logger) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Command",
		trace.WithAttributes(attribute.Int("command.index", i+1), attribute.String("command.line", cmd)))
	defer span.End()

	log = log.With(lg.Int("index", i+1), lg.Int("total", total))
	log.Info("executing command", lg.String("command", cmd))

	start := time.Now()
	outcome, err := sess.Run(ctx, cmd)
	elapsed := time.Since(start)
	metrics.CommandDuration.Observe(elapsed.Seconds())

	if err != nil {
		err = dispatchError(ctx, i, err)
		metrics.CommandsTotal.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, "dispatch failed")
		span.RecordError(err)
		log.Error("command did not complete", lg.Duration("elapsed", elapsed), lg.Err(err))
		return Outcome{}, err
	}
	if outcome.Duration == 0 {
		outcome.Duration = elapsed
	}
	outcome.Command = cmd
	span.SetAttributes(attribute.Int("command.exit_status", outcome.ExitStatus))

	if outcome.Stdout != "" {
		log.Debug("command stdout", lg.String("stdout", outcome.Stdout))
	}
	switch {
	case outcome.ExitStatus != 0:
		metrics.CommandsTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, "nonzero exit status")
		log.Error("command failed",
			lg.Int("exit_status", outcome.ExitStatus),
			lg.String("stderr", outcome.Stderr),
			lg.Duration("elapsed", outcome.Duration))
	case outcome.Stderr != "":
		metrics.CommandsTotal.WithLabelValues("ok").Inc()
		log.Warn("command wrote to stderr", lg.String("stderr", outcome.Stderr), lg.Duration("elapsed", outcome.Duration))
	default:
		metrics.CommandsTotal.WithLabelValues("ok").Inc()
		log.Info("command succeeded", lg.Duration("elapsed", outcome.Duration))
	}
	return outcome, nil
}

func dispatchError(ctx context.Context, i int, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: command %d interrupted: %v", ErrCanceled, i+1, err)
	}
	if errors.Is(err, ErrDispatch) {
		return err
	}
	return fmt.Errorf("%w: command %d: %v", ErrDispatch, i+1, err)
}

func connectError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: connect: %v", ErrCanceled, err)
	}
	if errors.Is(err, ErrCredential) || errors.Is(err, ErrConnection) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// pause waits d or until ctx is done, without holding the goroutine's
// thread in a busy loop.
func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
