package orchestrator

import (
	"fmt"
	"maps"
	"time"

	"github.com/andrej220/remexec/internal/processor"
)

// Outcome is what one dispatched command produced.
type Outcome struct {
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// Result is the single response a job produces.
type Result struct {
	JobID         string            `json:"job_id,omitempty" bson:"_id,omitempty"`
	Product       string            `json:"product,omitempty" bson:"product,omitempty"`
	Status        int               `json:"status" bson:"status"`
	Kind          Kind              `json:"kind,omitempty" bson:"kind,omitempty"`
	Message       string            `json:"message" bson:"message"`
	CommandsRun   int               `json:"commandsRun" bson:"commands_run"`
	CommandsTotal int               `json:"commandsTotal" bson:"commands_total"`
	FailedIndex   int               `json:"failedIndex,omitempty" bson:"failed_index,omitempty"`
	FailedCommand string            `json:"failedCommand,omitempty" bson:"failed_command,omitempty"`
	ExitStatus    int               `json:"exitStatus,omitempty" bson:"exit_status,omitempty"`
	Stderr        string            `json:"stderr,omitempty" bson:"stderr,omitempty"`
	Reported      map[string]string `json:"reported,omitempty" bson:"reported,omitempty"`
	StartedAt     time.Time         `json:"startedAt" bson:"started_at"`
	FinishedAt    time.Time         `json:"finishedAt" bson:"finished_at"`
}

// OK reports whether the whole batch ran with every exit status zero.
func (r Result) OK() bool { return r.Kind == KindNone && r.Status == StatusOK }

// Aggregator reduces the outcome stream of one job into its Result. It is
// used by a single goroutine and produces the Result exactly once.
type Aggregator struct {
	total    int
	run      int
	reported map[string]string
	chain    *processor.ProcessorChain
	started  time.Time

	failIndex int
	failOut   *Outcome
	err       error
	finished  bool
}

// NewAggregator prepares an aggregator for a batch of total commands.
func NewAggregator(total int) *Aggregator {
	return &Aggregator{
		total:    total,
		reported: map[string]string{},
		chain:    processor.NewProcessorChain(),
		started:  time.Now().UTC(),
	}
}

// Record adds the outcome of the next dispatched command and reports
// whether the batch may continue.
func (a *Aggregator) Record(o Outcome) bool {
	if a.err != nil {
		return false
	}
	a.run++
	if o.ExitStatus != 0 {
		a.failIndex = a.run
		a.failOut = &o
		a.err = fmt.Errorf("%w: command %d of %d exited with status %d", ErrCommandFailed, a.run, a.total, o.ExitStatus)
		return false
	}
	maps.Copy(a.reported, a.chain.Reported(o.Stdout))
	return true
}

// Abort ends the job with err. inflight is the command that was dispatched
// when the failure happened, or empty if none was.
func (a *Aggregator) Abort(err error, inflight string) {
	if a.err != nil {
		return
	}
	if inflight != "" {
		a.run++
		a.failIndex = a.run
		a.failOut = &Outcome{Command: inflight}
	}
	a.err = err
}

// Err is the error that aborted the job, if any.
func (a *Aggregator) Err() error { return a.err }

// Finish produces the Result. Calling it twice is a programming error.
func (a *Aggregator) Finish() Result {
	if a.finished {
		panic("orchestrator: result already produced")
	}
	a.finished = true

	r := Result{
		CommandsRun:   a.run,
		CommandsTotal: a.total,
		StartedAt:     a.started,
		FinishedAt:    time.Now().UTC(),
	}
	if len(a.reported) > 0 {
		r.Reported = a.reported
	}
	if a.err == nil {
		r.Message = fmt.Sprintf("completed %d commands", a.run)
		return r
	}

	r.Kind = Classify(a.err)
	r.Status = r.Kind.Status()
	r.Message = a.err.Error()
	if a.failOut != nil {
		r.FailedIndex = a.failIndex
		r.FailedCommand = a.failOut.Command
		r.Stderr = a.failOut.Stderr
	}
	if r.Kind == KindCommand {
		r.ExitStatus = a.failOut.ExitStatus
		r.Status = a.failOut.ExitStatus
		if r.Status <= 0 {
			r.Status = 1
		}
	}
	return r
}

// ErrorResult is the Result of a job that failed before any command could
// be dispatched.
func ErrorResult(err error, total int) Result {
	a := NewAggregator(total)
	a.Abort(err, "")
	return a.Finish()
}
