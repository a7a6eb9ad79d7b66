package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/remexec/internal/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSession records every dispatch and answers from a script.
type countingSession struct {
	mu       sync.Mutex
	commands []string
	inFlight int
	maxIn    int
	closed   int
	// exit returns the exit status for the 1-based command number.
	exit   func(n int) int
	stdout func(n int) string
	err    func(ctx context.Context, n int) error
}

func (s *countingSession) Run(ctx context.Context, command string) (Outcome, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	n := len(s.commands)
	s.inFlight++
	if s.inFlight > s.maxIn {
		s.maxIn = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.err != nil {
		if err := s.err(ctx, n); err != nil {
			return Outcome{}, err
		}
	}
	out := Outcome{}
	if s.exit != nil {
		out.ExitStatus = s.exit(n)
	}
	if s.stdout != nil {
		out.Stdout = s.stdout(n)
	}
	if out.ExitStatus != 0 {
		out.Stderr = fmt.Sprintf("command %d broke", n)
	}
	return out, nil
}

func (s *countingSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *countingSession) dispatched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

type fakeConnector struct {
	sess     *countingSession
	err      error
	connects int
}

func (c *fakeConnector) Connect(context.Context) (Session, error) {
	c.connects++
	if c.err != nil {
		return nil, c.err
	}
	return c.sess, nil
}

func commands(n int) batch.Batch {
	b := batch.Batch{Product: "ls8_nbar", Strategy: batch.StrategySceneSync}
	for i := 1; i <= n; i++ {
		b.Commands = append(b.Commands, fmt.Sprintf("echo %d", i))
	}
	return b
}

func TestAllSucceedReportsOnce(t *testing.T) {
	sess := &countingSession{}
	conn := &fakeConnector{sess: sess}

	res := New(conn, Config{}).Run(context.Background(), commands(5))

	assert.True(t, res.OK())
	assert.Equal(t, 0, res.Status)
	assert.Equal(t, 5, res.CommandsRun)
	assert.Equal(t, 5, res.CommandsTotal)
	assert.Equal(t, "ls8_nbar", res.Product)
	assert.Equal(t, 5, sess.dispatched())
	assert.Equal(t, 1, sess.maxIn, "commands must never overlap")
	assert.Equal(t, 1, sess.closed)
	assert.Equal(t, 1, conn.connects)
}

func TestFailureAtKStopsBatch(t *testing.T) {
	const n = 6
	for k := 1; k <= n; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			sess := &countingSession{exit: func(i int) int {
				if i == k {
					return 3
				}
				return 0
			}}

			res := New(&fakeConnector{sess: sess}, Config{}).Run(context.Background(), commands(n))

			assert.False(t, res.OK())
			assert.Equal(t, KindCommand, res.Kind)
			assert.Equal(t, 3, res.Status)
			assert.Equal(t, 3, res.ExitStatus)
			assert.Equal(t, k, res.FailedIndex)
			assert.Equal(t, fmt.Sprintf("echo %d", k), res.FailedCommand)
			assert.Equal(t, fmt.Sprintf("command %d broke", k), res.Stderr)
			assert.Equal(t, k, res.CommandsRun)
			assert.Equal(t, k, sess.dispatched(), "commands after the failing one must not be dispatched")
			assert.Equal(t, 1, sess.closed)
		})
	}
}

func TestConnectionFailure(t *testing.T) {
	conn := &fakeConnector{err: errors.New("dial tcp: connection refused")}

	res := New(conn, Config{}).Run(context.Background(), commands(3))

	assert.Equal(t, KindConnection, res.Kind)
	assert.Equal(t, StatusRemote, res.Status)
	assert.Equal(t, 0, res.CommandsRun)
	assert.Equal(t, 3, res.CommandsTotal)
	assert.Contains(t, res.Message, "connection refused")
	assert.Equal(t, 1, conn.connects, "no retry inside the orchestrator")
}

func TestCredentialErrorKeepsKind(t *testing.T) {
	conn := &fakeConnector{err: fmt.Errorf("%w: private key missing", ErrCredential)}

	res := New(conn, Config{}).Run(context.Background(), commands(1))
	assert.Equal(t, KindCredential, res.Kind)
	assert.Equal(t, StatusRemote, res.Status)
}

func TestEmptyBatchNeverConnects(t *testing.T) {
	conn := &fakeConnector{sess: &countingSession{}}

	res := New(conn, Config{}).Run(context.Background(), batch.Batch{Product: "ls8_nbar"})

	assert.True(t, res.OK())
	assert.Equal(t, 0, res.CommandsRun)
	assert.Equal(t, 0, conn.connects)
}

func TestTransportFailureIsDispatchKind(t *testing.T) {
	sess := &countingSession{err: func(_ context.Context, n int) error {
		if n == 2 {
			return errors.New("channel closed")
		}
		return nil
	}}

	res := New(&fakeConnector{sess: sess}, Config{}).Run(context.Background(), commands(4))

	assert.Equal(t, KindDispatch, res.Kind)
	assert.Equal(t, StatusRemote, res.Status)
	assert.Equal(t, 2, res.CommandsRun)
	assert.Equal(t, 2, res.FailedIndex)
	assert.Equal(t, "echo 2", res.FailedCommand)
	assert.Equal(t, 2, sess.dispatched())
}

func TestCancelDuringCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &countingSession{err: func(ctx context.Context, n int) error {
		if n == 2 {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}

	res := New(&fakeConnector{sess: sess}, Config{}).Run(ctx, commands(4))

	assert.Equal(t, KindCanceled, res.Kind)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Equal(t, 2, res.CommandsRun)
	assert.Equal(t, 2, sess.dispatched())
	assert.Equal(t, 1, sess.closed)
}

func TestCancelDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &countingSession{stdout: func(n int) string {
		if n == 1 {
			cancel()
		}
		return ""
	}}

	res := New(&fakeConnector{sess: sess}, Config{CommandDelay: time.Hour}).Run(ctx, commands(3))

	assert.Equal(t, KindCanceled, res.Kind)
	assert.Equal(t, 1, res.CommandsRun)
	assert.Equal(t, 0, res.FailedIndex)
	assert.Equal(t, 1, sess.dispatched())
}

func TestCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn := &fakeConnector{sess: &countingSession{}}

	res := New(conn, Config{}).Run(ctx, commands(2))
	assert.Equal(t, KindCanceled, res.Kind)
	assert.Equal(t, 0, conn.connects)
}

func TestDelayBetweenCommands(t *testing.T) {
	sess := &countingSession{}
	start := time.Now()

	res := New(&fakeConnector{sess: sess}, Config{CommandDelay: 20 * time.Millisecond}).Run(context.Background(), commands(3))

	require.True(t, res.OK())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestStateTransitions(t *testing.T) {
	type step struct {
		to    State
		index int
	}
	var got []step
	cfg := Config{OnTransition: func(_, to State, index int) { got = append(got, step{to, index}) }}
	sess := &countingSession{exit: func(n int) int {
		if n == 2 {
			return 1
		}
		return 0
	}}

	New(&fakeConnector{sess: sess}, cfg).Run(context.Background(), commands(3))

	assert.Equal(t, []step{
		{StateSessionOpen, -1},
		{StateRunning, 0},
		{StateRunning, 1},
		{StateAborted, 1},
	}, got)
}

func TestReportedValuesFromStdout(t *testing.T) {
	sess := &countingSession{stdout: func(n int) string {
		return fmt.Sprintf("submitting\npbs_job_name=job%d\nlog_path=/tmp/%d.log\n", n, n)
	}}

	res := New(&fakeConnector{sess: sess}, Config{}).Run(context.Background(), commands(2))

	require.True(t, res.OK())
	assert.Equal(t, map[string]string{"pbs_job_name": "job2", "log_path": "/tmp/2.log"}, res.Reported)
}
