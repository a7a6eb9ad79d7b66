package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/remexec/internal/settings"
	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/andrej220/remexec/pkg/lg"
)

type collector struct {
	mu   sync.Mutex
	reqs []jobspec.Request
	err  error
}

func (c *collector) Submit(_ context.Context, req jobspec.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return c.err
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func nightly() []settings.Schedule {
	return []settings.Schedule{
		{Name: "ls8", Spec: "0 30 2 * * *", Job: jobspec.Descriptor{Product: "ls8_nbar", Fields: map[string]string{"project": "v10"}}},
		{Name: "wofs", Spec: "@daily", Job: jobspec.Descriptor{Product: "wofs_albers"}},
	}
}

func TestSetAndFire(t *testing.T) {
	c := &collector{}
	s := New(c, lg.Discard)
	require.NoError(t, s.Set(nightly()))

	names := s.Names()
	sort.Strings(names)
	assert.Equal(t, []string{"ls8", "wofs"}, names)

	entries := s.cron.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		e.Job.Run()
	}
	entries[0].Job.Run()

	require.Equal(t, 3, c.count())
	ids := map[string]bool{}
	for _, r := range c.reqs {
		ids[r.JobID.String()] = true
	}
	assert.Len(t, ids, 3, "every firing gets a fresh job id")
}

func TestFiringDoesNotShareDescriptor(t *testing.T) {
	c := &collector{}
	s := New(c, lg.Discard)
	sched := nightly()[:1]
	require.NoError(t, s.Set(sched))

	sched[0].Job.Fields["project"] = "changed"
	s.cron.Entries()[0].Job.Run()

	require.Equal(t, 1, c.count())
	assert.Equal(t, "v10", c.reqs[0].Job.Field("project"))
	c.reqs[0].Job.Fields["project"] = "mutated"
	s.cron.Entries()[0].Job.Run()
	assert.Equal(t, "v10", c.reqs[1].Job.Field("project"))
}

func TestSetReplacesAndRejectsBadSpecs(t *testing.T) {
	s := New(&collector{}, lg.Discard)
	require.NoError(t, s.Set(nightly()))

	err := s.Set([]settings.Schedule{{Name: "bad", Spec: "every tuesday"}})
	assert.Error(t, err)
	assert.Len(t, s.Names(), 2, "old schedules survive a bad update")

	require.NoError(t, s.Set(nightly()[1:]))
	assert.Equal(t, []string{"wofs"}, s.Names())
	assert.Len(t, s.cron.Entries(), 1)
}

func TestSubmitErrorIsLogged(t *testing.T) {
	c := &collector{err: errors.New("queue full")}
	s := New(c, lg.Discard)
	require.NoError(t, s.Set(nightly()[:1]))
	assert.NotPanics(t, func() { s.cron.Entries()[0].Job.Run() })
}

func TestStartStops(t *testing.T) {
	s := New(&collector{}, lg.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestParserAcceptsFiveAndSixFields(t *testing.T) {
	for _, spec := range []string{"30 2 * * *", "0 30 2 * * *", "@hourly", "@every 5m"} {
		_, err := Parser.Parse(spec)
		assert.NoError(t, err, spec)
	}
}
