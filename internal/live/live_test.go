package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/worker"
)

const (
	eventually = 2 * time.Second
	tick       = 2 * time.Millisecond
)

func newScheduler(t *testing.T) *worker.Scheduler {
	t.Helper()
	s := worker.NewScheduler(worker.WithPoolSize(4), worker.WithRepeatInterval(time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func mustParam(t *testing.T, inst instrument.Instrument, name string) param.Handle {
	t.Helper()
	h, err := inst.Parameter(name)
	require.NoError(t, err)
	return h
}

func stopAndWait(t *testing.T, m *Monitor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.StopAndWait(ctx))
}

func latestValue(m *Monitor) float64 {
	r, _ := m.Latest()
	return r.Value
}

func TestMonitor_PollsAndHonoursDividers(t *testing.T) {
	sched := newScheduler(t)
	dividers := param.NewDividers()
	dev := instrument.NewDummy("dev")
	dac1 := mustParam(t, dev, "dac1")
	require.NoError(t, dev.Poke("dac1", 8))

	var seen atomic.Int32
	m := NewMonitor(sched, dividers, OnReading(func(r Reading) {
		if r.FullName == "dev_dac1" {
			seen.Add(1)
		}
	}))
	require.NoError(t, m.Start(dac1))
	defer stopAndWait(t, m)

	require.Eventually(t, func() bool { return latestValue(m) == 8 }, eventually, tick)

	_, err := dividers.Attach(dac1, 4)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return latestValue(m) == 2 }, eventually, tick)

	r, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, "dev_dac1", r.FullName)
	assert.Equal(t, "2", r.Display)
	assert.Greater(t, seen.Load(), int32(0))
}

func TestMonitor_SameHandleIsNoop(t *testing.T) {
	sched := newScheduler(t)
	dev := instrument.NewDummy("dev")
	dac1 := mustParam(t, dev, "dac1")

	m := NewMonitor(sched, nil)
	require.NoError(t, m.Start(dac1))
	defer stopAndWait(t, m)
	first := m.w

	require.NoError(t, m.Start(dac1))
	assert.Same(t, first, m.w)
	assert.Len(t, sched.Active(), 1)
}

func TestMonitor_RestartOnDifferentHandle(t *testing.T) {
	sched := newScheduler(t)
	dev := instrument.NewDummy("dev")
	dac1 := mustParam(t, dev, "dac1")
	dac2 := mustParam(t, dev, "dac2")
	require.NoError(t, dev.Poke("dac2", -3))

	m := NewMonitor(sched, nil)
	require.NoError(t, m.Start(dac1))
	first := m.w

	require.NoError(t, m.Start(dac2))
	defer stopAndWait(t, m)
	assert.True(t, first.Cancelled())

	name, ok := m.Tracked()
	require.True(t, ok)
	assert.Equal(t, "dev_dac2", name)
	require.Eventually(t, func() bool {
		r, ok := m.Latest()
		return ok && r.FullName == "dev_dac2" && r.Value == -3
	}, eventually, tick)
}

func TestMonitor_TrackedParameterIsReadOnly(t *testing.T) {
	sched := newScheduler(t)
	dev := instrument.NewDummy("dev")
	dac1 := mustParam(t, dev, "dac1")

	m := NewMonitor(sched, nil)
	assert.True(t, m.Editable("dev_dac1"))

	require.NoError(t, m.Start(dac1))
	assert.True(t, m.Running())
	assert.False(t, m.Editable("dev_dac1"))
	assert.True(t, m.Editable("dev_dac2"))

	stopAndWait(t, m)
	assert.False(t, m.Running())
	assert.True(t, m.Editable("dev_dac1"))

	polls := m.Polls()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, polls, m.Polls(), "no poll after stop")
}

func TestMonitor_RejectsUnreadable(t *testing.T) {
	sched := newScheduler(t)
	dev := instrument.NewDummy("dev")
	require.NoError(t, dev.AddParameter("out", instrument.WriteOnly, instrument.Range{}, 0))

	m := NewMonitor(sched, nil)
	err := m.Start(mustParam(t, dev, "out"))
	assert.ErrorIs(t, err, param.ErrNotGettable)
	assert.False(t, m.Running())
}

type flakyParam struct {
	mu    sync.Mutex
	calls int
}

func (p *flakyParam) FullName() string { return "dev_flaky" }

func (p *flakyParam) Get() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= 2 {
		return 0, errors.New("bus timeout")
	}
	return float64(p.calls), nil
}

func TestMonitor_ErrorsDoNotStopPolling(t *testing.T) {
	sched := newScheduler(t)
	p := &flakyParam{}

	m := NewMonitor(sched, nil)
	require.NoError(t, m.Start(p))
	defer stopAndWait(t, m)

	require.Eventually(t, func() bool {
		r, ok := m.Latest()
		return ok && r.Error == "" && r.Value >= 3
	}, eventually, tick)
}

func TestBoard(t *testing.T) {
	sched := newScheduler(t)
	dividers := param.NewDividers()
	dev := instrument.NewDummy("dev")
	require.NoError(t, dev.AddParameter("out", instrument.WriteOnly, instrument.Range{}, 0))
	require.NoError(t, dev.Poke("dac3", 7))

	b := NewBoard(sched, dividers)
	n, err := b.WatchInstrument(dev)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"dev_dac1", "dev_dac2", "dev_dac3"}, b.Watching())

	_, err = b.Watch(mustParam(t, dev, "dac1"))
	require.NoError(t, err)
	assert.Len(t, sched.Active(), 3)

	assert.False(t, b.Editable("dev_dac3"))
	assert.True(t, b.Editable("dev_out"))

	require.Eventually(t, func() bool { return len(b.Readings()) == 3 }, eventually, tick)
	readings := b.Readings()
	assert.Equal(t, "dev_dac3", readings[2].FullName)
	assert.Equal(t, 7.0, readings[2].Value)

	b.Unwatch("dev_dac2")
	assert.Equal(t, []string{"dev_dac1", "dev_dac3"}, b.Watching())

	b.StopAll()
	assert.Empty(t, b.Watching())
	require.Eventually(t, func() bool { return b.Editable("dev_dac3") }, eventually, tick)
	require.Eventually(t, func() bool { return len(sched.Active()) == 0 }, eventually, tick)
	assert.Len(t, b.Readings(), 2, "stopped monitors keep their last reading")
}

func TestMonitorAlongsideSweep(t *testing.T) {
	sched := newScheduler(t)
	dividers := param.NewDividers()
	dev := instrument.NewDummy("dev")
	require.NoError(t, dev.Poke("dac3", 1.5))

	m := NewMonitor(sched, dividers)
	require.NoError(t, m.Start(mustParam(t, dev, "dac3")))
	defer stopAndWait(t, m)

	runner := sweep.NewRunner(sched, dividers, nil)
	def := sweep.New(mustParam(t, dev, "dac1"), -10, 10, 21, 0, sweep.Read{Param: mustParam(t, dev, "dac2")})
	run, err := runner.Run(def, "alongside")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))

	v, err := dev.Peek("dac1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)
	require.Eventually(t, func() bool { return latestValue(m) == 1.5 }, eventually, tick)
}

func TestBoard_SweepRunsWhilePoolIsFullOfMonitors(t *testing.T) {
	sched := worker.NewScheduler(worker.WithPoolSize(4), worker.WithRepeatInterval(10*time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})
	dividers := param.NewDividers()
	watched := instrument.NewDummy("watched", "dac1", "dac2", "dac3", "dac4")
	src := instrument.NewDummy("src")

	b := NewBoard(sched, dividers)
	n, err := b.WatchInstrument(watched)
	require.NoError(t, err)
	require.Equal(t, sched.PoolSize(), n)
	defer b.StopAll()

	runner := sweep.NewRunner(sched, dividers, nil)
	run, err := runner.Run(sweep.New(mustParam(t, src, "dac1"), 0, 3, 4, 0), "busy pool")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))
	assert.Equal(t, sweep.StatusComplete, runner.State().Status)

	v, err := src.Peek("dac1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
	assert.Len(t, b.Watching(), 4)
}

// gatedParam blocks every Get until a value arrives on release.
type gatedParam struct {
	entered chan struct{}
	release chan float64
}

func (p *gatedParam) FullName() string { return "dev_gated" }

func (p *gatedParam) Get() (float64, error) {
	p.entered <- struct{}{}
	return <-p.release, nil
}

func TestMonitor_ReadOnlyUntilLastPollFinishes(t *testing.T) {
	sched := newScheduler(t)
	p := &gatedParam{entered: make(chan struct{}, 1), release: make(chan float64)}

	m := NewMonitor(sched, nil)
	require.NoError(t, m.Start(p))
	<-p.entered

	m.Stop()
	assert.False(t, m.Running())
	assert.False(t, m.Editable("dev_gated"), "a poll is still in flight")

	p.release <- 2.5
	require.Eventually(t, func() bool { return m.Editable("dev_gated") }, eventually, tick)
	assert.Equal(t, 2.5, latestValue(m))
}
