package supervisor

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/history"
	"github.com/loykin/forgevisor/internal/monitor"
	"github.com/loykin/forgevisor/internal/process"
)

func sleeper(name string) process.Spec {
	return process.Spec{Name: name, Command: "sleep 30", Heartbeat: process.HeartbeatOutput}
}

func newSupervisor(t *testing.T, opts Options) (*Supervisor, context.Context) {
	t.Helper()
	if opts.StopGrace == 0 {
		opts.StopGrace = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := New(opts)
	t.Cleanup(func() {
		_ = s.StopAll()
		cancel()
		s.Wait()
	})
	return s, ctx
}

func waitEvent(t *testing.T, s *Supervisor, typ EventType) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-s.Events():
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", typ)
		}
	}
}

func statusOf(s *Supervisor, name string) ProcessStatus {
	for _, st := range s.Status() {
		if st.Name == name {
			return st
		}
	}
	return ProcessStatus{}
}

func TestStartInOrderAndStopAllLeavesNothing(t *testing.T) {
	s, ctx := newSupervisor(t, Options{StartGap: 20 * time.Millisecond})
	require.NoError(t, s.Start(ctx, []process.Spec{sleeper("config"), sleeper("login")}))
	require.Equal(t, []string{"config", "login"}, s.Names())

	var pids []int
	for _, st := range s.Status() {
		require.Equal(t, StateRunning, st.State)
		require.True(t, st.Running)
		require.NotZero(t, st.PID)
		pids = append(pids, st.PID)
	}
	require.Len(t, s.Targets(), 2)

	require.NoError(t, s.StopAll())
	for _, pid := range pids {
		require.False(t, process.PIDRunning(pid), "pid %d survived StopAll", pid)
	}
	for _, st := range s.Status() {
		require.Equal(t, StateStopped, st.State)
		require.False(t, st.Running)
	}
	require.Empty(t, s.Targets())
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *stopOrder) Send(_ context.Context, e history.Event) error {
	if e.Type == history.EventStop {
		o.mu.Lock()
		o.names = append(o.names, e.Subject)
		o.mu.Unlock()
	}
	return nil
}

func TestStopAllReverseStartOrder(t *testing.T) {
	order := &stopOrder{}
	rec := history.NewRecorder(time.Second, nil, order)
	t.Cleanup(func() { _ = rec.Close() })
	s, ctx := newSupervisor(t, Options{History: rec})
	require.NoError(t, s.Start(ctx, []process.Spec{sleeper("config"), sleeper("login"), sleeper("gateway")}))

	require.NoError(t, s.Stop())
	require.NoError(t, rec.Flush(ctx))
	order.mu.Lock()
	defer order.mu.Unlock()
	require.Equal(t, []string{"gateway", "login", "config"}, order.names)
}

func TestStartStopsStartedOnLaunchFailure(t *testing.T) {
	s, ctx := newSupervisor(t, Options{})
	bad := process.Spec{Name: "broken", Command: "/nonexistent/forgevisor-server"}
	err := s.Start(ctx, []process.Spec{sleeper("first"), bad})
	require.Error(t, err)
	require.Equal(t, failure.LaunchFailure, failure.KindOf(err))

	st := statusOf(s, "first")
	require.Equal(t, StateStopped, st.State)
}

func TestStopNamedLeavesOthersRunning(t *testing.T) {
	s, ctx := newSupervisor(t, Options{})
	require.NoError(t, s.Start(ctx, []process.Spec{sleeper("a"), sleeper("b")}))
	pid := statusOf(s, "a").PID

	require.NoError(t, s.Stop("a"))
	require.False(t, process.PIDRunning(pid))
	require.Equal(t, StateRunning, statusOf(s, "b").State)
	require.Error(t, s.Stop("missing"))
	// stopping twice is harmless
	require.NoError(t, s.Stop("a"))
}

func TestCrashLoopExhaustsRestartBudget(t *testing.T) {
	s, ctx := newSupervisor(t, Options{Policy: RestartPolicy{Limit: 2, Window: time.Minute}})
	spec := process.Spec{Name: "crashy", Command: "sleep 0.1; exit 3"}
	require.NoError(t, s.Start(ctx, []process.Spec{spec}))

	e := waitEvent(t, s, EventFailed)
	require.Equal(t, "crashy", e.Name)
	require.Equal(t, failure.RestartBudgetExceeded, failure.KindOf(e.Err))

	st := statusOf(s, "crashy")
	require.Equal(t, StateFailed, st.State)
	require.False(t, st.Running)
	require.Zero(t, st.PID)
	require.Equal(t, 2, st.Restarts)
	require.Contains(t, st.Error, "restartBudgetExceeded")
}

func TestUnresponsiveProcessRestartedOnce(t *testing.T) {
	s, ctx := newSupervisor(t, Options{Policy: RestartPolicy{Limit: 3, Window: time.Minute}})
	require.NoError(t, s.Start(ctx, []process.Spec{sleeper("silent")}))
	old := statusOf(s, "silent")
	require.Equal(t, 0, old.Restarts)

	s.Observe(monitor.Sample{Time: time.Now(), Processes: []monitor.ProcessSample{
		{Name: "silent", PID: old.PID, Alive: true, Unresponsive: true},
	}})
	e := waitEvent(t, s, EventRestarted)
	require.Equal(t, "unresponsive", e.Reason)

	st := statusOf(s, "silent")
	require.Equal(t, 1, st.Restarts)
	require.Equal(t, StateRunning, st.State)
	require.NotEqual(t, old.PID, st.PID)
	require.False(t, process.PIDRunning(old.PID))
}

func TestStaleSampleIgnored(t *testing.T) {
	s, ctx := newSupervisor(t, Options{Policy: RestartPolicy{Limit: 3, Window: time.Minute}})
	require.NoError(t, s.Start(ctx, []process.Spec{sleeper("p")}))
	pid := statusOf(s, "p").PID

	s.Observe(monitor.Sample{Processes: []monitor.ProcessSample{{Name: "p", PID: pid + 100000, Unresponsive: true, Alive: true}}})
	time.Sleep(100 * time.Millisecond)
	st := statusOf(s, "p")
	require.Equal(t, pid, st.PID)
	require.Equal(t, 0, st.Restarts)
}

func TestExhaustionSuspendsRestartsUntilCleared(t *testing.T) {
	s, ctx := newSupervisor(t, Options{Policy: RestartPolicy{Limit: 3, Window: time.Minute}})
	require.NoError(t, s.Start(ctx, []process.Spec{sleeper("game")}))
	pid := statusOf(s, "game").PID

	exhausted := failure.New(failure.ResourceExhausted, "host", fmt.Errorf("host memory 97%% above ceiling 95%%"))
	s.Observe(monitor.Sample{HostMemoryPercent: 97, Exhausted: exhausted})
	s.Observe(monitor.Sample{HostMemoryPercent: 98, Exhausted: exhausted})
	waitEvent(t, s, EventExhausted)

	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))
	waitEvent(t, s, EventExited)
	require.Eventually(t, func() bool { return statusOf(s, "game").State == StateWaiting }, 5*time.Second, 10*time.Millisecond)

	// exhaustion is surfaced once per episode
	select {
	case e := <-s.Events():
		require.NotEqual(t, EventExhausted, e.Type)
		require.NotEqual(t, EventRestarted, e.Type)
	case <-time.After(200 * time.Millisecond):
	}
	require.Equal(t, 0, statusOf(s, "game").Restarts)

	s.Observe(monitor.Sample{HostMemoryPercent: 50})
	waitEvent(t, s, EventCleared)
	e := waitEvent(t, s, EventRestarted)
	require.Equal(t, "exit", e.Reason)
	st := statusOf(s, "game")
	require.Equal(t, StateRunning, st.State)
	require.Equal(t, 1, st.Restarts)
}

func TestWatchConsumesMonitorSamples(t *testing.T) {
	s, ctx := newSupervisor(t, Options{})
	require.NoError(t, s.Start(ctx, []process.Spec{sleeper("w")}))

	m := monitor.New(monitor.Config{Interval: 20 * time.Millisecond}, s.Targets, nil, nil)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.Run(wctx)
	go s.Watch(wctx, m.Samples())

	require.Eventually(t, func() bool {
		st := statusOf(s, "w")
		return st.LastSeen.After(st.StartedAt)
	}, 5*time.Second, 20*time.Millisecond)
}
