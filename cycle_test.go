package reactor

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	// Keep test output quiet; individual tests assert through counters, not
	// log lines.
	SetLogHook(func(Level, string) {})
	os.Exit(m.Run())
}

// startCycle runs a cycle on its own goroutine and tears it down with the
// test.
func startCycle(t *testing.T) *Cycle {
	t.Helper()
	c, err := NewCycle(DefaultReactorType())
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		c.Exec()
		close(done)
	}()
	waitFor(t, c.Running, time.Second, "cycle did not start")
	t.Cleanup(func() {
		c.Exit()
		<-done
		require.NoError(t, c.Close())
	})
	return c
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunInCycleInline(t *testing.T) {
	c := startCycle(t)
	type result struct {
		inline bool
		tid    int64
	}
	ran := make(chan result, 1)
	c.RunInCycle(func() {
		// Queued from off-thread; the nested call is now on the cycle thread
		// and must run inline.
		inline := false
		c.RunInCycle(func() { inline = true })
		ran <- result{inline: inline, tid: int64(unix.Gettid())}
	})
	select {
	case r := <-ran:
		require.True(t, r.inline)
		require.Equal(t, c.tid.Load(), r.tid)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestQueueInCycleOrdering(t *testing.T) {
	c := startCycle(t)

	const n = 1000
	var mu sync.Mutex
	order := make([]int, 0, n)
	tids := make(map[int64]bool)
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		i := i
		c.QueueInCycle(func() {
			mu.Lock()
			order = append(order, i)
			tids[int64(unix.Gettid())] = true
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i, got := range order {
		require.Equal(t, i, got, "FIFO order broken at %d", i)
	}
	require.Len(t, tids, 1, "tasks ran on more than one thread")
}

func TestRunAfterFiresOnce(t *testing.T) {
	c := startCycle(t)
	var fired atomic.Int32
	id := c.RunAfter(func() { fired.Add(1) }, 20*time.Millisecond)
	require.NotZero(t, id)

	waitFor(t, func() bool { return fired.Load() == 1 }, time.Second, "timer did not fire")
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load(), "one-shot timer fired again")
}

func TestRunEveryCadenceAndCancel(t *testing.T) {
	c := startCycle(t)
	var fired atomic.Int32
	id := c.RunEvery(func() { fired.Add(1) }, 50*time.Millisecond)
	require.NotZero(t, id)

	time.Sleep(500 * time.Millisecond)
	c.Cancel(id)
	count := fired.Load()
	require.GreaterOrEqual(t, count, int32(7), "periodic timer fired too rarely")
	require.LessOrEqual(t, count, int32(12), "periodic timer fired too often")

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, count, fired.Load(), "cancelled timer kept firing")
}

func TestCancelFinishedTimerIsNoop(t *testing.T) {
	c := startCycle(t)
	var fired atomic.Int32
	id := c.RunAfter(func() { fired.Add(1) }, 5*time.Millisecond)
	waitFor(t, func() bool { return fired.Load() == 1 }, time.Second, "timer did not fire")
	c.Cancel(id) // already gone; must not blow up
}

func TestSchedulingOnStoppedCycle(t *testing.T) {
	c, err := NewCycle(DefaultReactorType())
	require.NoError(t, err)
	defer c.Close()
	require.Zero(t, c.RunAfter(func() {}, time.Millisecond))
	require.Zero(t, c.RunEvery(func() {}, time.Millisecond))
}

func TestTimerIDsAreUnique(t *testing.T) {
	c := startCycle(t)
	seen := make(map[uint64]bool)
	for i := 0; i < 200; i++ {
		id := c.RunAfter(func() {}, time.Hour)
		require.NotZero(t, id)
		require.False(t, seen[id], "event id %d reused", id)
		seen[id] = true
	}
}

func TestTimerFiringOrder(t *testing.T) {
	c := startCycle(t)
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	// Schedule out of order; firings must come back in deadline order.
	c.RunAfter(func() {
		mu.Lock()
		got = append(got, 3)
		mu.Unlock()
		close(done)
	}, 90*time.Millisecond)
	c.RunAfter(func() { mu.Lock(); got = append(got, 1); mu.Unlock() }, 30*time.Millisecond)
	c.RunAfter(func() { mu.Lock(); got = append(got, 2); mu.Unlock() }, 60*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestOneCyclePerThread(t *testing.T) {
	c1 := startCycle(t)
	c2, err := NewCycle(DefaultReactorType())
	require.NoError(t, err)
	defer c2.Close()

	var panicked atomic.Bool
	done := make(chan struct{})
	c1.RunInCycle(func() {
		defer func() {
			if recover() != nil {
				panicked.Store(true)
			}
			close(done)
		}()
		c2.Exec() // second cycle on a thread that already hosts one
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested exec did not return")
	}
	require.True(t, panicked.Load())
}

func TestFDEventDispatchAndPersist(t *testing.T) {
	c := startCycle(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	r, w := fds[0], fds[1]
	defer unix.Close(w)

	var fired atomic.Int32
	var lastTime atomic.Int64
	var sawRead atomic.Bool
	ev := NewEvent(r, func(ev *Event, revents EventFlag, ts int64) {
		if revents.Has(EventRead) {
			sawRead.Store(true)
		}
		var buf [8]byte
		_, _ = unix.Read(r, buf[:])
		lastTime.Store(ts)
		fired.Add(1)
	}, EventRead|EventPersist, 0)

	require.NoError(t, c.EventUpdate(ev))
	require.NotZero(t, ev.ID())

	_, err := unix.Write(w, []byte("a"))
	require.NoError(t, err)
	waitFor(t, func() bool { return fired.Load() == 1 }, time.Second, "event did not fire")
	require.True(t, sawRead.Load())
	require.Greater(t, lastTime.Load(), int64(0))

	// PERSIST keeps it armed.
	_, err = unix.Write(w, []byte("b"))
	require.NoError(t, err)
	waitFor(t, func() bool { return fired.Load() == 2 }, time.Second, "persistent event did not re-fire")

	require.NoError(t, c.EventRemove(ev))
	require.Zero(t, ev.ID())
	_, err = unix.Write(w, []byte("c"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), fired.Load(), "removed event still fired")
	unix.Close(r)
}

func TestOneShotFDEventAutoRemoves(t *testing.T) {
	c := startCycle(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	var fired atomic.Int32
	ev := NewEvent(r, func(ev *Event, _ EventFlag, _ int64) {
		var buf [8]byte
		_, _ = unix.Read(r, buf[:])
		fired.Add(1)
	}, EventRead, 0) // no PERSIST

	require.NoError(t, c.EventUpdate(ev))
	_, err := unix.Write(w, []byte("a"))
	require.NoError(t, err)
	waitFor(t, func() bool { return fired.Load() == 1 }, time.Second, "event did not fire")

	// Removed after exactly one firing.
	waitFor(t, func() bool { return ev.ID() == 0 }, time.Second, "one-shot event not removed")
	_, err = unix.Write(w, []byte("b"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}

func TestEventRemoveRejectsForeignEvent(t *testing.T) {
	c := startCycle(t)
	ev := NewEvent(-1, nil, 0, 0)
	err := c.EventRemove(ev)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeNotAttached))
}

func TestEventUpdateRejectsOtherCycle(t *testing.T) {
	c1 := startCycle(t)
	c2 := startCycle(t)

	id := c1.RunAfter(func() {}, time.Hour)
	require.NotZero(t, id)

	var ev *Event
	done := make(chan struct{})
	c1.RunInCycle(func() {
		ev = c1.events[id]
		close(done)
	})
	<-done
	require.NotNil(t, ev)

	err := c2.EventUpdate(ev)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeWrongCycle))
}

func TestExitFromCycleThread(t *testing.T) {
	c, err := NewCycle(DefaultReactorType())
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		c.Exec()
		close(done)
	}()
	waitFor(t, c.Running, time.Second, "cycle did not start")

	c.RunInCycle(func() { c.Exit() })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not exit")
	}
	require.False(t, c.Running())
	require.NoError(t, c.Close())
}

func TestObserverSignals(t *testing.T) {
	metrics := NewMetrics()
	c, err := NewCycle(DefaultReactorType(), WithObserver(NewMetricsObserver(metrics)))
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		c.Exec()
		close(done)
	}()
	waitFor(t, c.Running, time.Second, "cycle did not start")

	var fired atomic.Bool
	c.RunAfter(func() { fired.Store(true) }, 5*time.Millisecond)
	waitFor(t, fired.Load, time.Second, "timer did not fire")

	c.Exit()
	<-done
	require.NoError(t, c.Close())

	snap := metrics.Snapshot()
	require.Greater(t, snap.LoopIterations, uint64(0))
	require.Greater(t, snap.TimersFired, uint64(0))
	require.Greater(t, snap.TasksRun, uint64(0))
}
