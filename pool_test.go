package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIOPoolRoundRobinAndHash(t *testing.T) {
	p := newIOPool("test-pool")
	require.Nil(t, p.getNext(), "pool must hand out nothing before start")
	require.False(t, p.start(DefaultReactorType(), 0), "zero workers must be rejected")

	require.True(t, p.start(DefaultReactorType(), 3))
	defer p.stop()
	require.False(t, p.start(DefaultReactorType(), 3), "double start must be rejected")

	first := p.getNext()
	second := p.getNext()
	third := p.getNext()
	fourth := p.getNext()
	require.NotNil(t, first)
	require.NotSame(t, first, second)
	require.NotSame(t, second, third)
	require.Same(t, first, fourth, "round robin must wrap")

	// Hash selection is stable.
	require.Same(t, p.getByHash(42), p.getByHash(42))
	require.Same(t, p.items[42%3], p.getByHash(42))

	for _, item := range p.items {
		waitFor(t, item.cycle.Running, time.Second, "worker cycle did not start")
	}
}

func TestIOPoolStopJoinsWorkers(t *testing.T) {
	p := newIOPool("stop-pool")
	require.True(t, p.start(DefaultReactorType(), 2))

	cycles := []*Cycle{p.items[0].cycle, p.items[1].cycle}
	done := make(chan struct{})
	go func() {
		p.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool stop did not join workers")
	}
	for _, c := range cycles {
		require.False(t, c.Running())
	}
	require.Nil(t, p.getNext())
}
