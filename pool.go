package reactor

import "fmt"

// poolItem is one worker: a dedicated OS thread running a cycle, plus the
// table of sessions living on that cycle. The table is touched only on the
// worker's own cycle thread.
type poolItem struct {
	cycle    *Cycle
	sessions map[int]*Session
	done     chan struct{}
}

// ioPool is a fixed set of worker cycles across which accepted sessions are
// distributed round-robin.
type ioPool struct {
	name    string
	running bool
	last    uint64
	items   []*poolItem
}

func newIOPool(name string) *ioPool {
	return &ioPool{name: name}
}

// start spawns count worker threads, each constructing its cycle and running
// Exec. It returns once every worker has constructed its cycle; a worker's
// Exec may not have started yet.
func (p *ioPool) start(t ReactorType, count int, opts ...CycleOption) bool {
	if count <= 0 || p.running {
		return false
	}

	tracef("io pool[%s]: starting %d workers", p.name, count)
	p.items = make([]*poolItem, count)
	for i := 0; i < count; i++ {
		item := &poolItem{
			sessions: make(map[int]*Session),
			done:     make(chan struct{}),
		}
		p.items[i] = item

		ready := make(chan error, 1)
		go func(idx int) {
			defer close(item.done)
			cycle, err := NewCycle(t, opts...)
			if err != nil {
				errorf("io pool[%s]: worker %d cannot create cycle: %v", p.name, idx, err)
				ready <- err
				return
			}
			item.cycle = cycle
			ready <- nil
			cycle.Exec()
			_ = cycle.Close()
		}(i)

		if err := <-ready; err != nil {
			p.stopStarted(i)
			return false
		}
	}

	p.running = true
	return true
}

// stop posts a teardown task onto every worker that force-closes its
// sessions and exits the cycle, then joins every thread.
func (p *ioPool) stop() {
	if !p.running {
		return
	}
	tracef("io pool[%s]: stopping", p.name)
	p.stopStarted(len(p.items))
	p.running = false
	p.items = nil
}

func (p *ioPool) stopStarted(n int) {
	for i := 0; i < n; i++ {
		item := p.items[i]
		if item.cycle == nil {
			continue
		}
		item.cycle.RunInCycle(func() {
			doomed := make([]*Session, 0, len(item.sessions))
			for _, s := range item.sessions {
				doomed = append(doomed, s)
			}
			for _, s := range doomed {
				if err := s.ForceClose(); err != nil {
					tracef("io pool[%s]: %v", p.name, err)
				}
			}
			item.sessions = make(map[int]*Session)
			item.cycle.Exit()
		})
	}
	for i := 0; i < n; i++ {
		<-p.items[i].done
	}
}

// getNext returns workers round-robin; nil when the pool is not running.
func (p *ioPool) getNext() *poolItem {
	if !p.running {
		return nil
	}
	item := p.items[p.last%uint64(len(p.items))]
	p.last++
	return item
}

// getByHash pins a hash code to a fixed worker, for affinity scenarios.
func (p *ioPool) getByHash(hash uint64) *poolItem {
	if !p.running {
		return nil
	}
	return p.items[hash%uint64(len(p.items))]
}

func (p *ioPool) String() string {
	return fmt.Sprintf("io pool[%s, %d workers]", p.name, len(p.items))
}
