// Package reactor is a reactor-based network I/O runtime: a single-threaded
// event cycle multiplexing kernel readiness notifications, dispatching them
// to registered events, driving per-session byte streams through segmented
// buffers and coordinating work across a pool of such cycles.
//
// The building blocks, bottom up:
//
//   - Cycle: a single-threaded event loop owning a readiness-polling backend,
//     a timer queue and a cross-thread task queue.
//   - Event: a handle binding a file descriptor (or timer, or notifier) to a
//     callback, owned by exactly one Cycle.
//   - Session: the read/write state machine over a connected TCP socket.
//   - Acceptor, Serve, Client: listening endpoints, worker distribution and
//     outbound connections.
//
// A typical echo server:
//
//	cycle, _ := reactor.NewCycle(reactor.DefaultReactorType())
//	serve := reactor.NewServe(cycle, "echo")
//	serve.SetNewSession(func(s *reactor.Session, ts int64, a *reactor.Acceptor) {
//		s.SetReadCallback(func(s *reactor.Session, in *buffer.Buffer, ts int64) {
//			s.Append(in)
//		})
//	})
//	// AddAcceptor blocks until the accept cycle runs, so call it from
//	// another goroutine than the one that runs Exec.
//	go serve.AddAcceptor(reactor.NewAcceptor(unix.AF_INET, 7, false))
//	serve.Exec(4)
package reactor
