// echoserve is the demo binary: a TCP echo server on the reactor runtime,
// plus a small client mode for poking at it.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	reactor "github.com/behrlich/go-reactor"
	"github.com/behrlich/go-reactor/buffer"
	"github.com/behrlich/go-reactor/prom"
)

var (
	verbose bool
	logger  zerolog.Logger
)

func main() {
	root := &cobra.Command{
		Use:   "echoserve",
		Short: "TCP echo server and client on the reactor runtime",
		PersistentPreRun: func(*cobra.Command, []string) {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.TraceLevel
			}
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).With().Timestamp().Logger()

			reactor.SetLogHook(func(l reactor.Level, msg string) {
				if l == reactor.LevelTrace {
					logger.Trace().Msg(msg)
				} else {
					logger.Error().Msg(msg)
				}
			})
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable trace logging")
	root.AddCommand(serveCmd(), connectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		port        uint16
		threads     int
		reusePort   bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		RunE: func(*cobra.Command, []string) error {
			collector := prom.NewCollector("echoserve")
			if metricsAddr != "" {
				registry := prometheus.NewRegistry()
				registry.MustRegister(collector)
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Error().Err(err).Msg("metrics listener failed")
					}
				}()
				logger.Info().Str("addr", metricsAddr).Msg("serving metrics")
			}

			cycle, err := reactor.NewCycle(reactor.DefaultReactorType(), reactor.WithObserver(collector))
			if err != nil {
				return err
			}
			defer cycle.Close()

			serve := reactor.NewServe(cycle, "echo")
			serve.SetNewSession(func(s *reactor.Session, _ int64, _ *reactor.Acceptor) {
				logger.Info().Str("session", s.Name()).Str("peer", s.PeerAddress().String()).Msg("session up")
				s.SetConnectCallback(func(s *reactor.Session, what reactor.SessionEvent) {
					if what == reactor.SessionClosed {
						logger.Info().Str("session", s.Name()).Msg("session down")
					}
				})
				s.SetReadCallback(func(s *reactor.Session, in *buffer.Buffer, _ int64) {
					s.Append(in)
				})
				s.SetWriteCallback(func(*reactor.Session) {})
				s.SetHighWaterCallback(func(s *reactor.Session) {
					logger.Warn().Str("session", s.Name()).Msg("outbound buffer over high-water mark")
				})
			})

			acceptor := reactor.NewAcceptor(unix.AF_INET, port, reusePort)
			go func() {
				if !serve.AddAcceptor(acceptor) {
					logger.Error().Uint16("port", port).Msg("cannot listen")
					serve.Exit()
				}
			}()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				logger.Info().Msg("shutting down")
				serve.Exit()
			}()

			logger.Info().Uint16("port", port).Int("threads", threads).Msg("echo server starting")
			return serve.Exec(threads)
		},
	}
	cmd.Flags().Uint16Var(&port, "port", 7000, "listening port")
	cmd.Flags().IntVar(&threads, "threads", 4, "worker cycle count")
	cmd.Flags().BoolVar(&reusePort, "reuse-port", false, "set SO_REUSEPORT on the listener")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address to serve prometheus metrics on (empty disables)")
	return cmd
}

func connectCmd() *cobra.Command {
	var (
		host    string
		port    uint16
		message string
		count   int
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to an echo server and exchange messages",
		RunE: func(*cobra.Command, []string) error {
			addr, err := reactor.NewHostAddress(host, port)
			if err != nil {
				return err
			}

			cycle, err := reactor.NewCycle(reactor.DefaultReactorType())
			if err != nil {
				return err
			}
			defer cycle.Close()

			client := reactor.NewClient(cycle, "echo-client")
			sent := 0
			client.SetConnectCallback(func(s *reactor.Session, _ reactor.SessionEvent) {
				logger.Info().Str("peer", s.PeerAddress().String()).Msg("connected")
				s.SetReadCallback(func(s *reactor.Session, in *buffer.Buffer, _ int64) {
					line := make([]byte, in.Len())
					in.Remove(line)
					fmt.Printf("<- %s", line)
					if sent < count {
						sent++
						s.Send([]byte(message + "\n"))
					} else {
						_ = s.Shutdown()
					}
				})
				s.SetConnectCallback(func(s *reactor.Session, what reactor.SessionEvent) {
					switch what {
					case reactor.SessionConnected:
						sent++
						s.Send([]byte(message + "\n"))
					case reactor.SessionClosed:
						logger.Info().Msg("disconnected")
						cycle.Exit()
					case reactor.SessionError:
						logger.Error().Msg("session error")
						cycle.Exit()
					}
				})
			})

			go client.ConnectTo(addr, true, 3, 500*time.Millisecond)

			cycle.Exec()
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().Uint16Var(&port, "port", 7000, "server port")
	cmd.Flags().StringVar(&message, "message", "hello", "message to send")
	cmd.Flags().IntVar(&count, "count", 3, "number of round-trips")
	return cmd
}
