package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Zereker/socket/v2"
	"github.com/Zereker/socket/v2/buffer"
)

// lobby tracks connected sessions for broadcasting.
type lobby struct {
	sync.RWMutex
	sessions map[string]*socket.Session
}

func newLobby() *lobby {
	return &lobby{sessions: make(map[string]*socket.Session)}
}

func (l *lobby) OnConnected(_ context.Context, s *socket.Session) error {
	l.Lock()
	l.sessions[s.ID()] = s
	l.Unlock()
	return nil
}

func (l *lobby) OnDisconnected(_ context.Context, s *socket.Session) {
	l.Lock()
	delete(l.sessions, s.ID())
	l.Unlock()
}

// broadcast sends msg to every session. Each send is bound to the target's
// own lifetime, not to the sender's.
func (l *lobby) broadcast(msg socket.Message) {
	l.RLock()
	targets := make([]*socket.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		targets = append(targets, s)
	}
	l.RUnlock()

	for _, s := range targets {
		if err := s.Send(s.Context(), msg); err != nil {
			slog.Debug("broadcast failed", "session_id", s.ID(), "error", err)
		}
	}
}

func (l *lobby) disconnectAll() {
	l.RLock()
	defer l.RUnlock()
	for _, s := range l.sessions {
		s.Disconnect()
	}
}

func newRouter(l *lobby) *socket.Router {
	router := socket.NewRouter()

	router.Handle(pingProtocol, func(ctx context.Context, s *socket.Session, msg socket.Message) error {
		return s.Send(ctx, &pong{Seq: msg.(*ping).Seq})
	})
	router.Handle(chatProtocol, func(_ context.Context, _ *socket.Session, msg socket.Message) error {
		m := msg.(*chat)
		m.Timestamp = time.Now().UnixMilli()
		l.broadcast(m)
		return nil
	})
	return router
}

func serveCmd() *cobra.Command {
	var (
		addrs       []string
		metricsAddr string
		heartbeat   time.Duration
		reusePort   bool
		shutdown    time.Duration
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat and ping server",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			reg := prometheus.NewRegistry()
			metrics := socket.NewMetrics(reg, "echo")

			pool := buffer.NewPool()
			codec := socket.NewFrameCodec(newRegistry(), socket.WithCodecPool(pool))

			l := newLobby()
			server, err := socket.New(addrs,
				socket.ServerCodecOption(codec),
				socket.ServerPoolOption(pool),
				socket.ServerDispatcherOption(newRouter(l)),
				socket.ServerHooksOption(l),
				socket.ServerLoggerOption(logger),
				socket.ServerMetricsOption(metrics),
				socket.ServerReusePortOption(reusePort),
				socket.ServerShutdownTimeoutOption(shutdown),
				socket.ServerSessionOptions(socket.HeartbeatOption(heartbeat)),
			)
			if err != nil {
				return errors.Wrap(err, "start server")
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Error("metrics server stopped", "error", err)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = server.Serve(ctx)
			l.disconnectAll()
			server.Wait()

			if errors.Is(err, context.Canceled) || errors.Is(err, socket.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&addrs, "addr", "a", []string{"127.0.0.1:9000"}, "Listen address (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 30*time.Second, "Heartbeat interval, idle peers are dropped after twice this")
	cmd.Flags().BoolVar(&reusePort, "reuse-port", false, "Enable SO_REUSEPORT on listeners")
	cmd.Flags().DurationVar(&shutdown, "shutdown-timeout", 0, "Keep accepting for this long after a signal")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
