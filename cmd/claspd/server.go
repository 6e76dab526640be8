package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clasp-proto/claspd/internal/auth"
	"github.com/clasp-proto/claspd/internal/claspwire"
	"github.com/clasp-proto/claspd/internal/config"
	"github.com/clasp-proto/claspd/internal/kafkabridge"
	"github.com/clasp-proto/claspd/internal/peering"
	"github.com/clasp-proto/claspd/internal/platform"
	"github.com/clasp-proto/claspd/internal/router"
	"github.com/clasp-proto/claspd/internal/session"
	"github.com/clasp-proto/claspd/internal/telemetry"
	"github.com/clasp-proto/claspd/internal/transport"
	"github.com/clasp-proto/claspd/internal/transport/tcpadapter"
	"github.com/clasp-proto/claspd/internal/transport/wsadapter"
	"github.com/clasp-proto/claspd/internal/workerpool"
)

const maxFrameBody = 1 << 20

// Server owns every long-lived piece of one claspd instance: the router,
// its two listeners (WS and TCP), the worker pool per-message work is
// offloaded to, the resource guard gating admission, and the optional
// peering/Kafka bridges. Grounded in the teacher's Server struct
// (server.go), generalized from a single WS-only listener to a router
// that also speaks raw TCP and bridges Kafka/NATS.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	router  *router.Router
	metrics *telemetry.Metrics
	guard   *platform.ResourceGuard
	pool    *workerpool.Pool

	currentSessions int64

	wsListener  net.Listener
	tcpListener net.Listener
	httpServer  *http.Server

	peerBridge  *peering.Bridge
	kafkaBridge *kafkabridge.Bridge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shuttingDown atomic.Bool
}

// NewServer wires together everything Start needs but does not itself bind
// any socket or start any goroutine, mirroring the teacher's
// NewServer/Start split.
func NewServer(cfg *config.Config) (*Server, error) {
	logger := telemetry.NewLogger(telemetry.LoggerConfig{
		Level:  telemetry.LogLevel(cfg.LogLevel),
		Format: telemetry.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	metrics := telemetry.NewMetrics()

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		pool:    workerpool.New(cfg.WorkerPoolSize, cfg.WorkerPoolQueueSize, logger),
	}
	s.guard = platform.NewResourceGuard(cfg, logger, metrics, &s.currentSessions)

	rcfg := router.DefaultConfig()
	rcfg.Name = cfg.Name
	rcfg.GestureCoalescing = cfg.GestureCoalescing
	rcfg.GestureCoalesceInterval = time.Duration(cfg.GestureCoalesceIntervalMS) * time.Millisecond
	rcfg.SnapshotByteBudget = cfg.SnapshotChunkBytes
	rcfg.BundleScheduleSlackMicros = cfg.BundleSchedulerResolution.Microseconds()
	rcfg.MaxBundleSize = cfg.MaxBundleSize
	rcfg.MaxAddresses = cfg.MaxAddresses

	r := router.New(rcfg)
	r.SetMetrics(metrics)

	if cfg.SecurityMode == config.SecurityTokenRequired {
		validator, err := loadValidator(cfg)
		if err != nil {
			return nil, fmt.Errorf("load auth validator: %w", err)
		}
		r.SetAuthValidator(validator)
	}

	s.router = r
	return s, nil
}

func loadValidator(cfg *config.Config) (auth.Validator, error) {
	if cfg.JWTPublicKeyPath != "" {
		return auth.NewValidatorFromFile(cfg.JWTPublicKeyPath)
	}
	return auth.NewValidator([]byte(cfg.JWTPublicKey))
}

// Start binds the configured listeners, launches every background
// goroutine (pump loops, bundle scheduler, resource monitor, optional
// bridges), and returns once the server is accepting traffic.
func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.pool.Start(s.ctx)
	s.guard.StartMonitoring(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.router.BundleScheduler().Run(s.ctx)
	}()

	if s.cfg.PeeringEnabled {
		bridge, err := peering.Connect(peering.Config{
			URL:           s.cfg.NATSURL,
			Subject:       s.cfg.PeeringSubject,
			InstanceID:    s.cfg.Name,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		}, s.logger, s.router.ApplyRemote)
		if err != nil {
			return fmt.Errorf("connect peering bridge: %w", err)
		}
		s.peerBridge = bridge
		s.router.SetRemoteHook(bridge.Publish)
		s.logger.Info().Str("subject", s.cfg.PeeringSubject).Msg("peering bridge connected")
	}

	if s.cfg.KafkaBridgeEnabled {
		bridge, err := kafkabridge.Connect(kafkabridge.Config{
			Brokers:               splitCSV(s.cfg.KafkaBrokers),
			ConsumerGroup:         s.cfg.KafkaConsumerGroup,
			Topics:                splitCSV(s.cfg.KafkaTopics),
			AddressPrefix:         s.cfg.KafkaAddressPrefix,
			OutboundQueueMessages: s.cfg.OutboundQueueMessages,
			OutboundQueueBytes:    s.cfg.OutboundQueueBytes,
		}, s.router, s.guard, s.logger)
		if err != nil {
			return fmt.Errorf("connect kafka bridge: %w", err)
		}
		s.kafkaBridge = bridge
		s.kafkaBridge.Run(s.ctx, s.router)
		s.logger.Info().Str("brokers", s.cfg.KafkaBrokers).Msg("kafka bridge connected")
	}

	if s.cfg.TCPAddr != "" {
		listener, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("listen tcp: %w", err)
		}
		s.tcpListener = listener
		s.wg.Add(1)
		go s.acceptTCP()
		s.logger.Info().Str("addr", s.cfg.TCPAddr).Msg("tcp listener started")
	}

	if s.cfg.WSAddr != "" {
		listener, err := net.Listen("tcp", s.cfg.WSAddr)
		if err != nil {
			return fmt.Errorf("listen ws: %w", err)
		}
		s.wsListener = listener

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.handleWebSocket)
		mux.HandleFunc("/health", s.handleHealth)
		mux.Handle("/metrics", s.metrics.Handler())

		s.httpServer = &http.Server{
			Handler:        mux,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxHeaderBytes: 1 << 20,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("ws accept loop error")
			}
		}()
		s.logger.Info().Str("addr", s.cfg.WSAddr).Msg("ws listener started")
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if accept, reason := s.guard.ShouldAcceptSession(); !accept {
		s.logger.Debug().Str("reason", reason).Msg("ws session rejected by resource guard")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	a, err := wsadapter.Upgrade(w, r)
	if err != nil {
		s.logger.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	s.serveAdapter(a)
}

func (s *Server) acceptTCP() {
	defer s.wg.Done()
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			s.logger.Error().Err(err).Msg("tcp accept error")
			continue
		}
		if accept, reason := s.guard.ShouldAcceptSession(); !accept {
			s.logger.Debug().Str("reason", reason).Msg("tcp session rejected by resource guard")
			_ = conn.Close()
			continue
		}
		s.serveAdapter(tcpadapter.New(conn, maxFrameBody))
	}
}

// serveAdapter registers a new session over a and runs its read and
// write pumps until the connection ends, mirroring the teacher's
// readPump/writePump split in server.go but over transport.Adapter instead
// of a raw *websocket.Conn.
func (s *Server) serveAdapter(a transport.Adapter) {
	sess := session.New(s.router.NextSessionID(), a, session.Config{
		OutboundQueueMessages: s.cfg.OutboundQueueMessages,
		OutboundQueueBytes:    s.cfg.OutboundQueueBytes,
		MaxMessagesPerSecond:  float64(s.cfg.MaxMessagesPerSecond),
		MaxSubscriptions:      s.cfg.MaxSubscriptionsPerSession,
		RateLimitingEnabled:   s.cfg.RateLimitingEnabled,
	})
	s.router.RegisterSession(sess)
	atomic.AddInt64(&s.currentSessions, 1)

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			s.router.RemoveSession(sess.ID)
			atomic.AddInt64(&s.currentSessions, -1)
			_ = a.Close("session ended")
		})
	}

	s.wg.Add(2)
	go s.writePump(sess, teardown)
	go s.readPump(sess, teardown)
}

func (s *Server) readPump(sess *session.Session, teardown func()) {
	defer s.wg.Done()
	defer teardown()

	for {
		raw, err := sess.Transport.Recv(s.ctx)
		if err != nil {
			return
		}
		frame, err := claspwire.DecodeFrame(bytes.NewReader(raw), maxFrameBody)
		if err != nil {
			s.logger.Debug().Str("peer", sess.Transport.PeerID()).Err(err).Msg("dropping malformed frame")
			continue
		}
		s.pool.Submit(func() {
			s.router.HandleFrame(sess, frame)
		})
	}
}

func (s *Server) writePump(sess *session.Session, teardown func()) {
	defer s.wg.Done()
	defer teardown()

	for {
		select {
		case frame, ok := <-sess.Outbound():
			if !ok {
				return
			}
			sess.ReleaseOutbound(frame)
			if sess.Transport.TrySend(frame) == transport.SendClosed {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Shutdown stops accepting new sessions, cancels the shared context so every
// live session's pumps exit and close it, and waits on the WaitGroup for all
// goroutines to finish, giving up after 30 s, mirroring the teacher's
// Shutdown grace period.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.wsListener != nil {
		_ = s.wsListener.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpServer.Shutdown(ctx)
		cancel()
	}
	if s.tcpListener != nil {
		_ = s.tcpListener.Close()
	}
	if s.kafkaBridge != nil {
		s.kafkaBridge.Stop(s.router)
	}
	if s.peerBridge != nil {
		s.peerBridge.Close()
	}

	s.cancel()
	s.pool.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("shutdown grace period expired, exiting anyway")
	}

	return nil
}
