// Package server wires the Authz Client, Backend Client, Worker Pool, and
// Prometheus metrics into a Unix domain socket front-end: one Session per
// accepted connection, per spec.md §2/§4.1.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hkust-sing/singio-broker/internal/logger"
	"github.com/hkust-sing/singio-broker/pkg/authz"
	"github.com/hkust-sing/singio-broker/pkg/backend"
	"github.com/hkust-sing/singio-broker/pkg/config"
	"github.com/hkust-sing/singio-broker/pkg/metrics"
	"github.com/hkust-sing/singio-broker/pkg/pool"
	"github.com/hkust-sing/singio-broker/pkg/session"
)

// Broker owns the Unix domain socket listener and every connection's
// Session, plus the Authz Client, Backend Client, and Worker Pool they
// share.
type Broker struct {
	cfg *config.Config

	backend *backend.Client
	authz   *authz.Client
	pool    *pool.Pool
	metrics *metrics.BrokerMetrics

	metricsSrv *http.Server

	listener   net.Listener
	listenerMu sync.Mutex

	shutdown     chan struct{}
	shutdownOnce sync.Once
	activeConns  sync.WaitGroup
	sessionCount atomic.Int64
}

// New builds a Broker from cfg: it stands up the S3-backed Backend
// Client, the Authz Client, the Worker Pool, and (if enabled) the
// metrics registry, but does not yet bind the listener or accept
// connections — call Serve for that.
func New(ctx context.Context, cfg *config.Config) (*Broker, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Backend.Region))
	if err != nil {
		return nil, fmt.Errorf("server: load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Backend.Endpoint != "" {
			o.BaseEndpoint = &cfg.Backend.Endpoint
			o.UsePathStyle = true
		}
	})

	backendClient := backend.New(s3Client, backend.Config{
		MaxConcurrentIOs: cfg.Backend.MaxConcurrentIOs,
	})

	var brokerMetrics *metrics.BrokerMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		brokerMetrics = metrics.NewBrokerMetrics()
	}

	authzClient := authz.New(authz.Config{
		ServerURL:      fmt.Sprintf("http://%s:%d", cfg.Authz.ServerIP, cfg.Authz.ServerPort),
		RequestTimeout: cfg.Authz.RequestTimeout,
		MaxWindow:      cfg.Authz.MaxWindow,
		Metrics:        brokerMetrics,
	})

	workerPool := pool.New(backendClient, authzClient, pool.Config{
		Cap:                 cfg.Pool.MaxWorkers,
		WorkerQueueCapacity: cfg.Pool.QueueCapacity,
		Metrics:             brokerMetrics,
	})

	return &Broker{
		cfg:      cfg,
		backend:  backendClient,
		authz:    authzClient,
		pool:     workerPool,
		metrics:  brokerMetrics,
		shutdown: make(chan struct{}),
	}, nil
}

// Serve binds the IPC domain socket and the metrics HTTP server (if
// configured), then accepts connections until ctx is cancelled. It
// returns once every in-flight Session has drained or
// cfg.ShutdownTimeout has elapsed, whichever comes first.
func (b *Broker) Serve(ctx context.Context) error {
	_ = os.Remove(b.cfg.IPC.Socket)

	ln, err := net.Listen("unix", b.cfg.IPC.Socket)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", b.cfg.IPC.Socket, err)
	}
	b.listenerMu.Lock()
	b.listener = ln
	b.listenerMu.Unlock()

	logger.Info("IPC listener bound", "socket", b.cfg.IPC.Socket, "backlog", b.cfg.IPC.Backlog)

	if b.cfg.Metrics.Enabled {
		srv, err := metrics.StartServer(b.cfg.Metrics)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: start metrics server: %w", err)
		}
		b.metricsSrv = srv
		logger.Info("Metrics server listening", "port", b.cfg.Metrics.Port)
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received, closing IPC listener", "reason", ctx.Err())
		b.initiateShutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.shutdown:
				return b.gracefulShutdown()
			default:
				logger.Warn("Error accepting IPC connection", "error", err)
				continue
			}
		}
		b.acceptConn(conn)
	}
}

func (b *Broker) acceptConn(conn net.Conn) {
	b.activeConns.Add(1)
	n := b.sessionCount.Add(1)
	b.metrics.SetSessionsActive(int(n))

	s := session.New(conn, b.pool, b.authz, session.Config{
		RegionSize: regionSize(b.cfg),
		ChunkSize:  uint64(b.cfg.IPC.BufferSize),
		Metrics:    b.metrics,
	})

	go func() {
		defer func() {
			_ = conn.Close()
			n := b.sessionCount.Add(-1)
			b.metrics.SetSessionsActive(int(n))
			b.activeConns.Done()
		}()
		b.readLoop(conn, s)
	}()
}

// regionSize picks the larger of the configured read/write shmem region
// sizes: Session allocates both regions at the same size (see
// pkg/session's Config), so this is the smallest size that satisfies
// both ipc_readsmsize and ipc_writesmsize.
func regionSize(cfg *config.Config) uint64 {
	if cfg.IPC.WriteSmSize > cfg.IPC.ReadSmSize {
		return uint64(cfg.IPC.WriteSmSize)
	}
	return uint64(cfg.IPC.ReadSmSize)
}

func (b *Broker) readLoop(conn net.Conn, s *session.Session) {
	buf := make([]byte, b.cfg.IPC.BufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.OnBytesAvailable(buf[:n])
		}
		if err != nil {
			s.OnSocketError(err)
			return
		}
	}
}

func (b *Broker) initiateShutdown() {
	b.shutdownOnce.Do(func() {
		close(b.shutdown)
		b.listenerMu.Lock()
		if b.listener != nil {
			_ = b.listener.Close()
		}
		b.listenerMu.Unlock()
	})
}

func (b *Broker) gracefulShutdown() error {
	done := make(chan struct{})
	go func() {
		b.activeConns.Wait()
		close(done)
	}()

	timeout := b.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		logger.Info("All sessions drained")
	case <-time.After(timeout):
		logger.Warn("Shutdown timeout exceeded, some sessions left active")
	}

	b.pool.StopPool()

	if b.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(ctx, b.metricsSrv); err != nil {
			logger.Warn("Metrics server shutdown error", "error", err)
		}
	}

	_ = os.Remove(b.cfg.IPC.Socket)
	return nil
}
