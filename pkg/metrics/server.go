package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hkust-sing/singio-broker/pkg/config"
)

// StartServer starts the metrics HTTP server per cfg, following the
// teacher's start-then-hand-the-*http.Server-to-the-runtime convention
// (cmd/dittofs/main.go's SetMetricsServer). Returns nil, nil if metrics
// are disabled.
func StartServer(cfg config.MetricsConfig) (*http.Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	reg := InitRegistry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %s: %w", srv.Addr, err)
	}

	go func() {
		_ = srv.Serve(ln)
	}()

	return srv, nil
}

// Shutdown gracefully stops srv, tolerating a nil server (metrics
// disabled) so callers can call it unconditionally during shutdown.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
