package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/internal/demo"
	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/server"
	"github.com/grafana/xk6-channel/transport"
)

// serve exposes the demo object model on addr. Every websocket connection
// gets its own object tree. Metrics are served on /metrics.
func serve(ctx context.Context, addr string, opts *config.Options, logger *log.Logger) error {
	reg := prometheus.NewRegistry()
	metrics := server.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", transport.Handler(logger, func(ctx context.Context, t transport.Transport) {
		conn := demo.NewServer(t,
			server.WithLogger(logger),
			server.WithMetrics(metrics),
			server.WithOptions(opts),
		)
		logger.Infof("wiretap:serve", "client connected")
		if err := conn.Serve(ctx); err != nil {
			logger.Warnf("wiretap:serve", "client dropped: %v", err)
			return
		}
		logger.Infof("wiretap:serve", "client left")
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("wiretap:serve", "listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
