// Command mcp-sse-relay serves MCP over SSE and relays control messages
// between instances through Redis pub/sub.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-sse-relay/broker/redisbroker"
	"github.com/ggoodman/mcp-sse-relay/relay"
	"github.com/ggoodman/mcp-sse-relay/ssehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mcp-sse-relay.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	lvl, _ := cfg.level()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	b, err := redisbroker.NewFromURL(connectCtx, cfg.RedisURL, redisbroker.WithLogger(log))
	cancel()
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer b.Close()

	metrics, err := relay.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	h := ssehttp.New(ctx, newServer(cfg, log), b,
		ssehttp.WithLogger(log),
		ssehttp.WithMaxDuration(cfg.SessionMaxDuration),
		ssehttp.WithFlushInterval(cfg.LogFlushInterval),
		ssehttp.WithTopicPrefix(cfg.TopicPrefix),
		ssehttp.WithMessageTTL(cfg.MessageTTL),
		ssehttp.WithPublishMaxAttempts(cfg.PublishMaxAttempts),
		ssehttp.WithMetrics(metrics),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	servers := []*http.Server{srv}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errs := make(chan error, len(servers))
	for _, s := range servers {
		go func() {
			log.Info("http.listen", slog.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("serve %s: %w", s.Addr, err)
				return
			}
			errs <- nil
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("mcp-sse-relay.shutdown")
	case serveErr = <-errs:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn("http.shutdown.fail", slog.String("addr", s.Addr), slog.String("err", err.Error()))
		}
	}
	return serveErr
}
