package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/tasksync/internal/adapters"
	"github.com/agentworkforce/tasksync/internal/config"
	"github.com/agentworkforce/tasksync/internal/deadletter"
	"github.com/agentworkforce/tasksync/internal/engine"
	"github.com/agentworkforce/tasksync/internal/health"
	"github.com/agentworkforce/tasksync/internal/httpapi"
	"github.com/agentworkforce/tasksync/internal/mapping"
	"github.com/agentworkforce/tasksync/internal/normalizer"
	"github.com/agentworkforce/tasksync/internal/queue"
	"github.com/agentworkforce/tasksync/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.Addr, err)
	}
	if err := run(ctx, cfg, listener); err != nil {
		log.Fatalf("tasksync failed: %v", err)
	}
}

// run serves until ctx is cancelled, then drains ingress and closes every
// component in reverse dependency order.
func run(ctx context.Context, cfg config.Config, listener net.Listener) error {
	logger := log.Default()

	rules, err := loadRules(cfg.MappingFile)
	if err != nil {
		return err
	}
	set := mapping.NewSet(rules)

	registry, err := adapters.Build(cfg.Platforms, set, &http.Client{Timeout: cfg.DeliveryTimeout}, logger)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}
	if len(registry.Platforms()) == 0 {
		logger.Printf("tasksync: no platforms enabled")
	}

	st, err := store.Open(cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer closeQuietly(logger, "state store", st)

	q, err := queue.Open(cfg.QueueDSN, cfg.QueueSize)
	if err != nil {
		return fmt.Errorf("open event queue: %w", err)
	}

	sink, closers, err := buildSinks(cfg, logger)
	if err != nil {
		_ = q.Close()
		return err
	}
	for _, c := range closers {
		defer closeQuietly(logger, "dead-letter sink", c)
	}

	monitor := health.NewMonitor(buildProbers(registry), health.Options{
		Interval:      cfg.ProbeInterval,
		DownThreshold: cfg.DownThreshold,
		Logger:        logger,
	})
	norm := normalizer.New(registry, normalizer.Options{
		Capacity: cfg.DedupCapacity,
		TTL:      cfg.DedupTTL,
		Logger:   logger,
	})
	eng := engine.New(registry, engine.Options{
		Store:           st,
		Health:          monitor,
		Sink:            sink,
		Logger:          logger,
		MaxAttempts:     cfg.MaxAttempts,
		Backoff:         engine.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		DispatchWorkers: cfg.DispatchWorkers,
		BurstThreshold:  cfg.BurstThreshold,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	var background sync.WaitGroup

	if cfg.MappingFile != "" {
		watcher := mapping.NewWatcher(cfg.MappingFile, set, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			if err := watcher.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("tasksync: mapping watcher stopped: %v", err)
			}
		}()
	}
	background.Add(1)
	go func() {
		defer background.Done()
		monitor.Run(bgCtx)
	}()

	if err := eng.Start(ctx); err != nil {
		_ = q.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		eng.Consume(bgCtx, q, cfg.EventWorkers)
	}()

	api := httpapi.NewServer(httpapi.Deps{
		Webhooks:   registry,
		Normalizer: norm,
		Queue:      q,
		Engine:     eng,
		Health:     monitor,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		JWTAudience:     cfg.JWTAudience,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		StreamOrigins:   cfg.StreamOrigins,
		Logger:          logger,
	})
	srv := &http.Server{Handler: api, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("tasksync listening on %s (platforms=%v)", listener.Addr(), registry.Platforms())
		serveErr <- srv.Serve(listener)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	logger.Printf("tasksync: draining")
	api.SetDraining(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("tasksync: http shutdown: %v", err)
	}

	// Closing the queue lets consumers drain what was already accepted.
	if err := q.Close(); err != nil {
		logger.Printf("tasksync: close queue: %v", err)
	}
	select {
	case <-consumed:
	case <-shutdownCtx.Done():
		logger.Printf("tasksync: consumers did not drain before shutdown timeout")
	}
	cancelBackground()
	if err := eng.Close(); err != nil {
		logger.Printf("tasksync: close engine: %v", err)
	}
	background.Wait()
	return runErr
}

func loadRules(path string) (*mapping.Rules, error) {
	if path == "" {
		return mapping.Default(), nil
	}
	rules, err := mapping.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load mapping rules: %w", err)
	}
	return rules, nil
}

// buildSinks always logs dead letters and also publishes them to Kafka when
// brokers are configured.
func buildSinks(cfg config.Config, logger *log.Logger) (deadletter.Sink, []io.Closer, error) {
	sinks := deadletter.Multi{deadletter.NewLogSink(logger)}
	var closers []io.Closer
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := deadletter.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka dead-letter sink: %w", err)
		}
		sinks = append(sinks, kafka)
		closers = append(closers, kafka)
	}
	return sinks, closers, nil
}

func buildProbers(registry *adapters.Registry) []health.Prober {
	var probers []health.Prober
	for _, platform := range registry.Platforms() {
		if adapter, ok := registry.Get(platform); ok {
			probers = append(probers, adapter)
		}
	}
	return probers
}

func closeQuietly(logger *log.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Printf("tasksync: close %s: %v", name, err)
	}
}
