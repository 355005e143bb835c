package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_events_consumed_total",
		Help: "Total ride events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_events_invalid_total",
		Help: "Total undecodable ride events",
	})
	settled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_settlements_total",
		Help: "Settlement attempts by source and result",
	}, []string{"source", "result"})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, settled)
}

// Store is what the reconciler needs from persistence.
type Store interface {
	lifecycle.Settler
	ListUnsettledCompletions(ctx context.Context, limit int) ([]string, error)
}

type reconciler struct {
	store    Store
	attempts int
	base     time.Duration
	batch    int
	log      *slog.Logger
}

func main() {
	cfg, err := config.LoadReconcilerConfig()
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "reconciler")
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable", "err", err)
		os.Exit(1)
	}
	defer pg.Close()

	go serveProbes(cfg.MetricsAddr, pg, logger)

	rec := &reconciler{
		store:    pg,
		attempts: cfg.SettleAttempts,
		base:     cfg.SettleBaseDelay,
		batch:    cfg.SweepBatch,
		log:      logger,
	}
	go rec.sweepLoop(ctx, cfg.SweepInterval)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("reconciler listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	rec.consume(ctx, r)
	logger.Info("reconciler stopped")
}

type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func (rc *reconciler) consume(ctx context.Context, r messageSource) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rc.log.Warn("kafka fetch failed", "err", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		if err := rc.handleMessage(ctx, m); err != nil {
			// left uncommitted; the sweep picks the ride up if the
			// redelivery also fails
			rc.log.Error("settlement failed", "offset", m.Offset, "err", err)
			continue
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			rc.log.Warn("commit failed", "offset", m.Offset, "err", err)
		}
	}
}

// handleMessage settles the ride named by a ride.completed event. Other
// event types and rides that are gone or no longer COMPLETED are skipped.
func (rc *reconciler) handleMessage(ctx context.Context, m kafka.Message) error {
	eventsConsumed.Inc()
	e, err := events.Decode(m.Value)
	if err != nil {
		eventsInvalid.Inc()
		rc.log.Warn("invalid ride event", "offset", m.Offset, "err", err)
		return nil
	}
	if e.Type != events.TypeCompleted {
		return nil
	}
	return rc.settle(ctx, e.RideID, "event")
}

func (rc *reconciler) settle(ctx context.Context, rideID, source string) error {
	applied, err := lifecycle.SettleWithRetry(ctx, rc.store, rideID, rc.attempts, rc.base)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrConditionFailed):
		settled.WithLabelValues(source, "skipped").Inc()
		rc.log.Debug("ride not settleable", "ride_id", rideID, "err", err)
		return nil
	case err != nil:
		settled.WithLabelValues(source, "failed").Inc()
		return err
	case applied:
		settled.WithLabelValues(source, "applied").Inc()
		rc.log.Info("completion settled", "ride_id", rideID, "source", source)
	default:
		settled.WithLabelValues(source, "already").Inc()
	}
	return nil
}

func (rc *reconciler) sweepLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		rc.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// sweep settles completed rides whose event was lost or never published.
func (rc *reconciler) sweep(ctx context.Context) int {
	ids, err := rc.store.ListUnsettledCompletions(ctx, rc.batch)
	if err != nil {
		if ctx.Err() == nil {
			rc.log.Warn("sweep query failed", "err", err)
		}
		return 0
	}
	done := 0
	for _, id := range ids {
		if err := rc.settle(ctx, id, "sweep"); err != nil {
			rc.log.Error("sweep settlement failed", "ride_id", id, "err", err)
			continue
		}
		done++
	}
	return done
}

func serveProbes(addr string, db interface{ Ping(context.Context) error }, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Warn("metrics server stopped", "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
