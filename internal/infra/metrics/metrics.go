package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	PublishAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_attempts_total",
		Help: "Попытки публикации по слотам и исходам",
	}, []string{"slot", "outcome"})

	ClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_conflicts_total",
		Help: "Посты, захваченные конкурирующим циклом доставки",
	})

	SchedulerCycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_cycle_seconds",
		Help:    "Длительность одного цикла доставки",
		Buckets: prometheus.DefBuckets,
	})

	BridgeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_requests_total",
		Help: "Запросы моста по исходам",
	}, []string{"outcome"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_rate_limited_total",
		Help: "Отказы моста по rate limit",
	})

	ReplayRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_replay_rejected_total",
		Help: "Отказы моста по replay подписанных запросов",
	})

	DuplicatesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_duplicates_skipped_total",
		Help: "Постановки, схлопнутые дедупликацией по фингерпринту",
	}, []string{"slot"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PublishAttempts,
		ClaimConflicts,
		SchedulerCycleSeconds,
		BridgeRequests,
		RateLimited,
		ReplayRejected,
		DuplicatesSkipped,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObservePublish записывает исход попытки публикации.
func ObservePublish(slot string, err error) {
	outcome := "published"
	if err != nil {
		outcome = "failed"
	}
	PublishAttempts.WithLabelValues(slot, outcome).Inc()
}
