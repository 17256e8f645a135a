package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"autoposter/internal/adapters/mediafetch"
	"autoposter/internal/adapters/repo"
	"autoposter/internal/adapters/xapi"
	"autoposter/internal/domain"
	"autoposter/internal/infra/config"
	"autoposter/internal/infra/db"
	applog "autoposter/internal/infra/log"
	"autoposter/internal/infra/metrics"
	infraqueue "autoposter/internal/infra/queue"
	"autoposter/internal/usecase/delivery"
	"autoposter/internal/usecase/idempotency"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger, ":9091")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()
	if err := repo.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("scheduler: не удалось применить схему")
	}

	store := repo.NewPostgres(pool)

	platform := xapi.NewClient(xapi.Config{
		BaseURL:   cfg.Platform.BaseURL,
		UploadURL: cfg.Platform.UploadURL,
		Timeout:   time.Duration(cfg.Platform.TimeoutSeconds) * time.Second,
	}, store)

	fetcher := mediafetch.NewFetcher(mediafetch.Config{
		UploadRoot:   cfg.Bridge.UploadRoot,
		AllowedHosts: cfg.Bridge.AllowedMediaHosts,
		MaxBytes:     cfg.Bridge.MediaMaxBytes,
		Timeout:      time.Duration(cfg.Bridge.FetchTimeoutSeconds) * time.Second,
	})

	deliverySvc := delivery.NewService(store, platform, fetcher, delivery.Config{
		BatchSize:      cfg.Scheduler.BatchSize,
		ThreadMaxWait:  time.Duration(cfg.Scheduler.ThreadMaxWaitMinutes) * time.Minute,
		BackfillWindow: time.Duration(cfg.Scheduler.BackfillWindowSeconds) * time.Second,
	}, logger.With().Str("component", "delivery").Logger())

	guard := idempotency.NewGuard(store, time.Duration(cfg.Bridge.IdempotencyTTLHours)*time.Hour, logger.With().Str("component", "idempotency").Logger())

	// Консьюмер trigger-очереди: api просит обработать слот немедленно.
	var processQueue domain.ProcessQueue
	switch {
	case cfg.RabbitURL != "":
		rabbit, err := infraqueue.NewRabbitProcessQueue(cfg.RabbitURL, cfg.Queues.Process)
		if err != nil {
			log.Fatal().Err(err).Msg("scheduler: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		processQueue = rabbit
	case cfg.RedisAddr != "":
		processQueue = infraqueue.NewRedisProcessQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Process)
	}

	if processQueue != nil {
		go func() {
			for {
				job, err := processQueue.Pop(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					logger.Error().Err(err).Msg("scheduler: ошибка чтения trigger-очереди")
					time.Sleep(time.Second)
					continue
				}
				logger.Info().Str("slot", job.Slot).Str("cause", string(job.Cause)).Msg("scheduler: внеплановый прогон")
				if err := deliverySvc.RunSlot(ctx, job.Slot); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Str("slot", job.Slot).Msg("scheduler: внеплановый прогон не удался")
				}
			}
		}()
	}

	interval := cfg.SchedulerInterval()
	staleAfter := time.Duration(cfg.Scheduler.ClaimStaleMinutes) * time.Minute
	logger.Info().Dur("interval", interval).Msg("scheduler: цикл доставки запущен")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case <-ticker.C:
			// Посты, захваченные упавшим процессом, возвращаются в очередь.
			if released, err := store.ReleaseStaleClaims(ctx, time.Now().UTC().Add(-staleAfter)); err != nil {
				logger.Error().Err(err).Msg("scheduler: ошибка возврата зависших клеймов")
			} else if released > 0 {
				logger.Warn().Int64("released", released).Msg("scheduler: возвращены зависшие клеймы")
			}

			if err := deliverySvc.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("scheduler: цикл доставки завершился с ошибкой")
			}

			guard.Sweep(ctx)
		}
	}
}
