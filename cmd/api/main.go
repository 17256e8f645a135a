package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"autoposter/internal/adapters/httpapi"
	"autoposter/internal/adapters/mediafetch"
	"autoposter/internal/adapters/repo"
	"autoposter/internal/adapters/xapi"
	"autoposter/internal/domain"
	"autoposter/internal/infra/cache"
	"autoposter/internal/infra/config"
	"autoposter/internal/infra/db"
	infrahttp "autoposter/internal/infra/http"
	applog "autoposter/internal/infra/log"
	"autoposter/internal/infra/metrics"
	infraqueue "autoposter/internal/infra/queue"
	bridgeusecase "autoposter/internal/usecase/bridge"
	"autoposter/internal/usecase/idempotency"
	queueusecase "autoposter/internal/usecase/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger, ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	if err := repo.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("api: не удалось применить схему")
	}

	store := repo.NewPostgres(pool)

	// Rate/Replay-сторы: общий Redis при наличии, иначе память процесса.
	var rateStore domain.RateStore
	var replayStore domain.ReplayStore
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		shared := cache.NewRedis(redisClient)
		rateStore, replayStore = shared, shared
		logger.Info().Str("addr", cfg.RedisAddr).Msg("api: rate/replay стор в redis")
	} else {
		shared := cache.NewMemory()
		rateStore, replayStore = shared, shared
		logger.Warn().Msg("api: rate/replay стор в памяти процесса, лимиты локальны инстансу")
	}

	var processQueue domain.ProcessQueue
	switch {
	case cfg.RabbitURL != "":
		rabbit, err := infraqueue.NewRabbitProcessQueue(cfg.RabbitURL, cfg.Queues.Process)
		if err != nil {
			log.Fatal().Err(err).Msg("api: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		processQueue = rabbit
	case cfg.RedisAddr != "":
		processQueue = infraqueue.NewRedisProcessQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Process)
	default:
		logger.Warn().Msg("api: trigger-очередь не настроена, process-now недоступен")
	}

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

	queueSvc := queueusecase.NewService(store, store, fetcher, cfg.Platform.CharLimit, logger.With().Str("component", "queue").Logger())
	bridgeSvc := bridgeusecase.NewService(store, queueSvc, platform, fetcher, cfg.Bridge.AllowedSlots, cfg.Platform.CharLimit, logger.With().Str("component", "bridge").Logger())
	guard := idempotency.NewGuard(store, time.Duration(cfg.Bridge.IdempotencyTTLHours)*time.Hour, logger.With().Str("component", "idempotency").Logger())

	if cfg.Bridge.Token == "" {
		log.Fatal().Msg("api: BRIDGE_TOKEN обязателен")
	}
	if cfg.Bridge.SigningSecret == "" {
		logger.Warn().Msg("api: BRIDGE_SIGNING_SECRET не задан, подпись запросов моста отключена")
	}

	handler := httpapi.NewHandler(httpapi.Config{
		Token:              cfg.Bridge.Token,
		SigningSecret:      cfg.Bridge.SigningSecret,
		Skew:               cfg.SignatureSkew(),
		RateLimitPerMinute: cfg.Bridge.RateLimitPerMinute,
		MaxBodyBytes:       cfg.Bridge.MaxBodyBytes,
	}, bridgeSvc, queueSvc, guard, rateStore, replayStore, processQueue, logger.With().Str("component", "httpapi").Logger())

	server := infrahttp.NewServer(logger)
	handler.Mount(server.Router)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("api: сервер остановился с ошибкой")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: graceful shutdown не удался")
	}
	logger.Info().Msg("api: остановлен")
}
