package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Минимальный интервал цикла доставки.
const minSchedulerInterval = 10 * time.Second

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Platform struct {
		BaseURL        string `envconfig:"PLATFORM_BASE_URL" default:"https://api.x.com"`
		UploadURL      string `envconfig:"PLATFORM_UPLOAD_URL" default:"https://upload.x.com/1.1"`
		TimeoutSeconds int    `envconfig:"PLATFORM_TIMEOUT_SECONDS" default:"15"`
		CharLimit      int    `envconfig:"PLATFORM_CHAR_LIMIT" default:"280"`
	} `envconfig:""`

	Scheduler struct {
		IntervalSeconds       int `envconfig:"SCHED_INTERVAL_SECONDS" default:"60"`
		BatchSize             int `envconfig:"SCHED_BATCH_SIZE" default:"20"`
		ThreadMaxWaitMinutes  int `envconfig:"SCHED_THREAD_MAX_WAIT_MINUTES" default:"60"`
		BackfillWindowSeconds int `envconfig:"SCHED_BACKFILL_WINDOW_SECONDS" default:"0"`
		ClaimStaleMinutes     int `envconfig:"SCHED_CLAIM_STALE_MINUTES" default:"10"`
	} `envconfig:""`

	Bridge struct {
		Token               string   `envconfig:"BRIDGE_TOKEN"`
		SigningSecret       string   `envconfig:"BRIDGE_SIGNING_SECRET"`
		SkewSeconds         int      `envconfig:"BRIDGE_SKEW_SECONDS" default:"300"`
		RateLimitPerMinute  int      `envconfig:"BRIDGE_RATE_LIMIT" default:"10"`
		MaxBodyBytes        int64    `envconfig:"BRIDGE_MAX_BODY_BYTES" default:"65536"`
		AllowedSlots        []string `envconfig:"BRIDGE_ALLOWED_SLOTS" default:"primary"`
		AllowedMediaHosts   []string `envconfig:"BRIDGE_ALLOWED_MEDIA_HOSTS"`
		UploadRoot          string   `envconfig:"UPLOAD_ROOT" default:"./uploads"`
		FetchTimeoutSeconds int      `envconfig:"BRIDGE_FETCH_TIMEOUT_SECONDS" default:"12"`
		MediaMaxBytes       int64    `envconfig:"BRIDGE_MEDIA_MAX_BYTES" default:"5242880"`
		IdempotencyTTLHours int      `envconfig:"BRIDGE_IDEMPOTENCY_TTL_HOURS" default:"24"`
	} `envconfig:""`

	Queues struct {
		Process string `envconfig:"PROCESS_QUEUE_KEY" default:"process_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	if time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second < minSchedulerInterval {
		cfg.Scheduler.IntervalSeconds = int(minSchedulerInterval / time.Second)
	}
	return cfg
}

// SchedulerInterval возвращает интервал цикла доставки.
func (c AppConfig) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// SignatureSkew возвращает допустимое окно расхождения часов моста.
func (c AppConfig) SignatureSkew() time.Duration {
	return time.Duration(c.Bridge.SkewSeconds) * time.Second
}
