package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"autoposter/internal/domain"
	"autoposter/internal/infra/metrics"
)

// RedisProcessQueue реализует очередь задач на базе Redis lists.
// Запасной вариант для деплоев без RabbitMQ.
type RedisProcessQueue struct {
	client *redis.Client
	key    string
}

// NewRedisProcessQueue создаёт очередь по указанному ключу.
func NewRedisProcessQueue(client *redis.Client, key string) *RedisProcessQueue {
	return &RedisProcessQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisProcessQueue) Enqueue(ctx context.Context, job domain.ProcessJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RedisProcessQueue) Pop(ctx context.Context) (domain.ProcessJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.ProcessJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.ProcessJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.ProcessJob{}, err
		}
		if len(res) != 2 {
			return domain.ProcessJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.ProcessJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.ProcessJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
