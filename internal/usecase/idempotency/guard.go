// Package idempotency защищает мутирующие операции от повторного
// выполнения по ключу клиента. Guard дедуплицирует ответ: сам побочный
// эффект и запись результата должны быть настолько атомарны, насколько
// позволяет стор (insert-with-conflict, не check-then-insert).
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"autoposter/internal/domain"
)

// Guard оборачивает операции durable-стором идемпотентных записей.
type Guard struct {
	records domain.IdempotencyRepo
	ttl     time.Duration
	log     zerolog.Logger
}

// NewGuard создаёт guard с заданным сроком жизни записей.
func NewGuard(records domain.IdempotencyRepo, ttl time.Duration, log zerolog.Logger) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{records: records, ttl: ttl, log: log}
}

// Do выполняет операцию под защитой ключа. Пустой ключ — операция
// выполняется без защиты. Найденная запись — возвращается сохранённый
// результат без вызова операции. Конфликт записи означает, что
// конкурирующий вызов успел первым: локальный результат отбрасывается,
// возвращается результат победителя.
func (g *Guard) Do(ctx context.Context, scope, key string, op func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	if key == "" {
		result, err := op(ctx)
		return result, false, err
	}

	if record, found, err := g.records.Get(ctx, scope, key); err != nil {
		return nil, false, fmt.Errorf("чтение идемпотентной записи: %w", err)
	} else if found {
		return record.Result, true, nil
	}

	result, err := op(ctx)
	if err != nil {
		// Неудачная операция не фиксируется: повтор с тем же ключом
		// получает шанс выполниться заново.
		return nil, false, err
	}

	now := time.Now().UTC()
	stored, inserted, err := g.records.Insert(ctx, domain.IdempotencyRecord{
		Scope:     scope,
		Key:       key,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	})
	if err != nil {
		return nil, false, fmt.Errorf("запись идемпотентной записи: %w", err)
	}
	if !inserted {
		g.log.Debug().Str("scope", scope).Str("key", key).Msg("идемпотентность: конфликт, возвращаем результат победителя")
		return stored.Result, true, nil
	}
	return result, false, nil
}

// Sweep удаляет просроченные записи. Вызывается периодически; чистка
// не влияет на корректность, только на объём стора.
func (g *Guard) Sweep(ctx context.Context) {
	removed, err := g.records.Sweep(ctx, time.Now().UTC())
	if err != nil {
		g.log.Error().Err(err).Msg("идемпотентность: ошибка свипа")
		return
	}
	if removed > 0 {
		g.log.Debug().Int64("removed", removed).Msg("идемпотентность: свип записей")
	}
}
