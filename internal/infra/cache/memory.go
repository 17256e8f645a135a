// Package cache содержит реализации Rate/Replay-сторов моста.
// Memory-вариант защищает один процесс; для нескольких инстансов за
// балансировщиком используется redis-вариант — интерфейсы в domain
// одинаковые, ограничение снимается выбором стора на wiring.
package cache

import (
	"context"
	"sync"
	"time"
)

// Ленивая чистка запускается, когда карта переросла порог.
const sweepThreshold = 4096

type memoryEntry struct {
	count   int64
	expires time.Time
}

// Memory — процесс-локальный стор корзин и replay-ключей.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory создаёт стор.
func NewMemory() *Memory {
	return &Memory{entries: map[string]memoryEntry{}, now: time.Now}
}

// Incr инкрементирует корзину ключа. Первая запись фиксирует момент
// сброса корзины; по истечении окна счёт начинается заново.
func (m *Memory) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweepLocked(now)
	entry, ok := m.entries[key]
	if !ok || !entry.expires.After(now) {
		entry = memoryEntry{count: 0, expires: now.Add(window)}
	}
	entry.count++
	m.entries[key] = entry
	return entry.count, entry.expires.Sub(now), nil
}

// Seen регистрирует ключ на ttl и возвращает true при повторе.
func (m *Memory) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweepLocked(now)
	if entry, ok := m.entries[key]; ok && entry.expires.After(now) {
		return true, nil
	}
	m.entries[key] = memoryEntry{count: 1, expires: now.Add(ttl)}
	return false, nil
}

func (m *Memory) sweepLocked(now time.Time) {
	if len(m.entries) < sweepThreshold {
		return
	}
	for key, entry := range m.entries {
		if !entry.expires.After(now) {
			delete(m.entries, key)
		}
	}
}
