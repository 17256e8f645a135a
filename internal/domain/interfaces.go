package domain

import (
	"context"
	"time"
)

// QueueRepo управляет отложенными публикациями.
type QueueRepo interface {
	// CreatePost вставляет pending-пост. При конфликте по фингерпринту
	// (живой дубликат для того же слота) возвращает существующую запись
	// и created=false — это механизм, который сводит гонку двух
	// создателей к одной выжившей строке.
	CreatePost(ctx context.Context, post Post) (Post, bool, error)
	GetPost(ctx context.Context, id int64) (Post, error)
	// ListDue возвращает pending-посты с publish_at <= now, упорядоченные
	// по publish_at, затем id. Пустой slot означает все слоты.
	ListDue(ctx context.Context, now time.Time, slot string, limit int) ([]Post, error)
	// ClaimPost атомарно переводит pending → claimed. Возвращает false,
	// если пост уже захвачен конкурирующим циклом.
	ClaimPost(ctx context.Context, id int64) (bool, error)
	// ReleaseClaim возвращает claimed-пост в pending (член треда, чей
	// предшественник ещё не опубликован).
	ReleaseClaim(ctx context.Context, id int64) error
	// ReleaseForRetry возвращает claimed-пост в pending, фиксируя на
	// записи последнюю ошибку: ретраибельный сбой должен быть виден
	// оператору, а не только логам.
	ReleaseForRetry(ctx context.Context, id int64, kind ErrorKind, message string) error
	// ReleaseStaleClaims возвращает в pending посты, застрявшие в claimed
	// с момента staleBefore (восстановление после падения процесса).
	ReleaseStaleClaims(ctx context.Context, staleBefore time.Time) (int64, error)
	MarkPublished(ctx context.Context, id int64, externalID string) error
	MarkFailed(ctx context.Context, id int64, kind ErrorKind, message string) error
	// CancelPost — pending → cancelled, явное действие оператора.
	CancelPost(ctx context.Context, id int64) error
	// RetryPost — failed/cancelled → pending, единственный обратный переход.
	RetryPost(ctx context.Context, id int64) error
	// ThreadPredecessor возвращает члена треда с индексом index-1.
	ThreadPredecessor(ctx context.Context, threadID string, index int) (Post, error)
}

// AccountRepo читает стор кредов подключённых аккаунтов.
type AccountRepo interface {
	GetBySlot(ctx context.Context, slot string) (Account, error)
	GetByHandle(ctx context.Context, handle string) (Account, error)
	ListActive(ctx context.Context) ([]Account, error)
}

// IdempotencyRepo — durable-стор идемпотентных записей. Корректность
// требует настоящего ограничения уникальности (scope, key) в сторе.
type IdempotencyRepo interface {
	Get(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error)
	// Insert пишет запись insert-with-conflict. При конфликте возвращает
	// запись победителя и inserted=false.
	Insert(ctx context.Context, record IdempotencyRecord) (IdempotencyRecord, bool, error)
	// Sweep удаляет просроченные записи. Чистка advisory: ключ обязан
	// возвращать исходный результат и до свипа.
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Publisher — внешняя способность публикации, общая для планировщика
// и моста.
type Publisher interface {
	UploadMedia(ctx context.Context, slot string, blob MediaBlob) (string, error)
	CreatePost(ctx context.Context, in PublishInput) (PublishResult, error)
}

// MediaResolver превращает ссылку на медиа (локальный upload или
// внешний URL) в проверенный блоб.
type MediaResolver interface {
	Resolve(ctx context.Context, ref string) (MediaBlob, error)
}

// ReplayStore подавляет повтор подписанных запросов в окне clock-skew.
// Реализация process-local (memory) или общая (redis) — выбирается
// на wiring, сигнатуры вызовов не меняются.
type ReplayStore interface {
	// Seen регистрирует ключ на ttl и возвращает true, если ключ уже
	// был зарегистрирован (replay).
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RateStore считает запросы в фиксированной корзине времени.
type RateStore interface {
	// Incr инкрементирует корзину ключа и возвращает текущий счётчик и
	// время до сброса корзины.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}
