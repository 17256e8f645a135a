package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"autoposter/internal/domain"
	"autoposter/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.QueueRepo       = (*Postgres)(nil)
	_ domain.AccountRepo     = (*Postgres)(nil)
	_ domain.IdempotencyRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const postColumns = `id, slot, text_body, media_refs, reply_to_id, community_id, publish_at, status, fingerprint, external_id, last_error, error_kind, thread_id, thread_index, created_at, updated_at`

func scanPost(row pgx.Row) (domain.Post, error) {
	var (
		post        domain.Post
		status      string
		fingerprint sql.NullString
		threadID    sql.NullString
		threadIndex sql.NullInt32
	)
	err := row.Scan(&post.ID, &post.Slot, &post.Text, &post.MediaRefs, &post.ReplyToID, &post.CommunityID, &post.PublishAt, &status, &fingerprint, &post.ExternalID, &post.LastError, &post.ErrorKind, &threadID, &threadIndex, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return domain.Post{}, err
	}
	post.Status = domain.PostStatus(status)
	if fingerprint.Valid {
		fp := fingerprint.String
		post.Fingerprint = &fp
	}
	if threadID.Valid {
		id := threadID.String
		post.ThreadID = &id
	}
	if threadIndex.Valid {
		idx := int(threadIndex.Int32)
		post.ThreadIndex = &idx
	}
	return post, nil
}

// CreatePost вставляет pending-пост. Конфликт по partial unique index
// (живой дубликат) не ошибка: возвращается строка победителя и
// created=false.
func (p *Postgres) CreatePost(ctx context.Context, post domain.Post) (domain.Post, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var fingerprint any
	if post.Fingerprint != nil {
		fingerprint = *post.Fingerprint
	}
	var threadID, threadIndex any
	if post.ThreadID != nil {
		threadID = *post.ThreadID
	}
	if post.ThreadIndex != nil {
		threadIndex = *post.ThreadIndex
	}
	if post.PublishAt.IsZero() {
		post.PublishAt = time.Now().UTC()
	}
	mediaRefs := post.MediaRefs
	if mediaRefs == nil {
		mediaRefs = []string{}
	}

	start := time.Now()
	created, err := scanPost(p.pool.QueryRow(ctx, `
INSERT INTO posts (slot, text_body, media_refs, reply_to_id, community_id, publish_at, fingerprint, thread_id, thread_index)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT DO NOTHING
RETURNING `+postColumns+`
`, post.Slot, post.Text, mediaRefs, post.ReplyToID, post.CommunityID, post.PublishAt, fingerprint, threadID, threadIndex))
	metrics.ObserveNetworkRequest("postgres", "posts_insert", "posts", start, err)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, false, err
	}

	// Конфликт. Проигравший создатель получает строку победителя.
	if post.Fingerprint == nil {
		return domain.Post{}, false, fmt.Errorf("вставка поста: конфликт без фингерпринта")
	}
	start = time.Now()
	existing, err := scanPost(p.pool.QueryRow(ctx, `
SELECT `+postColumns+` FROM posts
WHERE slot=$1 AND fingerprint=$2 AND status='pending'
`, post.Slot, *post.Fingerprint))
	metrics.ObserveNetworkRequest("postgres", "posts_get_duplicate", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, false, domain.ErrPostNotFound
	}
	if err != nil {
		return domain.Post{}, false, err
	}
	return existing, false, nil
}

// GetPost возвращает пост по id.
func (p *Postgres) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	post, err := scanPost(p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, id))
	metrics.ObserveNetworkRequest("postgres", "posts_get", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, domain.ErrPostNotFound
	}
	return post, err
}

// ListDue возвращает pending-посты, чьё время пришло.
func (p *Postgres) ListDue(ctx context.Context, now time.Time, slot string, limit int) ([]domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+` FROM posts
WHERE status='pending' AND publish_at <= $1 AND ($2 = '' OR slot = $2)
ORDER BY publish_at, id
LIMIT $3
`, now, slot, limit)
	metrics.ObserveNetworkRequest("postgres", "posts_list_due", "posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// ClaimPost атомарно захватывает пост. Из двух гоняющихся циклов
// условный UPDATE пройдёт ровно у одного.
func (p *Postgres) ClaimPost(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE posts SET status='claimed', updated_at=now()
WHERE id=$1 AND status='pending'
`, id)
	metrics.ObserveNetworkRequest("postgres", "posts_claim", "posts", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ReleaseClaim возвращает захваченный пост в pending.
func (p *Postgres) ReleaseClaim(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE posts SET status='pending', updated_at=now()
WHERE id=$1 AND status='claimed'
`, id)
	metrics.ObserveNetworkRequest("postgres", "posts_release_claim", "posts", start, err)
	return err
}

// ReleaseForRetry возвращает пост в pending, оставляя ошибку на записи.
func (p *Postgres) ReleaseForRetry(ctx context.Context, id int64, kind domain.ErrorKind, message string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE posts SET status='pending', last_error=$2, error_kind=$3, updated_at=now()
WHERE id=$1 AND status='claimed'
`, id, message, string(kind))
	metrics.ObserveNetworkRequest("postgres", "posts_release_retry", "posts", start, err)
	return err
}

// ReleaseStaleClaims возвращает в pending посты, застрявшие в claimed
// (процесс упал между клеймом и терминальным статусом).
func (p *Postgres) ReleaseStaleClaims(ctx context.Context, staleBefore time.Time) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE posts SET status='pending', updated_at=now()
WHERE status='claimed' AND updated_at < $1
`, staleBefore)
	metrics.ObserveNetworkRequest("postgres", "posts_release_stale", "posts", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// MarkPublished фиксирует успешную публикацию.
func (p *Postgres) MarkPublished(ctx context.Context, id int64, externalID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE posts SET status='published', external_id=$2, last_error='', error_kind='', updated_at=now()
WHERE id=$1 AND status='claimed'
`, id, externalID)
	metrics.ObserveNetworkRequest("postgres", "posts_mark_published", "posts", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// MarkFailed фиксирует неудачу; ошибка остаётся на записи, чтобы
// ретраи и операторский UI работали без корреляции по логам.
func (p *Postgres) MarkFailed(ctx context.Context, id int64, kind domain.ErrorKind, message string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE posts SET status='failed', last_error=$2, error_kind=$3, updated_at=now()
WHERE id=$1 AND status IN ('claimed','pending')
`, id, message, string(kind))
	metrics.ObserveNetworkRequest("postgres", "posts_mark_failed", "posts", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// CancelPost — явная операторская отмена pending-поста.
func (p *Postgres) CancelPost(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE posts SET status='cancelled', updated_at=now()
WHERE id=$1 AND status='pending'
`, id)
	metrics.ObserveNetworkRequest("postgres", "posts_cancel", "posts", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// RetryPost — единственный обратный переход: failed/cancelled → pending.
func (p *Postgres) RetryPost(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE posts SET status='pending', last_error='', error_kind='', updated_at=now()
WHERE id=$1 AND status IN ('failed','cancelled')
`, id)
	metrics.ObserveNetworkRequest("postgres", "posts_retry", "posts", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// ThreadPredecessor возвращает члена треда с индексом index-1.
func (p *Postgres) ThreadPredecessor(ctx context.Context, threadID string, index int) (domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	post, err := scanPost(p.pool.QueryRow(ctx, `
SELECT `+postColumns+` FROM posts
WHERE thread_id=$1 AND thread_index=$2
`, threadID, index-1))
	metrics.ObserveNetworkRequest("postgres", "posts_thread_predecessor", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, domain.ErrPostNotFound
	}
	return post, err
}

// GetBySlot возвращает аккаунт по имени слота.
func (p *Postgres) GetBySlot(ctx context.Context, slot string) (domain.Account, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var account domain.Account
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT slot, handle, access_token, active, created_at FROM accounts WHERE slot=$1
`, slot).Scan(&account.Slot, &account.Handle, &account.AccessToken, &account.Active, &account.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "accounts_get_by_slot", "accounts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return account, err
}

// GetByHandle возвращает аккаунт по handle (без учёта регистра и @).
func (p *Postgres) GetByHandle(ctx context.Context, handle string) (domain.Account, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	normalized := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	var account domain.Account
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT slot, handle, access_token, active, created_at FROM accounts WHERE lower(handle)=$1
`, normalized).Scan(&account.Slot, &account.Handle, &account.AccessToken, &account.Active, &account.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "accounts_get_by_handle", "accounts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return account, err
}

// ListActive возвращает активные аккаунты.
func (p *Postgres) ListActive(ctx context.Context) ([]domain.Account, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT slot, handle, access_token, active, created_at FROM accounts WHERE active ORDER BY slot
`)
	metrics.ObserveNetworkRequest("postgres", "accounts_list_active", "accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []domain.Account
	for rows.Next() {
		var account domain.Account
		if err := rows.Scan(&account.Slot, &account.Handle, &account.AccessToken, &account.Active, &account.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// Get возвращает идемпотентную запись.
func (p *Postgres) Get(ctx context.Context, scope, key string) (domain.IdempotencyRecord, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var record domain.IdempotencyRecord
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT scope, key, result, created_at, expires_at FROM idempotency_records WHERE scope=$1 AND key=$2
`, scope, key).Scan(&record.Scope, &record.Key, &record.Result, &record.CreatedAt, &record.ExpiresAt)
	metrics.ObserveNetworkRequest("postgres", "idempotency_get", "idempotency_records", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return record, true, nil
}

// Insert пишет запись insert-with-conflict: при нарушении PK (scope, key)
// возвращает запись победителя и inserted=false.
func (p *Postgres) Insert(ctx context.Context, record domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records (scope, key, result, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5)
`, record.Scope, record.Key, record.Result, record.CreatedAt, record.ExpiresAt)
	metrics.ObserveNetworkRequest("postgres", "idempotency_insert", "idempotency_records", start, err)
	if err == nil {
		return record, true, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return domain.IdempotencyRecord{}, false, err
	}

	stored, found, err := p.Get(ctx, record.Scope, record.Key)
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	if !found {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("идемпотентность: конфликт без записи победителя")
	}
	return stored, false, nil
}

// Sweep удаляет просроченные записи.
func (p *Postgres) Sweep(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, now)
	metrics.ObserveNetworkRequest("postgres", "idempotency_sweep", "idempotency_records", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
