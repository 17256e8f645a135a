// Package queue отвечает за постановку публикаций: дедупликация по
// фингерпринту происходит здесь, при создании, потому что именно этот
// пул позже выгребает планировщик.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autoposter/internal/domain"
	"autoposter/internal/infra/metrics"
	"autoposter/internal/usecase/fingerprint"
)

// ErrValidation возвращается на некорректный запрос постановки.
var ErrValidation = errors.New("invalid enqueue request")

// Service реализует постановку и операторские переходы статусов.
type Service struct {
	repo      domain.QueueRepo
	accounts  domain.AccountRepo
	media     domain.MediaResolver
	charLimit int
	log       zerolog.Logger
}

// Cleaner — опциональная способность удалять локальные медиа.
type Cleaner interface {
	Cleanup(ref string) error
}

// NewService создаёт сервис очереди.
func NewService(repo domain.QueueRepo, accounts domain.AccountRepo, media domain.MediaResolver, charLimit int, log zerolog.Logger) *Service {
	if charLimit <= 0 {
		charLimit = 280
	}
	return &Service{repo: repo, accounts: accounts, media: media, charLimit: charLimit, log: log}
}

// CreateParams описывает постановку одного поста.
type CreateParams struct {
	Slot        string
	Text        string
	MediaRefs   []string
	ReplyToID   string
	CommunityID string
	PublishAt   *time.Time
	ThreadID    *string
	ThreadIndex *int
	SkipDedupe  bool
}

// CreateResult — созданный пост или существующий дубликат.
type CreateResult struct {
	Post    domain.Post
	Skipped bool
}

// Enqueue ставит пост в очередь. Живой дубликат — не ошибка: возвращается
// существующая запись с флагом Skipped.
func (s *Service) Enqueue(ctx context.Context, params CreateParams) (CreateResult, error) {
	text := strings.TrimSpace(params.Text)
	if text == "" {
		return CreateResult{}, fmt.Errorf("%w: пустой текст", ErrValidation)
	}
	if len([]rune(text)) > s.charLimit {
		return CreateResult{}, fmt.Errorf("%w: текст длиннее %d символов", ErrValidation, s.charLimit)
	}
	if len(params.MediaRefs) > domain.MaxMediaPerPost {
		return CreateResult{}, fmt.Errorf("%w: больше %d медиа", ErrValidation, domain.MaxMediaPerPost)
	}
	if _, err := s.accounts.GetBySlot(ctx, params.Slot); err != nil {
		return CreateResult{}, fmt.Errorf("%w: слот %q не подключён", ErrValidation, params.Slot)
	}
	if (params.ThreadID == nil) != (params.ThreadIndex == nil) {
		return CreateResult{}, fmt.Errorf("%w: thread id и index задаются вместе", ErrValidation)
	}

	publishAt := time.Now().UTC()
	if params.PublishAt != nil {
		publishAt = params.PublishAt.UTC()
	}

	post := domain.Post{
		Slot:        params.Slot,
		Text:        text,
		MediaRefs:   params.MediaRefs,
		ReplyToID:   params.ReplyToID,
		CommunityID: params.CommunityID,
		PublishAt:   publishAt,
		Status:      domain.PostStatusPending,
		ThreadID:    params.ThreadID,
		ThreadIndex: params.ThreadIndex,
	}
	if !params.SkipDedupe {
		if key := fingerprint.Compute(params.Slot, text); key != "" {
			post.Fingerprint = &key
		}
	}

	created, inserted, err := s.repo.CreatePost(ctx, post)
	if err != nil {
		return CreateResult{}, fmt.Errorf("постановка поста: %w", err)
	}
	if !inserted {
		metrics.DuplicatesSkipped.WithLabelValues(params.Slot).Inc()
		s.log.Info().Int64("post_id", created.ID).Str("slot", params.Slot).Msg("очередь: дубликат, возвращаем существующий пост")
		return CreateResult{Post: created, Skipped: true}, nil
	}
	return CreateResult{Post: created}, nil
}

// EnqueueThread ставит упорядоченный тред: элементы делят thread id,
// индексы присваиваются по порядку. Дедуп внутри треда не применяется —
// продолжение треда не дубликат его начала.
func (s *Service) EnqueueThread(ctx context.Context, slot string, texts []string, publishAt *time.Time) ([]domain.Post, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: пустой тред", ErrValidation)
	}
	threadID := uuid.New().String()
	posts := make([]domain.Post, 0, len(texts))
	for index, text := range texts {
		idx := index
		result, err := s.Enqueue(ctx, CreateParams{
			Slot:        slot,
			Text:        text,
			PublishAt:   publishAt,
			ThreadID:    &threadID,
			ThreadIndex: &idx,
			SkipDedupe:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("тред, элемент %d: %w", index, err)
		}
		posts = append(posts, result.Post)
	}
	return posts, nil
}

// Cancel отменяет pending-пост и best-effort удаляет его локальные медиа.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	post, err := s.repo.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.CancelPost(ctx, id); err != nil {
		return err
	}
	if cleaner, ok := s.media.(Cleaner); ok {
		for _, ref := range post.MediaRefs {
			if err := cleaner.Cleanup(ref); err != nil {
				s.log.Warn().Err(err).Str("ref", ref).Msg("очередь: не удалось удалить медиа")
			}
		}
	}
	return nil
}

// Retry возвращает failed/cancelled пост в pending.
func (s *Service) Retry(ctx context.Context, id int64) error {
	return s.repo.RetryPost(ctx, id)
}
