// Package delivery — цикл доставки: выгребает созревшие pending-посты,
// захватывает каждый атомарно и публикует. Захват через conditional
// UPDATE гарантирует exactly-once даже при нескольких конкурирующих
// процессах планировщика.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"autoposter/internal/domain"
	"autoposter/internal/infra/metrics"
)

// Config описывает параметры цикла.
type Config struct {
	// BatchSize — максимум постов на один проход.
	BatchSize int
	// ThreadMaxWait — сколько член треда может ждать публикации
	// предшественника, прежде чем падает навсегда.
	ThreadMaxWait time.Duration
	// BackfillWindow — допустимое опоздание publish_at. Ноль: опоздание
	// не ограничено, после простоя публикуется весь бэклог.
	BackfillWindow time.Duration
}

// Service реализует цикл доставки.
type Service struct {
	repo  domain.QueueRepo
	pub   domain.Publisher
	media domain.MediaResolver
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

// NewService создаёт цикл доставки.
func NewService(repo domain.QueueRepo, pub domain.Publisher, media domain.MediaResolver, cfg Config, log zerolog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.ThreadMaxWait <= 0 {
		cfg.ThreadMaxWait = time.Hour
	}
	return &Service{repo: repo, pub: pub, media: media, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow подменяет часы (тесты).
func (s *Service) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RunCycle обрабатывает созревшие посты всех слотов.
func (s *Service) RunCycle(ctx context.Context) error {
	return s.RunSlot(ctx, "")
}

// RunSlot обрабатывает созревшие посты одного слота (пустой слот — все).
// Ошибка одного поста не прерывает проход: пост помечается failed или
// возвращается в pending, цикл идёт дальше.
func (s *Service) RunSlot(ctx context.Context, slot string) error {
	start := s.now()
	defer func() {
		metrics.SchedulerCycleSeconds.Observe(time.Since(start).Seconds())
	}()

	due, err := s.repo.ListDue(ctx, start, slot, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("выборка созревших постов: %w", err)
	}
	for _, post := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := s.repo.ClaimPost(ctx, post.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("post_id", post.ID).Msg("доставка: ошибка захвата")
			continue
		}
		if !claimed {
			// Пост успел захватить конкурирующий цикл.
			metrics.ClaimConflicts.Inc()
			continue
		}
		s.deliver(ctx, post)
	}
	return nil
}

// deliver публикует один захваченный пост.
func (s *Service) deliver(ctx context.Context, post domain.Post) {
	now := s.now()

	if s.cfg.BackfillWindow > 0 && now.Sub(post.PublishAt) > s.cfg.BackfillWindow {
		s.fail(ctx, post, domain.ErrorKindMissedWindow, fmt.Sprintf("окно публикации пропущено более чем на %s", s.cfg.BackfillWindow))
		return
	}

	replyTo := post.ReplyToID
	if post.IsThreadMember() && *post.ThreadIndex > 0 {
		predecessorID, ok := s.threadReady(ctx, post, now)
		if !ok {
			return
		}
		replyTo = predecessorID
	}

	mediaIDs, err := s.uploadMedia(ctx, post)
	if err != nil {
		s.handlePublishError(ctx, post, err)
		return
	}

	result, err := s.pub.CreatePost(ctx, domain.PublishInput{
		Slot:        post.Slot,
		Text:        post.Text,
		MediaIDs:    mediaIDs,
		ReplyToID:   replyTo,
		CommunityID: post.CommunityID,
	})
	metrics.ObservePublish(post.Slot, err)
	if err != nil {
		s.handlePublishError(ctx, post, err)
		return
	}

	if err := s.repo.MarkPublished(ctx, post.ID, result.ExternalID); err != nil {
		s.log.Error().Err(err).Int64("post_id", post.ID).Str("external_id", result.ExternalID).
			Msg("доставка: пост опубликован, но статус не записан")
		return
	}
	s.log.Info().Int64("post_id", post.ID).Str("slot", post.Slot).Str("external_id", result.ExternalID).Msg("доставка: пост опубликован")
}

// threadReady проверяет готовность предшественника. Возвращает его
// внешний id и false, если публиковать пока нельзя (пост уже возвращён
// в pending или помечен failed).
func (s *Service) threadReady(ctx context.Context, post domain.Post, now time.Time) (string, bool) {
	predecessor, err := s.repo.ThreadPredecessor(ctx, *post.ThreadID, *post.ThreadIndex)
	if err != nil {
		if errors.Is(err, domain.ErrPostNotFound) {
			s.fail(ctx, post, domain.ErrorKindUnknownReply, "предшественник треда не найден")
			return "", false
		}
		s.release(ctx, post)
		return "", false
	}
	if predecessor.Status == domain.PostStatusPublished && predecessor.ExternalID != "" {
		return predecessor.ExternalID, true
	}
	// Предшественник ещё не опубликован. Застрявший навсегда член треда
	// не должен вечно крутиться в очереди.
	if now.Sub(post.PublishAt) > s.cfg.ThreadMaxWait {
		s.fail(ctx, post, domain.ErrorKindUnknownReply, "предшественник треда так и не был опубликован")
		return "", false
	}
	s.release(ctx, post)
	return "", false
}

func (s *Service) uploadMedia(ctx context.Context, post domain.Post) ([]string, error) {
	if len(post.MediaRefs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(post.MediaRefs))
	for _, ref := range post.MediaRefs {
		blob, err := s.media.Resolve(ctx, ref)
		if err != nil {
			return nil, &domain.PublishError{Kind: domain.ErrorKindContentPolicy, Message: fmt.Sprintf("медиа %s недоступно", ref), Err: err}
		}
		id, err := s.pub.UploadMedia(ctx, post.Slot, blob)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// handlePublishError решает судьбу поста по классу ошибки: ретраибельные
// возвращаются в pending с зафиксированной ошибкой, остальные — failed.
func (s *Service) handlePublishError(ctx context.Context, post domain.Post, err error) {
	classified := domain.ClassifyPublishError(err)
	if classified.Kind.Retryable() {
		s.log.Warn().Err(err).Int64("post_id", post.ID).Str("kind", string(classified.Kind)).
			Msg("доставка: временная ошибка, пост вернётся в очередь")
		message := classified.Message
		if message == "" {
			message = classified.Error()
		}
		if err := s.repo.ReleaseForRetry(ctx, post.ID, classified.Kind, message); err != nil {
			s.log.Error().Err(err).Int64("post_id", post.ID).Msg("доставка: не удалось вернуть пост в pending")
		}
		return
	}
	s.fail(ctx, post, classified.Kind, classified.Message)
}

func (s *Service) fail(ctx context.Context, post domain.Post, kind domain.ErrorKind, message string) {
	if err := s.repo.MarkFailed(ctx, post.ID, kind, message); err != nil {
		s.log.Error().Err(err).Int64("post_id", post.ID).Msg("доставка: не удалось пометить пост failed")
		return
	}
	s.log.Warn().Int64("post_id", post.ID).Str("kind", string(kind)).Str("reason", message).Msg("доставка: пост помечен failed")
}

func (s *Service) release(ctx context.Context, post domain.Post) {
	if err := s.repo.ReleaseClaim(ctx, post.ID); err != nil {
		s.log.Error().Err(err).Int64("post_id", post.ID).Msg("доставка: не удалось вернуть пост в pending")
	}
}
