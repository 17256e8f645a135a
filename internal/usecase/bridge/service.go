// Package bridge — доменная часть подписанного моста: после того как
// транспорт проверил токен, подпись и лимиты, сервис резолвит слот,
// медиа и либо публикует сразу, либо ставит пост в очередь.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autoposter/internal/domain"
	"autoposter/internal/usecase/queue"
)

var (
	// ErrPayload — запрос не прошёл разбор или валидацию (ответ 400).
	ErrPayload = errors.New("invalid bridge payload")
	// ErrSlotForbidden — слот существует, но мосту не разрешён (ответ 403).
	ErrSlotForbidden = errors.New("slot not allowed for bridge")
	// ErrUpstream — платформа публикации недоступна (ответ 502).
	ErrUpstream = errors.New("platform unavailable")
)

// Service реализует доменный пайплайн моста.
type Service struct {
	accounts     domain.AccountRepo
	queue        *queue.Service
	pub          domain.Publisher
	media        domain.MediaResolver
	allowedSlots []string
	charLimit    int
	log          zerolog.Logger
}

// NewService создаёт сервис моста. allowedSlots не бывает пустым:
// мост без allow-list — ошибка конфигурации, ловится в main.
func NewService(accounts domain.AccountRepo, queueSvc *queue.Service, pub domain.Publisher, media domain.MediaResolver, allowedSlots []string, charLimit int, log zerolog.Logger) *Service {
	if charLimit <= 0 {
		charLimit = 280
	}
	return &Service{
		accounts:     accounts,
		queue:        queueSvc,
		pub:          pub,
		media:        media,
		allowedSlots: allowedSlots,
		charLimit:    charLimit,
		log:          log,
	}
}

// Response — ответ моста. Queued-поля заполнены при постановке в
// очередь, ExternalID — при немедленной публикации.
type Response struct {
	OK         bool            `json:"ok"`
	DryRun     bool            `json:"dry_run,omitempty"`
	Slot       string          `json:"slot"`
	ExternalID string          `json:"external_id,omitempty"`
	QueuedIDs  []int64         `json:"queued_ids,omitempty"`
	Skipped    bool            `json:"skipped,omitempty"`
	Echo       json.RawMessage `json:"echo,omitempty"`
}

// Handle выполняет доменную часть запроса моста: резолв слота,
// валидация, медиа и публикация либо постановка.
func (s *Service) Handle(ctx context.Context, payload Payload, rawBody []byte) (Response, error) {
	slot, err := s.resolveSlot(ctx, payload)
	if err != nil {
		return Response{}, err
	}
	if !s.slotAllowed(slot) {
		return Response{}, fmt.Errorf("%w: %s", ErrSlotForbidden, slot)
	}

	if len(payload.Thread) > 0 {
		return s.handleThread(ctx, slot, payload)
	}

	if count := len([]rune(payload.Text)); count > s.charLimit {
		return Response{}, fmt.Errorf("%w: текст %d символов при лимите %d", ErrPayload, count, s.charLimit)
	}
	if len(payload.MediaRefs) > domain.MaxMediaPerPost {
		return Response{}, fmt.Errorf("%w: больше %d медиа", ErrPayload, domain.MaxMediaPerPost)
	}

	if payload.DryRun {
		// Dry run проходит весь пайплайн, включая резолв медиа, и
		// останавливается только перед публикацией: эхо позволяет
		// автоматизации увидеть, как мост разобрал её payload.
		if err := s.resolveMediaOnly(ctx, payload.MediaRefs); err != nil {
			return Response{}, err
		}
		return Response{OK: true, DryRun: true, Slot: slot, Echo: json.RawMessage(rawBody)}, nil
	}

	// Отложенная публикация уходит в очередь планировщика.
	if payload.PublishAt != nil && payload.PublishAt.After(time.Now().UTC()) {
		return s.enqueue(ctx, slot, payload)
	}
	return s.publishNow(ctx, slot, payload)
}

func (s *Service) resolveSlot(ctx context.Context, payload Payload) (string, error) {
	if payload.Slot != "" {
		if _, err := s.accounts.GetBySlot(ctx, payload.Slot); err != nil {
			return "", fmt.Errorf("%w: слот %q не подключён", ErrPayload, payload.Slot)
		}
		return payload.Slot, nil
	}
	if payload.Handle != "" {
		account, err := s.accounts.GetByHandle(ctx, payload.Handle)
		if err != nil {
			return "", fmt.Errorf("%w: handle %q не подключён", ErrPayload, payload.Handle)
		}
		return account.Slot, nil
	}
	if len(s.allowedSlots) > 0 {
		return s.allowedSlots[0], nil
	}
	return "", fmt.Errorf("%w: слот не указан", ErrPayload)
}

func (s *Service) slotAllowed(slot string) bool {
	for _, allowed := range s.allowedSlots {
		if strings.EqualFold(strings.TrimSpace(allowed), slot) {
			return true
		}
	}
	return false
}

func (s *Service) handleThread(ctx context.Context, slot string, payload Payload) (Response, error) {
	for i, part := range payload.Thread {
		if count := len([]rune(part)); count > s.charLimit {
			return Response{}, fmt.Errorf("%w: элемент треда %d длиннее %d символов", ErrPayload, i, s.charLimit)
		}
	}
	if payload.DryRun {
		if err := s.resolveMediaOnly(ctx, payload.MediaRefs); err != nil {
			return Response{}, err
		}
		return Response{OK: true, DryRun: true, Slot: slot}, nil
	}
	posts, err := s.queue.EnqueueThread(ctx, slot, payload.Thread, payload.PublishAt)
	if err != nil {
		if errors.Is(err, queue.ErrValidation) {
			return Response{}, fmt.Errorf("%w: %v", ErrPayload, err)
		}
		return Response{}, err
	}
	ids := make([]int64, len(posts))
	for i, post := range posts {
		ids[i] = post.ID
	}
	return Response{OK: true, Slot: slot, QueuedIDs: ids}, nil
}

func (s *Service) enqueue(ctx context.Context, slot string, payload Payload) (Response, error) {
	result, err := s.queue.Enqueue(ctx, queue.CreateParams{
		Slot:        slot,
		Text:        payload.Text,
		MediaRefs:   payload.MediaRefs,
		ReplyToID:   payload.ReplyToID,
		CommunityID: payload.CommunityID,
		PublishAt:   payload.PublishAt,
		SkipDedupe:  payload.SkipDedupe,
	})
	if err != nil {
		if errors.Is(err, queue.ErrValidation) {
			return Response{}, fmt.Errorf("%w: %v", ErrPayload, err)
		}
		return Response{}, err
	}
	return Response{OK: true, Slot: slot, QueuedIDs: []int64{result.Post.ID}, Skipped: result.Skipped}, nil
}

// resolveMediaOnly проверяет доступность каждого медиа без загрузки
// на платформу: побочных эффектов dry run не оставляет.
func (s *Service) resolveMediaOnly(ctx context.Context, refs []string) error {
	for _, ref := range refs {
		if _, err := s.media.Resolve(ctx, ref); err != nil {
			return fmt.Errorf("%w: медиа %s отклонено: %v", ErrPayload, ref, err)
		}
	}
	return nil
}

// publishNow резолвит медиа и публикует немедленно, минуя очередь.
func (s *Service) publishNow(ctx context.Context, slot string, payload Payload) (Response, error) {
	mediaIDs := make([]string, 0, len(payload.MediaRefs))
	for _, ref := range payload.MediaRefs {
		blob, err := s.media.Resolve(ctx, ref)
		if err != nil {
			return Response{}, fmt.Errorf("%w: медиа %s отклонено: %v", ErrPayload, ref, err)
		}
		id, err := s.pub.UploadMedia(ctx, slot, blob)
		if err != nil {
			return Response{}, fmt.Errorf("%w: загрузка медиа: %v", ErrUpstream, err)
		}
		mediaIDs = append(mediaIDs, id)
	}

	result, err := s.pub.CreatePost(ctx, domain.PublishInput{
		Slot:        slot,
		Text:        payload.Text,
		MediaIDs:    mediaIDs,
		ReplyToID:   payload.ReplyToID,
		CommunityID: payload.CommunityID,
	})
	if err != nil {
		classified := domain.ClassifyPublishError(err)
		if classified.Kind.Retryable() {
			return Response{}, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return Response{}, fmt.Errorf("%w: платформа отклонила пост: %v", ErrPayload, err)
	}
	s.log.Info().Str("slot", slot).Str("external_id", result.ExternalID).Msg("мост: пост опубликован")
	return Response{OK: true, Slot: slot, ExternalID: result.ExternalID}, nil
}
