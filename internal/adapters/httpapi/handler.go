// Package httpapi — HTTP-транспорт моста и операторского API. Порядок
// проверок моста фиксирован: токен, rate limit, размер тела, подпись,
// replay, разбор payload. Дешёвые отказы идут раньше дорогих.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"autoposter/internal/domain"
	infrahttp "autoposter/internal/infra/http"
	"autoposter/internal/infra/metrics"
	"autoposter/internal/usecase/bridge"
	"autoposter/internal/usecase/idempotency"
	"autoposter/internal/usecase/queue"
)

// Config — транспортные параметры моста.
type Config struct {
	Token              string
	SigningSecret      string
	Skew               time.Duration
	RateLimitPerMinute int
	MaxBodyBytes       int64
}

// Handler связывает маршруты с usecase-слоем.
type Handler struct {
	cfg     Config
	bridge  *bridge.Service
	queue   *queue.Service
	guard   *idempotency.Guard
	rate    domain.RateStore
	replay  domain.ReplayStore
	process domain.ProcessQueue
	log     zerolog.Logger
	now     func() time.Time
}

// NewHandler создаёт обработчик. process может быть nil: тогда
// внеплановый прогон недоступен (api без брокера).
func NewHandler(cfg Config, bridgeSvc *bridge.Service, queueSvc *queue.Service, guard *idempotency.Guard, rate domain.RateStore, replay domain.ReplayStore, process domain.ProcessQueue, log zerolog.Logger) *Handler {
	if cfg.Skew <= 0 {
		cfg.Skew = 5 * time.Minute
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 * 1024
	}
	return &Handler{
		cfg:     cfg,
		bridge:  bridgeSvc,
		queue:   queueSvc,
		guard:   guard,
		rate:    rate,
		replay:  replay,
		process: process,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNow подменяет часы (тесты).
func (h *Handler) SetNow(now func() time.Time) {
	if now != nil {
		h.now = now
	}
}

// Mount регистрирует маршруты.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/bridge/publish", h.handleBridgePublish)
		r.Post("/posts", h.handleCreatePost)
		r.Post("/posts/{id}/cancel", h.handleCancelPost)
		r.Post("/posts/{id}/retry", h.handleRetryPost)
		r.Post("/queue/process", h.handleProcessNow)
	})
}

// handleBridgePublish — полный пайплайн подписанного моста.
func (h *Handler) handleBridgePublish(w http.ResponseWriter, r *http.Request) {
	// Ответы моста содержат результаты публикации, кэшировать их нельзя.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if !bearerOK(r, h.cfg.Token) {
		h.reject(w, http.StatusUnauthorized, "unauthorized", "неверный или отсутствующий токен")
		return
	}

	count, retryAfter, err := h.rate.Incr(r.Context(), rateKey(r, h.cfg.Token), time.Minute)
	if err != nil {
		h.log.Error().Err(err).Msg("мост: ошибка rate store")
		h.reject(w, http.StatusInternalServerError, "internal", "внутренняя ошибка")
		return
	}
	if count > int64(h.cfg.RateLimitPerMinute) {
		metrics.RateLimited.Inc()
		seconds := int64(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		h.reject(w, http.StatusTooManyRequests, "rate_limited", "превышен лимит запросов")
		return
	}

	body, err := readBody(w, r, h.cfg.MaxBodyBytes)
	if err != nil {
		h.reject(w, http.StatusRequestEntityTooLarge, "body_too_large", fmt.Sprintf("тело больше %d байт", h.cfg.MaxBodyBytes))
		return
	}

	// Пустой секрет отключает подпись: мост работает только за bearer.
	// Replay-подавление без подписи бессмысленно — нет уникального ключа.
	if h.cfg.SigningSecret != "" {
		replayKey, err := verifySignature(h.cfg.SigningSecret, r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), body, h.now(), h.cfg.Skew)
		if err != nil {
			h.reject(w, http.StatusUnauthorized, "bad_signature", err.Error())
			return
		}
		// Подпись валидна в окне ±skew, значит replay-ключ должен жить
		// как минимум всё окно.
		seen, err := h.replay.Seen(r.Context(), replayKey, 2*h.cfg.Skew)
		if err != nil {
			h.log.Error().Err(err).Msg("мост: ошибка replay store")
			h.reject(w, http.StatusInternalServerError, "internal", "внутренняя ошибка")
			return
		}
		if seen {
			metrics.ReplayRejected.Inc()
			h.reject(w, http.StatusUnauthorized, "replay", "подпись уже использована")
			return
		}
	}

	payload, err := bridge.ParsePayload(body)
	if err != nil {
		h.reject(w, http.StatusBadRequest, "bad_payload", err.Error())
		return
	}

	idemKey := r.Header.Get("X-Idempotency-Key")
	if idemKey == "" {
		idemKey = payload.IdempotencyKey
	}
	result, replayed, err := h.guard.Do(r.Context(), "bridge_publish", idemKey, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := h.bridge.Handle(ctx, payload, body)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}
	if replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	metrics.BridgeRequests.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

func (h *Handler) writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrPayload):
		h.reject(w, http.StatusBadRequest, "bad_payload", err.Error())
	case errors.Is(err, bridge.ErrSlotForbidden):
		h.reject(w, http.StatusForbidden, "slot_forbidden", err.Error())
	case errors.Is(err, bridge.ErrUpstream):
		h.reject(w, http.StatusBadGateway, "upstream", err.Error())
	default:
		h.log.Error().Err(err).Msg("мост: необработанная ошибка")
		h.reject(w, http.StatusInternalServerError, "internal", "внутренняя ошибка")
	}
}

func (h *Handler) reject(w http.ResponseWriter, status int, code, msg string) {
	metrics.BridgeRequests.WithLabelValues(code).Inc()
	infrahttp.WriteError(w, status, code, msg)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

type createPostRequest struct {
	Slot        string   `json:"slot"`
	Text        string   `json:"text"`
	Thread      []string `json:"thread"`
	MediaRefs   []string `json:"media"`
	ReplyToID   string   `json:"reply_to"`
	CommunityID string   `json:"community_id"`
	PublishAt   string   `json:"publish_at"`
	SkipDedupe  bool     `json:"skip_dedupe"`
}

// handleCreatePost — операторская постановка поста, без HMAC: API
// закрыт тем же bearer-токеном.
func (h *Handler) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	if !bearerOK(r, h.cfg.Token) {
		infrahttp.WriteError(w, http.StatusUnauthorized, "unauthorized", "неверный или отсутствующий токен")
		return
	}
	body, err := readBody(w, r, h.cfg.MaxBodyBytes)
	if err != nil {
		infrahttp.WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", "тело слишком большое")
		return
	}
	var req createPostRequest
	if err := json.Unmarshal(body, &req); err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, "bad_payload", "тело не является JSON")
		return
	}

	var publishAt *time.Time
	if req.PublishAt != "" {
		at, err := time.Parse(time.RFC3339, req.PublishAt)
		if err != nil {
			infrahttp.WriteError(w, http.StatusBadRequest, "bad_payload", "publish_at должен быть в RFC3339")
			return
		}
		utc := at.UTC()
		publishAt = &utc
	}

	if len(req.Thread) > 0 {
		posts, err := h.queue.EnqueueThread(r.Context(), req.Slot, req.Thread, publishAt)
		if err != nil {
			h.writeQueueError(w, err)
			return
		}
		ids := make([]int64, len(posts))
		for i, post := range posts {
			ids[i] = post.ID
		}
		infrahttp.WriteJSON(w, http.StatusCreated, map[string]any{"ok": true, "queued_ids": ids})
		return
	}

	result, err := h.queue.Enqueue(r.Context(), queue.CreateParams{
		Slot:        req.Slot,
		Text:        req.Text,
		MediaRefs:   req.MediaRefs,
		ReplyToID:   req.ReplyToID,
		CommunityID: req.CommunityID,
		PublishAt:   publishAt,
		SkipDedupe:  req.SkipDedupe,
	})
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Skipped {
		status = http.StatusOK
	}
	infrahttp.WriteJSON(w, status, map[string]any{"ok": true, "post_id": result.Post.ID, "skipped": result.Skipped})
}

func (h *Handler) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrValidation):
		infrahttp.WriteError(w, http.StatusBadRequest, "bad_payload", err.Error())
	case errors.Is(err, domain.ErrPostNotFound):
		infrahttp.WriteError(w, http.StatusNotFound, "not_found", "пост не найден")
	case errors.Is(err, domain.ErrInvalidTransition):
		infrahttp.WriteError(w, http.StatusConflict, "invalid_transition", "недопустимый переход статуса")
	default:
		h.log.Error().Err(err).Msg("api: необработанная ошибка")
		infrahttp.WriteError(w, http.StatusInternalServerError, "internal", "внутренняя ошибка")
	}
}

func (h *Handler) handleCancelPost(w http.ResponseWriter, r *http.Request) {
	h.postTransition(w, r, h.queue.Cancel)
}

func (h *Handler) handleRetryPost(w http.ResponseWriter, r *http.Request) {
	h.postTransition(w, r, h.queue.Retry)
}

func (h *Handler) postTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64) error) {
	if !bearerOK(r, h.cfg.Token) {
		infrahttp.WriteError(w, http.StatusUnauthorized, "unauthorized", "неверный или отсутствующий токен")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, "bad_payload", "id должен быть числом")
		return
	}
	if err := op(r.Context(), id); err != nil {
		h.writeQueueError(w, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "post_id": id})
}

// handleProcessNow публикует задачу «обработать очередь сейчас» в
// trigger-очередь планировщика.
func (h *Handler) handleProcessNow(w http.ResponseWriter, r *http.Request) {
	if !bearerOK(r, h.cfg.Token) {
		infrahttp.WriteError(w, http.StatusUnauthorized, "unauthorized", "неверный или отсутствующий токен")
		return
	}
	if h.process == nil {
		infrahttp.WriteError(w, http.StatusServiceUnavailable, "no_broker", "trigger-очередь не настроена")
		return
	}
	var req struct {
		Slot string `json:"slot"`
	}
	if body, err := readBody(w, r, h.cfg.MaxBodyBytes); err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}
	job := domain.ProcessJob{Slot: req.Slot, Cause: domain.ProcessCauseManual, RequestedAt: h.now()}
	if err := h.process.Enqueue(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("api: не удалось поставить process-задачу")
		infrahttp.WriteError(w, http.StatusInternalServerError, "internal", "внутренняя ошибка")
		return
	}
	infrahttp.WriteJSON(w, http.StatusAccepted, map[string]any{"ok": true, "slot": req.Slot})
}
