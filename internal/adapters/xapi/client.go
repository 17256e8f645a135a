// Package xapi — клиент API платформы публикации. Самая интересная
// часть — маппинг ответов платформы в таксономию PublishError: от него
// зависит, будет ли пост ретраиться.
package xapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/infra/metrics"
)

// Config описывает подключение к платформе.
type Config struct {
	BaseURL   string
	UploadURL string
	Timeout   time.Duration
}

// Client выполняет запросы к платформе от имени аккаунтов-слотов.
type Client struct {
	cfg        Config
	accounts   domain.AccountRepo
	httpClient *http.Client
}

var _ domain.Publisher = (*Client)(nil)

// NewClient создаёт клиента платформы.
func NewClient(cfg Config, accounts domain.AccountRepo) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.x.com"
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = "https://upload.x.com/1.1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.UploadURL = strings.TrimRight(cfg.UploadURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{cfg: cfg, accounts: accounts, httpClient: &http.Client{Timeout: timeout}}
}

// SetHTTPClient подменяет транспорт (тесты).
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		c.httpClient = httpClient
	}
}

type uploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

// UploadMedia загружает медиа и возвращает media id платформы.
func (c *Client) UploadMedia(ctx context.Context, slot string, blob domain.MediaBlob) (string, error) {
	account, err := c.accounts.GetBySlot(ctx, slot)
	if err != nil {
		return "", fmt.Errorf("аккаунт слота %s: %w", slot, err)
	}

	payload, err := json.Marshal(map[string]string{
		"media_data":     base64.StdEncoding.EncodeToString(blob.Data),
		"media_category": "tweet_image",
	})
	if err != nil {
		return "", fmt.Errorf("marshal upload: %w", err)
	}

	var out uploadResponse
	if err := c.doJSON(ctx, account, http.MethodPost, c.cfg.UploadURL+"/media/upload.json", "media_upload", payload, &out); err != nil {
		return "", err
	}
	if out.MediaIDString == "" {
		return "", &domain.PublishError{Kind: domain.ErrorKindTransient, Message: "платформа не вернула media id"}
	}
	return out.MediaIDString, nil
}

type createPostRequest struct {
	Text        string        `json:"text"`
	Media       *mediaSection `json:"media,omitempty"`
	Reply       *replySection `json:"reply,omitempty"`
	CommunityID string        `json:"community_id,omitempty"`
}

type mediaSection struct {
	MediaIDs []string `json:"media_ids"`
}

type replySection struct {
	InReplyToID string `json:"in_reply_to_tweet_id"`
}

type createPostResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// CreatePost публикует пост и возвращает его внешний id.
func (c *Client) CreatePost(ctx context.Context, in domain.PublishInput) (domain.PublishResult, error) {
	account, err := c.accounts.GetBySlot(ctx, in.Slot)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("аккаунт слота %s: %w", in.Slot, err)
	}

	req := createPostRequest{Text: in.Text, CommunityID: in.CommunityID}
	if len(in.MediaIDs) > 0 {
		req.Media = &mediaSection{MediaIDs: in.MediaIDs}
	}
	if in.ReplyToID != "" {
		req.Reply = &replySection{InReplyToID: in.ReplyToID}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("marshal post: %w", err)
	}

	var out createPostResponse
	if err := c.doJSON(ctx, account, http.MethodPost, c.cfg.BaseURL+"/2/tweets", "tweets_create", payload, &out); err != nil {
		return domain.PublishResult{}, err
	}
	if out.Data.ID == "" {
		return domain.PublishResult{}, &domain.PublishError{Kind: domain.ErrorKindTransient, Message: "платформа не вернула id поста"}
	}
	return domain.PublishResult{ExternalID: out.Data.ID, PostedAt: time.Now().UTC()}, nil
}

func (c *Client) doJSON(ctx context.Context, account domain.Account, method, url, operation string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("platform", operation, account.Slot, start, err)
	if err != nil {
		return domain.ClassifyPublishError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return domain.ClassifyPublishError(err)
	}
	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &domain.PublishError{Kind: domain.ErrorKindTransient, Message: "нечитаемый ответ платформы", Err: err}
	}
	return nil
}

// classifyStatus сводит HTTP-статус и тело ответа к классу ошибки.
func classifyStatus(status int, body []byte) *domain.PublishError {
	message := strings.TrimSpace(string(body))
	if len(message) > 512 {
		message = message[:512]
	}
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusTooManyRequests:
		return &domain.PublishError{Kind: domain.ErrorKindRateLimited, Message: message}
	case status == http.StatusForbidden && strings.Contains(lower, "duplicate"):
		return &domain.PublishError{Kind: domain.ErrorKindDuplicate, Message: message}
	case status == http.StatusForbidden:
		return &domain.PublishError{Kind: domain.ErrorKindContentPolicy, Message: message}
	case status == http.StatusBadRequest && strings.Contains(lower, "reply"):
		return &domain.PublishError{Kind: domain.ErrorKindUnknownReply, Message: message}
	case status >= 500:
		return &domain.PublishError{Kind: domain.ErrorKindTransient, Message: fmt.Sprintf("платформа ответила %d: %s", status, message)}
	default:
		return &domain.PublishError{Kind: domain.ErrorKindContentPolicy, Message: fmt.Sprintf("платформа отклонила запрос (%d): %s", status, message)}
	}
}
