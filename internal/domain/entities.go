package domain

import "time"

// PostStatus описывает статус отложенной публикации.
type PostStatus string

const (
	// PostStatusPending — пост ждёт своего времени публикации.
	PostStatusPending PostStatus = "pending"
	// PostStatusClaimed — пост захвачен циклом доставки. Статус эфемерный:
	// после публикации или ошибки пост всегда переводится в терминальный.
	PostStatusClaimed PostStatus = "claimed"
	// PostStatusPublished — пост опубликован, ExternalID заполнен.
	PostStatusPublished PostStatus = "published"
	// PostStatusFailed — публикация не удалась, подробности в LastError.
	PostStatusFailed PostStatus = "failed"
	// PostStatusCancelled — пост отменён оператором.
	PostStatusCancelled PostStatus = "cancelled"
)

// MaxMediaPerPost — лимит платформы на количество медиа в одном посте.
const MaxMediaPerPost = 4

// Post представляет одну единицу отложенной работы: текст, медиа и
// слот аккаунта, в который цикл доставки должен опубликовать запись.
type Post struct {
	ID          int64
	Slot        string
	Text        string
	MediaRefs   []string
	ReplyToID   string
	CommunityID string
	PublishAt   time.Time
	Status      PostStatus
	Fingerprint *string
	ExternalID  string
	LastError   string
	ErrorKind   string
	ThreadID    *string
	ThreadIndex *int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsThreadMember сообщает, входит ли пост в тред.
func (p Post) IsThreadMember() bool {
	return p.ThreadID != nil && p.ThreadIndex != nil
}

// Account описывает подключённый аккаунт платформы. OAuth-обмен вне
// зоны ответственности Core: токен уже лежит в сторе.
type Account struct {
	Slot        string
	Handle      string
	AccessToken string
	Active      bool
	CreatedAt   time.Time
}

// IdempotencyRecord хранит результат защищённой операции по ключу клиента.
type IdempotencyRecord struct {
	Scope     string
	Key       string
	Result    []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PublishInput — нормализованный запрос к платформе публикации.
type PublishInput struct {
	Slot        string
	Text        string
	MediaIDs    []string
	ReplyToID   string
	CommunityID string
}

// PublishResult — ответ платформы на успешную публикацию.
type PublishResult struct {
	ExternalID string
	PostedAt   time.Time
}

// MediaBlob — скачанное и проверенное медиа, готовое к аплоаду.
type MediaBlob struct {
	Data        []byte
	ContentType string
	Source      string
}
