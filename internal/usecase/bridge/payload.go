package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Payload — нормализованный запрос моста. Внешние автоматизации шлют
// поля под разными именами, поэтому парсер принимает алиасы.
type Payload struct {
	Text           string
	Thread         []string
	Slot           string
	Handle         string
	MediaRefs      []string
	ReplyToID      string
	CommunityID    string
	PublishAt      *time.Time
	IdempotencyKey string
	DryRun         bool
	SkipDedupe     bool
}

var (
	textAliases      = []string{"text", "content", "message", "body"}
	slotAliases      = []string{"slot", "account", "target"}
	handleAliases    = []string{"handle", "username", "screen_name"}
	mediaAliases     = []string{"media", "media_urls", "images", "attachments"}
	replyAliases     = []string{"reply_to", "in_reply_to", "in_reply_to_id"}
	communityAliases = []string{"community", "community_id"}
	publishAtAliases = []string{"publish_at", "schedule_at", "scheduled_at"}
)

// ParsePayload разбирает тело запроса моста, сводя алиасы к одному
// имени. Неизвестные поля игнорируются: автоматизации шлют лишнее.
func ParsePayload(body []byte) (Payload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Payload{}, fmt.Errorf("%w: тело не является JSON-объектом", ErrPayload)
	}

	var payload Payload
	payload.Text = firstString(raw, textAliases)
	payload.Slot = firstString(raw, slotAliases)
	payload.Handle = strings.TrimPrefix(firstString(raw, handleAliases), "@")
	payload.ReplyToID = firstString(raw, replyAliases)
	payload.CommunityID = firstString(raw, communityAliases)
	payload.IdempotencyKey = firstString(raw, []string{"idempotency_key"})
	payload.DryRun = boolField(raw, "dry_run")
	payload.SkipDedupe = boolField(raw, "skip_dedupe")

	for _, alias := range mediaAliases {
		value, ok := raw[alias]
		if !ok {
			continue
		}
		refs, err := stringList(value)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: поле %s должно быть строкой или списком строк", ErrPayload, alias)
		}
		payload.MediaRefs = refs
		break
	}

	if value, ok := raw["thread"]; ok {
		parts, err := stringList(value)
		if err != nil || len(parts) == 0 {
			return Payload{}, fmt.Errorf("%w: поле thread должно быть непустым списком строк", ErrPayload)
		}
		payload.Thread = parts
	}

	if value := firstString(raw, publishAtAliases); value != "" {
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: publish_at должен быть в RFC3339", ErrPayload)
		}
		utc := at.UTC()
		payload.PublishAt = &utc
	}

	if payload.Text == "" && len(payload.Thread) == 0 {
		return Payload{}, fmt.Errorf("%w: нет текста (text/content/message/body) и нет thread", ErrPayload)
	}
	if payload.Text != "" && len(payload.Thread) > 0 {
		return Payload{}, fmt.Errorf("%w: text и thread взаимоисключающи", ErrPayload)
	}
	return payload, nil
}

func firstString(raw map[string]json.RawMessage, aliases []string) string {
	for _, alias := range aliases {
		value, ok := raw[alias]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func boolField(raw map[string]json.RawMessage, name string) bool {
	value, ok := raw[name]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(value, &b); err == nil {
		return b
	}
	// Некоторые клиенты шлют "true" строкой.
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return strings.EqualFold(s, "true") || s == "1"
	}
	return false
}

func stringList(value json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(value, &single); err == nil {
		single = strings.TrimSpace(single)
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(value, &list); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}
