// Package fingerprint строит ключ дедупликации контента. Чистая
// функция без I/O: нормализованный текст + канонический URL + слот
// сворачиваются в один sha256-ключ. Посты без URL не дедуплицируются —
// дедуп намеренно якорится на ссылку.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var (
	urlPattern        = regexp.MustCompile(`https?://[^\s<>"']+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Трекинг-параметры, не влияющие на содержимое страницы.
var trackingParams = map[string]bool{
	"fbclid":       true,
	"gclid":        true,
	"igshid":       true,
	"mc_cid":       true,
	"mc_eid":       true,
	"ref":          true,
	"ref_src":      true,
	"s":            true,
	"utm_campaign": true,
	"utm_content":  true,
	"utm_medium":   true,
	"utm_source":   true,
	"utm_term":     true,
}

// Compute возвращает ключ дедупликации для пары (слот, текст) или
// пустую строку, если в тексте нет URL.
func Compute(slot, text string) string {
	canonical := CanonicalURL(FirstURL(text))
	if canonical == "" {
		return ""
	}
	// Сырые ссылки выкидываются из текста: вариации трекинг-параметров
	// уже схлопнуты канонизацией и не должны разводить ключи.
	normalized := NormalizeText(urlPattern.ReplaceAllString(text, ""))
	sum := sha256.Sum256([]byte(slot + "\x00" + canonical + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// FirstURL возвращает первый http(s)-URL в тексте или пустую строку.
func FirstURL(text string) string {
	match := urlPattern.FindString(text)
	// Хвостовая пунктуация предложения не является частью ссылки.
	return strings.TrimRight(match, ".,;:!?)]}\"'")
}

// NormalizeText приводит текст к форме для сравнения копий: нижний
// регистр, схлопнутые пробелы, срезанная хвостовая пунктуация.
func NormalizeText(text string) string {
	out := strings.ToLower(text)
	out = whitespacePattern.ReplaceAllString(out, " ")
	out = strings.TrimRight(out, ".,;:!?… ")
	return strings.TrimSpace(out)
}

// CanonicalURL канонизирует URL: нижний регистр схемы и хоста, срез
// default-порта, удаление трекинг-параметров, нормализация хвостового
// слэша. Невалидный вход даёт пустую строку.
func CanonicalURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	if scheme == "http" {
		parsed.Host = strings.TrimSuffix(parsed.Host, ":80")
	} else {
		parsed.Host = strings.TrimSuffix(parsed.Host, ":443")
	}
	parsed.Fragment = ""

	query := parsed.Query()
	for name := range query {
		if trackingParams[strings.ToLower(name)] {
			query.Del(name)
		}
	}
	parsed.RawQuery = query.Encode()

	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String()
}
