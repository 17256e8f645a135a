package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// bearerOK сравнивает предъявленный токен с ожидаемым за константное
// время. Пустой настроенный токен закрывает мост целиком.
func bearerOK(r *http.Request, expected string) bool {
	if expected == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	presented, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return false
	}
	// Сравниваются хэши: длина предъявленного токена не утекает.
	want := sha256.Sum256([]byte(expected))
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// rateKey строит ключ корзины: вызывающий IP плюс усечённый хэш токена,
// чтобы смена адреса не обнуляла счётчик одного и того же клиента.
// Порт отрезается: новое TCP-соединение не должно давать свежую корзину.
func rateKey(r *http.Request, token string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RealIP уже мог подставить голый IP без порта.
		host = r.RemoteAddr
	}
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("bridge:rate:%s:%s", host, hex.EncodeToString(sum[:8]))
}

// computeSignature — HMAC-SHA256 от "{timestamp}.{body}".
func computeSignature(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature проверяет подпись и окно clock-skew. Возвращает ключ
// replay-подавления при успехе.
func verifySignature(secret string, timestampHeader, signatureHeader string, body []byte, now time.Time, skew time.Duration) (string, error) {
	if timestampHeader == "" || signatureHeader == "" {
		return "", fmt.Errorf("отсутствует подпись или timestamp")
	}
	unix, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return "", fmt.Errorf("нечитаемый timestamp")
	}
	if math.Abs(float64(now.Unix()-unix)) > skew.Seconds() {
		return "", fmt.Errorf("timestamp вне окна ±%s", skew)
	}
	expected := computeSignature(secret, timestampHeader, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signatureHeader))) != 1 {
		return "", fmt.Errorf("подпись не сходится")
	}
	// Ключ replay — сама подпись: она уникальна для (ts, body, secret).
	return "bridge:replay:" + expected, nil
}
