package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind классифицирует ошибку публикации для политики ретраев.
type ErrorKind string

const (
	// ErrorKindTransient — сетевая или серверная ошибка, ретрай уместен.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindRateLimited — платформа ограничила частоту, ретрай позже.
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindDuplicate — платформа сочла пост дубликатом.
	ErrorKindDuplicate ErrorKind = "duplicate"
	// ErrorKindContentPolicy — контент отклонён платформой; ретрай
	// бессмыслен, пока оператор не изменит payload.
	ErrorKindContentPolicy ErrorKind = "content_policy"
	// ErrorKindUnknownReply — reply-target не существует на платформе.
	ErrorKindUnknownReply ErrorKind = "unknown_reply"
	// ErrorKindMissedWindow — пост просрочен сверх backfill-окна.
	// Операционное состояние, не вердикт платформы; возврат — через retry.
	ErrorKindMissedWindow ErrorKind = "missed_window"
)

// Retryable сообщает, допускает ли класс ошибки повторную попытку
// без изменения payload.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTransient, ErrorKindRateLimited:
		return true
	default:
		return false
	}
}

// PublishError — типизированная ошибка публикации на платформе.
type PublishError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error реализует error.
func (e *PublishError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap возвращает вложенную ошибку.
func (e *PublishError) Unwrap() error { return e.Err }

// ClassifyPublishError сводит произвольную ошибку публикации к
// PublishError. Таймауты и сетевые сбои считаются transient.
func ClassifyPublishError(err error) *PublishError {
	if err == nil {
		return nil
	}
	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return pubErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &PublishError{Kind: ErrorKindTransient, Message: "network timeout", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &PublishError{Kind: ErrorKindTransient, Message: "deadline exceeded", Err: err}
	}
	return &PublishError{Kind: ErrorKindTransient, Err: err}
}

// ErrPostNotFound возвращается при обращении к несуществующему посту.
var ErrPostNotFound = errors.New("post not found")

// ErrAccountNotFound возвращается, если слот или handle не подключён.
var ErrAccountNotFound = errors.New("account not found")

// ErrInvalidTransition возвращается при недопустимом переходе статуса.
var ErrInvalidTransition = errors.New("invalid status transition")
