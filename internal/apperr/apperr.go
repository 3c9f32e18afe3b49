// Package apperr 定义业务错误分类，调用方用 errors.Is 按类别判断。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidState
	KindInvalidPickupCode
	KindConflict
	KindValidation
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidPickupCode:
		return "invalid_pickup_code"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Error 携带类别与可读信息。
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

// Is 同类别即视为匹配，使 errors.Is(err, ErrNotFound) 对任意信息都成立。
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrInvalidPickupCode = &Error{Kind: KindInvalidPickupCode}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
)

func newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error     { return newf(KindNotFound, format, args...) }
func Forbidden(format string, args ...any) error    { return newf(KindForbidden, format, args...) }
func InvalidState(format string, args ...any) error { return newf(KindInvalidState, format, args...) }
func InvalidPickupCode(format string, args ...any) error {
	return newf(KindInvalidPickupCode, format, args...)
}
func Conflict(format string, args ...any) error   { return newf(KindConflict, format, args...) }
func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }

// Unauthorized 凭据错误，映射为 401。
func Unauthorized(format string, args ...any) error { return newf(KindUnauthorized, format, args...) }

// KindOf 未分类的错误视为内部错误。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus 把错误类别映射为 HTTP 状态码，供路由层使用。
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidState, KindInvalidPickupCode, KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
