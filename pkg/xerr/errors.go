package xerr

import (
	"errors"
	"fmt"
)

const (
	OK                  = 200
	RequestParamsError  = 400
	RecordNotFound      = 404
	Conflict            = 409
	ServerCommonError   = 500
	DbError             = 501
	UpstreamError       = 502
	InsufficientBalance = 4001
	OrderNotPending     = 4002
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	cause error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

// Is matches any CodeError carrying the same code, so errors.Is(err, xerr.NewErrCode(c)) works.
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

// Wrap keeps err as the cause.
func Wrap(code int, msg string, err error) error {
	return &CodeError{Code: code, Msg: msg, cause: err}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// CodeOf returns the code of the first CodeError in the chain, or ServerCommonError.
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// HasCode reports whether any CodeError in the chain has code.
func HasCode(err error, code int) bool {
	return errors.Is(err, &CodeError{Code: code})
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "internal error"
	case RequestParamsError:
		return "invalid parameters"
	case DbError:
		return "database busy"
	case RecordNotFound:
		return "record not found"
	case Conflict:
		return "conflict"
	case UpstreamError:
		return "upstream unavailable"
	case InsufficientBalance:
		return "insufficient balance"
	case OrderNotPending:
		return "order is not pending"
	default:
		return "unknown error"
	}
}
