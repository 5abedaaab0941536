package domain

import (
	"errors"
	"fmt"
)

// ClientErrorCode классифицирует ошибки, которые видит вызывающий код.
type ClientErrorCode string

const (
	CodeFailedToFetchValues ClientErrorCode = "failed_to_fetch_values"
	CodeInitTimeoutExpired  ClientErrorCode = "init_timeout_expired"
	CodeInvalidRequestBody  ClientErrorCode = "invalid_request_body"
	CodeInvalidRequestURL   ClientErrorCode = "invalid_request_url"
)

var (
	ErrInitTimeout      = errors.New("initialization timeout expired")
	ErrInvalidJSONParam = errors.New("invalid JSON parameter")
	ErrSessionClosed    = errors.New("session is shut down")
)

// ClientError — типизированная ошибка с человекочитаемым сообщением и причиной.
type ClientError struct {
	Code    ClientErrorCode
	Message string
	Cause   error
}

func NewClientError(code ClientErrorCode, message string, cause error) *ClientError {
	return &ClientError{Code: code, Message: message, Cause: cause}
}

func (e *ClientError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ClientError) Unwrap() error { return e.Cause }

// HasCode — короткий хелпер для проверки кода ошибки.
func HasCode(err error, code ClientErrorCode) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Code == code
}
