package types

import "fmt"

// ErrorCode 表示统一的错误码。
type ErrorCode string

// 门控类错误码
const (
	ErrRateLimited          ErrorCode = "RATE_LIMITED"
	ErrConcurrencyExhausted ErrorCode = "CONCURRENCY_EXHAUSTED"
	ErrDuplicateRequest     ErrorCode = "DUPLICATE_REQUEST"
	ErrCircuitOpen          ErrorCode = "CIRCUIT_OPEN"
	ErrGateUnavailable      ErrorCode = "GATE_UNAVAILABLE"
)

// 轮次类错误码
const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrRoundActive     ErrorCode = "ROUND_ACTIVE"
	ErrRoundNotFound   ErrorCode = "ROUND_NOT_FOUND"
	ErrNoModelBound    ErrorCode = "NO_MODEL_BOUND"
	ErrEmptyOutput     ErrorCode = "EMPTY_OUTPUT"
	ErrRepeatedContent ErrorCode = "REPEATED_CONTENT"
	ErrCancelled       ErrorCode = "CANCELLED"
)

// 上游类错误码
const (
	ErrUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// Error 表示带错误码、消息与元数据的结构化错误。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	// RetryAfterSeconds 是限流/熔断类拒绝的机器可读重试提示。
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Provider          string `json:"provider,omitempty"`
	Cause             error  `json:"-"`
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误。
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError 创建指定错误码与消息的 Error。
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause 附加底层错误。
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus 设置 HTTP 状态码。
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable 标记错误是否可重试。
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter 设置重试提示秒数。
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfterSeconds = seconds
	return e
}

// WithProvider 设置提供者名称。
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode 从错误中提取错误码。
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
