package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode 定义错误代码类型
type ErrorCode string

const (
	// 通用错误
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
	ErrCodeCancelled  ErrorCode = "CANCELLED"
	ErrCodeJobRunning ErrorCode = "JOB_RUNNING"

	// 数据错误
	ErrCodeDataUnavailable ErrorCode = "DATA_UNAVAILABLE"
	ErrCodeCacheMiss       ErrorCode = "CACHE_MISS"
	ErrCodeDBQuery         ErrorCode = "DB_QUERY_ERROR"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"

	// 策略错误
	ErrCodeStrategyNotFound         ErrorCode = "STRATEGY_NOT_FOUND"
	ErrCodeInvalidParameter         ErrorCode = "INVALID_PARAMETER"
	ErrCodeInsufficientTradeHistory ErrorCode = "INSUFFICIENT_TRADE_HISTORY"
	ErrCodeCombinationFailed        ErrorCode = "COMBINATION_EVALUATION_FAILED"
)

// ErrorSeverity 定义错误严重程度
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError is the typed failure surfaced by every qlab package. Callers
// match on Code (directly or through errors.Is with a sentinel) to decide how
// to render or recover.
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewAppError 创建新的应用错误
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// NewAppErrorWithDetails 创建带详细信息的应用错误
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

// Errorf builds an AppError whose message is formatted from args.
func Errorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return NewAppError(code, fmt.Sprintf(format, args...), nil)
}

// WithContext 添加上下文信息
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable 判断错误是否可重试
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeDataUnavailable, ErrCodeJobRunning:
		return true
	default:
		return false
	}
}

func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeDBQuery:
		return SeverityCritical
	case ErrCodeDataUnavailable:
		return SeverityHigh
	case ErrCodeInsufficientTradeHistory, ErrCodeCombinationFailed, ErrCodeCacheMiss:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Sentinels for errors.Is matching. Only the Code is compared.
var (
	ErrDataUnavailable          = &AppError{Code: ErrCodeDataUnavailable, Message: "market data unavailable"}
	ErrInvalidParameter         = &AppError{Code: ErrCodeInvalidParameter, Message: "invalid parameter"}
	ErrInsufficientTradeHistory = &AppError{Code: ErrCodeInsufficientTradeHistory, Message: "insufficient trade history"}
	ErrCombinationFailed        = &AppError{Code: ErrCodeCombinationFailed, Message: "combination evaluation failed"}
	ErrStrategyNotFound         = &AppError{Code: ErrCodeStrategyNotFound, Message: "strategy not found"}
	ErrCancelled                = &AppError{Code: ErrCodeCancelled, Message: "operation cancelled"}
	ErrCacheMiss                = &AppError{Code: ErrCodeCacheMiss, Message: "cache miss"}
	ErrNotFound                 = &AppError{Code: ErrCodeNotFound, Message: "not found"}
	ErrJobRunning               = &AppError{Code: ErrCodeJobRunning, Message: "job already running"}
)

// WrapError 包装标准错误为应用错误
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Code == code {
		return appErr
	}

	return NewAppError(code, message, err)
}

// GetAppError returns the first AppError in err's chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err carries a retryable AppError.
func IsRetryable(err error) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.IsRetryable()
}
