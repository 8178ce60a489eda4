package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 是跨模块共享的错误码，HTTP 层据此决定状态码与回显内容。
type Code string

// Severity 描述错误的严重程度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为。
type Attributes struct {
	// Message 是调用方没有提供描述时使用的公开文本。
	Message  string
	Severity Severity
	// Retryable 表示同样的操作稍后再试可能成功，例如上游超时。
	Retryable bool
	// Alert 表示需要通知运营人员。
	Alert bool
	// HTTPStatus 为 0 时按 500 处理。
	HTTPStatus int
}

// 通用错误码，业务包在 init 中注册自己的错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUpstreamFailure       Code = "UPSTREAM_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeUpstreamFailure:       {Message: "upstream provider failure", Severity: SeverityWarning, Retryable: true, HTTPStatus: http.StatusBadGateway},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, HTTPStatus: http.StatusGatewayTimeout},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeRetriesExhausted:      {Message: "retries exhausted", Severity: SeverityCritical, Alert: true},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	}
)

// Register 注册或覆盖一个错误码，只应在 init 中调用。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

func lookup(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、公开描述与底层原因。
type Error struct {
	code    Code
	message string
	cause   error
}

// New 创建错误。message 为空时使用错误码注册的默认描述。
func New(code Code, message string) *Error {
	if message == "" {
		message = lookup(code).Message
	}
	return &Error{code: code, message: message}
}

// Wrap 用错误码包装底层错误。cause 只出现在 Error() 中，不会回显给调用方。
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使包级哨兵错误可以配合 errors.Is 使用。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回公开描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// From 从错误链中取出 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链中的错误码，普通错误视为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// SeverityOf 返回错误的严重程度。
func SeverityOf(err error) Severity {
	if err == nil {
		return SeverityInfo
	}
	return lookup(CodeOf(err)).Severity
}

// Retryable 判断错误是否属于稍后重试可能成功的一类。普通错误不可重试。
func Retryable(err error) bool {
	if _, ok := From(err); !ok {
		return false
	}
	return lookup(CodeOf(err)).Retryable
}

// ShouldAlert 判断错误是否需要通知运营人员。
func ShouldAlert(err error) bool {
	if err == nil {
		return false
	}
	return lookup(CodeOf(err)).Alert
}

// HTTPStatus 把错误映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status := lookup(CodeOf(err)).HTTPStatus; status > 0 {
		return status
	}
	return http.StatusInternalServerError
}

// PublicMessage 返回可以回显给调用方的描述，普通错误不泄露内容。
func PublicMessage(err error) string {
	if e, ok := From(err); ok {
		return e.Message()
	}
	return lookup(CodeUnknown).Message
}
