package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Code 是跨模块传递的错误分类，同时决定 API 状态码与任务是否重试。
type Code string

// Severity 用于日志分级与告警路由。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用分类。
const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// 基础设施：存储、队列与依赖初始化。
const (
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 工具调用链路：协议连接器与大模型。
const (
	CodeNotInitialized  Code = "NOT_INITIALIZED"
	CodeProtocolFailure Code = "PROTOCOL_FAILURE"
	CodeLLMFailure      Code = "LLM_FAILURE"
)

// Attributes 是错误码的默认行为，单个错误可以覆盖 Severity。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:         {Message: "unexpected failure", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument: {Message: "invalid request", Severity: SeverityInfo},

		CodeInitializationFailure: {Message: "dependency not ready", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage unavailable", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "task queue unavailable", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "deadline exceeded", Severity: SeverityWarning, Retryable: true, Alert: true},

		// 协议与客户端错误不重试。
		CodeNotInitialized:  {Message: "client not initialized", Severity: SeverityWarning},
		CodeProtocolFailure: {Message: "protocol call failed", Severity: SeverityWarning},
		CodeLLMFailure:      {Message: "model call failed", Severity: SeverityWarning, Retryable: true, Alert: true},
	}
)

// Register 为业务模块自己的错误码登记默认行为，应在 init 中调用。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的默认行为，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、面向调用方的描述以及底层原因。
type Error struct {
	code     Code
	message  string
	cause    error
	severity *Severity
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithSeverity 覆盖错误码登记的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 创建错误；message 为空时使用登记的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 code 分类 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 的格式为 "[CODE] message: cause"，只用于日志；展示给调用方请用 MessageOf。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return "[" + string(e.code) + "] " + e.message
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配，描述与原因不参与比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Retryable 只由错误码决定。
func (e *Error) Retryable() bool {
	return e != nil && AttributesOf(e.code).Retryable
}

func (e *Error) ShouldAlert() bool {
	return e != nil && AttributesOf(e.code).Alert
}

func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.severity != nil:
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 返回错误链上第一个 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) || target == nil {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链上第一个 *Error 的错误码，普通错误视为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// RetryableError 判断任务处理器是否应该重新入队。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// ShouldAlert 判断错误是否需要触发告警。
func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// SeverityOf 返回错误的严重程度，普通错误按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// LogAttr 把错误整理成日志分组：错误码、严重程度、是否告警以及去掉错误码前缀的描述。
func LogAttr(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Group("error",
		slog.String("code", string(CodeOf(err))),
		slog.String("severity", string(SeverityOf(err))),
		slog.Bool("alert", ShouldAlert(err)),
		slog.String("message", MessageOf(err)),
	)
}

// MessageOf 提取适合直接展示给调用方的错误信息，不带错误码前缀。
// 外层是 fmt.Errorf 等普通包装时，保留外层前缀并去掉链上第一个 *Error 的错误码。
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	e, ok := err.(*Error)
	if !ok || e == nil {
		var inner *Error
		if !stdErrors.As(err, &inner) || inner == nil {
			return strings.TrimSpace(err.Error())
		}
		text := err.Error()
		if prefix, found := strings.CutSuffix(text, inner.Error()); found {
			return strings.TrimSpace(prefix + MessageOf(inner))
		}
		return MessageOf(inner)
	}
	msg := strings.TrimSpace(e.message)
	if e.cause == nil {
		return msg
	}
	cause := MessageOf(e.cause)
	switch {
	case msg == "":
		return cause
	case cause == "":
		return msg
	}
	return msg + ": " + cause
}
