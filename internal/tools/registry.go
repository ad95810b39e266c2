package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
)

// 参数的类型标签。
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBigInt  = "bigint"
	TypeBoolean = "boolean"
)

const (
	CodeToolNotFound       xerrors.Code = "TOOL_NOT_FOUND"
	CodeToolConflict       xerrors.Code = "TOOL_CONFLICT"
	CodeArgumentValidation xerrors.Code = "ARGUMENT_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:   "tool not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolConflict, xerrors.Attributes{
		Message:   "tool already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeArgumentValidation, xerrors.Attributes{
		Message:   "argument validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Env 是单次查询期间处理函数可以借用的外部资源。
type Env struct {
	Connectors *protocol.Cache
}

// Handler 执行工具逻辑并返回序列化后的结果。
type Handler func(ctx context.Context, env Env, args ...Value) (string, error)

// Parameter 描述一个位置参数。
type Parameter struct {
	Name        string `json:"name" validate:"required"`
	Type        string `json:"type" validate:"oneof=string number bigint boolean"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	// Sensitive 的参数（私钥等）在写入日志、历史与任务详情前会被替换为 Redacted。
	Sensitive bool `json:"sensitive,omitempty"`
}

// Descriptor 描述一个已注册的工具。注册后不可修改。
type Descriptor struct {
	Name        string      `json:"name" validate:"required"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters" validate:"dive"`
	Handler     Handler     `json:"-"`
}

// Registry 保存工具目录，按注册顺序枚举。重复注册同名工具会被拒绝。
type Registry struct {
	mu       sync.RWMutex
	tools    *orderedmap.OrderedMap[string, Descriptor]
	validate *validator.Validate
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{
		tools:    orderedmap.New[string, Descriptor](),
		validate: validator.New(),
	}
}

// Register 添加一个工具。
func (r *Registry) Register(desc Descriptor) error {
	desc.Name = strings.TrimSpace(desc.Name)
	if err := r.validate.Struct(desc); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid descriptor for tool %q", desc.Name))
	}
	if strings.ContainsAny(desc.Name, " \t\n") {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("tool name %q must not contain whitespace", desc.Name))
	}
	if desc.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("tool %s has no handler", desc.Name))
	}
	if err := checkParameterOrder(desc.Parameters); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid parameters for tool %s", desc.Name))
	}

	params := make([]Parameter, len(desc.Parameters))
	copy(params, desc.Parameters)
	desc.Parameters = params

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools.Get(desc.Name); exists {
		return xerrors.New(CodeToolConflict, fmt.Sprintf("Tool %s is already registered", desc.Name))
	}
	r.tools.Set(desc.Name, desc)
	return nil
}

// MustRegister 在注册失败时 panic，仅用于进程启动阶段。
func (r *Registry) MustRegister(descs ...Descriptor) {
	for _, desc := range descs {
		if err := r.Register(desc); err != nil {
			panic(err)
		}
	}
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools.Get(name)
	if !ok {
		return Descriptor{}, xerrors.New(CodeToolNotFound, fmt.Sprintf("Tool %s not found", name))
	}
	return cloneDescriptor(desc), nil
}

// List 按注册顺序返回全部工具的副本。
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, cloneDescriptor(pair.Value))
	}
	return out
}

// Names 按注册顺序返回工具名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Len 返回已注册工具数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools.Len()
}

// Redact 返回可以安全持久化或展示的参数副本，未知工具的参数原样返回。
func (r *Registry) Redact(tool string, args []Value) []Value {
	if r == nil {
		return RedactArgs(nil, args)
	}
	r.mu.RLock()
	desc, ok := r.tools.Get(tool)
	r.mu.RUnlock()
	if !ok {
		return RedactArgs(nil, args)
	}
	return RedactArgs(desc.Parameters, args)
}

func cloneDescriptor(desc Descriptor) Descriptor {
	params := make([]Parameter, len(desc.Parameters))
	copy(params, desc.Parameters)
	desc.Parameters = params
	return desc
}

// checkParameterOrder 要求可选参数只能出现在必填参数之后，且参数名不重复。
func checkParameterOrder(params []Parameter) error {
	seen := make(map[string]struct{}, len(params))
	optionalSeen := false
	for _, p := range params {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = struct{}{}
		if !p.Required {
			optionalSeen = true
			continue
		}
		if optionalSeen {
			return fmt.Errorf("required parameter %s follows an optional one", p.Name)
		}
	}
	return nil
}
