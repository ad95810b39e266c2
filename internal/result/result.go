package result

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	xerrors "ToolRelay-Chain/internal/errors"
)

// Status 表示一次查询的最终状态。
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// UnknownErrorMessage 在错误缺少可读信息时使用。
const UnknownErrorMessage = "Unknown error occurred"

// StructuredResult 是返回给智能体的唯一响应结构。
type StructuredResult struct {
	Reasoning string   `json:"reasoning"`
	Response  string   `json:"response"`
	Status    Status   `json:"status" validate:"oneof=success failure"`
	Query     string   `json:"query"`
	Errors    []string `json:"errors"`
}

// Context 携带错误归一化时需要原样保留的字段。
type Context struct {
	Reasoning string
	Query     string
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Success 构造成功结果。
func Success(reasoning, response, query string) StructuredResult {
	return StructuredResult{
		Reasoning: reasoning,
		Response:  response,
		Status:    StatusSuccess,
		Query:     query,
		Errors:    []string{},
	}
}

// Failure 使用给定的错误信息构造失败结果，response 与首条错误一致。
func Failure(ctx Context, messages ...string) StructuredResult {
	errs := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg = strings.TrimSpace(msg); msg != "" {
			errs = append(errs, msg)
		}
	}
	if len(errs) == 0 {
		errs = append(errs, UnknownErrorMessage)
	}
	return StructuredResult{
		Reasoning: ctx.Reasoning,
		Response:  errs[0],
		Status:    StatusFailure,
		Query:     ctx.Query,
		Errors:    errs,
	}
}

// Normalize 将任意错误转换为失败结果。
// 这是系统内唯一的错误到响应结构的转换入口。
func Normalize(err error, ctx Context) StructuredResult {
	msg := xerrors.MessageOf(err)
	if msg == "" {
		msg = UnknownErrorMessage
	}
	return Failure(ctx, msg)
}

// NormalizeRecovered 处理 recover() 得到的任意值。
func NormalizeRecovered(v any, ctx Context) StructuredResult {
	switch val := v.(type) {
	case error:
		return Normalize(val, ctx)
	case string:
		return Failure(ctx, val)
	case fmt.Stringer:
		return Failure(ctx, val.String())
	default:
		return Failure(ctx, UnknownErrorMessage)
	}
}

// Validate 检查状态枚举以及 status 与 errors 之间的一致性。
func (r StructuredResult) Validate() error {
	if err := validatorInstance().Struct(r); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid status %q", r.Status))
	}
	failed := r.Status == StatusFailure
	if failed != (len(r.Errors) > 0) {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("status %q is inconsistent with %d error(s)", r.Status, len(r.Errors)))
	}
	return nil
}

// Succeeded 报告结果是否成功。
func (r StructuredResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// List 包装为单元素序列，这是工具调用边界唯一的返回形态。
func (r StructuredResult) List() []StructuredResult {
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return []StructuredResult{r}
}

// Encode 将结果序列化为 JSON 文本。
func Encode(results []StructuredResult) (string, error) {
	for i := range results {
		if results[i].Errors == nil {
			results[i].Errors = []string{}
		}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode structured result")
	}
	return string(data), nil
}

// EncodeSuccess 直接得到成功结果的序列化文本，供工具处理函数使用。
func EncodeSuccess(reasoning, response, query string) (string, error) {
	return Encode(Success(reasoning, response, query).List())
}

// Decode 解析 JSON 文本，兼容单个对象与数组两种形式。
func Decode(raw string) ([]StructuredResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "empty structured result")
	}
	if strings.HasPrefix(raw, "[") {
		var list []StructuredResult
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode structured result list")
		}
		return list, nil
	}
	var single StructuredResult
	if err := json.Unmarshal([]byte(raw), &single); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode structured result")
	}
	return []StructuredResult{single}, nil
}
