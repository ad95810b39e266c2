package tools

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	xerrors "ToolRelay-Chain/internal/errors"
)

// Redacted 替换敏感参数的占位值。
const Redacted = "[REDACTED]"

// RedactArgs 将 Sensitive 位置上的参数替换为 Redacted，返回新的切片。
func RedactArgs(params []Parameter, args []Value) []Value {
	if args == nil {
		return nil
	}
	out := make([]Value, len(args))
	copy(out, args)
	for i, param := range params {
		if i < len(out) && param.Sensitive && out[i].IsValid() {
			out[i] = String(Redacted)
		}
	}
	return out
}

// ValidateArgs 按照参数声明校验位置参数，返回可直接交给处理函数的参数。
// 允许的转换只有两种：整数值的 number 与十进制数字字符串都可提升为 bigint。
func ValidateArgs(params []Parameter, args []Value) ([]Value, error) {
	if len(args) > len(params) {
		return nil, xerrors.New(CodeArgumentValidation,
			fmt.Sprintf("expected at most %d argument(s), got %d", len(params), len(args)))
	}

	var problems []string
	out := make([]Value, len(args))
	for i, param := range params {
		if i >= len(args) {
			if param.Required {
				problems = append(problems, fmt.Sprintf("missing required argument %q at position %d", param.Name, i))
			}
			continue
		}
		converted, err := conform(param, args[i])
		if err != nil {
			problems = append(problems, fmt.Sprintf("argument %q at position %d %s", param.Name, i, err.Error()))
			continue
		}
		out[i] = converted
	}
	if len(problems) > 0 {
		return nil, xerrors.New(CodeArgumentValidation, strings.Join(problems, "; "))
	}
	return out, nil
}

func conform(param Parameter, v Value) (Value, error) {
	if !v.IsValid() {
		return Value{}, fmt.Errorf("is empty")
	}
	switch param.Type {
	case TypeString:
		if v.Kind() == KindString {
			return v, nil
		}
	case TypeBoolean:
		if v.Kind() == KindBool {
			return v, nil
		}
	case TypeNumber:
		if v.Kind() == KindNumber {
			return v, nil
		}
	case TypeBigInt:
		switch v.Kind() {
		case KindBigInt:
			return v, nil
		case KindNumber:
			n, _ := v.AsNumber()
			if n == math.Trunc(n) && !math.IsInf(n, 0) {
				i, _ := new(big.Float).SetFloat64(n).Int(nil)
				return BigInt(i), nil
			}
			return Value{}, fmt.Errorf("must be an integer, got %s", v.String())
		case KindString:
			s, _ := v.AsString()
			if i, ok := new(big.Int).SetString(strings.TrimSpace(s), 10); ok {
				return BigInt(i), nil
			}
			return Value{}, fmt.Errorf("must be a decimal integer, got %q", s)
		}
	default:
		return Value{}, fmt.Errorf("has unknown declared type %q", param.Type)
	}
	return Value{}, fmt.Errorf("must be %s, got %s", param.Type, v.Kind())
}
