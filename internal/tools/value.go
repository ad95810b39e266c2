package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	xerrors "ToolRelay-Chain/internal/errors"
)

// Kind 标识参数值的具体类型。
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBigInt
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return TypeString
	case KindNumber:
		return TypeNumber
	case KindBigInt:
		return TypeBigInt
	case KindBool:
		return TypeBoolean
	default:
		return "invalid"
	}
}

// maxSafeInteger 是 float64 能无损表示的最大整数。
const maxSafeInteger = 1<<53 - 1

// Value 是工具参数的标记联合体，只允许字符串、数字、大整数和布尔值。
type Value struct {
	kind   Kind
	str    string
	num    float64
	bigint *big.Int
	b      bool
}

// String 构造字符串参数。
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number 构造数字参数。
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// BigInt 构造大整数参数，nil 视为 0。
func BigInt(n *big.Int) Value {
	if n == nil {
		n = new(big.Int)
	}
	return Value{kind: KindBigInt, bigint: new(big.Int).Set(n)}
}

// Bool 构造布尔参数。
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind 返回值的类型。
func (v Value) Kind() Kind { return v.kind }

// IsValid 报告值是否经过构造。
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsString 返回字符串内容。
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsNumber 返回数字内容。
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsBigInt 返回大整数的副本。
func (v Value) AsBigInt() (*big.Int, bool) {
	if v.kind != KindBigInt {
		return nil, false
	}
	return new(big.Int).Set(v.bigint), true
}

// AsBool 返回布尔内容。
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// String 返回值的文本形式。
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBigInt:
		return v.bigint.String()
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// MarshalJSON 实现 json.Marshaler。大整数以十进制字符串输出，避免精度丢失。
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("number %v is not representable in JSON", v.num)
		}
		return json.Marshal(v.num)
	case KindBigInt:
		return json.Marshal(v.bigint.String())
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON 实现 json.Unmarshaler。
// 超出 float64 安全范围的整数解析为大整数，其余数字解析为 number。
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny 将 JSON 解码得到的基本类型转换为 Value。
func FromAny(raw any) (Value, error) {
	switch val := raw.(type) {
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case json.Number:
		return numberFromLiteral(val.String())
	case float64:
		return Number(val), nil
	case int:
		return Number(float64(val)), nil
	case int64:
		if val > maxSafeInteger || val < -maxSafeInteger {
			return BigInt(big.NewInt(val)), nil
		}
		return Number(float64(val)), nil
	case *big.Int:
		return BigInt(val), nil
	default:
		return Value{}, xerrors.New(CodeArgumentValidation,
			fmt.Sprintf("unsupported argument type %T: only string, number, bigint and boolean are allowed", raw))
	}
}

func numberFromLiteral(literal string) (Value, error) {
	if !strings.ContainsAny(literal, ".eE") {
		n, ok := new(big.Int).SetString(literal, 10)
		if !ok {
			return Value{}, xerrors.New(CodeArgumentValidation, fmt.Sprintf("invalid integer %q", literal))
		}
		if n.IsInt64() && n.Int64() <= maxSafeInteger && n.Int64() >= -maxSafeInteger {
			return Number(float64(n.Int64())), nil
		}
		return BigInt(n), nil
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return Value{}, xerrors.Wrap(CodeArgumentValidation, err, fmt.Sprintf("invalid number %q", literal))
	}
	return Number(f), nil
}

// DecodeArgs 解析 JSON 数组形式的位置参数。
func DecodeArgs(data []byte) ([]Value, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	var args []Value
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, xerrors.Wrap(CodeArgumentValidation, err, "arguments must be a JSON array of primitives")
	}
	return args, nil
}

// Strings 便捷地构造一组字符串参数。
func Strings(values ...string) []Value {
	out := make([]Value, 0, len(values))
	for _, s := range values {
		out = append(out, String(s))
	}
	return out
}

// Arg 返回第 i 个参数，越界时返回无效值。
func Arg(args []Value, i int) Value {
	if i < 0 || i >= len(args) {
		return Value{}
	}
	return args[i]
}
