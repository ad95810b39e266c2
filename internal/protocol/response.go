package protocol

import (
	xerrors "ToolRelay-Chain/internal/errors"
)

// Response 是协议适配器返回给工具层的统一结构。
type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`

	prefix string
	cause  error
}

// OK 构造成功响应。
func OK[T any](data T) Response[T] {
	return Response[T]{Success: true, Data: data}
}

// Fail 构造失败响应。err 为 nil 时只使用 prefix。
func Fail[T any](prefix string, err error) Response[T] {
	msg := prefix
	if err != nil {
		detail := xerrors.MessageOf(err)
		if prefix == "" {
			msg = detail
		} else {
			msg = prefix + ": " + detail
		}
	}
	return Response[T]{Success: false, Error: msg, prefix: prefix, cause: err}
}

// Unwrap 将失败响应转换为错误。
// 没有前缀的失败直接返回原始错误，保留其错误码（例如 NOT_INITIALIZED）。
func (r Response[T]) Unwrap() (T, error) {
	if r.Success {
		return r.Data, nil
	}
	var zero T
	switch {
	case r.cause != nil && r.prefix == "":
		return zero, r.cause
	case r.cause != nil:
		return zero, xerrors.Wrap(xerrors.CodeProtocolFailure, r.cause, r.prefix)
	}
	msg := r.Error
	if msg == "" {
		msg = xerrors.AttributesOf(xerrors.CodeProtocolFailure).Message
	}
	return zero, xerrors.New(xerrors.CodeProtocolFailure, msg)
}
