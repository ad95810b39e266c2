package protocol

import (
	"encoding/json"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/result"
)

// Reply 把协议数据格式化为缩进 JSON，并包装为单元素成功结果序列。
func Reply(reasoning, query string, data any) (string, error) {
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeProtocolFailure, err, "encode protocol data")
	}
	return result.EncodeSuccess(reasoning, string(body), query)
}
