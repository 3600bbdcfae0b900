// Package json 基于 bytedance/sonic 提供与标准库兼容的 JSON 编解码。
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

// RawMessage 为延迟解码的原始 JSON。
type RawMessage = stdjson.RawMessage

var api = sonic.ConfigStd

// Marshal 将 v 编码为 JSON。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal 将 JSON 解码到 v。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 判断 data 是否为合法 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}
