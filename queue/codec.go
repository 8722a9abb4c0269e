package queue

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// 编解码器可并发使用, EncodeAll/DecodeAll 无状态
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Encode marshals v to JSON and compresses it. Source code and test data compress well.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func Decode(data []byte, v any) error {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decompress payload failed: %w", err)
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal payload failed: %w", err)
	}
	return nil
}
