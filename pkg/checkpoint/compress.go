package checkpoint

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Both are safe for concurrent EncodeAll/DecodeAll. Construction only fails on invalid options.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func Compress(raw []byte) []byte {
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func Decompress(compressed []byte) ([]byte, error) {
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return raw, nil
}
