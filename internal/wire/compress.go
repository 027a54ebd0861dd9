package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"DagPrimary/internal/network"
)

// compressThreshold is the body size above which certificate responses are compressed.
const compressThreshold = 16 << 10

// Encoders and decoders are safe for concurrent EncodeAll/DecodeAll calls.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(4*network.MaxMessageSize))
)

// compress compresses data using zstd.
func compress(data []byte) ([]byte, error) {
	if encoder == nil {
		return nil, fmt.Errorf("zstd encoder unavailable")
	}

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed data.
func decompress(data []byte) ([]byte, error) {
	if decoder == nil {
		return nil, fmt.Errorf("zstd decoder unavailable")
	}

	return decoder.DecodeAll(data, nil)
}
