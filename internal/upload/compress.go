package upload

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Content-Encoding values accepted by the collector.
const (
	EncodingNone = "none"
	EncodingZstd = "zstd"
	EncodingLZ4  = "lz4"
)

// zstdEncoder is shared; EncodeAll is safe for concurrent use.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("upload: zstd encoder initialization failed: " + err.Error())
	}
}

// compress encodes data with the named encoding. The returned encoding is
// empty when the body is sent as-is.
func compress(encoding string, data []byte) ([]byte, string, error) {
	switch encoding {
	case "", EncodingNone:
		return data, "", nil
	case EncodingZstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), EncodingZstd, nil
	case EncodingLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, "", fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), EncodingLZ4, nil
	default:
		return nil, "", fmt.Errorf("unknown content encoding %q", encoding)
	}
}
