package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Decode decompresses body when encoding is "gzip" or "deflate"
// (case-insensitive values are the caller's responsibility to normalize).
// For either value the framing is detected from the data itself: a body
// starting with the gzip magic bytes is read as gzip, anything else as zlib.
// It operates on the fully captured response, not streaming,
// and is only ever called on the insertion path, after the raw bytes have
// already been streamed to the client. io.ReadAll tracks the cumulative
// output length itself, so there is no manually-grown buffer to size.
func Decode(body []byte, encoding string) ([]byte, error) {
	if encoding != "gzip" && encoding != "deflate" {
		return nil, fmt.Errorf("cache: unsupported content-encoding %q", encoding)
	}
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("cache: gzip decode: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cache: deflate decode: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
