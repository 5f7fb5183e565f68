package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names how an object's bytes are stored in the arena.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression validates a configured compression name.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(name); c {
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return c, nil
	}
	return "", fmt.Errorf("unknown compression %q (valid: none, zstd, lz4)", name)
}

// Records smaller than this are stored raw.
const compressThreshold = 512

// errNoGain is returned by a block codec whose output is not smaller than
// its input.
var errNoGain = errors.New("compression does not shrink the record")

// blockCodec compresses whole records. decode is told the uncompressed size,
// which the object row keeps.
type blockCodec interface {
	encode(src []byte) ([]byte, error)
	decode(src []byte, size int) ([]byte, error)
}

type zstdBlocks struct {
	w *zstd.Encoder
	r *zstd.Decoder
}

// The zstd encoder and decoder are safe for concurrent use and costly to
// build, so one pair serves the process.
var sharedZstd = sync.OnceValues(func() (*zstdBlocks, error) {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	r, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &zstdBlocks{w: w, r: r}, nil
})

func (z *zstdBlocks) encode(src []byte) ([]byte, error) {
	out := z.w.EncodeAll(src, nil)
	if len(out) >= len(src) {
		return nil, errNoGain
	}
	return out, nil
}

func (z *zstdBlocks) decode(src []byte, size int) ([]byte, error) {
	return z.r.DecodeAll(src, make([]byte, 0, size))
}

type lz4Blocks struct{}

func (lz4Blocks) encode(src []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, buf, nil)
	switch {
	case err != nil:
		return nil, err
	case n == 0, n >= len(src):
		return nil, errNoGain
	}
	return buf[:n], nil
}

func (lz4Blocks) decode(src []byte, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := lz4.UncompressBlock(src, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func blocksFor(c Compression) (blockCodec, error) {
	switch c {
	case CompressionZstd:
		z, err := sharedZstd()
		if err != nil {
			return nil, err
		}
		return z, nil
	case CompressionLZ4:
		return lz4Blocks{}, nil
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}

// compress returns the stored bytes and the encoding actually used. Small
// records, and records the codec cannot shrink, are stored as none.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	if c == CompressionNone || len(data) < compressThreshold {
		return data, CompressionNone, nil
	}
	bc, err := blocksFor(c)
	if err != nil {
		return nil, "", err
	}
	out, err := bc.encode(data)
	if errors.Is(err, errNoGain) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%s compress: %w", c, err)
	}
	return out, c, nil
}

// decompress reverses compress and checks the result against the size
// recorded when the object was written.
func decompress(data []byte, c Compression, size int) ([]byte, error) {
	out := data
	if c != CompressionNone {
		bc, err := blocksFor(c)
		if err != nil {
			return nil, err
		}
		if out, err = bc.decode(data, size); err != nil {
			return nil, fmt.Errorf("%s decompress: %w", c, err)
		}
	}
	if len(out) != size {
		return nil, fmt.Errorf("stored object: %s payload is %d bytes, object row says %d", c, len(out), size)
	}
	return out, nil
}
