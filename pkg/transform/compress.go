package transform

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// NewCompressor returns the compressor for format at level.
func NewCompressor(format Format, level Level) (Transformer, error) {
	switch format {
	case Zstd:
		return NewZstd(level)
	case Gzip:
		return NewGzip(level), nil
	default:
		return nil, fmt.Errorf("unsupported compression format: %s", format)
	}
}

// ZstdCompressor compresses whole buffers with one shared encoder and decoder.
// EncodeAll and DecodeAll are safe for concurrent use.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstd(level Level) (*ZstdCompressor, error) {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case Fastest:
		encoderLevel = zstd.SpeedFastest
	case Better:
		encoderLevel = zstd.SpeedBetterCompression
	case Best:
		encoderLevel = zstd.SpeedBestCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (z *ZstdCompressor) Name() string { return Zstd.String() }

func (z *ZstdCompressor) Transform(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
}

func (z *ZstdCompressor) InverseTransform(data []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode failed: %w", err)
	}
	return out, nil
}

// GzipCompressor writes parallel gzip streams that any gzip reader can read.
type GzipCompressor struct {
	level int
}

func NewGzip(level Level) *GzipCompressor {
	var lvl int
	switch level {
	case Fastest:
		lvl = pgzip.BestSpeed
	case Best:
		lvl = pgzip.BestCompression
	default:
		lvl = pgzip.DefaultCompression
	}
	return &GzipCompressor{level: lvl}
}

func (g *GzipCompressor) Name() string { return Gzip.String() }

func (g *GzipCompressor) Transform(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := pgzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *GzipCompressor) InverseTransform(data []byte) ([]byte, error) {
	r, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}
