package core

// Compression wraps an archive container stream in zstd, the streaming,
// thread-parallelizable codec the original hand-rolled Huffman coder
// could not be (it ran single-threaded and well under the throughput
// floor the engine needs for a store-mode pass over a large tree).

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressionLevel is the user-facing knob; it maps to a zstd encoder
// level rather than exposing zstd's own level type to callers.
type CompressionLevel string

const (
	CompressionNone     CompressionLevel = "none"
	CompressionFast     CompressionLevel = "fast"
	CompressionBalanced CompressionLevel = "balanced"
	CompressionBest     CompressionLevel = "best"
)

func (l CompressionLevel) zstdLevel() zstd.EncoderLevel {
	switch l {
	case CompressionFast:
		return zstd.SpeedFastest
	case CompressionBalanced:
		return zstd.SpeedBetterCompression
	case CompressionBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// NewCompressWriter returns a writer that compresses everything written
// to it before forwarding to w, unless level is "none", in which case it
// returns w unchanged (store mode, for already-compressed source trees).
func NewCompressWriter(w io.Writer, level CompressionLevel) (io.WriteCloser, error) {
	if level == CompressionNone || level == "" {
		return nopWriteCloser{w}, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level.zstdLevel()), zstd.WithEncoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return enc, nil
}

// NewDecompressReader returns a reader that decompresses a stream
// written by NewCompressWriter at any non-"none" level. Decompression
// auto-detects the zstd frame; callers pass "none" only when they know
// the segment was written in store mode.
func NewDecompressReader(r io.Reader, level CompressionLevel) (io.ReadCloser, error) {
	if level == CompressionNone || level == "" {
		return io.NopCloser(r), nil
	}
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return dec.IOReadCloser(), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
