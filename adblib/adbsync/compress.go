package adbsync

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pgaskin/go-adbwire/adb"
	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/syncproto"
	"github.com/pierrec/lz4/v4"
)

// CompressionMethod is a sendrecv_v2 compression algorithm.
type CompressionMethod string

const (
	CompressionNone   CompressionMethod = ""
	CompressionBrotli CompressionMethod = "brotli"
	CompressionLZ4    CompressionMethod = "lz4"
	CompressionZstd   CompressionMethod = "zstd"
)

// ParseCompressionMethods parses a comma-separated list of methods for
// [CompressionConfig]. "none" returns an empty list, and "any" returns nil.
func ParseCompressionMethods(s string) ([]CompressionMethod, error) {
	switch s {
	case "", "any":
		return nil, nil
	case "none":
		return []CompressionMethod{}, nil
	}
	var ms []CompressionMethod
	for v := range strings.SplitSeq(s, ",") {
		switch m := CompressionMethod(strings.TrimSpace(v)); m {
		case CompressionBrotli, CompressionLZ4, CompressionZstd:
			ms = append(ms, m)
		default:
			return nil, fmt.Errorf("unknown compression method %q", v)
		}
	}
	return ms, nil
}

func (m CompressionMethod) String() string {
	if m == CompressionNone {
		return "none"
	}
	return string(m)
}

func (m CompressionMethod) flag() uint32 {
	switch m {
	case CompressionBrotli:
		return syncproto.FlagBrotli
	case CompressionLZ4:
		return syncproto.FlagLZ4
	case CompressionZstd:
		return syncproto.FlagZstd
	}
	return syncproto.FlagNone
}

func (m CompressionMethod) feature() adbproto.Feature {
	switch m {
	case CompressionBrotli:
		return adbproto.FeatureSendRecv2Brotli
	case CompressionLZ4:
		return adbproto.FeatureSendRecv2LZ4
	case CompressionZstd:
		return adbproto.FeatureSendRecv2Zstd
	}
	return ""
}

// CompressionConfig configures sendrecv_v2 compression. A nil config uses the
// defaults.
type CompressionConfig struct {
	// Compress, if not nil, sets the allowed compression methods for sending
	// files, in order of preference. An empty slice disables compression.
	// Methods the device doesn't support are skipped.
	Compress []CompressionMethod

	// Decompress is like Compress, but for receiving files.
	Decompress []CompressionMethod

	// NewWriter, if set, overrides the compressor.
	NewWriter func(method CompressionMethod, w io.Writer) (io.WriteCloser, error)

	// NewReader, if set, overrides the decompressor.
	NewReader func(method CompressionMethod, r io.Reader) (io.ReadCloser, error)
}

// zstd is usually the best tradeoff, and brotli is slow to compress
var defaultMethods = []CompressionMethod{
	CompressionZstd,
	CompressionLZ4,
	CompressionBrotli,
}

func negotiate(methods []CompressionMethod, d adb.Dialer) CompressionMethod {
	if methods == nil {
		methods = defaultMethods
	}
	for _, m := range methods {
		if m == CompressionNone {
			break
		}
		if adb.SupportsFeature(d, m.feature()) == nil {
			return m
		}
	}
	return CompressionNone
}

func (c *CompressionConfig) negotiate(d adb.Dialer) (send, recv CompressionMethod) {
	if c == nil {
		c = new(CompressionConfig)
	}
	return negotiate(c.Compress, d), negotiate(c.Decompress, d)
}

func (c *CompressionConfig) newWriter(method CompressionMethod, w io.Writer) (io.WriteCloser, error) {
	if c != nil && c.NewWriter != nil {
		return c.NewWriter(method, w)
	}
	switch method {
	case CompressionBrotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	}
	return nil, fmt.Errorf("%w: compression method %q", errors.ErrUnsupported, method)
}

func (c *CompressionConfig) newReader(method CompressionMethod, r io.Reader) (io.ReadCloser, error) {
	if c != nil && c.NewReader != nil {
		return c.NewReader(method, r)
	}
	switch method {
	case CompressionBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionZstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("%w: decompression method %q", errors.ErrUnsupported, method)
}
