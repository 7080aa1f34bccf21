package optimize

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type Algorithm string

const (
	AlgorithmAuto    Algorithm = "auto"
	AlgorithmNone    Algorithm = "none"
	AlgorithmGzip    Algorithm = "gzip"
	AlgorithmDeflate Algorithm = "deflate"
	AlgorithmZstd    Algorithm = "zstd"
	AlgorithmBrotli  Algorithm = "brotli"
)

const (
	autoMinSize        = 512
	textMinSize        = 2048
	repetitionCutoff   = 0.3
	textRatioCutoff    = 0.85
	heuristicSample    = 8192
	repetitionWindow   = 8
	repetitionStride   = 4
	maxDecompressedLen = 64 << 20
)

// Valid reports whether a is a known algorithm name.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmAuto, AlgorithmNone, AlgorithmGzip, AlgorithmDeflate, AlgorithmZstd, AlgorithmBrotli:
		return true
	}
	return false
}

type codec interface {
	compress(src []byte) ([]byte, error)
	decompress(src []byte, limit int) ([]byte, error)
}

func readLimited(r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("decompressed size exceeds %d bytes", limit)
	}
	return out, nil
}

type gzipCodec struct{}

func (gzipCodec) compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) decompress(src []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r, limit)
}

type deflateCodec struct{}

func (deflateCodec) compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (deflateCodec) decompress(src []byte, limit int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	return readLimited(r, limit)
}

// zstdCodec shares one encoder and decoder; EncodeAll and DecodeAll are safe
// for concurrent use.
type zstdCodec struct {
	once    sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	initErr error
}

func (c *zstdCodec) init() {
	c.once.Do(func() {
		c.enc, c.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.initErr != nil {
			return
		}
		c.dec, c.initErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedLen))
	})
}

func (c *zstdCodec) compress(src []byte) ([]byte, error) {
	c.init()
	if c.initErr != nil {
		return nil, c.initErr
	}
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) decompress(src []byte, limit int) ([]byte, error) {
	c.init()
	if c.initErr != nil {
		return nil, c.initErr
	}
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("decompressed size exceeds %d bytes", limit)
	}
	return out, nil
}

type brotliCodec struct{}

func (brotliCodec) compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (brotliCodec) decompress(src []byte, limit int) ([]byte, error) {
	return readLimited(brotli.NewReader(bytes.NewReader(src)), limit)
}

// selectAlgorithm picks a codec from the size and shape of data.
func selectAlgorithm(data []byte) Algorithm {
	if len(data) < autoMinSize {
		return AlgorithmNone
	}
	structured := isStructured(data)
	if structured && repetitionScore(data) >= repetitionCutoff {
		return AlgorithmZstd
	}
	if len(data) >= textMinSize && textRatio(data) >= textRatioCutoff {
		return AlgorithmBrotli
	}
	return AlgorithmGzip
}

func isStructured(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// repetitionScore is the share of sampled 8-byte windows already seen earlier
// in the sample.
func repetitionScore(data []byte) float64 {
	if len(data) > heuristicSample {
		data = data[:heuristicSample]
	}
	if len(data) < repetitionWindow*2 {
		return 0
	}
	seen := make(map[uint64]struct{}, len(data)/repetitionStride)
	total, repeated := 0, 0
	for i := 0; i+repetitionWindow <= len(data); i += repetitionStride {
		key := binary.LittleEndian.Uint64(data[i : i+repetitionWindow])
		if _, ok := seen[key]; ok {
			repeated++
		} else {
			seen[key] = struct{}{}
		}
		total++
	}
	return float64(repeated) / float64(total)
}

// textRatio is the share of sampled bytes that look like natural language.
func textRatio(data []byte) float64 {
	if len(data) > heuristicSample {
		data = data[:heuristicSample]
	}
	if len(data) == 0 {
		return 0
	}
	n := 0
	for _, b := range data {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b == ' ', b == '\n':
			n++
		case b == '.' || b == ',' || b == ';' || b == ':' || b == '\'' || b == '"' || b == '!' || b == '?' || b == '-':
			n++
		}
	}
	return float64(n) / float64(len(data))
}
