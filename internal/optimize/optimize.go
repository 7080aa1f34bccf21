// Package optimize shrinks queue payloads before they are stored and restores
// them on the way out.
//
// Process runs an optional structural stage (null stripping, field-name
// shortening, array folding) followed by an optional compression stage. Every
// transformation is recorded in Metadata so Restore can undo it without any
// other state. A stage that fails leaves the payload as it was for that stage.
package optimize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/log"

	"go.uber.org/zap"
)

const (
	StepStripNulls   = "stripNulls"
	StepShortenNames = "shortenNames"
	StepFoldArrays   = "foldArrays"
	StepCompress     = "compress"

	DefaultCompressionThreshold = 1024
)

var (
	ErrCompressionFailed  = errors.New("compression failed")
	ErrOptimizationFailed = errors.New("optimization failed")
)

// Config toggles the pipeline stages.
type Config struct {
	EnableOptimization   bool      `json:"enableOptimization"`
	StripNulls           bool      `json:"stripNulls"`
	ShortFieldNames      bool      `json:"shortFieldNames"`
	FoldArrays           bool      `json:"foldArrays"`
	EnableCompression    bool      `json:"enableCompression"`
	CompressionThreshold int       `json:"compressionThreshold"`
	Algorithm            Algorithm `json:"compressionAlgorithm"`
}

// DefaultConfig strips nulls and compresses payloads of 1 KiB or more with an
// automatically chosen algorithm.
func DefaultConfig() Config {
	return Config{
		EnableOptimization:   true,
		StripNulls:           true,
		EnableCompression:    true,
		CompressionThreshold: DefaultCompressionThreshold,
		Algorithm:            AlgorithmAuto,
	}
}

func (c Config) Validate() error {
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("compression threshold must not be negative")
	}
	if c.Algorithm != "" && !c.Algorithm.Valid() {
		return fmt.Errorf("unknown compression algorithm %q", c.Algorithm)
	}
	return nil
}

type Step struct {
	Name      string    `json:"name"`
	Paths     []string  `json:"paths,omitempty"`
	Algorithm Algorithm `json:"algorithm,omitempty"`
}

type Metadata struct {
	OriginalSize         int       `json:"originalSize"`
	OptimizedSize        int       `json:"optimizedSize"`
	CompressedSize       int       `json:"compressedSize"`
	IsCompressed         bool      `json:"isCompressed"`
	CompressionAlgorithm Algorithm `json:"compressionAlgorithm,omitempty"`
	// CompressionRatio is compressed/optimized; below 1 means smaller.
	CompressionRatio float64 `json:"compressionRatio"`
	// OptimizationRatio is optimized/original.
	OptimizationRatio float64 `json:"optimizationRatio"`
	Steps             []Step  `json:"steps,omitempty"`
	ProcessingMicros  int64   `json:"processingTimeUs"`
}

// Applied reports whether Restore has anything to undo.
func (m Metadata) Applied() bool {
	return m.IsCompressed || len(m.Steps) > 0
}

type Result struct {
	Data     []byte
	Metadata Metadata
	// Err holds a stage failure that was absorbed by falling back.
	Err error
}

// envelope is the self-describing form of a compressed payload.
type envelope struct {
	Compressed     bool      `json:"_z"`
	Algorithm      Algorithm `json:"alg"`
	OriginalSize   int       `json:"osz"`
	CompressedSize int       `json:"csz"`
	Data           []byte    `json:"data"`
}

type Stats struct {
	Processed       int64               `json:"processed"`
	Optimized       int64               `json:"optimized"`
	Compressed      int64               `json:"compressed"`
	Failures        int64               `json:"failures"`
	Restored        int64               `json:"restored"`
	RestoreFailures int64               `json:"restoreFailures"`
	BytesIn         int64               `json:"bytesIn"`
	BytesOut        int64               `json:"bytesOut"`
	ByAlgorithm     map[Algorithm]int64 `json:"byAlgorithm"`
}

type Optimizer struct {
	logger *log.Logger
	codecs map[Algorithm]codec

	processed       atomic.Int64
	optimized       atomic.Int64
	compressed      atomic.Int64
	failures        atomic.Int64
	restored        atomic.Int64
	restoreFailures atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64

	algMu       sync.Mutex
	byAlgorithm map[Algorithm]int64
}

func NewOptimizer(logger *log.Logger) *Optimizer {
	return &Optimizer{
		logger: logger,
		codecs: map[Algorithm]codec{
			AlgorithmGzip:    gzipCodec{},
			AlgorithmDeflate: deflateCodec{},
			AlgorithmZstd:    &zstdCodec{},
			AlgorithmBrotli:  brotliCodec{},
		},
		byAlgorithm: make(map[Algorithm]int64),
	}
}

// Process runs payload through the enabled stages. It never fails: a stage
// error is reported in Result.Err and that stage is skipped.
func (o *Optimizer) Process(payload []byte, cfg Config) Result {
	start := time.Now()
	o.processed.Add(1)
	o.bytesIn.Add(int64(len(payload)))

	res := Result{Data: payload}
	res.Metadata.OriginalSize = len(payload)

	if cfg.EnableOptimization && (cfg.StripNulls || cfg.ShortFieldNames || cfg.FoldArrays) {
		data, steps, err := o.optimizeStructure(payload, cfg)
		if err != nil {
			o.failures.Add(1)
			res.Err = fmt.Errorf("%w: %v", ErrOptimizationFailed, err)
			o.logger.Debug("Structural optimization skipped", zap.Error(err))
		} else if len(steps) > 0 {
			o.optimized.Add(1)
			res.Data = data
			res.Metadata.Steps = steps
		}
	}
	res.Metadata.OptimizedSize = len(res.Data)

	if cfg.EnableCompression && len(res.Data) >= cfg.CompressionThreshold {
		alg := cfg.Algorithm
		if alg == "" || alg == AlgorithmAuto {
			alg = selectAlgorithm(res.Data)
		}
		if alg != AlgorithmNone {
			wrapped, err := o.compress(res.Data, alg)
			switch {
			case err != nil:
				o.failures.Add(1)
				res.Err = errors.Join(res.Err, fmt.Errorf("%w: %s: %v", ErrCompressionFailed, alg, err))
				o.logger.Warn("Compression failed, storing uncompressed", zap.String("algorithm", string(alg)), zap.Error(err))
			case len(wrapped) < len(res.Data):
				o.compressed.Add(1)
				o.algMu.Lock()
				o.byAlgorithm[alg]++
				o.algMu.Unlock()
				res.Data = wrapped
				res.Metadata.IsCompressed = true
				res.Metadata.CompressionAlgorithm = alg
				res.Metadata.Steps = append(res.Metadata.Steps, Step{Name: StepCompress, Algorithm: alg})
			}
		}
	}

	res.Metadata.CompressedSize = len(res.Data)
	if res.Metadata.OptimizedSize > 0 {
		res.Metadata.CompressionRatio = float64(res.Metadata.CompressedSize) / float64(res.Metadata.OptimizedSize)
	}
	if res.Metadata.OriginalSize > 0 {
		res.Metadata.OptimizationRatio = float64(res.Metadata.OptimizedSize) / float64(res.Metadata.OriginalSize)
	}
	res.Metadata.ProcessingMicros = time.Since(start).Microseconds()
	o.bytesOut.Add(int64(len(res.Data)))
	return res
}

func (o *Optimizer) optimizeStructure(payload []byte, cfg Config) ([]byte, []Step, error) {
	v, err := decodeJSON(payload)
	if err != nil {
		return nil, nil, err
	}

	var steps []Step
	if cfg.StripNulls {
		var paths []string
		v = stripNulls(v, "", &paths)
		if len(paths) > 0 {
			steps = append(steps, Step{Name: StepStripNulls, Paths: sortedCopy(paths)})
		}
	}
	if cfg.ShortFieldNames && !hasAliasCollision(v) {
		renamed := 0
		v = renameKeys(v, aliases, &renamed)
		if renamed > 0 {
			steps = append(steps, Step{Name: StepShortenNames})
		}
	}
	if cfg.FoldArrays {
		var paths []string
		v = foldArrays(v, "", &paths)
		if len(paths) > 0 {
			steps = append(steps, Step{Name: StepFoldArrays, Paths: sortedCopy(paths)})
		}
	}
	if len(steps) == 0 {
		return payload, nil, nil
	}
	out, err := encodeJSON(v)
	if err != nil {
		return nil, nil, err
	}
	return out, steps, nil
}

func (o *Optimizer) compress(data []byte, alg Algorithm) ([]byte, error) {
	c, ok := o.codecs[alg]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %q", alg)
	}
	compressed, err := c.compress(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Compressed:     true,
		Algorithm:      alg,
		OriginalSize:   len(data),
		CompressedSize: len(compressed),
		Data:           compressed,
	})
}

// Restore undoes the transformations recorded in meta, last step first. On
// failure it returns the most restored form it reached together with the error.
func (o *Optimizer) Restore(data []byte, meta Metadata) ([]byte, error) {
	if !meta.Applied() {
		return data, nil
	}
	o.restored.Add(1)

	out := data
	if meta.IsCompressed {
		decompressed, err := o.decompress(data)
		if err != nil {
			o.restoreFailures.Add(1)
			return data, fmt.Errorf("restore: %w", err)
		}
		out = decompressed
	}

	var structural []Step
	for _, s := range meta.Steps {
		if s.Name != StepCompress {
			structural = append(structural, s)
		}
	}
	if len(structural) == 0 {
		return out, nil
	}

	v, err := decodeJSON(out)
	if err != nil {
		o.restoreFailures.Add(1)
		return out, fmt.Errorf("restore: decode: %w", err)
	}
	var errs []error
	for i := len(structural) - 1; i >= 0; i-- {
		switch s := structural[i]; s.Name {
		case StepFoldArrays:
			v, err = unfoldArrays(v, s.Paths)
		case StepShortenNames:
			renamed := 0
			v = renameKeys(v, reverseAliases, &renamed)
			err = nil
		case StepStripNulls:
			v, err = restoreNulls(v, s.Paths)
		default:
			err = fmt.Errorf("unknown step %q", s.Name)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	restored, encErr := encodeJSON(v)
	if encErr != nil {
		o.restoreFailures.Add(1)
		return out, fmt.Errorf("restore: encode: %w", encErr)
	}
	if err := errors.Join(errs...); err != nil {
		o.restoreFailures.Add(1)
		return restored, fmt.Errorf("restore: %w", err)
	}
	return restored, nil
}

func (o *Optimizer) decompress(data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Compressed {
		return nil, errors.New("payload is not a compressed envelope")
	}
	c, ok := o.codecs[env.Algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %q", env.Algorithm)
	}
	limit := env.OriginalSize
	if limit <= 0 || limit > maxDecompressedLen {
		limit = maxDecompressedLen
	}
	out, err := c.decompress(env.Data, limit)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", env.Algorithm, err)
	}
	if len(out) != env.OriginalSize {
		return nil, fmt.Errorf("decompress %s: size mismatch: want %d, got %d", env.Algorithm, env.OriginalSize, len(out))
	}
	return out, nil
}

func (o *Optimizer) Stats() Stats {
	o.algMu.Lock()
	by := make(map[Algorithm]int64, len(o.byAlgorithm))
	for k, v := range o.byAlgorithm {
		by[k] = v
	}
	o.algMu.Unlock()
	return Stats{
		Processed:       o.processed.Load(),
		Optimized:       o.optimized.Load(),
		Compressed:      o.compressed.Load(),
		Failures:        o.failures.Load(),
		Restored:        o.restored.Load(),
		RestoreFailures: o.restoreFailures.Load(),
		BytesIn:         o.bytesIn.Load(),
		BytesOut:        o.bytesOut.Load(),
		ByAlgorithm:     by,
	}
}
