package optimize

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"courier/internal/log"
)

func newTestOptimizer() *Optimizer {
	return NewOptimizer(log.NewNop())
}

func mustDecode(t *testing.T, raw []byte) any {
	t.Helper()
	v, err := decodeJSON(raw)
	if err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return v
}

func repetitiveRecords(n int) []byte {
	var b strings.Builder
	b.WriteString(`{"notification":{"items":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"userId":"user-%d","status":"delivered","timestamp":1700000000%03d,"message":"your order has shipped","extra":null}`, i%7, i%1000)
	}
	b.WriteString(`]}}`)
	return []byte(b.String())
}

var roundTripInputs = []string{
	`null`,
	`42`,
	`"plain string"`,
	`[]`,
	`{}`,
	`[null, 1, {"a": null}]`,
	`{"a": null, "b": {"c": null, "d": [1, 2, null]}, "e": "x"}`,
	`{"timestamp": 1, "ts": null, "message": "hi"}`,
	`{"timestamp": 1, "ts": 2}`,
	`{"userId": "u", "metadata": {"sessionId": "s", "properties": {"a/b": 1, "c~d": null}}}`,
	`{"rows": [{"id": 1}, {"id": 2}, {"id": 3, "v": [{"x": null}, {"y": 2}]}]}`,
	`[{"a": 1}, {"b": 2}]`,
	`{"0": {"k": 1}, "1": {"k": 2}, "list": [{"k": 1}, {"k": 2}]}`,
	`{"big": 12345678901234567890.123456789, "neg": -0.5e-10, "html": "<a href='x'>&</a>"}`,
	`{"deep": [[{"a": null}, {"b": [{"c": 1}, {"c": 2}]}]]}`,
	`{"": null, "empty": ""}`,
}

func TestRoundTripAllFlagCombinations(t *testing.T) {
	o := newTestOptimizer()
	inputs := append([]string{}, roundTripInputs...)
	inputs = append(inputs, string(repetitiveRecords(10)), string(repetitiveRecords(200)))

	algorithms := []Algorithm{AlgorithmAuto, AlgorithmGzip, AlgorithmDeflate, AlgorithmZstd, AlgorithmBrotli}
	for mask := 0; mask < 16; mask++ {
		for _, alg := range algorithms {
			cfg := Config{
				EnableOptimization:   true,
				StripNulls:           mask&1 != 0,
				ShortFieldNames:      mask&2 != 0,
				FoldArrays:           mask&4 != 0,
				EnableCompression:    mask&8 != 0,
				CompressionThreshold: 0,
				Algorithm:            alg,
			}
			for _, in := range inputs {
				res := o.Process([]byte(in), cfg)
				if res.Err != nil {
					t.Fatalf("cfg %+v input %.40q: unexpected stage error %v", cfg, in, res.Err)
				}
				out, err := o.Restore(res.Data, res.Metadata)
				if err != nil {
					t.Fatalf("cfg %+v input %.40q: restore: %v", cfg, in, err)
				}
				if !reflect.DeepEqual(mustDecode(t, []byte(in)), mustDecode(t, out)) {
					t.Fatalf("cfg %+v: round trip mismatch\n in: %s\nout: %s", cfg, in, out)
				}
			}
		}
	}
}

func TestUnchangedPayloadIsPassedThroughVerbatim(t *testing.T) {
	o := newTestOptimizer()
	in := []byte(`{"b": 1,   "a": [1, 2]}`)
	res := o.Process(in, DefaultConfig())
	if !bytes.Equal(res.Data, in) {
		t.Fatalf("payload rewritten: %s", res.Data)
	}
	if res.Metadata.Applied() {
		t.Fatalf("no steps expected, got %+v", res.Metadata.Steps)
	}
}

func TestStripNullsShrinksAndRecordsPaths(t *testing.T) {
	o := newTestOptimizer()
	res := o.Process([]byte(`{"a": null, "b": {"c": null, "d": 1}}`), DefaultConfig())
	if len(res.Metadata.Steps) != 1 || res.Metadata.Steps[0].Name != StepStripNulls {
		t.Fatalf("unexpected steps %+v", res.Metadata.Steps)
	}
	want := []string{"/a", "/b/c"}
	if !reflect.DeepEqual(res.Metadata.Steps[0].Paths, want) {
		t.Fatalf("want paths %v, got %v", want, res.Metadata.Steps[0].Paths)
	}
	if res.Metadata.OptimizedSize >= res.Metadata.OriginalSize {
		t.Fatalf("optimized size %d not below original %d", res.Metadata.OptimizedSize, res.Metadata.OriginalSize)
	}
	if res.Metadata.OptimizationRatio >= 1 {
		t.Fatalf("optimization ratio %v", res.Metadata.OptimizationRatio)
	}
}

func TestShortenNamesSkippedOnAliasCollision(t *testing.T) {
	o := newTestOptimizer()
	cfg := Config{EnableOptimization: true, ShortFieldNames: true}
	res := o.Process([]byte(`{"timestamp": 1, "nested": {"uid": "taken"}}`), cfg)
	if len(res.Metadata.Steps) != 0 {
		t.Fatalf("shortening should be skipped, got %+v", res.Metadata.Steps)
	}
	res = o.Process([]byte(`{"timestamp": 1, "nested": {"userId": "u"}}`), cfg)
	if len(res.Metadata.Steps) != 1 || res.Metadata.Steps[0].Name != StepShortenNames {
		t.Fatalf("want shortenNames step, got %+v", res.Metadata.Steps)
	}
	if !bytes.Contains(res.Data, []byte(`"ts"`)) || !bytes.Contains(res.Data, []byte(`"uid"`)) {
		t.Fatalf("names not shortened: %s", res.Data)
	}
}

func TestCompressionGate(t *testing.T) {
	o := newTestOptimizer()
	cfg := DefaultConfig()

	small := []byte(`{"text":"` + strings.Repeat("a", 89) + `"}`)
	if len(small) != 100 {
		t.Fatalf("small fixture is %d bytes", len(small))
	}
	res := o.Process(small, cfg)
	if res.Metadata.IsCompressed {
		t.Fatal("100-byte payload must not be compressed")
	}

	large := repetitiveRecords(100)
	if len(large) < 10000 {
		large = repetitiveRecords(200)
	}
	res = o.Process(large, cfg)
	if !res.Metadata.IsCompressed {
		t.Fatalf("%d-byte payload should be compressed", len(large))
	}
	if res.Metadata.CompressedSize >= res.Metadata.OptimizedSize || res.Metadata.CompressionRatio >= 1 {
		t.Fatalf("compression did not shrink: %+v", res.Metadata)
	}

	cfg.EnableCompression = false
	if o.Process(large, cfg).Metadata.IsCompressed {
		t.Fatal("compression disabled but payload compressed")
	}
}

func TestSelectAlgorithm(t *testing.T) {
	if got := selectAlgorithm(bytes.Repeat([]byte("a"), 100)); got != AlgorithmNone {
		t.Errorf("small payload: got %s", got)
	}
	if got := selectAlgorithm(repetitiveRecords(50)); got != AlgorithmZstd {
		t.Errorf("repetitive JSON: got %s", got)
	}
	prose := `"` + strings.Repeat("The quick brown fox jumps over the lazy dog while the cat sleeps. ", 60) + `"`
	if got := selectAlgorithm([]byte(prose)); got != AlgorithmBrotli {
		t.Errorf("prose: got %s", got)
	}
	mixed := make([]byte, 1024)
	for i := range mixed {
		mixed[i] = byte('0' + (i*7919)%10)
	}
	if got := selectAlgorithm(mixed); got != AlgorithmGzip {
		t.Errorf("numeric blob: got %s", got)
	}
}

func TestNonJSONPayloadFallsBack(t *testing.T) {
	o := newTestOptimizer()
	in := []byte("not json at all")
	res := o.Process(in, DefaultConfig())
	if !errors.Is(res.Err, ErrOptimizationFailed) {
		t.Fatalf("want ErrOptimizationFailed, got %v", res.Err)
	}
	if !bytes.Equal(res.Data, in) {
		t.Fatalf("payload modified on failure: %q", res.Data)
	}
	if o.Stats().Failures != 1 {
		t.Fatalf("want 1 failure, got %d", o.Stats().Failures)
	}
}

func TestRestoreCorruptEnvelopeReturnsBestEffort(t *testing.T) {
	o := newTestOptimizer()
	res := o.Process(repetitiveRecords(100), DefaultConfig())
	if !res.Metadata.IsCompressed {
		t.Fatal("fixture should compress")
	}
	corrupt := bytes.Replace(res.Data, []byte(`"data":"`), []byte(`"data":"AAAA`), 1)
	out, err := o.Restore(corrupt, res.Metadata)
	if err == nil {
		t.Fatal("want restore error")
	}
	if !bytes.Equal(out, corrupt) {
		t.Fatal("best-effort result should be the stored payload")
	}
	if o.Stats().RestoreFailures != 1 {
		t.Fatalf("want 1 restore failure, got %d", o.Stats().RestoreFailures)
	}
}

func TestStatsTrackAlgorithms(t *testing.T) {
	o := newTestOptimizer()
	cfg := DefaultConfig()
	cfg.Algorithm = AlgorithmGzip
	o.Process(repetitiveRecords(100), cfg)
	s := o.Stats()
	if s.Processed != 1 || s.Compressed != 1 || s.ByAlgorithm[AlgorithmGzip] != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.BytesOut >= s.BytesIn {
		t.Fatalf("bytes out %d not below bytes in %d", s.BytesOut, s.BytesIn)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if err := (Config{Algorithm: "lzma"}).Validate(); err == nil {
		t.Fatal("unknown algorithm accepted")
	}
	if err := (Config{CompressionThreshold: -1}).Validate(); err == nil {
		t.Fatal("negative threshold accepted")
	}
}
