// Package inferbench measures raw prompt-processing and token-generation
// throughput of a backend context with synthetic batches. It drives the
// context directly and never touches a session's conversation state.
package inferbench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Mokpell/internal/backend"
	"Mokpell/internal/batch"
)

// Params controls one benchmark run.
type Params struct {
	// PP is the number of prompt tokens decoded in a single batch.
	PP int `json:"pp" yaml:"pp" toml:"pp"`
	// TG is the number of sequential generation decodes.
	TG int `json:"tg" yaml:"tg" toml:"tg"`
	// PL is the number of parallel sequences per generation decode.
	PL int `json:"pl" yaml:"pl" toml:"pl"`
	// NR is the number of repetitions.
	NR int `json:"nr" yaml:"nr" toml:"nr"`
}

// DefaultParams matches the standard llama-bench style run.
func DefaultParams() Params {
	return Params{PP: 512, TG: 128, PL: 1, NR: 3}
}

// ErrInvalidParams reports benchmark parameters the context cannot run.
var ErrInvalidParams = errors.New("inferbench: invalid parameters")

// Validate checks p against the limits of the context it will run on.
func (p Params) Validate(c backend.Context) error {
	switch {
	case p.PP <= 0 || p.TG <= 0 || p.PL <= 0 || p.NR <= 0:
		return fmt.Errorf("%w: pp, tg, pl and nr must be positive, got %+v", ErrInvalidParams, p)
	case p.PP > c.NBatch():
		return fmt.Errorf("%w: pp %d exceeds n_batch %d", ErrInvalidParams, p.PP, c.NBatch())
	case p.PL > c.NBatch():
		return fmt.Errorf("%w: pl %d exceeds n_batch %d", ErrInvalidParams, p.PL, c.NBatch())
	case p.PL > c.NSeqMax():
		return fmt.Errorf("%w: pl %d exceeds n_seq_max %d", ErrInvalidParams, p.PL, c.NSeqMax())
	case p.PP > c.NCtx():
		return fmt.Errorf("%w: pp %d exceeds n_ctx %d", ErrInvalidParams, p.PP, c.NCtx())
	case p.TG*p.PL > c.NCtx():
		return fmt.Errorf("%w: tg*pl %d exceeds n_ctx %d", ErrInvalidParams, p.TG*p.PL, c.NCtx())
	}
	return nil
}

// ModelInfo labels the result table.
type ModelInfo struct {
	Description string `json:"description"`
	SizeBytes   uint64 `json:"size_bytes"`
	NParams     uint64 `json:"n_params"`
	Device      string `json:"device"`
}

// InfoOf collects ModelInfo from a loaded model.
func InfoOf(m backend.Model, device string) ModelInfo {
	return ModelInfo{
		Description: m.Description(),
		SizeBytes:   m.Size(),
		NParams:     m.NParams(),
		Device:      device,
	}
}

// Phase holds per-repetition samples of one benchmark phase.
type Phase struct {
	Label     string          `json:"label"`
	Tokens    int             `json:"tokens"`
	Samples   []float64       `json:"samples_tps"`
	Durations []time.Duration `json:"durations_ns"`
	Mean      float64         `json:"mean_tps"`
	Std       float64         `json:"std_tps"`
	Stats     FloatStats      `json:"stats"`
	Duration  DurationStats   `json:"duration"`
}

// Result is the outcome of Run.
type Result struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Params    Params    `json:"params"`
	Model     ModelInfo `json:"model"`
	PP        Phase     `json:"pp"`
	TG        Phase     `json:"tg"`
	RSSBytes  int64     `json:"rss_bytes,omitempty"`
	PeakRSS   int64     `json:"peak_rss_bytes,omitempty"`
}

// DurationStats summarises a collection of time.Duration values.
type DurationStats struct {
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
	Mean   time.Duration `json:"mean_ns"`
	Median time.Duration `json:"median_ns"`
	P95    time.Duration `json:"p95_ns"`
}

// FloatStats summarises a collection of float64 values.
type FloatStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	Std    float64 `json:"std"`
}

// Runner executes benchmarks against a backend context.
type Runner struct {
	ctx   backend.Context
	info  ModelInfo
	clock func() time.Time
	log   zerolog.Logger
}

// Option customises a Runner.
type Option func(*Runner)

// WithClock replaces time.Now, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger logs each repetition at debug level.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// NewRunner creates a benchmark runner. The caller must guarantee exclusive
// use of c while Run executes.
func NewRunner(c backend.Context, info ModelInfo, opts ...Option) *Runner {
	r := &Runner{ctx: c, info: info, clock: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs p.NR repetitions of one pp decode followed by p.TG decodes of
// p.PL rows each. The KV memory is cleared before and after each phase.
func (r *Runner) Run(ctx context.Context, p Params) (Result, error) {
	if err := p.Validate(r.ctx); err != nil {
		return Result{}, err
	}
	defer r.ctx.MemoryClear(false)

	res := Result{
		ID:        uuid.NewString(),
		Timestamp: r.clock(),
		Params:    p,
		Model:     r.info,
		PP:        Phase{Label: fmt.Sprintf("pp %d", p.PP), Tokens: p.PP},
		TG:        Phase{Label: fmt.Sprintf("tg %d", p.TG), Tokens: p.TG * p.PL},
	}

	b := batch.New(max(p.PP, p.PL), 1)
	for rep := 0; rep < p.NR; rep++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ppTook, err := r.prompt(b, p.PP)
		if err != nil {
			return res, fmt.Errorf("inferbench: prompt decode (rep %d): %w", rep, err)
		}
		tgTook, err := r.generate(b, p.TG, p.PL)
		if err != nil {
			return res, fmt.Errorf("inferbench: generation decode (rep %d): %w", rep, err)
		}

		ppTPS := float64(p.PP) / ppTook.Seconds()
		tgTPS := float64(p.TG*p.PL) / tgTook.Seconds()
		res.PP.Samples = append(res.PP.Samples, ppTPS)
		res.PP.Durations = append(res.PP.Durations, ppTook)
		res.TG.Samples = append(res.TG.Samples, tgTPS)
		res.TG.Durations = append(res.TG.Durations, tgTook)

		r.log.Debug().Int("rep", rep).Float64("pp_tps", ppTPS).Float64("tg_tps", tgTPS).Msg("bench repetition")
	}

	finishPhase(&res.PP)
	finishPhase(&res.TG)
	res.RSSBytes, res.PeakRSS = readRSS()
	return res, nil
}

func (r *Runner) prompt(b *batch.Batch, pp int) (time.Duration, error) {
	b.Clear()
	for i := 0; i < pp; i++ {
		b.Add(0, int32(i), []batch.SeqID{0}, false)
	}
	b.SetLogits(b.Len()-1, true)

	r.ctx.MemoryClear(false)
	start := r.clock()
	if err := r.ctx.Decode(b); err != nil {
		return 0, err
	}
	r.ctx.Synchronize()
	return r.elapsed(start), nil
}

func (r *Runner) generate(b *batch.Batch, tg, pl int) (time.Duration, error) {
	r.ctx.MemoryClear(false)
	start := r.clock()
	for i := 0; i < tg; i++ {
		b.Clear()
		for j := 0; j < pl; j++ {
			b.Add(0, int32(i), []batch.SeqID{batch.SeqID(j)}, true)
		}
		if err := r.ctx.Decode(b); err != nil {
			return 0, err
		}
		r.ctx.Synchronize()
	}
	took := r.elapsed(start)
	r.ctx.MemoryClear(false)
	return took, nil
}

// elapsed never returns zero so throughput stays finite.
func (r *Runner) elapsed(start time.Time) time.Duration {
	d := r.clock().Sub(start)
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

func finishPhase(ph *Phase) {
	ph.Stats = computeFloatStats(ph.Samples)
	ph.Duration = computeDurationStats(ph.Durations)
	ph.Mean = ph.Stats.Mean
	ph.Std = ph.Stats.Std
}

// sampleStd is the Bessel-corrected standard deviation computed from the sum
// of squares. It is zero for fewer than two samples and never negative.
func sampleStd(vals []float64, mean float64) float64 {
	n := float64(len(vals))
	if len(vals) < 2 {
		return 0
	}
	var sumsq float64
	for _, v := range vals {
		sumsq += v * v
	}
	variance := sumsq/(n-1) - mean*mean*n/(n-1)
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

func computeDurationStats(vals []time.Duration) DurationStats {
	if len(vals) == 0 {
		return DurationStats{}
	}
	sorted := make([]time.Duration, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}

	n := len(sorted)
	var median time.Duration
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	return DurationStats{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / time.Duration(n),
		Median: median,
		P95:    sorted[percentileIndex(n, 95)],
	}
}

func computeFloatStats(vals []float64) FloatStats {
	if len(vals) == 0 {
		return FloatStats{}
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	n := len(sorted)
	var median float64
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}
	mean := sum / float64(n)

	return FloatStats{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   mean,
		Median: median,
		P95:    sorted[percentileIndex(n, 95)],
		Std:    sampleStd(sorted, mean),
	}
}

// percentileIndex returns the index for the pct-th percentile using the
// nearest-rank method: index = ceil(n * pct / 100) - 1, clamped to [0, n-1].
func percentileIndex(n, pct int) int {
	if n <= 0 {
		return 0
	}
	idx := (n*pct+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// SaveReport writes res as indented JSON, creating parent directories.
func SaveReport(res Result, path string) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
