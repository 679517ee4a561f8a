package logger

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SamplingConfig configures log sampling.
// Under attack the gateway can emit the same warning thousands of times per
// second; sampling keeps the first Threshold copies per Tick and a fraction after.
type SamplingConfig struct {
	Enabled bool

	// Tick is the interval after which counters reset (default: 1s)
	Tick time.Duration

	// Threshold is the number of identical records always logged per tick (default: 100)
	Threshold uint64

	// Rate is the fraction logged after the threshold, in [0, 1] (default: 0.1)
	Rate float64

	// ErrorRate is the fraction of warn/error records logged after the threshold (default: 1.0)
	ErrorRate float64

	// MaxCounterSize bounds the number of distinct messages tracked per tick (default: 10000)
	MaxCounterSize int

	// NeverSampleMessages are message prefixes that bypass sampling, e.g. "audit:".
	NeverSampleMessages []string

	// EnableMetrics counts sampled and sampled-out records per level.
	EnableMetrics bool
}

const (
	DefaultSamplingTick           = time.Second
	DefaultSamplingThreshold      = 100
	DefaultSamplingRate           = 0.1
	DefaultSamplingErrorRate      = 1.0
	DefaultSamplingMaxCounterSize = 10000
)

// DefaultSamplingConfig returns production defaults with sampling disabled.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Tick:           DefaultSamplingTick,
		Threshold:      DefaultSamplingThreshold,
		Rate:           DefaultSamplingRate,
		ErrorRate:      DefaultSamplingErrorRate,
		MaxCounterSize: DefaultSamplingMaxCounterSize,
	}
}

type samplingState struct {
	mu        sync.Mutex
	counts    map[string]uint64
	lastReset time.Time
}

type samplingHandler struct {
	handler slog.Handler
	config  SamplingConfig
	state   *samplingState
}

// NewSamplingHandler wraps h with threshold sampling keyed by level and message.
// It returns h unchanged when sampling is disabled.
func NewSamplingHandler(h slog.Handler, cfg SamplingConfig) slog.Handler {
	if !cfg.Enabled {
		return h
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultSamplingTick
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultSamplingThreshold
	}
	if cfg.MaxCounterSize <= 0 {
		cfg.MaxCounterSize = DefaultSamplingMaxCounterSize
	}

	return &samplingHandler{
		handler: h,
		config:  cfg,
		state: &samplingState{
			counts:    make(map[string]uint64),
			lastReset: time.Now(),
		},
	}
}

func (h *samplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *samplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.config.EnableMetrics {
		countRecord(r.Level, outcomeSampled)
	}
	if h.neverSample(r.Message) {
		return h.handler.Handle(ctx, r)
	}

	count, tracked := h.increment(r.Level.String() + ":" + r.Message)
	if !tracked || count <= h.config.Threshold {
		return h.handler.Handle(ctx, r)
	}

	rate := h.config.Rate
	if r.Level >= slog.LevelWarn {
		rate = h.config.ErrorRate
	}
	if keep(count, rate) {
		return h.handler.Handle(ctx, r)
	}

	if h.config.EnableMetrics {
		countRecord(r.Level, outcomeSampledOut)
	}
	return nil
}

// increment bumps the counter for key. tracked is false when the
// counter map is full and the record should be logged unconditionally.
func (h *samplingHandler) increment(key string) (count uint64, tracked bool) {
	st := h.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if now := time.Now(); now.Sub(st.lastReset) >= h.config.Tick {
		clear(st.counts)
		st.lastReset = now
	}

	c, ok := st.counts[key]
	if !ok && len(st.counts) >= h.config.MaxCounterSize {
		return 0, false
	}
	c++
	st.counts[key] = c
	if h.config.EnableMetrics {
		samplingKeys.Set(float64(len(st.counts)))
	}
	return c, true
}

func (h *samplingHandler) neverSample(msg string) bool {
	for _, prefix := range h.config.NeverSampleMessages {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

// WithAttrs shares counters with the parent so derived loggers are sampled together.
func (h *samplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &samplingHandler{handler: h.handler.WithAttrs(attrs), config: h.config, state: h.state}
}

func (h *samplingHandler) WithGroup(name string) slog.Handler {
	return &samplingHandler{handler: h.handler.WithGroup(name), config: h.config, state: h.state}
}

// keep samples deterministically: every 1/rate-th record past the threshold.
func keep(count uint64, rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}
	interval := uint64(1.0 / rate)
	return count%interval == 0
}
