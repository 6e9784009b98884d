package session

import (
	"fmt"
	"runtime"

	"Mokpell/internal/sampling"
)

// OverflowPolicy decides what Init does when the prompt plus MaxTokens does
// not fit in the context.
type OverflowPolicy string

const (
	// OverflowFail moves the session to Failed with ErrContextOverflow.
	OverflowFail OverflowPolicy = "fail"
	// OverflowClamp shrinks the generation budget to the space left after
	// the prompt. A prompt that alone fills the context still fails.
	OverflowClamp OverflowPolicy = "clamp"
)

// Config is fixed at construction.
type Config struct {
	NCtx         int
	NBatch       int
	NSeqMax      int
	Threads      int
	ThreadsBatch int
	MaxTokens    int
	AddBOS       bool
	Overflow     OverflowPolicy
	// ChatTemplate overrides the template embedded in the model.
	ChatTemplate string
	Sampling     sampling.Params
}

// DefaultConfig returns the defaults used by the CLI and server.
func DefaultConfig() Config {
	return Config{
		NCtx:         1024,
		NBatch:       512,
		NSeqMax:      1,
		Threads:      DefaultThreads(),
		ThreadsBatch: DefaultThreads(),
		MaxTokens:    256,
		AddBOS:       true,
		Overflow:     OverflowFail,
		Sampling:     sampling.DefaultParams(),
	}
}

// DefaultThreads leaves two cores to the rest of the system, capped at 8.
func DefaultThreads() int {
	return max(1, min(8, runtime.NumCPU()-2))
}

// Validate rejects configurations a session cannot run with.
func (c Config) Validate() error {
	switch {
	case c.NCtx <= 0:
		return fmt.Errorf("n_ctx must be positive, got %d", c.NCtx)
	case c.NBatch <= 0:
		return fmt.Errorf("n_batch must be positive, got %d", c.NBatch)
	case c.NSeqMax <= 0:
		return fmt.Errorf("n_seq_max must be positive, got %d", c.NSeqMax)
	case c.MaxTokens <= 0:
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	case c.Sampling.TopK < 0:
		return fmt.Errorf("top_k must not be negative, got %d", c.Sampling.TopK)
	case c.Sampling.TopP < 0 || c.Sampling.TopP > 1:
		return fmt.Errorf("top_p must be within [0,1], got %g", c.Sampling.TopP)
	case c.Sampling.MinP < 0 || c.Sampling.MinP > 1:
		return fmt.Errorf("min_p must be within [0,1], got %g", c.Sampling.MinP)
	case c.Sampling.PenaltyLastN < 0:
		return fmt.Errorf("penalty_last_n must not be negative, got %d", c.Sampling.PenaltyLastN)
	}
	switch c.Overflow {
	case "", OverflowFail, OverflowClamp:
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Overflow)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Overflow == "" {
		c.Overflow = OverflowFail
	}
	if c.Threads <= 0 {
		c.Threads = DefaultThreads()
	}
	if c.ThreadsBatch <= 0 {
		c.ThreadsBatch = c.Threads
	}
	return c
}
