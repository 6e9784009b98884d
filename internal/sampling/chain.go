package sampling

import (
	"errors"

	"Mokpell/internal/backend"
)

// DefaultSeed requests a random seed.
const DefaultSeed uint32 = 0xFFFFFFFF

var (
	// ErrNoLogits is returned when the backend produced no logits to sample from.
	ErrNoLogits = errors.New("sampling: no logits")
	// ErrNoSelection is returned when the chain ends without a final draw.
	ErrNoSelection = errors.New("sampling: chain selected no token")
)

// Params configures FromParams.
type Params struct {
	Temperature    float32
	TopK           int
	TopP           float32
	MinP           float32
	PenaltyLastN   int
	PenaltyRepeat  float32
	PenaltyFreq    float32
	PenaltyPresent float32
	Seed           uint32
}

// DefaultParams returns chat defaults.
func DefaultParams() Params {
	return Params{
		Temperature:    0.8,
		TopK:           40,
		TopP:           0.95,
		MinP:           0.05,
		PenaltyLastN:   64,
		PenaltyRepeat:  1.1,
		PenaltyFreq:    0.1,
		PenaltyPresent: 0.0,
		Seed:           DefaultSeed,
	}
}

// Chain applies its stages in order and draws one token.
type Chain struct {
	stages []Stage
	cur    Candidates
}

// NewChain builds a chain from explicit stages. The last stage must select.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// FromParams builds the canonical chain:
//
//	penalties -> top-k -> top-p -> min-p -> temp -> dist
//
// Disabled stages are left out. A non-positive temperature replaces temp and
// dist with greedy.
func FromParams(p Params) *Chain {
	var stages []Stage
	pen := NewPenalties(p.PenaltyLastN, p.PenaltyRepeat, p.PenaltyFreq, p.PenaltyPresent)
	if pen.active() {
		stages = append(stages, pen)
	}
	if p.TopK > 0 {
		stages = append(stages, NewTopK(p.TopK))
	}
	if p.TopP > 0 && p.TopP < 1 {
		stages = append(stages, NewTopP(p.TopP, 1))
	}
	if p.MinP > 0 {
		stages = append(stages, NewMinP(p.MinP, 1))
	}
	if p.Temperature > 0 {
		stages = append(stages, NewTemp(p.Temperature), NewDist(p.Seed))
	} else {
		stages = append(stages, NewGreedy())
	}
	return NewChain(stages...)
}

// Sample runs the chain over logits and returns the selected token. It does
// not record the token; call Accept once the token is committed.
func (c *Chain) Sample(logits []float32) (backend.Token, error) {
	if len(logits) == 0 {
		return 0, ErrNoLogits
	}
	c.cur.reset(logits)
	for _, s := range c.stages {
		s.Apply(&c.cur)
	}
	if c.cur.Selected < 0 || c.cur.Selected >= len(c.cur.Data) {
		return 0, ErrNoSelection
	}
	return c.cur.Data[c.cur.Selected].ID, nil
}

// Accept feeds a committed token to every stateful stage.
func (c *Chain) Accept(tok backend.Token) {
	for _, s := range c.stages {
		s.Accept(tok)
	}
}

// Reset clears stage history and reseeds random draws.
func (c *Chain) Reset() {
	for _, s := range c.stages {
		s.Reset()
	}
}

// Names lists the stage names in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}
