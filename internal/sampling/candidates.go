// Package sampling turns a logits vector into the next token through an
// ordered chain of stateful stages.
package sampling

import (
	"math"
	"sort"

	"Mokpell/internal/backend"
)

// Candidate is one token under consideration.
type Candidate struct {
	ID    backend.Token
	Logit float32
	P     float32
}

// Candidates is the working set passed through the chain.
type Candidates struct {
	Data     []Candidate
	Sorted   bool
	Selected int
}

func (c *Candidates) reset(logits []float32) {
	if cap(c.Data) < len(logits) {
		c.Data = make([]Candidate, len(logits))
	}
	c.Data = c.Data[:len(logits)]
	for i, l := range logits {
		c.Data[i] = Candidate{ID: backend.Token(i), Logit: l}
	}
	c.Sorted = false
	c.Selected = -1
}

func (c *Candidates) sortDesc() {
	if c.Sorted {
		return
	}
	sort.SliceStable(c.Data, func(i, j int) bool { return c.Data[i].Logit > c.Data[j].Logit })
	c.Sorted = true
}

// softmax sorts the set and fills P.
func (c *Candidates) softmax() {
	if len(c.Data) == 0 {
		return
	}
	c.sortDesc()
	maxLogit := c.Data[0].Logit
	var sum float64
	for i := range c.Data {
		p := math.Exp(float64(c.Data[i].Logit - maxLogit))
		c.Data[i].P = float32(p)
		sum += p
	}
	for i := range c.Data {
		c.Data[i].P = float32(float64(c.Data[i].P) / sum)
	}
}

func (c *Candidates) truncate(n int) {
	if n < len(c.Data) {
		c.Data = c.Data[:n]
	}
}
