package sampling

import (
	"math"
	"math/rand"
	"time"

	"Mokpell/internal/backend"
)

// Stage is one step of the chain. Apply narrows or rescales the candidates;
// the final stage sets Selected.
type Stage interface {
	Name() string
	Apply(c *Candidates)
	Accept(tok backend.Token)
	Reset()
}

type stateless struct{}

func (stateless) Accept(backend.Token) {}
func (stateless) Reset()               {}

// Penalties discourages tokens seen in the last N accepted tokens.
type Penalties struct {
	lastN   int
	repeat  float32
	freq    float32
	present float32
	history []backend.Token
	head    int
	counts  map[backend.Token]int
}

// NewPenalties builds a penalties stage over a window of lastN tokens.
func NewPenalties(lastN int, repeat, freq, present float32) *Penalties {
	if lastN < 0 {
		lastN = 0
	}
	return &Penalties{
		lastN:   lastN,
		repeat:  repeat,
		freq:    freq,
		present: present,
		history: make([]backend.Token, 0, lastN),
		counts:  make(map[backend.Token]int),
	}
}

func (p *Penalties) Name() string { return "penalties" }

func (p *Penalties) active() bool {
	return p.lastN > 0 && (p.repeat != 1 || p.freq != 0 || p.present != 0)
}

func (p *Penalties) Apply(c *Candidates) {
	if !p.active() || len(p.counts) == 0 {
		return
	}
	for i := range c.Data {
		n, ok := p.counts[c.Data[i].ID]
		if !ok || n == 0 {
			continue
		}
		l := c.Data[i].Logit
		if l <= 0 {
			l *= p.repeat
		} else {
			l /= p.repeat
		}
		l -= float32(n)*p.freq + p.present
		c.Data[i].Logit = l
	}
	c.Sorted = false
}

func (p *Penalties) Accept(tok backend.Token) {
	if p.lastN == 0 {
		return
	}
	if len(p.history) < p.lastN {
		p.history = append(p.history, tok)
	} else {
		old := p.history[p.head]
		if p.counts[old]--; p.counts[old] <= 0 {
			delete(p.counts, old)
		}
		p.history[p.head] = tok
		p.head = (p.head + 1) % p.lastN
	}
	p.counts[tok]++
}

func (p *Penalties) Reset() {
	p.history = p.history[:0]
	p.head = 0
	clear(p.counts)
}

// TopK keeps the k highest logits.
type TopK struct {
	stateless
	k int
}

func NewTopK(k int) *TopK { return &TopK{k: k} }

func (s *TopK) Name() string { return "top-k" }

func (s *TopK) Apply(c *Candidates) {
	if s.k <= 0 || s.k >= len(c.Data) {
		return
	}
	c.sortDesc()
	c.truncate(s.k)
}

// TopP keeps the smallest prefix whose cumulative probability reaches p.
type TopP struct {
	stateless
	p       float32
	minKeep int
}

func NewTopP(p float32, minKeep int) *TopP {
	if minKeep < 1 {
		minKeep = 1
	}
	return &TopP{p: p, minKeep: minKeep}
}

func (s *TopP) Name() string { return "top-p" }

func (s *TopP) Apply(c *Candidates) {
	if s.p >= 1 || len(c.Data) == 0 {
		return
	}
	c.softmax()
	var cum float32
	keep := len(c.Data)
	for i, cand := range c.Data {
		cum += cand.P
		if cum >= s.p && i+1 >= s.minKeep {
			keep = i + 1
			break
		}
	}
	c.truncate(keep)
}

// MinP drops tokens whose probability is below p times the top probability.
type MinP struct {
	stateless
	p       float32
	minKeep int
}

func NewMinP(p float32, minKeep int) *MinP {
	if minKeep < 1 {
		minKeep = 1
	}
	return &MinP{p: p, minKeep: minKeep}
}

func (s *MinP) Name() string { return "min-p" }

func (s *MinP) Apply(c *Candidates) {
	if s.p <= 0 || len(c.Data) == 0 {
		return
	}
	c.sortDesc()
	threshold := c.Data[0].Logit + float32(math.Log(float64(s.p)))
	keep := len(c.Data)
	for i, cand := range c.Data {
		if cand.Logit < threshold && i >= s.minKeep {
			keep = i
			break
		}
	}
	c.truncate(keep)
}

// Temp divides every logit by t.
type Temp struct {
	stateless
	t float32
}

func NewTemp(t float32) *Temp { return &Temp{t: t} }

func (s *Temp) Name() string { return "temp" }

func (s *Temp) Apply(c *Candidates) {
	if s.t <= 0 || s.t == 1 {
		return
	}
	for i := range c.Data {
		c.Data[i].Logit /= s.t
	}
}

// Dist draws from the softmax of the surviving candidates.
type Dist struct {
	seed uint32
	rng  *rand.Rand
}

// NewDist seeds the draw. DefaultSeed picks a fresh seed on every Reset.
func NewDist(seed uint32) *Dist {
	d := &Dist{seed: seed}
	d.Reset()
	return d
}

func (s *Dist) Name() string { return "dist" }

func (s *Dist) Apply(c *Candidates) {
	if len(c.Data) == 0 {
		return
	}
	c.softmax()
	r := s.rng.Float32()
	var cum float32
	for i, cand := range c.Data {
		cum += cand.P
		if r < cum {
			c.Selected = i
			return
		}
	}
	c.Selected = len(c.Data) - 1
}

func (s *Dist) Accept(backend.Token) {}

func (s *Dist) Reset() {
	seed := int64(s.seed)
	if s.seed == DefaultSeed {
		seed = time.Now().UnixNano()
	}
	s.rng = rand.New(rand.NewSource(seed))
}

// Greedy selects the highest logit.
type Greedy struct{ stateless }

func NewGreedy() *Greedy { return &Greedy{} }

func (s *Greedy) Name() string { return "greedy" }

func (s *Greedy) Apply(c *Candidates) {
	if len(c.Data) == 0 {
		return
	}
	best := 0
	for i := 1; i < len(c.Data); i++ {
		if c.Data[i].Logit > c.Data[best].Logit {
			best = i
		}
	}
	c.Selected = best
}
