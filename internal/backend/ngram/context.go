package ngram

import (
	"fmt"
	"sync"

	"Mokpell/internal/backend"
	"Mokpell/internal/batch"
)

// Context tracks per-sequence positions and KV cell usage of a bigram model.
type Context struct {
	mu      sync.Mutex
	model   *Model
	nCtx    int
	nBatch  int
	nSeqMax int

	cells   int
	next    map[batch.SeqID]int32
	logits  map[int][]float32
	lastOut int
	closed  bool
}

var _ backend.Context = (*Context)(nil)

// NewContext creates a context over m.
func NewContext(m *Model, p backend.ContextParams) (*Context, error) {
	if m == nil {
		return nil, fmt.Errorf("ngram: nil model")
	}
	if m.closed.Load() {
		return nil, fmt.Errorf("ngram: %w", backend.ErrClosed)
	}
	if p.NCtx <= 0 {
		return nil, fmt.Errorf("ngram: n_ctx must be positive, got %d", p.NCtx)
	}
	if p.NBatch <= 0 {
		p.NBatch = p.NCtx
	}
	if p.NSeqMax <= 0 {
		p.NSeqMax = 1
	}
	return &Context{
		model:   m,
		nCtx:    p.NCtx,
		nBatch:  p.NBatch,
		nSeqMax: p.NSeqMax,
		next:    make(map[batch.SeqID]int32),
		logits:  make(map[int][]float32),
		lastOut: -1,
	}, nil
}

func (c *Context) NCtx() int    { return c.nCtx }
func (c *Context) NBatch() int  { return c.nBatch }
func (c *Context) NSeqMax() int { return c.nSeqMax }

// Decode validates the whole batch before touching any state, so a rejected
// batch leaves the memory unchanged.
func (c *Context) Decode(b *batch.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &backend.DecodeError{Code: backend.DecodeInvalidBatch, Reason: "context closed"}
	}
	n := b.Len()
	if n == 0 {
		return &backend.DecodeError{Code: backend.DecodeInvalidBatch, Reason: "empty batch"}
	}
	if n > c.nBatch {
		return &backend.DecodeError{Code: backend.DecodeInvalidBatch,
			Reason: fmt.Sprintf("%d rows exceed n_batch %d", n, c.nBatch)}
	}
	if c.cells+n > c.nCtx {
		return &backend.DecodeError{Code: backend.DecodeNoKVSlot,
			Reason: fmt.Sprintf("%d cells used, %d requested, n_ctx %d", c.cells, n, c.nCtx)}
	}

	next := make(map[batch.SeqID]int32, len(c.next))
	for k, v := range c.next {
		next[k] = v
	}
	for i := 0; i < n; i++ {
		pos := b.Pos(i)
		for _, seq := range rowSeqs(b, i) {
			if seq < 0 || int(seq) >= c.nSeqMax {
				return &backend.DecodeError{Code: backend.DecodeInvalidBatch,
					Reason: fmt.Sprintf("row %d: seq id %d outside [0,%d)", i, seq, c.nSeqMax)}
			}
			if pos != next[seq] {
				return &backend.DecodeError{Code: backend.DecodeInvalidBatch,
					Reason: fmt.Sprintf("row %d: position %d for seq %d, expected %d", i, pos, seq, next[seq])}
			}
			next[seq] = pos + 1
		}
	}

	clear(c.logits)
	c.lastOut = -1
	for i := 0; i < n; i++ {
		if !b.Logits(i) {
			continue
		}
		row := make([]float32, vocabSize)
		copy(row, c.model.row(b.Token(i)))
		c.logits[i] = row
		c.lastOut = i
	}
	c.next = next
	c.cells += n
	return nil
}

func rowSeqs(b *batch.Batch, i int) []batch.SeqID {
	if ids := b.SeqIDs(i); len(ids) > 0 {
		return ids
	}
	return []batch.SeqID{0}
}

func (c *Context) Logits(i int) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 {
		i = c.lastOut
	}
	return c.logits[i]
}

func (c *Context) Synchronize() {}

func (c *Context) MemoryClear(bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cells = 0
	clear(c.next)
	clear(c.logits)
	c.lastOut = -1
}

// Used reports the number of occupied KV cells.
func (c *Context) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cells
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
