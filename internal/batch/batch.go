// Package batch holds the fixed-capacity token batch submitted to a backend
// in a single decode call.
package batch

import "fmt"

// Token is a vocabulary id.
type Token = int32

// SeqID identifies an independent sequence inside the KV memory.
type SeqID = int32

// Batch is a reusable set of rows. Each row carries a token, its absolute
// position, the sequences it belongs to and whether the backend should
// produce logits for it. The capacity is fixed at construction.
type Batch struct {
	tokens  []Token
	pos     []int32
	seqIDs  [][]SeqID
	logits  []bool
	n       int
	nSeqMax int
}

// New allocates a batch that can hold capacity rows, each tagged with at most
// nSeqMax sequence ids.
func New(capacity, nSeqMax int) *Batch {
	if capacity <= 0 {
		panic(fmt.Sprintf("batch: capacity must be positive, got %d", capacity))
	}
	if nSeqMax <= 0 {
		nSeqMax = 1
	}
	b := &Batch{
		tokens:  make([]Token, capacity),
		pos:     make([]int32, capacity),
		seqIDs:  make([][]SeqID, capacity),
		logits:  make([]bool, capacity),
		nSeqMax: nSeqMax,
	}
	for i := range b.seqIDs {
		b.seqIDs[i] = make([]SeqID, 0, nSeqMax)
	}
	return b
}

// Clear resets the row count. Storage is kept for reuse.
func (b *Batch) Clear() {
	b.n = 0
}

// Add appends a row. Exceeding capacity or the per-row sequence limit is a
// programming error and panics.
func (b *Batch) Add(tok Token, pos int32, seqIDs []SeqID, logits bool) {
	if b.n >= len(b.tokens) {
		panic(fmt.Sprintf("batch: add beyond capacity %d", len(b.tokens)))
	}
	if len(seqIDs) > b.nSeqMax {
		panic(fmt.Sprintf("batch: %d sequence ids exceed limit %d", len(seqIDs), b.nSeqMax))
	}
	i := b.n
	b.tokens[i] = tok
	b.pos[i] = pos
	b.seqIDs[i] = append(b.seqIDs[i][:0], seqIDs...)
	b.logits[i] = logits
	b.n++
}

// SetLogits toggles the logits flag of an existing row.
func (b *Batch) SetLogits(i int, on bool) {
	b.check(i)
	b.logits[i] = on
}

// Len is the number of rows currently filled.
func (b *Batch) Len() int { return b.n }

// Cap is the fixed row capacity.
func (b *Batch) Cap() int { return len(b.tokens) }

// NSeqMax is the per-row sequence id limit.
func (b *Batch) NSeqMax() int { return b.nSeqMax }

func (b *Batch) Token(i int) Token {
	b.check(i)
	return b.tokens[i]
}

func (b *Batch) Pos(i int) int32 {
	b.check(i)
	return b.pos[i]
}

// SeqIDs returns the sequence ids of row i. The slice is owned by the batch.
func (b *Batch) SeqIDs(i int) []SeqID {
	b.check(i)
	return b.seqIDs[i]
}

func (b *Batch) Logits(i int) bool {
	b.check(i)
	return b.logits[i]
}

// Outputs counts the rows that request logits.
func (b *Batch) Outputs() int {
	n := 0
	for i := 0; i < b.n; i++ {
		if b.logits[i] {
			n++
		}
	}
	return n
}

// Tokens returns the filled token rows. The slice aliases batch storage.
func (b *Batch) Tokens() []Token {
	return b.tokens[:b.n]
}

func (b *Batch) check(i int) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("batch: row %d out of range [0,%d)", i, b.n))
	}
}
