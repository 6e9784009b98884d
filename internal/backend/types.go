// Package backend defines the contract between the inference engine and the
// native model runtimes that execute it.
package backend

import (
	"Mokpell/internal/batch"
)

// Token is a vocabulary id.
type Token = batch.Token

// Vocab is the read-only tokenizer surface of a loaded model.
//
// Tokenize and TokenToPiece follow the native sizing protocol: when buf is too
// small they write nothing useful and return the negated required length.
// Tokenize returns math.MinInt32 when the input is rejected outright.
type Vocab interface {
	Tokenize(text string, buf []Token, addSpecial, parseSpecial bool) int32
	TokenToPiece(tok Token, buf []byte, lstrip int32, special bool) int32
	IsEOG(tok Token) bool
	BOS() Token
	EOS() Token
	NTokens() int32
}

// ChatMessage is one turn handed to the chat template.
type ChatMessage struct {
	Role    string
	Content string
}

// Model is a loaded set of weights. A model is safe to share across
// sessions; it carries no per-generation state.
type Model interface {
	Vocab() Vocab
	Description() string
	// Size is the weight size in bytes.
	Size() uint64
	NParams() uint64
	// ChatTemplate is the template embedded in the model, or "" if none.
	ChatTemplate() string
	// ApplyChatTemplate renders msgs into buf and returns the full rendered
	// length, which may exceed len(buf). A negative result means the template
	// is not supported.
	ApplyChatTemplate(tmpl string, msgs []ChatMessage, addAssistant bool, buf []byte) int32
	Close() error
}

// Context owns the KV memory and the logits of the last decode. It is never
// shared between sessions.
type Context interface {
	NCtx() int
	NBatch() int
	NSeqMax() int
	// Decode evaluates every row of b. Failures are reported as *DecodeError.
	Decode(b *batch.Batch) error
	// Logits returns the logits produced for batch row i of the last decode.
	// A negative i counts from the last row that requested logits.
	Logits(i int) []float32
	Synchronize()
	// MemoryClear drops every KV cell. data also zeroes the buffers.
	MemoryClear(data bool)
	Close() error
}

// ModelOptions controls how weights are loaded.
type ModelOptions struct {
	GPULayers int
	UseMmap   bool
	UseMlock  bool
}

// DefaultModelOptions mirrors the runtime defaults.
func DefaultModelOptions() ModelOptions {
	return ModelOptions{GPULayers: 99, UseMmap: true}
}

// ContextParams sizes a new context.
type ContextParams struct {
	NCtx          int
	NBatch        int
	NSeqMax       int
	NThreads      int
	NThreadsBatch int
	Seed          uint32
}

// Backend loads models and creates contexts for one runtime implementation.
type Backend interface {
	Name() string
	// Device is the compute label reported in benchmark tables, e.g. "CPU".
	Device() string
	LoadModel(path string, opts ModelOptions) (Model, error)
	NewContext(m Model, p ContextParams) (Context, error)
	Close() error
}
