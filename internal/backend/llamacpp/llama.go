//go:build llama

// Package llamacpp binds the llama.cpp C API for in-process GGUF inference.
//
// Build with: go build -tags llama
// Requires libllama and the ggml libraries on the linker path.
package llamacpp

/*
#cgo LDFLAGS: -lllama -lggml -lggml-base -lm -lstdc++ -lpthread
#include <llama.h>
#include <stdio.h>
#include <stdlib.h>

static FILE *mk_log_file = NULL;

static void mk_log_cb(enum ggml_log_level level, const char *text, void *ud) {
	(void)level;
	(void)ud;
	if (mk_log_file != NULL) {
		fputs(text, mk_log_file);
		fflush(mk_log_file);
	}
}

static void mk_log_to(const char *path) {
	if (mk_log_file != NULL) {
		fclose(mk_log_file);
		mk_log_file = NULL;
	}
	if (path != NULL) {
		mk_log_file = fopen(path, "a");
	}
	llama_log_set(mk_log_cb, NULL);
}
*/
import "C"

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"Mokpell/internal/backend"
	"Mokpell/internal/batch"
	"Mokpell/internal/logging"
)

func init() {
	backend.Register(Name, func() (backend.Backend, error) { return New(), nil })
}

var initOnce sync.Once

// backendInit initializes llama.cpp once per process. C logs follow the Go
// logger: into the log directory in file mode, discarded otherwise.
func backendInit() {
	initOnce.Do(func() {
		C.llama_backend_init()
		if logging.IsFileLogging() {
			cpath := C.CString(filepath.Join(logging.LogDir(), "llama.log"))
			defer C.free(unsafe.Pointer(cpath))
			C.mk_log_to(cpath)
			return
		}
		C.mk_log_to(nil)
	})
}

// Backend loads GGUF models through llama.cpp.
type Backend struct{}

var _ backend.Backend = Backend{}

// New returns the backend.
func New() Backend { return Backend{} }

func (Backend) Name() string { return Name }

func (Backend) Device() string {
	backendInit()
	if bool(C.llama_supports_gpu_offload()) {
		return "GPU"
	}
	return "CPU"
}

func (Backend) LoadModel(path string, opts backend.ModelOptions) (backend.Model, error) {
	backendInit()
	params := C.llama_model_default_params()
	params.n_gpu_layers = C.int32_t(opts.GPULayers)
	params.use_mmap = C.bool(opts.UseMmap)
	params.use_mlock = C.bool(opts.UseMlock)

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	m := C.llama_model_load_from_file(cpath, params)
	if m == nil {
		return nil, fmt.Errorf("llama: failed to load model %q", path)
	}
	model := &Model{ptr: m, vocab: &Vocab{ptr: C.llama_model_get_vocab(m)}}
	runtime.SetFinalizer(model, func(m *Model) { _ = m.Close() })
	return model, nil
}

func (Backend) NewContext(m backend.Model, p backend.ContextParams) (backend.Context, error) {
	model, ok := m.(*Model)
	if !ok {
		return nil, fmt.Errorf("llama: model of type %T not supported", m)
	}
	ctx, err := newContext(model, p)
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

func (Backend) Close() error { return nil }

// Vocab wraps the model's llama_vocab.
type Vocab struct {
	ptr *C.struct_llama_vocab
}

var _ backend.Vocab = (*Vocab)(nil)

func (v *Vocab) Tokenize(text string, buf []backend.Token, addSpecial, parseSpecial bool) int32 {
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))
	var out *C.llama_token
	if len(buf) > 0 {
		out = (*C.llama_token)(unsafe.Pointer(&buf[0]))
	}
	n := C.llama_tokenize(v.ptr, ctext, C.int32_t(len(text)), out, C.int32_t(len(buf)),
		C.bool(addSpecial), C.bool(parseSpecial))
	runtime.KeepAlive(buf)
	return int32(n)
}

func (v *Vocab) TokenToPiece(tok backend.Token, buf []byte, lstrip int32, special bool) int32 {
	var out *C.char
	if len(buf) > 0 {
		out = (*C.char)(unsafe.Pointer(&buf[0]))
	}
	n := C.llama_token_to_piece(v.ptr, C.llama_token(tok), out, C.int32_t(len(buf)),
		C.int32_t(lstrip), C.bool(special))
	runtime.KeepAlive(buf)
	return int32(n)
}

func (v *Vocab) IsEOG(tok backend.Token) bool {
	return bool(C.llama_vocab_is_eog(v.ptr, C.llama_token(tok)))
}

func (v *Vocab) BOS() backend.Token { return backend.Token(C.llama_vocab_bos(v.ptr)) }
func (v *Vocab) EOS() backend.Token { return backend.Token(C.llama_vocab_eos(v.ptr)) }
func (v *Vocab) NTokens() int32     { return int32(C.llama_vocab_n_tokens(v.ptr)) }

// Model owns a llama_model.
type Model struct {
	mu    sync.Mutex
	ptr   *C.struct_llama_model
	vocab *Vocab
}

var _ backend.Model = (*Model)(nil)

func (m *Model) Vocab() backend.Vocab { return m.vocab }

func (m *Model) Description() string {
	return probeString(256, func(buf []byte) int {
		return int(C.llama_model_desc(m.ptr, (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf))))
	})
}

func (m *Model) Size() uint64    { return uint64(C.llama_model_size(m.ptr)) }
func (m *Model) NParams() uint64 { return uint64(C.llama_model_n_params(m.ptr)) }

func (m *Model) ChatTemplate() string {
	t := C.llama_model_chat_template(m.ptr, nil)
	if t == nil {
		return ""
	}
	return C.GoString(t)
}

func (m *Model) ApplyChatTemplate(tmpl string, msgs []backend.ChatMessage, addAssistant bool, buf []byte) int32 {
	if tmpl == "" {
		tmpl = m.ChatTemplate()
	}
	if tmpl == "" {
		return -1
	}
	ctmpl := C.CString(tmpl)
	defer C.free(unsafe.Pointer(ctmpl))

	var chat *C.struct_llama_chat_message
	if len(msgs) > 0 {
		size := C.size_t(len(msgs)) * C.size_t(unsafe.Sizeof(C.struct_llama_chat_message{}))
		chat = (*C.struct_llama_chat_message)(C.malloc(size))
		defer C.free(unsafe.Pointer(chat))
		entries := unsafe.Slice(chat, len(msgs))
		for i, msg := range msgs {
			role, content := C.CString(msg.Role), C.CString(msg.Content)
			defer C.free(unsafe.Pointer(role))
			defer C.free(unsafe.Pointer(content))
			entries[i].role = role
			entries[i].content = content
		}
	}

	var out *C.char
	if len(buf) > 0 {
		out = (*C.char)(unsafe.Pointer(&buf[0]))
	}
	n := C.llama_chat_apply_template(ctmpl, chat, C.size_t(len(msgs)), C.bool(addAssistant),
		out, C.int32_t(len(buf)))
	runtime.KeepAlive(buf)
	return int32(n)
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ptr == nil {
		return nil
	}
	C.llama_model_free(m.ptr)
	m.ptr = nil
	runtime.SetFinalizer(m, nil)
	return nil
}

// Context owns a llama_context and a reusable native batch sized to n_batch.
type Context struct {
	mu      sync.Mutex
	ptr     *C.struct_llama_context
	model   *Model
	nVocab  int
	nCtx    int
	nBatch  int
	nSeqMax int
	native  C.struct_llama_batch
}

var _ backend.Context = (*Context)(nil)

func newContext(m *Model, p backend.ContextParams) (*Context, error) {
	if m.ptr == nil {
		return nil, fmt.Errorf("llama: %w", backend.ErrClosed)
	}
	if p.NCtx <= 0 {
		return nil, fmt.Errorf("llama: n_ctx must be positive, got %d", p.NCtx)
	}
	if p.NBatch <= 0 {
		p.NBatch = p.NCtx
	}
	if p.NSeqMax <= 0 {
		p.NSeqMax = 1
	}

	params := C.llama_context_default_params()
	params.n_ctx = C.uint32_t(p.NCtx)
	params.n_batch = C.uint32_t(p.NBatch)
	params.n_ubatch = C.uint32_t(p.NBatch)
	params.n_seq_max = C.uint32_t(p.NSeqMax)
	if p.NThreads > 0 {
		params.n_threads = C.int32_t(p.NThreads)
	}
	if p.NThreadsBatch > 0 {
		params.n_threads_batch = C.int32_t(p.NThreadsBatch)
	}
	params.no_perf = C.bool(true)

	ptr := C.llama_init_from_model(m.ptr, params)
	if ptr == nil {
		return nil, fmt.Errorf("llama: failed to create context (n_ctx=%d n_batch=%d)", p.NCtx, p.NBatch)
	}
	c := &Context{
		ptr:     ptr,
		model:   m,
		nVocab:  int(m.vocab.NTokens()),
		nCtx:    int(C.llama_n_ctx(ptr)),
		nBatch:  int(C.llama_n_batch(ptr)),
		nSeqMax: int(C.llama_n_seq_max(ptr)),
		native:  C.llama_batch_init(C.int32_t(p.NBatch), 0, C.int32_t(p.NSeqMax)),
	}
	runtime.SetFinalizer(c, func(c *Context) { _ = c.Close() })
	return c, nil
}

func (c *Context) NCtx() int    { return c.nCtx }
func (c *Context) NBatch() int  { return c.nBatch }
func (c *Context) NSeqMax() int { return c.nSeqMax }

func (c *Context) Decode(b *batch.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ptr == nil {
		return &backend.DecodeError{Code: backend.DecodeInvalidBatch, Reason: "context closed"}
	}
	n := b.Len()
	if n > c.nBatch {
		return &backend.DecodeError{
			Code:   backend.DecodeInvalidBatch,
			Reason: fmt.Sprintf("batch of %d rows exceeds n_batch %d", n, c.nBatch),
		}
	}

	nb := &c.native
	tokens := unsafe.Slice(nb.token, c.nBatch)
	pos := unsafe.Slice(nb.pos, c.nBatch)
	nSeq := unsafe.Slice(nb.n_seq_id, c.nBatch)
	seqIDs := unsafe.Slice(nb.seq_id, c.nBatch)
	logits := unsafe.Slice(nb.logits, c.nBatch)
	for i := 0; i < n; i++ {
		ids := b.SeqIDs(i)
		if len(ids) > c.nSeqMax {
			return &backend.DecodeError{
				Code:   backend.DecodeInvalidBatch,
				Reason: fmt.Sprintf("row %d carries %d sequences, n_seq_max is %d", i, len(ids), c.nSeqMax),
			}
		}
		tokens[i] = C.llama_token(b.Token(i))
		pos[i] = C.llama_pos(b.Pos(i))
		nSeq[i] = C.int32_t(len(ids))
		row := unsafe.Slice(seqIDs[i], c.nSeqMax)
		for j, id := range ids {
			row[j] = C.llama_seq_id(id)
		}
		logits[i] = 0
		if b.Logits(i) {
			logits[i] = 1
		}
	}
	nb.n_tokens = C.int32_t(n)

	if rc := int32(C.llama_decode(c.ptr, *nb)); rc != 0 {
		return &backend.DecodeError{Code: rc}
	}
	return nil
}

// Logits returns a view into context-owned memory, valid until the next
// Decode.
func (c *Context) Logits(i int) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ptr == nil {
		return nil
	}
	p := C.llama_get_logits_ith(c.ptr, C.int32_t(i))
	if p == nil {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(p)), c.nVocab)
}

func (c *Context) Synchronize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ptr != nil {
		C.llama_synchronize(c.ptr)
	}
}

func (c *Context) MemoryClear(data bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ptr != nil {
		C.llama_memory_clear(C.llama_get_memory(c.ptr), C.bool(data))
	}
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ptr == nil {
		return nil
	}
	C.llama_batch_free(c.native)
	C.llama_free(c.ptr)
	c.ptr = nil
	runtime.SetFinalizer(c, nil)
	return nil
}
