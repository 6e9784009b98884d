package ngram

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mokpell/internal/backend"
	"Mokpell/internal/batch"
)

const testCorpus = "<|im_start|>assistant\nabcdefgh<|im_end|>"

func newTestModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(Card{Name: "test", Corpus: testCorpus})
	require.NoError(t, err)
	return m
}

func argmax(logits []float32) backend.Token {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return backend.Token(best)
}

func TestTokenizeSizingProtocol(t *testing.T) {
	v := vocab{}

	n := v.Tokenize("hello", nil, true, false)
	assert.Equal(t, int32(-6), n)

	buf := make([]backend.Token, 6)
	n = v.Tokenize("hello", buf, true, false)
	require.Equal(t, int32(6), n)
	assert.Equal(t, TokenBOS, buf[0])
	assert.Equal(t, backend.Token('h'), buf[1])
}

func TestTokenizeSpecials(t *testing.T) {
	v := vocab{}
	buf := make([]backend.Token, 32)

	n := v.Tokenize("<|im_start|>x</s>", buf, false, true)
	assert.Equal(t, []backend.Token{TokenIMStart, 'x', TokenEOS}, buf[:n])

	n = v.Tokenize("</s>", buf, false, false)
	assert.Equal(t, int32(4), n)
}

func TestTokenizeRejectsOversizedInput(t *testing.T) {
	big := make([]byte, MaxInputBytes+1)
	assert.Equal(t, int32(math.MinInt32), vocab{}.Tokenize(string(big), nil, false, false))
}

func TestTokenToPiece(t *testing.T) {
	v := vocab{}

	small := make([]byte, 2)
	assert.Equal(t, int32(-12), v.TokenToPiece(TokenIMStart, small, 0, true))

	buf := make([]byte, 16)
	n := v.TokenToPiece(TokenIMStart, buf, 0, true)
	assert.Equal(t, "<|im_start|>", string(buf[:n]))

	assert.Equal(t, int32(0), v.TokenToPiece(TokenEOS, buf, 0, false))

	n = v.TokenToPiece(' ', buf, 1, false)
	assert.Equal(t, int32(0), n)

	assert.True(t, v.IsEOG(TokenEOS))
	assert.True(t, v.IsEOG(TokenIMEnd))
	assert.False(t, v.IsEOG('a'))
}

func TestBigramGreedyFollowsCorpus(t *testing.T) {
	m := newTestModel(t)
	assert.Equal(t, backend.Token('b'), argmax(m.row('a')))
	assert.Equal(t, TokenIMEnd, argmax(m.row('h')))
	assert.Equal(t, backend.Token('a'), argmax(m.row('\n')))
}

func TestApplyChatTemplate(t *testing.T) {
	m := newTestModel(t)
	msgs := []backend.ChatMessage{{Role: "user", Content: "Hi"}}
	want := "<|im_start|>user\nHi<|im_end|>\n<|im_start|>assistant\n"

	n := m.ApplyChatTemplate("", msgs, true, nil)
	require.Equal(t, int32(len(want)), n)

	buf := make([]byte, n)
	m.ApplyChatTemplate("", msgs, true, buf)
	assert.Equal(t, want, string(buf))

	buf = make([]byte, 64)
	n = m.ApplyChatTemplate("plain", msgs, true, buf)
	assert.Equal(t, "user: Hi\nassistant: ", string(buf[:n]))

	assert.Negative(t, m.ApplyChatTemplate("{% jinja %}", msgs, true, buf))
}

func TestDecodeTracksPositionsAndLogits(t *testing.T) {
	m := newTestModel(t)
	ctx, err := NewContext(m, backend.ContextParams{NCtx: 8, NBatch: 4, NSeqMax: 2})
	require.NoError(t, err)

	b := batch.New(4, 2)
	b.Add('a', 0, []batch.SeqID{0}, false)
	b.Add('b', 1, []batch.SeqID{0}, true)
	require.NoError(t, ctx.Decode(b))
	assert.Equal(t, 2, ctx.Used())
	assert.Nil(t, ctx.Logits(0))
	assert.Equal(t, backend.Token('c'), argmax(ctx.Logits(-1)))

	b.Clear()
	b.Add('c', 5, []batch.SeqID{0}, true)
	err = ctx.Decode(b)
	require.Error(t, err)
	assert.True(t, backend.IsDecodeError(err))
	assert.Equal(t, 2, ctx.Used(), "rejected batch must not consume cells")

	b.Clear()
	b.Add('c', 0, []batch.SeqID{3}, true)
	require.Error(t, ctx.Decode(b))

	ctx.MemoryClear(false)
	assert.Equal(t, 0, ctx.Used())
}

func TestDecodeNoKVSlot(t *testing.T) {
	m := newTestModel(t)
	ctx, err := NewContext(m, backend.ContextParams{NCtx: 2, NBatch: 4})
	require.NoError(t, err)

	b := batch.New(4, 1)
	for i := 0; i < 3; i++ {
		b.Add('a', int32(i), []batch.SeqID{0}, false)
	}
	err = ctx.Decode(b)
	var de *backend.DecodeError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.NoKVSlot())
}

func TestLoadCard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corpus.txt"), []byte("xyz</s>"), 0o644))
	card := "name: tiny\nchat_template: plain\ncorpus_path: corpus.txt\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.yaml"), []byte(card), 0o644))

	b := New()
	model, err := b.LoadModel(filepath.Join(dir, "tiny.yaml"), backend.DefaultModelOptions())
	require.NoError(t, err)
	assert.Equal(t, "plain", model.ChatTemplate())
	assert.Equal(t, "tiny bigram 260V", model.Description())

	raw, err := b.LoadModel(filepath.Join(dir, "corpus.txt"), backend.DefaultModelOptions())
	require.NoError(t, err)
	assert.Equal(t, "chatml", raw.ChatTemplate())

	_, err = b.LoadModel(filepath.Join(dir, "missing.yaml"), backend.DefaultModelOptions())
	require.Error(t, err)
}

func TestRegistered(t *testing.T) {
	b, err := backend.DefaultRegistry.New(Name)
	require.NoError(t, err)
	assert.Equal(t, "ngram", b.Name())
}
