package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mokpell/internal/backend"
)

func candidates(logits ...float32) *Candidates {
	c := &Candidates{}
	c.reset(logits)
	return c
}

func ids(c *Candidates) []backend.Token {
	out := make([]backend.Token, len(c.Data))
	for i, cand := range c.Data {
		out[i] = cand.ID
	}
	return out
}

func TestFromParamsOrder(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   []string
	}{
		{
			name:   "defaults",
			params: DefaultParams(),
			want:   []string{"penalties", "top-k", "top-p", "min-p", "temp", "dist"},
		},
		{
			name:   "greedy when temperature is zero",
			params: Params{Temperature: 0, TopK: 40, PenaltyLastN: 64, PenaltyRepeat: 1},
			want:   []string{"top-k", "greedy"},
		},
		{
			name:   "top-p of one is disabled",
			params: Params{Temperature: 0.5, TopP: 1, Seed: 1},
			want:   []string{"temp", "dist"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromParams(tt.params).Names())
		})
	}
}

func TestGreedyPicksArgmax(t *testing.T) {
	chain := FromParams(Params{Temperature: 0})
	tok, err := chain.Sample([]float32{0.1, 2.5, -1, 2.4})
	require.NoError(t, err)
	assert.Equal(t, backend.Token(1), tok)
}

func TestSampleEmptyLogits(t *testing.T) {
	_, err := FromParams(DefaultParams()).Sample(nil)
	assert.ErrorIs(t, err, ErrNoLogits)

	_, err = NewChain(NewTopK(1)).Sample([]float32{1})
	assert.ErrorIs(t, err, ErrNoSelection)
}

func TestPenaltiesFormula(t *testing.T) {
	p := NewPenalties(4, 2, 0.5, 0.25)
	p.Accept(0)
	p.Accept(0)
	p.Accept(1)

	c := candidates(4, -1, 3)
	p.Apply(c)

	// positive logit divided, negative multiplied, then count*freq + present subtracted
	assert.InDelta(t, 4.0/2-2*0.5-0.25, c.Data[0].Logit, 1e-6)
	assert.InDelta(t, -1.0*2-0.5-0.25, c.Data[1].Logit, 1e-6)
	assert.InDelta(t, 3.0, c.Data[2].Logit, 1e-6)
}

func TestPenaltiesWindowSlides(t *testing.T) {
	p := NewPenalties(2, 2, 0, 0)
	p.Accept(0)
	p.Accept(1)
	p.Accept(2)

	c := candidates(2, 2, 2)
	p.Apply(c)
	assert.InDelta(t, 2.0, c.Data[0].Logit, 1e-6, "token 0 left the window")
	assert.InDelta(t, 1.0, c.Data[1].Logit, 1e-6)
	assert.InDelta(t, 1.0, c.Data[2].Logit, 1e-6)

	p.Reset()
	c = candidates(2, 2, 2)
	p.Apply(c)
	assert.InDelta(t, 2.0, c.Data[1].Logit, 1e-6)
}

func TestTopK(t *testing.T) {
	c := candidates(0.1, 0.9, 0.5, 0.7)
	NewTopK(2).Apply(c)
	assert.Equal(t, []backend.Token{1, 3}, ids(c))
}

func TestTopP(t *testing.T) {
	// probabilities roughly 0.64, 0.24, 0.09, 0.03
	c := candidates(3, 2, 1, 0)
	NewTopP(0.8, 1).Apply(c)
	assert.Equal(t, []backend.Token{0, 1}, ids(c))

	c = candidates(3, 2, 1, 0)
	NewTopP(0.1, 1).Apply(c)
	assert.Equal(t, []backend.Token{0}, ids(c))
}

func TestMinP(t *testing.T) {
	c := candidates(0, -0.5, -3, -10)
	NewMinP(0.1, 1).Apply(c)
	// exp(-0.5) ~ 0.61 survives, exp(-3) ~ 0.05 does not
	assert.Equal(t, []backend.Token{0, 1}, ids(c))
}

func TestTemp(t *testing.T) {
	c := candidates(2, -4)
	NewTemp(0.5).Apply(c)
	assert.InDelta(t, 4.0, c.Data[0].Logit, 1e-6)
	assert.InDelta(t, -8.0, c.Data[1].Logit, 1e-6)
}

func TestDistSeededIsReproducible(t *testing.T) {
	logits := []float32{1, 1.2, 0.8, 1.1, 0.9}
	draw := func(chain *Chain) []backend.Token {
		out := make([]backend.Token, 20)
		for i := range out {
			tok, err := chain.Sample(logits)
			require.NoError(t, err)
			chain.Accept(tok)
			out[i] = tok
		}
		return out
	}

	params := Params{Temperature: 1, Seed: 42}
	a := FromParams(params)
	first := draw(a)
	assert.Equal(t, first, draw(FromParams(params)))

	a.Reset()
	assert.Equal(t, first, draw(a), "reset reseeds the draw")
}

func TestDistRespectsTruncation(t *testing.T) {
	chain := FromParams(Params{Temperature: 1, TopK: 1, Seed: 7})
	for i := 0; i < 10; i++ {
		tok, err := chain.Sample([]float32{0, 5, 4.9})
		require.NoError(t, err)
		assert.Equal(t, backend.Token(1), tok)
	}
}
