package ngram

import (
	"math"
	"strings"

	"Mokpell/internal/backend"
)

// Byte-level vocabulary: ids 0-255 are raw bytes, followed by the specials.
const (
	TokenBOS backend.Token = 256 + iota
	TokenEOS
	TokenIMStart
	TokenIMEnd

	vocabSize = 260
)

// MaxInputBytes bounds a single Tokenize call.
const MaxInputBytes = 1 << 24

var specials = [...]string{"<s>", "</s>", "<|im_start|>", "<|im_end|>"}

type vocab struct{}

func (vocab) NTokens() int32      { return vocabSize }
func (vocab) BOS() backend.Token { return TokenBOS }
func (vocab) EOS() backend.Token { return TokenEOS }

func (vocab) IsEOG(tok backend.Token) bool {
	return tok == TokenEOS || tok == TokenIMEnd
}

func (v vocab) Tokenize(text string, buf []backend.Token, addSpecial, parseSpecial bool) int32 {
	if len(text) > MaxInputBytes {
		return math.MinInt32
	}
	toks := v.encode(text, addSpecial, parseSpecial)
	if len(toks) > len(buf) {
		return -int32(len(toks))
	}
	copy(buf, toks)
	return int32(len(toks))
}

func (vocab) encode(text string, addSpecial, parseSpecial bool) []backend.Token {
	toks := make([]backend.Token, 0, len(text)+1)
	if addSpecial {
		toks = append(toks, TokenBOS)
	}
	for i := 0; i < len(text); {
		if parseSpecial && text[i] == '<' {
			if id, n := matchSpecial(text[i:]); n > 0 {
				toks = append(toks, id)
				i += n
				continue
			}
		}
		toks = append(toks, backend.Token(text[i]))
		i++
	}
	return toks
}

func matchSpecial(s string) (backend.Token, int) {
	for k, sp := range specials {
		if strings.HasPrefix(s, sp) {
			return backend.Token(256 + k), len(sp)
		}
	}
	return 0, 0
}

func (vocab) TokenToPiece(tok backend.Token, buf []byte, lstrip int32, special bool) int32 {
	piece := pieceOf(tok, special)
	for lstrip > 0 && len(piece) > 0 && piece[0] == ' ' {
		piece = piece[1:]
		lstrip--
	}
	if len(piece) > len(buf) {
		return -int32(len(piece))
	}
	return int32(copy(buf, piece))
}

func pieceOf(tok backend.Token, special bool) string {
	switch {
	case tok >= 0 && tok < 256:
		return string([]byte{byte(tok)})
	case tok >= 256 && tok < vocabSize:
		if !special {
			return ""
		}
		return specials[tok-256]
	default:
		return ""
	}
}
