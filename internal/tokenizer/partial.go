package tokenizer

import (
	"strings"
	"unicode/utf8"
)

// PartialUTF8 accumulates token bytes between fragments. Between calls it is
// either empty or holds one incomplete but so far valid UTF-8 sequence.
type PartialUTF8 struct {
	buf []byte
}

// Push appends b and returns everything that can be emitted. A trailing
// incomplete sequence stays buffered and invalid bytes become U+FFFD.
func (p *PartialUTF8) Push(b []byte) (string, bool) {
	p.buf = append(p.buf, b...)
	if len(p.buf) == 0 {
		return "", false
	}
	if utf8.Valid(p.buf) {
		out := string(p.buf)
		p.buf = p.buf[:0]
		return out, true
	}

	cut := incompleteTail(p.buf)
	out := repair(p.buf[:cut])
	n := copy(p.buf, p.buf[cut:])
	p.buf = p.buf[:n]
	return out, out != ""
}

// Flush returns any buffered bytes, repaired, and empties the buffer.
func (p *PartialUTF8) Flush() string {
	if len(p.buf) == 0 {
		return ""
	}
	out := repair(p.buf)
	p.buf = p.buf[:0]
	return out
}

// Reset discards buffered bytes.
func (p *PartialUTF8) Reset() {
	p.buf = p.buf[:0]
}

// Len is the number of buffered bytes.
func (p *PartialUTF8) Len() int { return len(p.buf) }

// incompleteTail returns the index where a trailing, valid but unfinished
// sequence starts, or len(b) when there is none.
func incompleteTail(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if b[i]&0xC0 == 0x80 {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return i
		}
		break
	}
	return len(b)
}

// repair replaces every byte that does not start a valid sequence with
// U+FFFD. Runs of invalid bytes are not merged.
func repair(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) + 8)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}
