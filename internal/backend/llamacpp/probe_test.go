package llamacpp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// snprintf mimics llama_model_desc: it writes what fits, NUL-terminates and
// returns the untruncated length.
func snprintf(s string, calls *int) func([]byte) int {
	return func(buf []byte) int {
		*calls++
		n := copy(buf[:len(buf)-1], s)
		buf[n] = 0
		return len(s)
	}
}

func TestProbeString(t *testing.T) {
	tests := []struct {
		name  string
		desc  string
		calls int
	}{
		{"fits", "llama 7B Q4_0", 1},
		{"exactly one short of the buffer", strings.Repeat("a", 15), 1},
		{"fills the buffer", strings.Repeat("b", 16), 2},
		{"longer than the buffer", strings.Repeat("c", 300), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got := probeString(16, snprintf(tt.desc, &calls))
			assert.Equal(t, tt.desc, got)
			assert.Equal(t, tt.calls, calls)
		})
	}
}

func TestProbeStringEmpty(t *testing.T) {
	calls := 0
	assert.Empty(t, probeString(16, snprintf("", &calls)))
	assert.Empty(t, probeString(16, func([]byte) int { return -1 }))
}
