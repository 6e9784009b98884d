package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitToFile(t *testing.T) {
	dir := t.TempDir()
	log, err := Init(Options{Level: "debug", ToFile: true, Dir: dir})
	require.NoError(t, err)
	t.Cleanup(Close)

	assert.True(t, IsFileLogging())
	assert.Equal(t, dir, LogDir())

	log.Debug().Str("k", "v").Msg("hello")
	Close()
	assert.False(t, IsFileLogging())

	matches, err := filepath.Glob(filepath.Join(dir, "mokpell-*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestInitRejectsBadLevel(t *testing.T) {
	_, err := Init(Options{Level: "chatty"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "chatty"))
}

func TestDiscard(t *testing.T) {
	_, err := Init(Options{Level: "info", Format: "json"})
	require.NoError(t, err)
	l := Discard()
	assert.Equal(t, l.GetLevel(), Logger().GetLevel())
	assert.False(t, IsFileLogging())
}
