package attach

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadText(t *testing.T) {
	doc, err := Load(write(t, "notes.md", "  # Title\n\nbody text\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, "notes.md", doc.Name)
	assert.Equal(t, "# Title\n\nbody text", doc.Text)
	assert.False(t, doc.Truncated)
}

func TestLoadTruncatesOnRuneBoundary(t *testing.T) {
	doc, err := Load(write(t, "a.txt", "ab✓cd"), 4)
	require.NoError(t, err)
	assert.True(t, doc.Truncated)
	assert.Equal(t, "ab", doc.Text)
}

func TestLoadRepairsInvalidUTF8(t *testing.T) {
	doc, err := Load(write(t, "bin.log", "ok\xffok"), 0)
	require.NoError(t, err)
	assert.Equal(t, "ok�ok", doc.Text)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(write(t, "image.png", "x"), 0)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Load(write(t, "broken.pdf", "not a pdf"), 0)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"), 0)
	assert.Error(t, err)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("a.PDF"))
	assert.True(t, Supported("a.yaml"))
	assert.False(t, Supported("a.exe"))
}

func TestPrompt(t *testing.T) {
	assert.Equal(t, "q", Prompt("q"))
	out := Prompt("summarise", Document{Name: "a.txt", Text: "alpha", Truncated: true})
	assert.True(t, strings.HasPrefix(out, "<document name=\"a.txt\">\nalpha\n[truncated]\n</document>"))
	assert.True(t, strings.HasSuffix(out, "\n\nsummarise"))
}
