// Package attach turns local documents into text that can be placed in a
// chat message.
package attach

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// DefaultMaxBytes bounds the extracted text placed in a prompt.
const DefaultMaxBytes = 64 << 10

// ErrUnsupported reports a file type attach cannot read.
var ErrUnsupported = errors.New("attach: unsupported file type")

var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".rst": {}, ".log": {},
	".csv": {}, ".tsv": {}, ".json": {}, ".yaml": {}, ".yml": {},
}

// Document is the extracted text of one file.
type Document struct {
	Name      string
	Text      string
	Truncated bool
}

// Supported reports whether path has an extension Load understands.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".pdf" {
		return true
	}
	_, ok := textExtensions[ext]
	return ok
}

// Load extracts text from path, keeping at most maxBytes of it. A
// non-positive maxBytes means DefaultMaxBytes.
func Load(path string, maxBytes int) (Document, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	ext := strings.ToLower(filepath.Ext(path))

	var (
		text string
		err  error
	)
	switch {
	case ext == ".pdf":
		text, err = extractPDFText(path)
	case isText(ext):
		var data []byte
		data, err = os.ReadFile(path)
		text = string(data)
	default:
		return Document{}, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	if err != nil {
		return Document{}, fmt.Errorf("attach: read %s: %w", path, err)
	}

	doc := Document{Name: filepath.Base(path)}
	text = strings.ToValidUTF8(text, "�")
	if len(text) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		doc.Truncated = true
	}
	doc.Text = strings.TrimSpace(text)
	return doc, nil
}

func isText(ext string) bool {
	_, ok := textExtensions[ext]
	return ok
}

func extractPDFText(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Prompt prefixes question with the attached documents.
func Prompt(question string, docs ...Document) string {
	if len(docs) == 0 {
		return question
	}
	var sb strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&sb, "<document name=%q>\n%s\n", d.Name, d.Text)
		if d.Truncated {
			sb.WriteString("[truncated]\n")
		}
		sb.WriteString("</document>\n\n")
	}
	sb.WriteString(question)
	return sb.String()
}
