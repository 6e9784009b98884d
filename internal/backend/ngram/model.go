package ngram

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"Mokpell/internal/backend"
)

// Card describes a bigram model. It is the on-disk model format of this
// backend.
type Card struct {
	Name         string  `yaml:"name"`
	Description  string  `yaml:"description"`
	ChatTemplate string  `yaml:"chat_template"`
	Corpus       string  `yaml:"corpus"`
	CorpusPath   string  `yaml:"corpus_path"`
	Smoothing    float64 `yaml:"smoothing"`
}

const defaultSmoothing = 0.01

// Model is a byte-level bigram language model. Its logits depend only on the
// previous token, which keeps generation fully deterministic under greedy
// sampling.
type Model struct {
	card   Card
	table  [][]float32
	closed atomic.Bool
}

var _ backend.Model = (*Model)(nil)

// LoadCard reads a model card. Files ending in .yaml or .yml are parsed as
// cards; anything else is treated as a raw training corpus.
func LoadCard(path string) (Card, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Card{}, fmt.Errorf("ngram: read model %q: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return Card{
			Name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Corpus: string(data),
		}, nil
	}

	var card Card
	if err := yaml.Unmarshal(data, &card); err != nil {
		return Card{}, fmt.Errorf("ngram: parse model card %q: %w", path, err)
	}
	if card.Corpus == "" && card.CorpusPath != "" {
		cp := card.CorpusPath
		if !filepath.IsAbs(cp) {
			cp = filepath.Join(filepath.Dir(path), cp)
		}
		corpus, err := os.ReadFile(filepath.Clean(cp))
		if err != nil {
			return Card{}, fmt.Errorf("ngram: read corpus %q: %w", cp, err)
		}
		card.Corpus = string(corpus)
	}
	if card.Name == "" {
		card.Name = strings.TrimSuffix(filepath.Base(path), ext)
	}
	return card, nil
}

// NewModel trains the bigram table from the card's corpus. Special token
// strings inside the corpus are recognised.
func NewModel(card Card) (*Model, error) {
	if card.Corpus == "" {
		return nil, errors.New("ngram: empty corpus")
	}
	if card.Smoothing <= 0 {
		card.Smoothing = defaultSmoothing
	}
	if card.ChatTemplate == "" {
		card.ChatTemplate = "chatml"
	}
	if card.Name == "" {
		card.Name = "ngram"
	}

	toks := vocab{}.encode(card.Corpus, false, true)

	var unigram [vocabSize]float64
	bigram := make([][vocabSize]float64, vocabSize)
	for i, tok := range toks {
		unigram[tok]++
		if i > 0 {
			bigram[toks[i-1]][tok]++
		}
	}

	table := make([][]float32, vocabSize)
	s := card.Smoothing
	for prev := range table {
		counts := bigram[prev][:]
		total := 0.0
		for _, c := range counts {
			total += c
		}
		if total == 0 {
			counts = unigram[:]
			total = float64(len(toks))
		}
		row := make([]float32, vocabSize)
		denom := total + s*vocabSize
		for next := range row {
			row[next] = float32(math.Log((counts[next] + s) / denom))
		}
		table[prev] = row
	}

	return &Model{card: card, table: table}, nil
}

func (m *Model) Vocab() backend.Vocab { return vocab{} }

func (m *Model) Description() string {
	if m.card.Description != "" {
		return m.card.Description
	}
	return fmt.Sprintf("%s bigram %dV", m.card.Name, vocabSize)
}

func (m *Model) Size() uint64    { return vocabSize * vocabSize * 4 }
func (m *Model) NParams() uint64 { return vocabSize * vocabSize }

func (m *Model) ChatTemplate() string { return m.card.ChatTemplate }

func (m *Model) ApplyChatTemplate(tmpl string, msgs []backend.ChatMessage, addAssistant bool, buf []byte) int32 {
	if tmpl == "" {
		tmpl = m.card.ChatTemplate
	}
	render, ok := lookupTemplate(tmpl)
	if !ok {
		return -1
	}
	out := render(msgs, addAssistant)
	copy(buf, out)
	return int32(len(out))
}

func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Model) row(prev backend.Token) []float32 {
	if prev < 0 || int(prev) >= len(m.table) {
		return m.table[TokenBOS]
	}
	return m.table[prev]
}

type templateFunc func(msgs []backend.ChatMessage, addAssistant bool) string

func lookupTemplate(tmpl string) (templateFunc, bool) {
	switch {
	case tmpl == "chatml" || strings.Contains(tmpl, "<|im_start|>"):
		return renderChatML, true
	case tmpl == "plain":
		return renderPlain, true
	default:
		return nil, false
	}
}

func renderChatML(msgs []backend.ChatMessage, addAssistant bool) string {
	var sb strings.Builder
	for _, msg := range msgs {
		sb.WriteString("<|im_start|>")
		sb.WriteString(msg.Role)
		sb.WriteByte('\n')
		sb.WriteString(msg.Content)
		sb.WriteString("<|im_end|>\n")
	}
	if addAssistant {
		sb.WriteString("<|im_start|>assistant\n")
	}
	return sb.String()
}

func renderPlain(msgs []backend.ChatMessage, addAssistant bool) string {
	var sb strings.Builder
	for _, msg := range msgs {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteByte('\n')
	}
	if addAssistant {
		sb.WriteString("assistant: ")
	}
	return sb.String()
}
