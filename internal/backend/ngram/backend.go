// Package ngram is a pure-Go byte-level bigram backend. It needs no native
// libraries and produces deterministic output, which makes it the runtime of
// choice for tests and offline demos.
package ngram

import (
	"fmt"

	"Mokpell/internal/backend"
)

// Name is the registry key of this backend.
const Name = "ngram"

func init() {
	backend.Register(Name, func() (backend.Backend, error) { return New(), nil })
}

// Backend loads bigram model cards.
type Backend struct{}

var _ backend.Backend = Backend{}

// New returns the backend.
func New() Backend { return Backend{} }

func (Backend) Name() string   { return Name }
func (Backend) Device() string { return "CPU" }

func (Backend) LoadModel(path string, _ backend.ModelOptions) (backend.Model, error) {
	card, err := LoadCard(path)
	if err != nil {
		return nil, err
	}
	m, err := NewModel(card)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (Backend) NewContext(m backend.Model, p backend.ContextParams) (backend.Context, error) {
	model, ok := m.(*Model)
	if !ok {
		return nil, fmt.Errorf("ngram: model of type %T not supported", m)
	}
	ctx, err := NewContext(model, p)
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

func (Backend) Close() error { return nil }
