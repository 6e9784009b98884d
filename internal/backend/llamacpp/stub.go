//go:build !llama

// Package llamacpp binds the llama.cpp C API. This build was compiled without
// the llama tag, so the backend is registered but every load reports the
// missing dependency.
package llamacpp

import "Mokpell/internal/backend"

func init() {
	backend.Register(Name, func() (backend.Backend, error) { return nil, errUnavailable })
}

var errUnavailable = backend.ErrDependencyUnavailable("llama: built without llama.cpp support, rebuild with -tags llama")

// New reports that llama.cpp support is compiled out.
func New() (backend.Backend, error) { return nil, errUnavailable }
