package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(" Fake ", func() (Backend, error) { return nil, ErrDependencyUnavailable("fake: not built") })

	assert.Equal(t, []string{"fake"}, r.Names())

	_, err := r.New("FAKE")
	require.Error(t, err)
	assert.True(t, IsDependencyUnavailable(err))

	_, err = r.New("missing")
	require.Error(t, err)
	assert.True(t, IsUnknownBackend(err))
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestDecodeErrorHelpers(t *testing.T) {
	err := fmt.Errorf("prefill: %w", &DecodeError{Code: DecodeNoKVSlot, Reason: "cache full"})
	assert.True(t, IsDecodeError(err))

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.True(t, de.NoKVSlot())
	assert.Contains(t, err.Error(), "status 1: cache full")

	assert.False(t, IsDecodeError(errors.New("other")))
}
