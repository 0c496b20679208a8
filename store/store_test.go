package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemory_AbsentKey(t *testing.T) {
	s := NewMemory()
	v, err := s.Get("missing")
	require.NoError(t, err, "Get() error")
	require.Nil(t, v, "absent key must read as nil")
}

func TestMemory_RoundTrip(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Set("k", []byte("v1")), "Set() error")

	v, err := s.Get("k")
	require.NoError(t, err, "Get() error")
	require.Equal(t, []byte("v1"), v, "stored value")

	// Mutating the returned slice must not leak into the store.
	v[0] = 'x'
	again, err := s.Get("k")
	require.NoError(t, err, "Get() error")
	require.Equal(t, []byte("v1"), again, "store must hand out copies")
}

func TestMemory_Overwrite(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Set("k", []byte("v1")), "Set() error")
	require.NoError(t, s.Set("k", []byte("v2")), "Set() error")

	v, err := s.Get("k")
	require.NoError(t, err, "Get() error")
	require.Equal(t, []byte("v2"), v, "last write wins")
}

func TestPebble_RoundTrip(t *testing.T) {
	p, err := OpenPebble(t.TempDir())
	require.NoError(t, err, "OpenPebble() error")
	defer p.Close()

	v, err := p.Get("missing")
	require.NoError(t, err, "Get() error on absent key")
	require.Nil(t, v, "absent key must read as nil")

	require.NoError(t, p.Set("k", []byte("v1")), "Set() error")
	v, err = p.Get("k")
	require.NoError(t, err, "Get() error")
	require.Equal(t, []byte("v1"), v, "stored value")
}

func TestPebble_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	p, err := OpenPebble(dir)
	require.NoError(t, err, "OpenPebble() error")
	require.NoError(t, p.Set("cert:example.com", []byte(`{"domain":"example.com"}`)), "Set() error")
	require.NoError(t, p.Close(), "Close() error")

	p, err = OpenPebble(dir)
	require.NoError(t, err, "OpenPebble() error on reopen")
	defer p.Close()

	v, err := p.Get("cert:example.com")
	require.NoError(t, err, "Get() error after reopen")
	require.Equal(t, []byte(`{"domain":"example.com"}`), v, "value must survive reopen")
}
