package pebble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridbroker/internal/storage"
)

func TestStackFIFOAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	p, err := Open(Options{DataDir: dir, Fsync: FsyncModeAlways})
	require.NoError(t, err)
	s, err := p.Open("crawler_00")
	require.NoError(t, err)
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, s.Push(ctx, []byte(v)))
	}
	got, err := s.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
	require.NoError(t, p.Close())

	p, err = Open(Options{DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	s, err = p.Open("crawler_00")
	require.NoError(t, err)

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.Push(ctx, []byte("d")))
	for _, want := range []string{"b", "c", "d"} {
		got, err := s.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err = s.Pop(ctx)
	assert.ErrorIs(t, err, storage.ErrEmpty)
}

func TestStacksAreIsolated(t *testing.T) {
	t.Parallel()

	p, err := Open(Options{DataDir: t.TempDir(), Fsync: FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	ctx := context.Background()

	// "a" is a prefix of "a_b"; the 0x00 separator keeps their ranges apart.
	first, err := p.Open("a")
	require.NoError(t, err)
	second, err := p.Open("a_b")
	require.NoError(t, err)
	require.NoError(t, first.Push(ctx, []byte("1")))
	require.NoError(t, second.Push(ctx, []byte("2")))
	require.NoError(t, second.Push(ctx, []byte("3")))

	require.NoError(t, first.Clear(ctx))
	n, _ := first.Size(ctx)
	assert.Equal(t, int64(0), n)
	n, _ = second.Size(ctx)
	assert.Equal(t, int64(2), n)

	got, err := second.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
}

func TestClearSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	p, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	s, _ := p.Open("svc_q")
	require.NoError(t, s.Push(ctx, []byte("x")))
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, p.Close())

	p, err = Open(Options{DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	s, _ = p.Open("svc_q")
	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestParseFsyncMode(t *testing.T) {
	t.Parallel()

	m, err := ParseFsyncMode("always")
	require.NoError(t, err)
	assert.Equal(t, FsyncModeAlways, m)
	m, err = ParseFsyncMode("")
	require.NoError(t, err)
	assert.Equal(t, FsyncModeInterval, m)
	_, err = ParseFsyncMode("sometimes")
	assert.Error(t, err)
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	_, err := Open(Options{})
	assert.Error(t, err)

	p, err := Open(Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	_, err = p.Open("")
	assert.Error(t, err)
	require.NoError(t, p.Close())
	_, err = p.Open("svc_q")
	assert.Error(t, err)
}
