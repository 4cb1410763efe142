package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/remotesym/pkg/signature"
	"github.com/grafana/remotesym/pkg/test/elftest"
)

func sigOf(t *testing.T, img elftest.Image) signature.Signature {
	t.Helper()
	dir := t.TempDir()
	sig, err := signature.OfFile(img.WriteFile(t, dir, "x.so"))
	require.NoError(t, err)
	require.False(t, sig.Empty())
	return sig
}

func TestBuild(t *testing.T) {
	foo := elftest.Image{Text: []byte("foo code")}
	bar := elftest.Image{Text: []byte("bar code")}

	out := t.TempDir()
	fooPath := foo.WriteFile(t, out, "libfoo.so")
	barPath := bar.WriteFile(t, out, "libbar.so")
	foo.WriteFile(t, out, "sub/libfoo.so")
	foo.WriteFile(t, out, "libfoo.so.debug")
	require.NoError(t, os.WriteFile(filepath.Join(out, "libjunk.so"), []byte("not elf"), 0o644))

	idx, err := Build(context.Background(), log.NewNopLogger(), []string{out}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	p, ok := idx.Lookup(sigOf(t, foo))
	require.True(t, ok)
	assert.Equal(t, fooPath, p)

	p, ok = idx.Lookup(sigOf(t, bar))
	require.True(t, ok)
	assert.Equal(t, barPath, p)

	_, ok = idx.Lookup(sigOf(t, elftest.Image{Text: []byte("unknown")}))
	assert.False(t, ok)
	_, ok = idx.Lookup("")
	assert.False(t, ok)

	entries := idx.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, barPath, entries[0].Path)
	assert.Equal(t, fooPath, entries[1].Path)
}

func TestBuild_LaterWins(t *testing.T) {
	lib := elftest.Image{Text: []byte("same code")}
	first, second := t.TempDir(), t.TempDir()
	lib.WriteFile(t, first, "liba.so")
	lib.WriteFile(t, first, "libb.so")
	want := lib.WriteFile(t, second, "libc.so")

	for i := 0; i < 5; i++ {
		idx, err := Build(context.Background(), log.NewNopLogger(), []string{first, second}, 4)
		require.NoError(t, err)
		p, ok := idx.Lookup(sigOf(t, lib))
		require.True(t, ok)
		assert.Equal(t, want, p)
		assert.Equal(t, 1, idx.Len())
	}

	// Within one directory, lexical order decides.
	idx, err := Build(context.Background(), log.NewNopLogger(), []string{first}, 4)
	require.NoError(t, err)
	p, _ := idx.Lookup(sigOf(t, lib))
	assert.Equal(t, filepath.Join(first, "libb.so"), p)
}

func TestBuild_MissingDirectory(t *testing.T) {
	_, err := Build(context.Background(), log.NewNopLogger(), []string{filepath.Join(t.TempDir(), "nope")}, 1)
	require.Error(t, err)
}

func TestBuild_Cancelled(t *testing.T) {
	out := t.TempDir()
	elftest.Image{Text: []byte("foo")}.WriteFile(t, out, "libfoo.so")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, log.NewNopLogger(), []string{out}, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNilIndex(t *testing.T) {
	var idx *Index
	_, ok := idx.Lookup("abc")
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Len())
	assert.Nil(t, idx.Entries())
}
