package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-resumable-upload/internal/fscheck"
	"github.com/bitrise-io/go-resumable-upload/internal/osproxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "config", "sessions.json"))
	require.NoError(t, err)

	testStoreContract(t, store)
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "resumable-upload", "sessions.json")

	first, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "bucket/object", Descriptor{URI: "https://storage.example/s", FirstChunk: []byte("hello")}))

	second, err := NewFileStore(path)
	require.NoError(t, err)
	d, err := second.Get(ctx, "bucket/object")
	require.NoError(t, err)
	assert.Equal(t, "https://storage.example/s", d.URI)
	assert.Equal(t, []byte("hello"), d.FirstChunk)

	require.NoError(t, fscheck.New(path).IsFile().ModeEquals(0600).Check())
	require.NoError(t, fscheck.New(filepath.Dir(path)).IsDir().ModeEquals(0700).Check())
	require.NoError(t, fscheck.New(path+".tmp").NotExist().Check())
}

func TestFileStore_DocumentShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "b/o", Descriptor{URI: "https://storage.example/s", FirstChunk: []byte("abc")}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "https://storage.example/s", raw["b/o"]["uri"])
	assert.Equal(t, "YWJj", raw["b/o"]["firstChunk"])
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "b/o")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestFileStore_DefaultPath(t *testing.T) {
	store, err := NewFileStore("")
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(store.Path(), filepath.Join(".config", "resumable-upload", "sessions.json")))
}

type failingRenameOS struct {
	osproxy.RealOS
	removed []string
}

func (f *failingRenameOS) Rename(string, string) error {
	return errors.New("cross-device link")
}

func (f *failingRenameOS) Remove(name string) error {
	f.removed = append(f.removed, name)
	return os.Remove(name)
}

func TestFileStore_FailedRenameKeepsOldDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.json")

	good, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, good.Set(ctx, "b/o", Descriptor{URI: "https://storage.example/old"}))

	fakeOS := &failingRenameOS{}
	broken, err := NewFileStoreWithOS(path, fakeOS)
	require.NoError(t, err)

	err = broken.Set(ctx, "b/o", Descriptor{URI: "https://storage.example/new"})
	require.Error(t, err)
	assert.Equal(t, []string{path + ".tmp"}, fakeOS.removed)

	d, err := good.Get(ctx, "b/o")
	require.NoError(t, err)
	assert.Equal(t, "https://storage.example/old", d.URI)
}
