package diskstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrove/apphost/internal/app"
)

func TestManifestRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	infos := []app.Info{
		{Name: "beta", Version: "1", Timestamp: 2},
		{Name: "alpha", Version: "1", Timestamp: 1},
	}
	require.NoError(t, s.SaveManifest(infos))

	loaded, err := s.LoadManifest()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "alpha", loaded[0].Name)
	assert.Equal(t, "beta", loaded[1].Name)
}

func TestLoadManifestMissingFileIsEmpty(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	loaded, err := s.LoadManifest()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestModulePathAndWriteModule(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	info := app.Info{Name: "counter", Timestamp: 1700000000}
	path, err := s.WriteModule(info, ".js", "function App(ctx) { return {}; }")
	require.NoError(t, err)
	assert.Equal(t, s.ModulePath(info, "js"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "function App")
}

func TestListModulesFindsMatchingFilesOnly(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "counter.1700000000.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apps.json"), []byte("[]"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	paths, err := s.ListModules()
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, filepath.Join(dir, "counter.1700000000.js"), paths[0])
}

func TestWatchIgnoresSelfInducedWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	events := make(chan fsnotify.Event, 8)
	require.NoError(t, s.Watch(func(ev fsnotify.Event) { events <- ev }))

	require.NoError(t, s.SaveManifest([]app.Info{{Name: "demo"}}))

	select {
	case ev := <-events:
		t.Fatalf("expected self-induced write to be paused, got event %v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "external.1.js"), []byte("x"), 0o644))

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an event for externally written module file")
	}
}
