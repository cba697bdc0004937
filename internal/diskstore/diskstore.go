// Package diskstore implements the out-of-scope-by-spec persistent app
// list: a JSON manifest file plus a directory watcher that triggers
// reload, sitting behind a loader-callback/saver-callback boundary so
// internal/app's core never depends on a filesystem directly.
package diskstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nodegrove/apphost/internal/app"
	"github.com/nodegrove/apphost/internal/apperr"
	"github.com/nodegrove/apphost/internal/logging"
)

const manifestFileName = "apps.json"

// Store persists AppInfo records to <baseDir>/apps.json and watches
// baseDir for module file changes made outside the API surface.
type Store struct {
	baseDir      string
	manifestPath string
	log          *logging.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pause   atomic.Bool
}

// New creates a Store rooted at baseDir, creating the directory if
// absent.
func New(baseDir string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NewDefault()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "diskstore.New", err)
	}
	return &Store{
		baseDir:      baseDir,
		manifestPath: filepath.Join(baseDir, manifestFileName),
		log:          log,
	}, nil
}

// ModulePath returns the on-disk path for info's module source, per the
// "<baseDir>/<name>.<timestamp>.<ext>" convention.
func (s *Store) ModulePath(info app.Info, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return filepath.Join(s.baseDir, fmt.Sprintf("%s.%d.%s", info.Name, info.Timestamp, ext))
}

// WriteModule writes source to info's module path (creating or
// overwriting it) and returns the path written.
func (s *Store) WriteModule(info app.Info, ext, source string) (string, error) {
	path := s.ModulePath(info, ext)
	s.mu.Lock()
	s.pause.Store(true)
	defer func() {
		s.pause.Store(false)
		s.mu.Unlock()
	}()
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindIO, "diskstore.WriteModule", err)
	}
	return path, nil
}

// LoadManifest reads the JSON array of AppInfo from disk. A missing
// file is treated as an empty manifest, not an error.
func (s *Store) LoadManifest() ([]app.Info, error) {
	data, err := os.ReadFile(s.manifestPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "diskstore.LoadManifest", err)
	}
	var infos []app.Info
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "diskstore.LoadManifest", err)
	}
	return infos, nil
}

// SaveManifest writes infos as a JSON array, pausing the watcher for the
// duration of the write so the resulting fsnotify event is not treated
// as an externally triggered reload.
func (s *Store) SaveManifest(infos []app.Info) error {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "diskstore.SaveManifest", err)
	}

	s.mu.Lock()
	s.pause.Store(true)
	defer func() {
		s.pause.Store(false)
		s.mu.Unlock()
	}()

	tmp := s.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Wrap(apperr.KindIO, "diskstore.SaveManifest", err)
	}
	if err := os.Rename(tmp, s.manifestPath); err != nil {
		return apperr.Wrap(apperr.KindIO, "diskstore.SaveManifest", err)
	}
	return nil
}

// ListModules returns every "<name>.<timestamp>.<ext>" module file
// under baseDir, walked with fastwalk for large module directories.
func (s *Store) ListModules() ([]string, error) {
	var paths []string
	var mu sync.Mutex
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == manifestFileName || strings.HasSuffix(name, ".tmp") {
			return nil
		}
		if !isModuleFile(name) {
			return nil
		}
		mu.Lock()
		paths = append(paths, path)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "diskstore.ListModules", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// isModuleFile reports whether name matches "<name>.<timestamp>.<ext>",
// i.e. it has at least three "."-separated components with a numeric
// second-to-last one.
func isModuleFile(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return false
	}
	_, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	return err == nil
}

// Watch starts watching baseDir for filesystem changes, invoking onEvent
// for each one not caused by this Store's own WriteModule/SaveManifest
// calls. Watch is idempotent; calling it twice is a no-op after the
// first call succeeds.
func (s *Store) Watch(onEvent func(fsnotify.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "diskstore.Watch", err)
	}
	if err := w.Add(s.baseDir); err != nil {
		_ = w.Close()
		return apperr.Wrap(apperr.KindIO, "diskstore.Watch", err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if s.pause.Load() {
					continue
				}
				onEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("diskstore watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
