package runner

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/notargets/DGRuntime/failure"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// fileTable holds in-memory sources that shadow files on disk. It is
// populated before first use and read-mostly afterwards.
type fileTable struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func newFileTable() *fileTable {
	return &fileTable{files: make(map[string][]byte)}
}

// canonical returns the absolute, cleaned form of name so that different
// spellings of one path share an entry.
func canonical(name string) string {
	abs, err := filepath.Abs(name)
	if err != nil {
		return filepath.Clean(name)
	}
	return abs
}

func (ft *fileTable) register(name string, source []byte) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.files[canonical(name)] = source
}

func (ft *fileTable) load(name string) ([]byte, error) {
	name = canonical(name)
	ft.mu.RLock()
	src, ok := ft.files[name]
	ft.mu.RUnlock()
	if ok {
		return src, nil
	}
	src, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open source file %s", name)
	}
	return src, nil
}

// RegisterFile makes source available under name, shadowing any file on disk.
func (r *Runtime) RegisterFile(name, source string) {
	klog.V(1).Infof("registered file %s (%d bytes)", canonical(name), len(source))
	r.files.register(name, []byte(source))
}

// LoadFile returns the registered source for name, or the file's contents.
func (r *Runtime) LoadFile(name string) string {
	src, err := r.files.load(name)
	if err != nil {
		fe := failure.Compilation("", "can't load source %s", name)
		fe.Err = err
		r.report("load_file", fe)
		return ""
	}
	return string(src)
}

// StoreFile writes data to name on disk.
func (r *Runtime) StoreFile(name string, data []byte) {
	name = canonical(name)
	if err := os.WriteFile(name, data, 0o644); err != nil {
		r.report("store_file", errors.Wrapf(err, "can't write file %s", name))
	}
}

// LoadSource implements platform.Env.
func (r *Runtime) LoadSource(identity string) ([]byte, error) {
	return r.files.load(identity)
}

// LoadCache returns the cached binary stored under key, if any.
func (r *Runtime) LoadCache(key, ext string) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}
	return r.cache.Load(key, ext)
}

// StoreCache stores data under key. Failures are logged, never fatal.
func (r *Runtime) StoreCache(key string, data []byte, ext string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Store(key, data, ext); err != nil {
		klog.Warningf("store_cache: %v", err)
	}
}
