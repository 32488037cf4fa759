// Package diskcache persists compiled binaries across process runs.
//
// A record is stored in <dir>/<hex hash of key><ext> and holds
//
//	[8-byte little-endian key length][key bytes][binary bytes]
//
// The stored key is compared byte for byte on load: a record written under a
// different key that hashes to the same path is a miss, never a stale hit.
package diskcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/notargets/DGRuntime/failure"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const headerSize = 8

// Cache is a directory of compiled-binary records. It is safe for concurrent
// use: records are written to a unique temporary file and renamed into place.
type Cache struct {
	dir string

	// Warn receives key mismatches. Defaults to a klog warning.
	Warn func(*failure.Error)

	hash func(key string) string
}

// New returns a cache rooted at dir. The directory is created on first store.
func New(dir string) *Cache {
	return &Cache{dir: dir, hash: fnvHex}
}

func fnvHex(key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the file a record for key is stored in.
func (c *Cache) Path(key, ext string) string {
	return filepath.Join(c.dir, c.hash(key)+ext)
}

// Load returns the binary stored under key. A missing file, a truncated
// record or a key mismatch is a miss.
func (c *Cache) Load(key, ext string) ([]byte, bool) {
	path := c.Path(key, ext)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			klog.Warningf("diskcache: reading %s: %v", path, err)
		}
		return nil, false
	}
	if len(data) < headerSize {
		c.warn(failure.Integrity("cache record %s is truncated (%d bytes)", path, len(data)))
		return nil, false
	}
	keyLen := binary.LittleEndian.Uint64(data[:headerSize])
	if keyLen > uint64(len(data)-headerSize) {
		c.warn(failure.Integrity("cache record %s is truncated: key length %d", path, keyLen))
		return nil, false
	}
	stored := data[headerSize : headerSize+keyLen]
	if !bytes.Equal(stored, []byte(key)) {
		c.warn(failure.Integrity("cache key mismatch in %s: stored key %q, lookup key %q",
			path, abbreviate(stored), abbreviate([]byte(key))))
		return nil, false
	}
	klog.V(1).Infof("diskcache: hit %s", path)
	return data[headerSize+keyLen:], true
}

// Store writes bin under key, replacing any previous record at that path.
func (c *Cache) Store(key string, bin []byte, ext string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating cache directory %s", c.dir)
	}
	path := c.Path(key, ext)
	buf := make([]byte, 0, headerSize+len(key)+len(bin))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(key)))
	buf = append(buf, key...)
	buf = append(buf, bin...)

	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing cache record %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "installing cache record %s", path)
	}
	klog.V(1).Infof("diskcache: stored %d bytes in %s", len(bin), path)
	return nil
}

// Entry describes one record file.
type Entry struct {
	Name string
	Size int64
}

// List returns the record files in the cache directory.
func (c *Cache) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing %s", c.dir)
	}
	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || strings.Contains(de.Name(), ".tmp-") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: de.Name(), Size: info.Size()})
	}
	return entries, nil
}

// Clear removes every record file and returns how many were removed.
func (c *Cache) Clear() (int, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := os.Remove(filepath.Join(c.dir, e.Name)); err != nil {
			return i, errors.Wrapf(err, "removing %s", e.Name)
		}
	}
	return len(entries), nil
}

func (c *Cache) warn(err *failure.Error) {
	if c.Warn != nil {
		c.Warn(err)
		return
	}
	klog.Warning(err.Error())
}

func abbreviate(b []byte) string {
	const limit = 32
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
