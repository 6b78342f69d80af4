package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"
)

// FileDriver keeps the document in a single JSON file replaced atomically on
// every save. Reads are served from a cache invalidated when the file changes
// on disk.
type FileDriver struct {
	path string
	log  pslog.Logger

	mu        sync.Mutex
	cached    Document
	hasCache  bool
	fileState fileState
}

// NewFileDriver returns a driver for the JSON document at path.
func NewFileDriver(path string, logger pslog.Logger) (*FileDriver, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("store_file", path)
	}
	return &FileDriver{path: path, log: logger}, nil
}

// Load reads the document, reusing the cache when the file is unchanged.
func (d *FileDriver) Load(ctx context.Context) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}
	info, err := os.Stat(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), false, nil
		}
		d.warn("store file stat failed", err)
		return Document{}, false, err
	}
	latest := fileStateFromInfo(info)
	d.mu.Lock()
	if d.hasCache && d.fileState.equal(latest) {
		doc := d.cached.Clone()
		d.mu.Unlock()
		return doc, true, nil
	}
	d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		d.warn("store file load failed", err)
		return Document{}, false, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		d.warn("store file load failed", err)
		return Document{}, false, err
	}
	doc.normalize()
	d.mu.Lock()
	d.cached = doc.Clone()
	d.hasCache = true
	d.fileState = latest
	d.mu.Unlock()
	if d.log != nil {
		d.log.Debug("store file load ok", "users", len(doc.Users), "image_meta", len(doc.ImageMeta))
	}
	return doc, true, nil
}

// Save writes doc to a temporary file and renames it over the target.
func (d *FileDriver) Save(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc.normalize()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		d.warn("store file save failed", err)
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), "berth-*.json")
	if err != nil {
		d.warn("store file save failed", err)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		d.warn("store file save failed", err)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		d.warn("store file save failed", err)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		d.warn("store file save failed", err)
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		d.warn("store file save failed", err)
		return err
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		_ = os.Remove(tmp.Name())
		d.warn("store file save failed", err)
		return err
	}
	if info, err := os.Stat(d.path); err == nil {
		d.mu.Lock()
		d.cached = doc.Clone()
		d.hasCache = true
		d.fileState = fileStateFromInfo(info)
		d.mu.Unlock()
	} else {
		d.warn("store file save failed to stat", err)
	}
	if d.log != nil {
		d.log.Debug("store file save ok", "users", len(doc.Users), "image_meta", len(doc.ImageMeta))
	}
	return nil
}

// Close is a no-op for the file driver.
func (d *FileDriver) Close() error { return nil }

func (d *FileDriver) warn(msg string, err error) {
	if d.log != nil {
		d.log.Warn(msg, "err", err)
	}
}

type fileState struct {
	modTime time.Time
	size    int64
	inode   uint64
	dev     uint64
}

func fileStateFromInfo(info os.FileInfo) fileState {
	state := fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = stat.Ino
		state.dev = uint64(stat.Dev)
	}
	return state
}

func (s fileState) equal(other fileState) bool {
	return s.size == other.size &&
		s.modTime.Equal(other.modTime) &&
		s.inode == other.inode &&
		s.dev == other.dev
}
