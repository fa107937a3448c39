package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jgivc/dumpsearch/internal/adapter/fetch"
	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/jgivc/dumpsearch/internal/metric"
	"github.com/spf13/afero"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	sentinelPrefix = ".write-test-"
)

type Fetcher interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Locker serializes writers of one cache path across processes.
type Locker interface {
	Acquire(ctx context.Context, name string) (func(), error)
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

type cacheManager struct {
	root    string
	fs      afero.Fs
	fetcher Fetcher
	locker  Locker
	metrics *metric.Metrics

	mu    sync.Mutex
	locks map[string]*pathLock

	log *slog.Logger
}

func NewCacheManager(root string, fetcher Fetcher, log *slog.Logger) *cacheManager {
	return NewCacheManagerWithFS(afero.NewOsFs(), root, fetcher, log)
}

func NewCacheManagerWithFS(fs afero.Fs, root string, fetcher Fetcher, log *slog.Logger) *cacheManager {
	return &cacheManager{
		root:    root,
		fs:      fs,
		fetcher: fetcher,
		locks:   make(map[string]*pathLock),
		log:     log.With(slog.String("item", "CacheManager")),
	}
}

func (c *cacheManager) WithLocker(l Locker) *cacheManager {
	c.locker = l

	return c
}

func (c *cacheManager) WithMetrics(m *metric.Metrics) *cacheManager {
	c.metrics = m

	return c
}

func (c *cacheManager) Root() string {
	return c.root
}

func (c *cacheManager) Path(d *entity.FileDescriptor) string {
	return ResolvePath(c.root, d)
}

/*
EnsureCached returns a local path holding the descriptor's file:
 1. local descriptors (file:// or bare paths) are returned as is;
 2. an existing cache file is a hit and no network call is made;
 3. otherwise the file is streamed into {path}.partial and renamed into place.

A failed download never leaves a file at the final path.
*/
func (c *cacheManager) EnsureCached(ctx context.Context, d *entity.FileDescriptor) (string, error) {
	if !fetch.IsRemote(d.URL) {
		return fetch.LocalPath(d.URL), nil
	}

	path := c.Path(d)
	log := c.log.With(slog.String("op", "EnsureCached"), slog.String("path", path))

	unlock := c.lock(path)
	defer unlock()

	if c.locker != nil {
		release, err := c.locker.Acquire(ctx, path)
		if err != nil {
			return "", common.CacheError("lock", err)
		}
		defer release()
	}

	exists, err := afero.Exists(c.fs, path)
	if err != nil {
		return "", common.CacheError("stat", err)
	}

	if exists {
		c.metrics.CacheHit()
		log.Debug("Cache hit")

		return path, nil
	}

	c.metrics.CacheMiss()

	if err := c.download(ctx, d.URL, path); err != nil {
		log.Error("Cannot download file", slog.String("url", d.URL), slog.Any("error", err))

		return "", common.CacheError("download", err)
	}

	return path, nil
}

func (c *cacheManager) download(ctx context.Context, rawURL, path string) error {
	if err := c.fs.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("cannot create cache directory: %w", err)
	}

	rc, err := c.fetcher.Open(ctx, rawURL)
	if err != nil {
		return err
	}
	defer rc.Close()

	partial := partialPath(path)

	f, err := c.fs.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", partial, err)
	}

	n, err := io.Copy(f, rc)
	if err == nil {
		err = f.Sync()
	}

	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		_ = c.fs.Remove(partial)

		return fmt.Errorf("cannot write %s: %w", partial, err)
	}

	if err := c.fs.Rename(partial, path); err != nil {
		_ = c.fs.Remove(partial)

		return fmt.Errorf("cannot rename %s: %w", partial, err)
	}

	c.metrics.Downloaded(n)
	c.log.Info("Cached file", slog.String("url", rawURL), slog.String("path", path), slog.Int64("bytes", n))

	return nil
}

// Evict removes the cached copy of d so the next EnsureCached downloads it again.
// Local descriptors are never removed.
func (c *cacheManager) Evict(ctx context.Context, d *entity.FileDescriptor) error {
	if !fetch.IsRemote(d.URL) {
		return nil
	}

	path := c.Path(d)

	unlock := c.lock(path)
	defer unlock()

	if c.locker != nil {
		release, err := c.locker.Acquire(ctx, path)
		if err != nil {
			return common.CacheError("lock", err)
		}
		defer release()
	}

	for _, p := range []string{path, partialPath(path)} {
		if err := c.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return common.CacheError("evict", err)
		}
	}

	return nil
}

// ValidateWritable creates dir if needed and checks that a file can be written in it.
func (c *cacheManager) ValidateWritable(dir string) error {
	if err := c.fs.MkdirAll(dir, dirPerm); err != nil {
		return common.CacheError("validate", fmt.Errorf("%w: %s: %w", common.ErrCacheNotWritable, dir, err))
	}

	sentinel := filepath.Join(dir, sentinelPrefix+uuid.NewString())
	if err := afero.WriteFile(c.fs, sentinel, []byte{}, filePerm); err != nil {
		return common.CacheError("validate",
			fmt.Errorf("%w: %s: %w (check permissions or pass another cache directory)", common.ErrCacheNotWritable, dir, err))
	}

	if err := c.fs.Remove(sentinel); err != nil {
		return common.CacheError("validate", fmt.Errorf("%w: %s: %w", common.ErrCacheNotWritable, dir, err))
	}

	return nil
}

func (c *cacheManager) lock(path string) func() {
	c.mu.Lock()
	l, ok := c.locks[path]
	if !ok {
		l = &pathLock{}
		c.locks[path] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, path)
		}
		c.mu.Unlock()
	}
}
