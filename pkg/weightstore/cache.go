package weightstore

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cyclopcam/logs"
)

// StorageCache keeps copies of upstream blobs on the local disk, so that large
// weight files are only downloaded once. Files already in the cache directory
// are adopted at startup, so the cache survives restarts.
// When the cache grows beyond maxBytes, the least recently used unlocked files
// are deleted.
type StorageCache struct {
	log       logs.Log
	upstream  Storage
	cacheRoot string
	maxBytes  int64

	itemsLock sync.Mutex
	bytesUsed int64
	items     map[string]*cacheItem
	tick      int64
	hits      int64
	misses    int64
}

type cacheItem struct {
	filename string
	size     int64
	lock     int
	lastUsed int64
}

type CacheItemReader struct {
	store *StorageCache
	item  *cacheItem
	f     *os.File // OS file in our cache
}

func (r *CacheItemReader) Read(p []byte) (n int, err error) {
	return r.f.Read(p)
}

func (r *CacheItemReader) Seek(offset int64, whence int) (int64, error) {
	return r.f.Seek(offset, whence)
}

func (r *CacheItemReader) Close() error {
	r.store.itemsLock.Lock()
	r.item.lock--
	defer r.store.itemsLock.Unlock()
	return r.f.Close()
}

// Filename returns the path of the cached copy on disk
func (r *CacheItemReader) Filename() string {
	return r.f.Name()
}

func NewStorageCache(log logs.Log, upstream Storage, cacheRoot string, maxBytes int64) (*StorageCache, error) {
	if err := os.MkdirAll(cacheRoot, 0755); err != nil {
		return nil, err
	}
	c := &StorageCache{
		log:       log,
		upstream:  upstream,
		cacheRoot: cacheRoot,
		maxBytes:  maxBytes,
		items:     map[string]*cacheItem{},
	}
	if err := c.scan(); err != nil {
		return nil, err
	}
	return c, nil
}

// scan adopts files left behind by a previous process, oldest first
func (s *StorageCache) scan() error {
	type existing struct {
		name string
		size int64
		mod  int64
	}
	found := []existing{}
	err := filepath.WalkDir(s.cacheRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.cacheRoot, p)
		if err != nil {
			return err
		}
		if strings.HasSuffix(rel, ".tmp") {
			// Interrupted download
			return os.Remove(p)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		found = append(found, existing{filepath.ToSlash(rel), info.Size(), info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].mod < found[j].mod
	})
	for _, f := range found {
		s.items[f.name] = &cacheItem{
			filename: f.name,
			size:     f.size,
			lastUsed: s.tick,
		}
		s.tick++
		s.bytesUsed += f.size
	}
	if len(found) != 0 {
		s.log.Infof("Weight cache %v holds %v files", s.cacheRoot, len(found))
	}
	return nil
}

// Open returns a reader of the cached copy, fetching it from upstream if necessary
func (s *StorageCache) Open(filename string) (*CacheItemReader, error) {
	if err := validateName(filename); err != nil {
		return nil, err
	}
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	item := s.items[filename]
	fetched := false
	if item == nil {
		s.misses++
		if err := s.acquire(filename); err != nil {
			return nil, err
		}
		item = s.items[filename]
		fetched = true
	} else {
		s.hits++
	}
	item.lock++
	item.lastUsed = s.tick
	s.tick++
	if fetched {
		// The new item is locked, so it survives its own purge
		s.purgeStale()
	}
	f, err := os.Open(filepath.Join(s.cacheRoot, filename))
	if err != nil {
		item.lock--
		return nil, err
	}
	return &CacheItemReader{
		store: s,
		item:  item,
		f:     f,
	}, nil
}

func (s *StorageCache) acquire(filename string) error {
	src, err := s.upstream.ReadFile(filename)
	if err != nil {
		return err
	}
	defer src.Reader.Close()
	ondiskFilename := filepath.Join(s.cacheRoot, filename)
	if err := os.MkdirAll(filepath.Dir(ondiskFilename), 0755); err != nil {
		return err
	}
	tempFilename := ondiskFilename + ".tmp"
	dst, err := os.Create(tempFilename)
	if err != nil {
		return err
	}
	size, err := io.Copy(dst, src.Reader)
	if err == nil {
		err = dst.Close()
	} else {
		dst.Close()
	}
	if err == nil {
		err = os.Rename(tempFilename, ondiskFilename)
	}
	if err != nil {
		os.Remove(tempFilename)
		return err
	}
	s.bytesUsed += size
	s.items[filename] = &cacheItem{
		filename: filename,
		size:     size,
		lastUsed: s.tick,
	}
	return nil
}

func (s *StorageCache) purgeStale() {
	if s.bytesUsed <= s.maxBytes {
		return
	}
	unused := []*cacheItem{}
	for _, item := range s.items {
		if item.lock == 0 {
			unused = append(unused, item)
		}
	}
	sort.Slice(unused, func(i, j int) bool {
		return unused[i].lastUsed < unused[j].lastUsed
	})
	for _, item := range unused {
		if s.bytesUsed <= s.maxBytes {
			break
		}
		s.log.Debugf("Evicting %v from weight cache", item.filename)
		s.bytesUsed -= item.size
		delete(s.items, item.filename)
		os.Remove(filepath.Join(s.cacheRoot, item.filename))
	}
}

// Stats returns the number of cache hits and misses, and the bytes on disk
func (s *StorageCache) Stats() (hits, misses, bytesUsed int64) {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	return s.hits, s.misses, s.bytesUsed
}

// Contains is true if the file is currently cached
func (s *StorageCache) Contains(filename string) bool {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	return s.items[filename] != nil
}

func (s *StorageCache) ReadFile(name string) (*File, error) {
	r, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := r.f.Stat()
	if err != nil {
		r.Close()
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: st.ModTime(),
		Size:       st.Size(),
	}, nil
}

// WriteFile writes through to upstream, and drops any stale cached copy
func (s *StorageCache) WriteFile(name string) (io.WriteCloser, error) {
	s.forget(name)
	return s.upstream.WriteFile(name)
}

func (s *StorageCache) DeleteFile(name string) error {
	s.forget(name)
	return s.upstream.DeleteFile(name)
}

func (s *StorageCache) forget(name string) {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	item := s.items[name]
	if item == nil || item.lock != 0 {
		return
	}
	s.bytesUsed -= item.size
	delete(s.items, name)
	if err := os.Remove(filepath.Join(s.cacheRoot, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warnf("Failed to remove cached %v: %v", name, err)
	}
}
