package weightstore

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/ssn/pkg/weights"
)

// Extension of weight bundles in storage
const BundleExt = ".ssnw"

// Resolver turns weight identifiers (eg "resnet50_imagenet") into decoded bundles
type Resolver struct {
	log   logs.Log
	store Storage

	lock    sync.Mutex
	digests map[string]string
}

func NewResolver(log logs.Log, store Storage) *Resolver {
	return &Resolver{
		log:     log,
		store:   store,
		digests: map[string]string{},
	}
}

// SetDigest pins the expected BLAKE2b-256 digest of an identifier's blob
func (r *Resolver) SetDigest(identifier, digest string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.digests[identifier] = digest
}

func BlobName(identifier string) string {
	return identifier + BundleExt
}

// Resolve fetches and decodes the bundle for identifier.
// A missing blob is reported as ErrNotFound.
func (r *Resolver) Resolve(identifier string) (*weights.Bundle, error) {
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrNotFound)
	}
	raw, err := ReadFile(r.store, BlobName(identifier))
	if err != nil {
		return nil, fmt.Errorf("Failed to fetch weights '%v': %w", identifier, err)
	}
	r.lock.Lock()
	digest := r.digests[identifier]
	r.lock.Unlock()
	if err := weights.Verify(raw, digest); err != nil {
		return nil, fmt.Errorf("Weights '%v': %w", identifier, err)
	}
	b, err := weights.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("Weights '%v': %w", identifier, err)
	}
	r.log.Infof("Loaded weights '%v' (%v tensors)", identifier, b.Len())
	return b, nil
}

// Publish encodes a bundle and writes it to storage under identifier.
// Returns the digest of the written blob.
func (r *Resolver) Publish(identifier string, b *weights.Bundle) (string, error) {
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		return "", err
	}
	digest := weights.Digest(buf.Bytes())
	if err := WriteFile(r.store, BlobName(identifier), &buf); err != nil {
		return "", err
	}
	return digest, nil
}

// Open creates a resolver for a weight source, which is one of:
//
//	/path/to/dir
//	https://host/prefix
//	gs://bucket/prefix
//
// Remote sources are cached below cacheDir (if not empty), holding at most cacheBytes.
func Open(log logs.Log, source, cacheDir string, cacheBytes int64) (*Resolver, error) {
	var store Storage
	var err error
	remote := true
	switch {
	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		store = NewStorageHTTP(log, source)
	case strings.HasPrefix(source, "gs://"):
		u, perr := url.Parse(source)
		if perr != nil {
			return nil, perr
		}
		store, err = NewStorageGCS(log, u.Host, strings.Trim(u.Path, "/"), true)
	default:
		remote = false
		store, err = NewStorageFS(log, source)
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to open weight source %v: %w", source, err)
	}
	if remote && cacheDir != "" {
		store, err = NewStorageCache(log, store, cacheDir, cacheBytes)
		if err != nil {
			return nil, fmt.Errorf("Failed to open weight cache %v: %w", cacheDir, err)
		}
	}
	return NewResolver(log, store), nil
}
