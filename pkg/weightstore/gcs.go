package weightstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
	"google.golang.org/api/option"
)

// StorageGCS is a Google Cloud Storage-based blob store.
// All blob names are relative to Prefix inside the bucket.
type StorageGCS struct {
	BucketName string
	Prefix     string
	bucket     *gcs.BucketHandle
	log        logs.Log
}

// NewStorageGCS opens a bucket. Public buckets can be read with anonymous = true,
// which skips the search for application default credentials.
func NewStorageGCS(log logs.Log, bucketName, prefix string, anonymous bool) (*StorageGCS, error) {
	ctx := context.Background()
	var opts []option.ClientOption
	if anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &StorageGCS{
		BucketName: bucketName,
		Prefix:     prefix,
		bucket:     client.Bucket(bucketName),
		log:        log,
	}, nil
}

func (s *StorageGCS) objectName(name string) string {
	if s.Prefix == "" {
		return name
	}
	return path.Join(s.Prefix, name)
}

func (s *StorageGCS) WriteFile(name string) (io.WriteCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	ctx := context.Background()
	s.log.Infof("Writing gs://%v/%v", s.BucketName, s.objectName(name))
	return s.bucket.Object(s.objectName(name)).NewWriter(ctx), nil
}

func (s *StorageGCS) ReadFile(name string) (*File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	ctx := context.Background()
	r, err := s.bucket.Object(s.objectName(name)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%v/%v", ErrNotFound, s.BucketName, s.objectName(name))
	} else if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(name string) error {
	ctx := context.Background()
	return s.bucket.Object(s.objectName(name)).Delete(ctx)
}
