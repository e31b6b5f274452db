// Package weightstore fetches pretrained weight bundles from blob storage.
//
// Weights are published as "<identifier>.ssnw" blobs in a directory, behind an
// HTTP base URL, or in a GCS bucket. Remote blobs are cached on local disk.
package weightstore

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrNotFound = errors.New("Weights not found")
var ErrReadOnly = errors.New("Storage is read only")

// Storage is an abstraction of a blob store
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader.
	// A missing blob is reported as ErrNotFound.
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64 // -1 if unknown
}

func WriteFile(s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("Invalid file name '%v'", name)
	}
	return nil
}
