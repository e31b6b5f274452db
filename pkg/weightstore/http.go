package weightstore

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
)

// StorageHTTP reads blobs from below a base URL. It cannot write or delete.
type StorageHTTP struct {
	BaseURL string
	Client  *http.Client
	log     logs.Log
}

func NewStorageHTTP(log logs.Log, baseURL string) *StorageHTTP {
	return &StorageHTTP{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  http.DefaultClient,
		log:     log,
	}
}

func (s *StorageHTTP) WriteFile(name string) (io.WriteCloser, error) {
	return nil, ErrReadOnly
}

func (s *StorageHTTP) DeleteFile(name string) error {
	return ErrReadOnly
}

func (s *StorageHTTP) ReadFile(name string) (*File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	url := s.BaseURL + "/" + name
	s.log.Infof("Downloading %v", url)
	resp, err := s.Client.Get(url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotFound, url)
	} else if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP error %v", resp.Status)
	}
	modified, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
	if modified.IsZero() {
		modified = time.Now()
	}
	return &File{
		Reader:     resp.Body,
		ModifiedAt: modified,
		Size:       resp.ContentLength,
	}, nil
}
