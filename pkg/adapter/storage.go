package adapter

import (
	"context"
	"errors"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

var ErrObjectNotFound = goerr.New("object not found")

// Storage reads and writes session archives.
type Storage interface {
	// Put returns a writer for the object at key. The object is committed when the writer is
	// closed.
	Put(ctx context.Context, key, contentType string) (io.WriteCloser, error)
	// Get returns an error wrapping ErrObjectNotFound when key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// StorageClient implements Storage on a Cloud Storage bucket. Keys are placed under an
// optional prefix.
type StorageClient struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

type StorageOption func(*StorageClient)

func WithPrefix(prefix string) StorageOption {
	return func(s *StorageClient) {
		s.prefix = prefix
	}
}

func NewStorage(ctx context.Context, bucketName string, opts ...StorageOption) (*StorageClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	s := &StorageClient{
		bucketName: bucketName,
		client:     client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *StorageClient) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(path.Join(s.prefix, key))
}

func (s *StorageClient) Put(ctx context.Context, key, contentType string) (io.WriteCloser, error) {
	w := s.object(key).NewWriter(ctx)
	w.ContentType = contentType
	return w, nil
}

func (s *StorageClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, goerr.Wrap(ErrObjectNotFound, "archive not found", goerr.V("bucket", s.bucketName), goerr.V("key", key))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("bucket", s.bucketName), goerr.V("key", key))
	}
	return r, nil
}

func (s *StorageClient) Close() error {
	return s.client.Close()
}
