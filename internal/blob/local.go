package blob

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tphakala/aedbatch/internal/errors"
)

// LocalStore keeps buckets as directories under a root, for development and
// the offline detect command. ACLs are ignored.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.New(err).Category(errors.CategoryFileIO).Context("path", dir).Build()
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.New(err).Category(errors.CategoryFileIO).Context("path", abs).Build()
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) path(bucket, key string) (string, error) {
	key = filepath.FromSlash(key)
	if !filepath.IsLocal(bucket) || !filepath.IsLocal(key) {
		return "", errors.Newf("invalid object path %q/%q", bucket, key).
			Category(errors.CategoryValidation).
			Build()
	}
	return filepath.Join(s.root, bucket, key), nil
}

// Get reads an object.
func (s *LocalStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(bucket, key)
	}
	if err != nil {
		return nil, storageError(err, "get", bucket, key)
	}
	return data, nil
}

// Put writes an object through a temporary file and rename.
func (s *LocalStore) Put(ctx context.Context, bucket, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return storageError(err, "put", bucket, key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return storageError(err, "put", bucket, key)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return storageError(err, "put", bucket, key)
	}
	if err := tmp.Close(); err != nil {
		return storageError(err, "put", bucket, key)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return storageError(err, "put", bucket, key)
	}
	return nil
}
