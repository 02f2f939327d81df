// Package blob provides get/put access to the recording and artifact buckets.
package blob

import (
	"context"

	"github.com/tphakala/aedbatch/internal/errors"
)

// Canned ACLs understood by the stores.
const (
	ACLPrivate    = "private"
	ACLPublicRead = "public-read"
)

// ErrObjectNotFound is wrapped by Get when the key does not exist.
var ErrObjectNotFound = errors.NewStd("object not found")

// Store is the blob store contract.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, acl string) error
}

func notFound(bucket, key string) error {
	return errors.New(ErrObjectNotFound).
		Category(errors.CategoryNotFound).
		Context("bucket", bucket).
		Context("key", key).
		Build()
}

func storageError(err error, op, bucket, key string) error {
	return errors.New(err).
		Category(errors.CategoryStorage).
		Context("operation", op).
		Context("bucket", bucket).
		Context("key", key).
		Build()
}
