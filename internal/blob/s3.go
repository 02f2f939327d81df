package blob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
)

// S3Store is a Store backed by an S3 compatible service. Each account gets
// its own client and credentials.
type S3Store struct {
	client     *minio.Client
	defaultACL string
	log        logger.Logger
}

// S3Option configures an S3Store.
type S3Option func(*minio.Options)

// WithTransport replaces the HTTP transport of the client.
func WithTransport(rt http.RoundTripper) S3Option {
	return func(o *minio.Options) {
		o.Transport = rt
	}
}

// NewS3Store creates a client for one account.
func NewS3Store(settings *conf.S3Settings, log logger.Logger, opts ...S3Option) (*S3Store, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	options := &minio.Options{
		Creds:  credentials.NewStaticV4(settings.AccessKey, settings.SecretKey, ""),
		Secure: settings.UseSSL,
		Region: settings.Region,
	}
	for _, opt := range opts {
		opt(options)
	}

	client, err := minio.New(settings.Endpoint, options)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("endpoint", settings.Endpoint).
			Build()
	}

	acl := settings.ACL
	if acl == "" {
		acl = ACLPrivate
	}
	return &S3Store{
		client:     client,
		defaultACL: acl,
		log:        log.Module("blob"),
	}, nil
}

// Get downloads an object into memory.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(err, "get", bucket, key)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError(err, "get", bucket, key)
	}
	return data, nil
}

// Put uploads data with the given canned ACL; an empty acl uses the
// account default.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, acl string) error {
	if acl == "" {
		acl = s.defaultACL
	}
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  contentTypeFor(key),
			UserMetadata: map[string]string{"x-amz-acl": acl},
		})
	if err != nil {
		return s.mapError(err, "put", bucket, key)
	}
	s.log.WithContext(ctx).Trace("object uploaded",
		logger.String("bucket", bucket),
		logger.String("key", key),
		logger.Int("bytes", len(data)))
	return nil
}

func (s *S3Store) mapError(err error, op, bucket, key string) error {
	if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return notFound(bucket, key)
	}
	return storageError(err, op, bucket, key)
}

func contentTypeFor(key string) string {
	if strings.HasSuffix(key, ".png") {
		return "image/png"
	}
	return "application/octet-stream"
}
