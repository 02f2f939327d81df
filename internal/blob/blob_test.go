package blob

import (
	"net/http"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/errors"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := t.Context()

	key := "audio_events/test/detection/5/5_0_ids.npy"
	require.NoError(t, store.Put(ctx, "artifacts", key, []byte("first"), ACLPrivate))
	require.NoError(t, store.Put(ctx, "artifacts", key, []byte("second"), ACLPrivate))

	data, err := store.Get(ctx, "artifacts", key)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data), "put overwrites")

	_, err = store.Get(ctx, "artifacts", "missing.npy")
	require.ErrorIs(t, err, ErrObjectNotFound)
	assert.True(t, errors.IsNotFound(err))
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../outside", "/etc/passwd", ""} {
		err := store.Put(t.Context(), "bucket", key, []byte("x"), "")
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "key %q", key)
	}
}

func newMockedS3(t *testing.T) (*S3Store, *httpmock.MockTransport) {
	t.Helper()

	transport := httpmock.NewMockTransport()
	store, err := NewS3Store(&conf.S3Settings{
		Endpoint:  "s3.test.local",
		Region:    "us-east-1",
		AccessKey: "AKIATEST",
		SecretKey: "secret",
		ACL:       ACLPublicRead,
	}, nil, WithTransport(transport))
	require.NoError(t, err)
	return store, transport
}

func TestS3StorePutSendsACL(t *testing.T) {
	t.Parallel()

	store, transport := newMockedS3(t)

	var mu sync.Mutex
	var acl, contentType, path string
	transport.RegisterResponder(http.MethodPut, `=~^http://s3\.test\.local/`,
		func(req *http.Request) (*http.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			acl = req.Header.Get("X-Amz-Acl")
			contentType = req.Header.Get("Content-Type")
			path = req.URL.Path
			resp := httpmock.NewStringResponse(http.StatusOK, "")
			resp.Header.Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			return resp, nil
		})

	require.NoError(t, store.Put(t.Context(), "artifacts", "jobs/1/0.png", []byte("png"), ""))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ACLPublicRead, acl, "account default ACL applies")
	assert.Equal(t, "image/png", contentType)
	assert.Contains(t, path, "jobs/1/0.png")
}

func TestS3StoreGet(t *testing.T) {
	t.Parallel()

	store, transport := newMockedS3(t)
	transport.RegisterResponder(http.MethodGet, `=~^http://s3\.test\.local/recordings/site/a\.flac`,
		func(*http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusOK, "fLaC-bytes")
			resp.Header.Set("Content-Length", "10")
			resp.Header.Set("ETag", `"abc"`)
			resp.Header.Set("Last-Modified", "Wed, 01 May 2024 06:00:00 GMT")
			resp.Header.Set("Content-Type", "audio/flac")
			return resp, nil
		})
	transport.RegisterResponder(http.MethodGet, `=~^http://s3\.test\.local/recordings/missing`,
		func(*http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusNotFound,
				`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			resp.Header.Set("Content-Type", "application/xml")
			return resp, nil
		})

	data, err := store.Get(t.Context(), "recordings", "site/a.flac")
	require.NoError(t, err)
	assert.Equal(t, "fLaC-bytes", string(data))

	_, err = store.Get(t.Context(), "recordings", "missing.flac")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
