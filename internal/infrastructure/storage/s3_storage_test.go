package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/config"
)

// fakeS3 answers the path-style subset of the S3 API used by S3ObjectStorage.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	created bool
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) bucketCreated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeS3) contentType(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.types[key]
}

const noSuchKeyXML = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !f.created {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			f.created = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, noSuchKeyXML)
			}
			return
		}
		w.Header().Set("Content-Type", f.types[key])
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3(t *testing.T, opts ...S3ObjectStorageOption) (*S3ObjectStorage, *fakeS3) {
	t.Helper()
	fake := newFakeS3("exchange")
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3ObjectStorage(&config.StorageConfig{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          "exchange",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		UsePathStyle:    true,
	}, append([]S3ObjectStorageOption{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	return s, fake
}

func TestNewS3ObjectStorage_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.StorageConfig
		wantErr string
	}{
		{"nil config", nil, "configuration is required"},
		{"missing bucket", &config.StorageConfig{AccessKeyID: "k", SecretAccessKey: "s"}, "bucket is required"},
		{"missing access key", &config.StorageConfig{Bucket: "b", SecretAccessKey: "s"}, "access key is required"},
		{"missing secret key", &config.StorageConfig{Bucket: "b", AccessKeyID: "k"}, "secret key is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewS3ObjectStorage(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	s, err := NewS3ObjectStorage(&config.StorageConfig{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s", Endpoint: "minio:9000"})
	require.NoError(t, err)
	assert.Equal(t, "b", s.Bucket())
}

func TestS3ObjectStorage_RoundTrip(t *testing.T) {
	s, fake := newTestS3(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureBucket(ctx))
	assert.True(t, fake.bucketCreated())
	require.NoError(t, s.EnsureBucket(ctx))

	key := "exchange/in/20261019T120000.000000000Z-0a1b2c3d.zip"
	require.NoError(t, s.Put(ctx, key, []byte("PK\x03\x04payload"), "application/zip"))
	assert.Equal(t, "application/zip", fake.contentType(key))

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04payload"), data)

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, key))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestS3ObjectStorage_GetRespectsMaxObjectSize(t *testing.T) {
	s, _ := newTestS3(t, WithMaxObjectSize(4))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "small", []byte("abcd"), ""))
	require.NoError(t, s.Put(ctx, "large", []byte("abcde"), ""))

	data, err := s.Get(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))

	_, err = s.Get(ctx, "large")
	assert.ErrorIs(t, err, exchange.ErrLimitExceeded)
}

func TestS3ObjectStorage_EmptyKey(t *testing.T) {
	s, _ := newTestS3(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "")
	assert.Error(t, err)
	assert.Error(t, s.Put(ctx, "", nil, ""))
	assert.Error(t, s.Delete(ctx, ""))
	_, err = s.Exists(ctx, "")
	assert.Error(t, err)
}

func TestS3ObjectStorage_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := NewS3ObjectStorage(&config.StorageConfig{
		Endpoint: url, Bucket: "exchange", AccessKeyID: "k", SecretAccessKey: "s", UsePathStyle: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Put(ctx, "k", []byte("x"), "")
	assert.ErrorIs(t, err, exchange.ErrTransientIntegration)
}
