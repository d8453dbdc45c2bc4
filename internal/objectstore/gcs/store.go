// Package gcs provides the artifact store and capability signer backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// MaxSignedURLTTL is the longest V4 signed URL GCS will honor.
const MaxSignedURLTTL = 7 * 24 * time.Hour

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// GoogleAccessID and PrivateKey sign URLs offline. When empty the client's own
	// credentials are used (service account key or IAM signBlob).
	GoogleAccessID string
	PrivateKey     []byte
}

// Store writes artifacts to a configured GCS bucket and signs GET URLs for them.
type Store struct {
	client   *storage.Client
	bucket   string
	accessID string
	key      []byte
	now      func() time.Time
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		accessID: cfg.GoogleAccessID,
		key:      cfg.PrivateKey,
		now:      time.Now,
	}, nil
}

// Put uploads data to the configured bucket and returns a gs:// URI. GCS replaces an
// existing object atomically, so re-uploading a key is an overwrite.
func (s *Store) Put(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// SignURL mints a V4 GET URL for key. The object does not need to exist: GCS answers 404
// until the worker uploads it and 400 once the signature expires.
func (s *Store) SignURL(_ context.Context, key string, expires time.Time) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	if ttl := expires.Sub(s.now()); ttl <= 0 || ttl > MaxSignedURLTTL {
		return "", fmt.Errorf("signed url lifetime %s outside (0, %s]", ttl, MaxSignedURLTTL)
	}
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: expires,
	}
	if s.accessID != "" && len(s.key) > 0 {
		opts.GoogleAccessID = s.accessID
		opts.PrivateKey = s.key
		u, err := storage.SignedURL(s.bucket, key, opts)
		if err != nil {
			return "", fmt.Errorf("sign url: %w", err)
		}
		return u, nil
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return u, nil
}
