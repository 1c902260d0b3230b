package gcpconfig

import (
	"context"
	"encoding/json"
	"io"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// TokenCacheGCS keeps tokens as JSON objects, named after their key, in the
// TokenCacheStorageGCS bucket.
type TokenCacheGCS struct {
	cfg *Config

	// Client is used when set, otherwise a client is created per call with the
	// Application Default Credentials.
	Client *storage.Client

	objects objectStore
}

// NewTokenCacheGCS returns a GCS backed TokenCache for cfg.
func NewTokenCacheGCS(cfg *Config, client *storage.Client) *TokenCacheGCS {
	return &TokenCacheGCS{cfg: cfg, Client: client}
}

// objectStore is the part of a GCS bucket the cache needs.
type objectStore interface {
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

type gcsObjects struct {
	c *storage.Client
}

func (g gcsObjects) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return g.c.Bucket(bucket).Object(object).NewReader(ctx)
}

func (g gcsObjects) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	wc := g.c.Bucket(bucket).Object(object).NewWriter(ctx)
	wc.ContentType = "application/json"
	return wc
}

func (t *TokenCacheGCS) store(ctx context.Context) (objectStore, func(), error) {
	if t.objects != nil {
		return t.objects, func() {}, nil
	}
	if t.Client != nil {
		return gcsObjects{c: t.Client}, func() {}, nil
	}
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to init storage client")
	}
	return gcsObjects{c: c}, func() { c.Close() }, nil
}

func (t *TokenCacheGCS) GetToken(ctx context.Context, key string) (*oauth2.Token, error) {
	s, done, err := t.store(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	rc, err := s.NewReader(ctx, t.cfg.TokenCacheStorageGCS, key)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %q from bucket %q", key, t.cfg.TokenCacheStorageGCS)
	}
	defer rc.Close()

	var token oauth2.Token
	err = json.NewDecoder(rc).Decode(&token)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode cached token")
	}
	return &token, nil
}

func (t *TokenCacheGCS) SaveToken(ctx context.Context, key string, token *oauth2.Token) error {
	s, done, err := t.store(ctx)
	if err != nil {
		return err
	}
	defer done()

	wc := s.NewWriter(ctx, t.cfg.TokenCacheStorageGCS, key)
	if err := json.NewEncoder(wc).Encode(token); err != nil {
		wc.Close()
		return errors.Wrap(err, "unable to encode token")
	}
	return errors.Wrapf(wc.Close(), "unable to write %q to bucket %q", key, t.cfg.TokenCacheStorageGCS)
}
