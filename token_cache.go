package gcpconfig

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// TokenCache shares OAuth2 access tokens between instances so that not every process
// has to exchange its own credentials. Tokens are stored per key, see cacheKey.
// GetToken returns nil, nil when nothing is cached.
type TokenCache interface {
	GetToken(ctx context.Context, key string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, key string, token *oauth2.Token) error
}

// cacheKey scopes TokenCacheKeyName to the identity behind creds, so processes using
// different credentials never share a token.
func cacheKey(cfg Config, creds *Credentials) string {
	id := creds.Email
	if id == "" {
		id = string(creds.Source)
	}
	return cfg.TokenCacheKeyName + "-" + id
}

// cachedTokenSource consults the TokenCache before asking base for a new token and
// stores whatever base returns.
type cachedTokenSource struct {
	ctx  context.Context
	cfg  Config
	key  string
	base oauth2.TokenSource
}

func (s *cachedTokenSource) Token() (*oauth2.Token, error) {
	timeout := time.Duration(s.cfg.TokenCacheCtxTimeout)
	ctx, cancel := context.WithTimeout(s.ctx, time.Second*timeout)
	defer cancel()

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.MaxRetries)), ctx)

	var token *oauth2.Token
	err := backoff.Retry(func() error {
		var err error
		token, err = s.cfg.TokenCache.GetToken(ctx, s.key)
		return err
	}, b)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to retrieve token from cache after %d retries", s.cfg.MaxRetries)
	}

	if !isExpired(token, s.cfg) {
		logger(s.cfg).Debug().Msg("using cached token")
		return token, nil
	}

	//token is missing from cache or expired
	token, err = s.base.Token()
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		return s.cfg.TokenCache.SaveToken(ctx, s.key, token)
	}, b)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to save token to cache after %d retries", s.cfg.MaxRetries)
	}
	logger(s.cfg).Debug().Time("expiry", token.Expiry).Msg("saved token to cache")
	return token, nil
}

func isExpired(token *oauth2.Token, cfg Config) bool {
	if token == nil || token.AccessToken == "" {
		return true
	}

	refreshTime := time.Now().Add(time.Second * time.Duration(cfg.TokenCacheRefreshThreshold))
	//subtract random number of seconds from the expiration to avoid many simultaneous refresh events
	if cfg.TokenCacheRefreshRandomOffset > 0 {
		refreshTime = refreshTime.Add(-time.Second * time.Duration(rand.Intn(cfg.TokenCacheRefreshRandomOffset)))
	}

	return refreshTime.After(token.Expiry)
}
