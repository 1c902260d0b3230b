package gcpconfig

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// TokenCacheRedis keeps tokens as JSON under their key in Redis. Entries expire
// together with the token.
type TokenCacheRedis struct {
	cfg *Config

	// Dial overrides how connections are made. Mostly useful for tests.
	Dial func(ctx context.Context) (redis.Conn, error)
}

// NewTokenCacheRedis returns a Redis backed TokenCache for cfg.
func NewTokenCacheRedis(cfg *Config) *TokenCacheRedis {
	return &TokenCacheRedis{cfg: cfg}
}

func (t *TokenCacheRedis) dial(ctx context.Context) (redis.Conn, error) {
	if t.Dial != nil {
		return t.Dial(ctx)
	}
	logger(*t.cfg).Debug().Str("addr", t.cfg.TokenCacheStorageRedis).Msg("connecting to redis")
	return redis.DialContext(ctx, "tcp", t.cfg.TokenCacheStorageRedis,
		redis.DialConnectTimeout(time.Second*time.Duration(t.cfg.TokenCacheCtxTimeout)),
		redis.DialDatabase(t.cfg.TokenCacheStorageRedisDB),
	)
}

func (t *TokenCacheRedis) GetToken(ctx context.Context, key string) (*oauth2.Token, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to redis")
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", key))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to call redis GET")
	}

	var token oauth2.Token
	err = json.Unmarshal(data, &token)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode cached token")
	}
	return &token, nil
}

func (t *TokenCacheRedis) SaveToken(ctx context.Context, key string, token *oauth2.Token) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to connect to redis")
	}
	defer conn.Close()

	payload, err := json.Marshal(token)
	if err != nil {
		return errors.Wrap(err, "unable to encode token")
	}

	args := redis.Args{}.Add(key, payload)
	if ttl := time.Until(token.Expiry); !token.Expiry.IsZero() && ttl > time.Second {
		args = args.Add("EX", int(ttl.Seconds()))
	}
	_, err = redis.String(conn.Do("SET", args...))
	return errors.Wrap(err, "unable to call redis SET")
}
