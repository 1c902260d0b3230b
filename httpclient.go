//go:build !appengine

package gcpconfig

import (
	"context"
	"net/http"
	"time"
)

func getHTTPClient(ctx context.Context, cfg Config) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	return &http.Client{
		Transport: &http.Transport{
			IdleConnTimeout: 1 * time.Second,
		},
	}
}
