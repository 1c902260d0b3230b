//go:build appengine

package gcpconfig

import (
	"context"
	"net/http"

	"google.golang.org/appengine/urlfetch"
)

// App Engine standard only allows outbound requests through urlfetch.
func getHTTPClient(ctx context.Context, cfg Config) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	return urlfetch.Client(ctx)
}
