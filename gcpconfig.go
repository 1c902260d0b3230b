package gcpconfig

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	runtimeconfig "google.golang.org/api/runtimeconfig/v1beta1"
)

// Config contains fields for configuring access to variables stored in Google Cloud
// Runtime Configurator.
type Config struct {
	// ProjectID is the GCP project that owns the configs. If empty, the project is
	// read from the environment at call time, preferring GOOGLE_CLOUD_PROJECT over the
	// older GCLOUD_PROJECT.
	ProjectID string `envconfig:"GOOGLE_CLOUD_PROJECT"`

	// KeyFile is the path to a service account JSON key. When set, it is used instead
	// of the Application Default Credentials. See SetKeyFile.
	KeyFile string `envconfig:"RUNTIMECONFIG_KEY_FILE"`

	// Address is the location of the Runtime Configurator API.
	// This should only used for testing.
	Address string `envconfig:"RUNTIMECONFIG_ADDR"`

	// TokenURL is the OAuth2 endpoint service account assertions are exchanged at.
	// This should only used for testing.
	TokenURL string `envconfig:"GOOGLE_TOKEN_URL"`

	// MaxConcurrentRequests caps the number of in-flight reads made by GetVariables.
	// Defaults to 10.
	MaxConcurrentRequests int `envconfig:"RUNTIMECONFIG_MAX_CONCURRENT_REQUESTS"`

	// MaxRetries sets the number of retries used against the token cache. Reads from
	// Runtime Configurator are never retried.
	MaxRetries int `envconfig:"RUNTIMECONFIG_MAX_RETRIES"`

	// HTTPClient can be optionally set if users wish to have more control over outbound
	// HTTP requests made by this library. If not set, an http.Client with a 1s
	// IdleConnTimeout will be used.
	HTTPClient *http.Client `ignored:"true"`

	// Logger receives debug events. Nothing is logged if it is nil.
	Logger *zerolog.Logger `ignored:"true"`

	TokenCache TokenCache `ignored:"true"`
	// How long before the token expiration should it be regenerated (in seconds).
	// Default is 300 seconds.
	TokenCacheRefreshThreshold int `envconfig:"TOKEN_CACHE_REFRESH_THRESHOLD"`
	// Random refresh offset in seconds to avoid all the instances refreshing at once.
	// Default is 1/2 of TOKEN_CACHE_REFRESH_THRESHOLD.
	TokenCacheRefreshRandomOffset int `envconfig:"TOKEN_CACHE_REFRESH_RANDOM_OFFSET"`
	// this value is in seconds. Default value is 30 seconds
	TokenCacheCtxTimeout int `envconfig:"TOKEN_CACHE_CTX_TIMEOUT"`
	// the object name to store. Default value is 'runtimeconfig-token'
	TokenCacheKeyName string `envconfig:"TOKEN_CACHE_KEY_NAME"`
	// GCS bucket location where token can be stored for caching purposes
	TokenCacheStorageGCS string `envconfig:"TOKEN_CACHE_STORAGE_GCS"`
	// Host and port for Redis '10.200.30.4:6379'
	TokenCacheStorageRedis string `envconfig:"TOKEN_CACHE_STORAGE_REDIS"`
	// Database for Redis. Default is 0
	TokenCacheStorageRedisDB int `envconfig:"TOKEN_CACHE_STORAGE_REDIS_DB"`
}

// SetKeyFile makes every fetch using this Config authenticate with the service account
// key at path instead of the Application Default Credentials.
//
// Config is passed to the fetch functions by value, so calls already in flight keep
// the credentials they started with.
func (c *Config) SetKeyFile(path string) {
	c.KeyFile = path
}

const (
	CachedTokenRefreshThresholdDefault = 300
	TokenCacheCtxTimeoutDefault        = 30
	TokenCacheKeyNameDefault           = "runtimeconfig-token"
	MaxRetriesDefault                  = 3
	MaxConcurrentRequestsDefault       = 10
)

// environment variables holding the project ID, newest first.
var projectEnvVars = []string{"GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT"}

// GetVariable reads a single variable from the given Runtime Configurator config.
//
// Variables holding text are returned as is. Variables holding a binary value are
// base64 decoded. If the service returns both, the text wins.
//
// Errors are one of *ConfigurationError, *AuthenticationError, *RemoteServiceError or
// *MalformedResponseError. Nothing is retried.
func GetVariable(ctx context.Context, cfg Config, configName, variableName string) (string, error) {
	err := checkDefaults(&cfg)
	if err != nil {
		return "", err
	}
	if configName == "" {
		return "", &ConfigurationError{Msg: "config name is required"}
	}
	if variableName == "" {
		return "", &ConfigurationError{Msg: "variable name is required"}
	}

	svc, err := newService(ctx, cfg)
	if err != nil {
		return "", err
	}
	return getVariable(ctx, cfg, svc, configName, variableName)
}

// GetVariables reads several variables of the same config concurrently. The returned
// values are in the same order as variableNames. The first failure fails the whole
// batch and no partial results are returned.
func GetVariables(ctx context.Context, cfg Config, configName string, variableNames []string) ([]string, error) {
	err := checkDefaults(&cfg)
	if err != nil {
		return nil, err
	}
	if configName == "" {
		return nil, &ConfigurationError{Msg: "config name is required"}
	}
	for _, name := range variableNames {
		if name == "" {
			return nil, &ConfigurationError{Msg: "variable name is required"}
		}
	}
	if len(variableNames) == 0 {
		return []string{}, nil
	}

	svc, err := newService(ctx, cfg)
	if err != nil {
		return nil, err
	}

	values := make([]string, len(variableNames))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrentRequests)
	for i := range variableNames {
		i := i // per-iteration copy; go.mod targets go 1.21 (pre-1.22 loop semantics)
		g.Go(func() error {
			val, err := getVariable(ctx, cfg, svc, configName, variableNames[i])
			if err != nil {
				return err
			}
			values[i] = val
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// VariableName returns the fully qualified resource name of a variable.
func VariableName(project, configName, variableName string) string {
	return "projects/" + project + "/configs/" + configName + "/variables/" + variableName
}

func getVariable(ctx context.Context, cfg Config, svc *service, configName, variableName string) (string, error) {
	name := VariableName(svc.project, configName, variableName)
	logger(cfg).Debug().Str("variable", name).Msg("reading variable")

	v, err := svc.get(ctx, name)
	if err != nil {
		var terr *tokenError
		if errors.As(err, &terr) {
			return "", &AuthenticationError{Err: terr.err}
		}
		var merr *MalformedResponseError
		if errors.As(err, &merr) {
			return "", merr
		}
		rerr := &RemoteServiceError{Name: name, Err: err}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			rerr.StatusCode = gerr.Code
		}
		return "", rerr
	}
	return decodeVariable(name, v)
}

// variable mirrors runtimeconfig.Variable without omitempty, so an empty text or value
// can be told apart from a missing one.
type variable struct {
	Name  string  `json:"name"`
	Text  *string `json:"text"`
	Value *string `json:"value"`
}

// decodeVariable prefers the text payload, then the base64 value.
func decodeVariable(name string, v *variable) (string, error) {
	if v == nil {
		return "", &MalformedResponseError{Name: name, Err: errors.New("empty response")}
	}
	if v.Text != nil {
		return *v.Text, nil
	}
	if v.Value != nil {
		b, err := base64.StdEncoding.DecodeString(*v.Value)
		if err != nil {
			return "", &MalformedResponseError{Name: name, Msg: "value is not base64", Err: err}
		}
		return string(b), nil
	}
	return "", &MalformedResponseError{Name: name, Err: ErrMissingPayload}
}

// resolveProject returns cfg.ProjectID or the first project environment variable set.
func resolveProject(cfg Config) (string, error) {
	if cfg.ProjectID != "" {
		return cfg.ProjectID, nil
	}
	for _, key := range projectEnvVars {
		if p := os.Getenv(key); p != "" {
			return p, nil
		}
	}
	return "", &ConfigurationError{
		Msg: "missing project identifier, set " + strings.Join(projectEnvVars, " or "),
	}
}

func checkDefaults(cfg *Config) error {
	if cfg == nil {
		return &ConfigurationError{Msg: "configuration is empty"}
	}

	if cfg.TokenCacheStorageGCS != "" && cfg.TokenCacheStorageRedis != "" {
		return &ConfigurationError{Msg: "both token cache types are configured"}
	}

	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = MaxConcurrentRequestsDefault
	}

	//if max retries is not set, use default
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = MaxRetriesDefault
	}

	//if expiration is not set, use default
	if cfg.TokenCacheRefreshThreshold == 0 {
		cfg.TokenCacheRefreshThreshold = CachedTokenRefreshThresholdDefault
	}

	//if token cache timeout is not set, use default
	if cfg.TokenCacheCtxTimeout == 0 {
		cfg.TokenCacheCtxTimeout = TokenCacheCtxTimeoutDefault
	}

	//if the token cache name is not set, use default
	if cfg.TokenCacheKeyName == "" {
		cfg.TokenCacheKeyName = TokenCacheKeyNameDefault
	}

	if cfg.TokenCacheRefreshRandomOffset == 0 {
		// setting random offset to 1/2 of the refresh threshold
		cfg.TokenCacheRefreshRandomOffset = cfg.TokenCacheRefreshThreshold / 2
	}

	if cfg.TokenCacheStorageGCS != "" && cfg.TokenCache == nil {
		cfg.TokenCache = &TokenCacheGCS{cfg: cfg}
	}

	if cfg.TokenCacheStorageRedis != "" && cfg.TokenCache == nil {
		cfg.TokenCache = &TokenCacheRedis{cfg: cfg}
	}

	return nil
}

func logger(cfg Config) *zerolog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

// service reads variables for one project through an authorized client.
type service struct {
	client   *http.Client
	basePath string
	project  string
}

// get reads a variable the way the generated runtimeconfig client does, but decodes the
// body itself: the generated Variable type drops empty text and value fields.
func (s *service) get(ctx context.Context, name string) (*variable, error) {
	urls := googleapi.ResolveRelative(s.basePath, "v1beta1/{+name}")
	urls += "?" + url.Values{"alt": {"json"}, "prettyPrint": {"false"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urls, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create request")
	}
	googleapi.Expand(req.URL, map[string]string{"name": name})
	req.Header.Set("Accept", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer googleapi.CloseBody(res)
	if err := googleapi.CheckResponse(res); err != nil {
		return nil, err
	}

	var v variable
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		return nil, &MalformedResponseError{Name: name, Msg: "unable to decode response", Err: err}
	}
	return &v, nil
}

// newService resolves the project before the credentials, so a missing project fails
// without any network traffic, including token exchanges.
func newService(ctx context.Context, cfg Config) (*service, error) {
	project, err := resolveProject(cfg)
	if err != nil {
		return nil, err
	}

	creds, err := ResolveCredentials(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hc := getHTTPClient(ctx, cfg)
	// reuse base transport and timeout but sprinkle on the token source
	hcAuth := &http.Client{
		Timeout: hc.Timeout,
		Transport: &oauth2.Transport{
			Source: authTokenSource{creds.TokenSource},
			Base:   hc.Transport,
		},
	}
	rc, err := runtimeconfig.NewService(ctx, option.WithHTTPClient(hcAuth))
	if err != nil {
		return nil, errors.Wrap(err, "unable to init runtimeconfig client")
	}

	basePath := rc.BasePath
	if cfg.Address != "" {
		basePath = strings.TrimSuffix(cfg.Address, "/") + "/"
	}
	return &service{client: hcAuth, basePath: basePath, project: project}, nil
}

// tokenError marks failures of the token source, which the oauth2 transport otherwise
// hands back looking like any other transport error.
type tokenError struct {
	err error
}

func (e *tokenError) Error() string { return e.err.Error() }

func (e *tokenError) Unwrap() error { return e.err }

type authTokenSource struct {
	oauth2.TokenSource
}

func (s authTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.TokenSource.Token()
	if err != nil {
		return nil, &tokenError{err: err}
	}
	return tok, nil
}
