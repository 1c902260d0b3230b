package gcpconfig

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	runtimeconfig "google.golang.org/api/runtimeconfig/v1beta1"
)

// Scopes are requested for every credential used against Runtime Configurator.
var Scopes = []string{
	runtimeconfig.CloudPlatformScope,
	runtimeconfig.CloudruntimeconfigScope,
}

// CredentialSource names where a set of Credentials came from.
type CredentialSource string

const (
	SourceDefault CredentialSource = "default"
	SourceKeyFile CredentialSource = "key-file"
)

// Credentials authorize outbound requests to Runtime Configurator.
type Credentials struct {
	TokenSource oauth2.TokenSource
	Scopes      []string
	Source      CredentialSource

	// Email of the service account, when known.
	Email string
}

var findDefaultCredentials = google.FindDefaultCredentials

// ResolveCredentials returns credentials for cfg. When cfg.KeyFile is set the service
// account key it points to is loaded and authorized before returning; the Application
// Default Credentials are never consulted in that case. Otherwise the Application
// Default Credentials are used.
//
// Every failure is returned as an *AuthenticationError.
func ResolveCredentials(ctx context.Context, cfg Config) (*Credentials, error) {
	err := checkDefaults(&cfg)
	if err != nil {
		return nil, err
	}

	// token exchanges go through the same client as the API calls
	ctx = context.WithValue(ctx, oauth2.HTTPClient, getHTTPClient(ctx, cfg))

	var creds *Credentials
	if cfg.KeyFile != "" {
		creds, err = keyFileCredentials(ctx, cfg)
	} else {
		creds, err = defaultCredentials(ctx, cfg)
	}
	if err != nil {
		return nil, &AuthenticationError{Err: err}
	}

	if cfg.TokenCache != nil {
		creds.TokenSource = oauth2.ReuseTokenSource(nil, &cachedTokenSource{
			ctx:  ctx,
			cfg:  cfg,
			key:  cacheKey(cfg, creds),
			base: creds.TokenSource,
		})
	}

	if creds.Source == SourceKeyFile {
		// authorize up front so a bad key fails here and not on the first read
		tok, err := creds.TokenSource.Token()
		if err != nil {
			return nil, &AuthenticationError{Err: errors.Wrap(err, "unable to authorize service account")}
		}
		creds.TokenSource = oauth2.ReuseTokenSource(tok, creds.TokenSource)
	}

	logger(cfg).Debug().
		Str("source", string(creds.Source)).
		Str("email", creds.Email).
		Msg("resolved credentials")
	return creds, nil
}

type serviceAccountKey struct {
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

func keyFileCredentials(ctx context.Context, cfg Config) (*Credentials, error) {
	b, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read key file")
	}

	var key serviceAccountKey
	err = json.Unmarshal(b, &key)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse key file")
	}
	if key.ClientEmail == "" {
		return nil, errors.New("key file is missing client_email")
	}
	if key.PrivateKey == "" {
		return nil, errors.New("key file is missing private_key")
	}

	conf := &jwt.Config{
		Email:        key.ClientEmail,
		PrivateKey:   []byte(key.PrivateKey),
		PrivateKeyID: key.PrivateKeyID,
		Scopes:       Scopes,
		TokenURL:     google.JWTTokenURL,
	}
	if key.TokenURI != "" {
		conf.TokenURL = key.TokenURI
	}
	if cfg.TokenURL != "" {
		conf.TokenURL = cfg.TokenURL
	}

	return &Credentials{
		TokenSource: conf.TokenSource(ctx),
		Scopes:      Scopes,
		Source:      SourceKeyFile,
		Email:       key.ClientEmail,
	}, nil
}

func defaultCredentials(ctx context.Context, cfg Config) (*Credentials, error) {
	creds, err := findDefaultCredentials(ctx, Scopes...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to find default credentials")
	}

	email, err := getEmailFromCredentials(creds)
	if err != nil {
		return nil, errors.Wrap(err, "unable to get email from given credentials")
	}

	return &Credentials{
		TokenSource: creds.TokenSource,
		Scopes:      Scopes,
		Source:      SourceDefault,
		Email:       email,
	}, nil
}

func getEmailFromCredentials(creds *google.Credentials) (string, error) {
	if len(creds.JSON) == 0 {
		return "", nil
	}

	var data map[string]interface{}
	err := json.Unmarshal(creds.JSON, &data)
	if err != nil {
		return "", errors.Wrap(err, "unable to parse credentials")
	}

	email, _ := data["client_email"].(string)
	return email, nil
}
