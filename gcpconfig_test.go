package gcpconfig_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	gcpconfig "github.com/NYTimes/gcp-config"
	"github.com/NYTimes/gcp-config/gcpconfigtest"
)

const (
	testEmail = "jp@example.com"
	testToken = "runtimeconfig-test-token"
)

func newConfig(t *testing.T, cfgSvr *gcpconfigtest.ConfigServer, tokenSvr *gcpconfigtest.TokenServer) gcpconfig.Config {
	t.Helper()

	var cfg gcpconfig.Config
	// ensure defaults are set
	envconfig.Process("", &cfg)

	keyFile, err := gcpconfigtest.WriteKeyFile(t.TempDir(), testEmail)
	if err != nil {
		t.Fatalf("unable to write key file: %s", err)
	}
	cfg.SetKeyFile(keyFile)
	cfg.Address = cfgSvr.URL
	cfg.TokenURL = tokenSvr.URL
	return cfg
}

func TestGetVariable(t *testing.T) {
	tests := []struct {
		name            string
		givenVariables  map[string]gcpconfigtest.Variable
		givenProject    string
		givenEnvProject string
		givenEnvLegacy  string
		givenConfig     string
		givenVariable   string
		givenKeyFile    string
		givenTokenErr   bool

		wantValue   string
		wantHit     string
		wantErr     interface{}
		wantStatus  int
		wantNoCall  bool
		wantNoToken bool
	}{
		{
			name: "text variable, success",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {Text: "abc"},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantValue: "abc",
			wantHit:   "projects/my-project/configs/my-config/variables/my-var",
		},
		{
			name: "binary value, success",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {
					Value: base64.StdEncoding.EncodeToString([]byte("abc")),
				},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantValue: "abc",
			wantHit:   "projects/my-project/configs/my-config/variables/my-var",
		},
		{
			name: "text and value, text wins",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {
					Text:  "from-text",
					Value: base64.StdEncoding.EncodeToString([]byte("from-value")),
				},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantValue: "from-text",
			wantHit:   "projects/my-project/configs/my-config/variables/my-var",
		},
		{
			name: "empty text, success",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {
					Body: `{"name":"projects/my-project/configs/my-config/variables/my-var","text":""}`,
				},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantValue: "",
			wantHit:   "projects/my-project/configs/my-config/variables/my-var",
		},
		{
			name: "empty binary value, success",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {
					Body: `{"name":"projects/my-project/configs/my-config/variables/my-var","value":""}`,
				},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantValue: "",
			wantHit:   "projects/my-project/configs/my-config/variables/my-var",
		},
		{
			name: "empty text and a value, text wins",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {
					Body: `{"text":"","value":"YWJj"}`,
				},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantValue: "",
			wantHit:   "projects/my-project/configs/my-config/variables/my-var",
		},
		{
			name: "response not json, fail",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {Body: "<html>"},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantErr: &gcpconfig.MalformedResponseError{},
		},
		{
			name: "neither text nor value, fail",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantErr: &gcpconfig.MalformedResponseError{},
		},
		{
			name: "value not base64, fail",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {Value: "%%%"},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantErr: &gcpconfig.MalformedResponseError{},
		},
		{
			name: "unknown variable, fail",

			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "nope",

			wantErr:    &gcpconfig.RemoteServiceError{},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "service error, fail",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/my-project/configs/my-config/variables/my-var": {
					Status: http.StatusServiceUnavailable,
				},
			},
			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantErr:    &gcpconfig.RemoteServiceError{},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "project from environment, success",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/env-project/configs/my-config/variables/my-var": {Text: "abc"},
			},
			givenEnvProject: "env-project",
			givenConfig:     "my-config",
			givenVariable:   "my-var",

			wantValue: "abc",
			wantHit:   "projects/env-project/configs/my-config/variables/my-var",
		},
		{
			name: "project from legacy environment, success",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/legacy-project/configs/my-config/variables/my-var": {Text: "abc"},
			},
			givenEnvLegacy: "legacy-project",
			givenConfig:    "my-config",
			givenVariable:  "my-var",

			wantValue: "abc",
			wantHit:   "projects/legacy-project/configs/my-config/variables/my-var",
		},
		{
			name: "both project variables, newer wins",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects/env-project/configs/my-config/variables/my-var":    {Text: "new"},
				"projects/legacy-project/configs/my-config/variables/my-var": {Text: "old"},
			},
			givenEnvProject: "env-project",
			givenEnvLegacy:  "legacy-project",
			givenConfig:     "my-config",
			givenVariable:   "my-var",

			wantValue: "new",
			wantHit:   "projects/env-project/configs/my-config/variables/my-var",
		},
		{
			name: "missing project, fail before any call",

			givenVariables: map[string]gcpconfigtest.Variable{
				"projects//configs/my-config/variables/my-var": {Text: "abc"},
			},
			givenConfig:   "my-config",
			givenVariable: "my-var",

			wantErr:     &gcpconfig.ConfigurationError{},
			wantNoCall:  true,
			wantNoToken: true,
		},
		{
			name: "missing project and unreadable key file, project reported first",

			givenConfig:   "my-config",
			givenVariable: "my-var",
			givenKeyFile:  "/does/not/exist.json",

			wantErr:     &gcpconfig.ConfigurationError{},
			wantNoCall:  true,
			wantNoToken: true,
		},
		{
			name: "empty variable name, fail",

			givenProject: "my-project",
			givenConfig:  "my-config",

			wantErr:     &gcpconfig.ConfigurationError{},
			wantNoCall:  true,
			wantNoToken: true,
		},
		{
			name: "unreadable key file, fail",

			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",
			givenKeyFile:  "/does/not/exist.json",

			wantErr:     &gcpconfig.AuthenticationError{},
			wantNoCall:  true,
			wantNoToken: true,
		},
		{
			name: "token exchange rejected, fail",

			givenProject:  "my-project",
			givenConfig:   "my-config",
			givenVariable: "my-var",
			givenTokenErr: true,

			wantErr:    &gcpconfig.AuthenticationError{},
			wantNoCall: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Setenv("GOOGLE_CLOUD_PROJECT", test.givenEnvProject)
			t.Setenv("GCLOUD_PROJECT", test.givenEnvLegacy)

			cfgSvr := gcpconfigtest.NewConfigServer(test.givenVariables)
			defer cfgSvr.Close()

			tokenStatus := 0
			if test.givenTokenErr {
				tokenStatus = http.StatusUnauthorized
			}
			tokenSvr := gcpconfigtest.NewTokenServer(testToken, tokenStatus)
			defer tokenSvr.Close()

			cfg := newConfig(t, cfgSvr, tokenSvr)
			cfg.ProjectID = test.givenProject
			if test.givenKeyFile != "" {
				cfg.SetKeyFile(test.givenKeyFile)
			}

			got, gotErr := gcpconfig.GetVariable(context.Background(), cfg,
				test.givenConfig, test.givenVariable)

			if test.wantNoCall && cfgSvr.TotalHits() != 0 {
				t.Errorf("expected no runtimeconfig calls, got %d", cfgSvr.TotalHits())
			}
			if test.wantNoToken && tokenSvr.Hits() != 0 {
				t.Errorf("expected no token exchanges, got %d", tokenSvr.Hits())
			}

			if (test.wantErr != nil) != (gotErr != nil) {
				t.Fatalf("expected error %v, but got %v", test.wantErr, gotErr)
			}
			if test.wantErr != nil {
				checkErrorType(t, test.wantErr, gotErr, test.wantStatus)
				return
			}

			if got != test.wantValue {
				t.Errorf("expected value %q, got %q", test.wantValue, got)
			}
			if hits := cfgSvr.Hits(test.wantHit); hits != 1 {
				t.Errorf("expected 1 hit on %q, got %d", test.wantHit, hits)
			}
			wantAuth := []string{"Bearer " + testToken}
			if diff := cmp.Diff(wantAuth, cfgSvr.Authorizations()); diff != "" {
				t.Errorf("authorization headers differ: (-want +got)\n%s", diff)
			}
		})
	}
}

func checkErrorType(t *testing.T, want interface{}, got error, wantStatus int) {
	t.Helper()

	switch want.(type) {
	case *gcpconfig.ConfigurationError:
		var e *gcpconfig.ConfigurationError
		if !errors.As(got, &e) {
			t.Errorf("expected a ConfigurationError, got %T: %s", got, got)
		}
	case *gcpconfig.AuthenticationError:
		var e *gcpconfig.AuthenticationError
		if !errors.As(got, &e) {
			t.Errorf("expected an AuthenticationError, got %T: %s", got, got)
		}
	case *gcpconfig.MalformedResponseError:
		var e *gcpconfig.MalformedResponseError
		if !errors.As(got, &e) {
			t.Errorf("expected a MalformedResponseError, got %T: %s", got, got)
		}
	case *gcpconfig.RemoteServiceError:
		var e *gcpconfig.RemoteServiceError
		if !errors.As(got, &e) {
			t.Errorf("expected a RemoteServiceError, got %T: %s", got, got)
			return
		}
		if e.StatusCode != wantStatus {
			t.Errorf("expected status %d, got %d", wantStatus, e.StatusCode)
		}
	default:
		t.Fatalf("unexpected error type in test table: %T", want)
	}
}

func TestGetVariables(t *testing.T) {
	const prefix = "projects/my-project/configs/my-config/variables/"

	tests := []struct {
		name           string
		givenVariables map[string]gcpconfigtest.Variable
		givenNames     []string

		wantValues []string
		wantErr    bool
		wantHits   []string
	}{
		{
			name: "order follows input, not completion",

			givenVariables: map[string]gcpconfigtest.Variable{
				prefix + "a": {Text: "val-a", Delay: 100 * time.Millisecond},
				prefix + "b": {Text: "val-b"},
				prefix + "c": {Text: "val-c", Delay: 50 * time.Millisecond},
			},
			givenNames: []string{"a", "b", "c"},

			wantValues: []string{"val-a", "val-b", "val-c"},
			wantHits:   []string{prefix + "a", prefix + "b", prefix + "c"},
		},
		{
			name: "mixed text and binary values",

			givenVariables: map[string]gcpconfigtest.Variable{
				prefix + "a": {Text: "val-a"},
				prefix + "b": {Value: base64.StdEncoding.EncodeToString([]byte("val-b"))},
			},
			givenNames: []string{"b", "a"},

			wantValues: []string{"val-b", "val-a"},
			wantHits:   []string{prefix + "a", prefix + "b"},
		},
		{
			name: "second of three fails, whole batch fails",

			givenVariables: map[string]gcpconfigtest.Variable{
				prefix + "a": {Text: "val-a"},
				prefix + "c": {Text: "val-c"},
			},
			givenNames: []string{"a", "b", "c"},

			wantErr:  true,
			wantHits: []string{prefix + "b"},
		},
		{
			name: "empty name, fail",

			givenNames: []string{"a", ""},

			wantErr: true,
		},
		{
			name: "no names, empty result",

			givenNames: []string{},

			wantValues: []string{},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfgSvr := gcpconfigtest.NewConfigServer(test.givenVariables)
			defer cfgSvr.Close()
			tokenSvr := gcpconfigtest.NewTokenServer(testToken, 0)
			defer tokenSvr.Close()

			cfg := newConfig(t, cfgSvr, tokenSvr)
			cfg.ProjectID = "my-project"

			got, gotErr := gcpconfig.GetVariables(context.Background(), cfg, "my-config", test.givenNames)
			if test.wantErr != (gotErr != nil) {
				t.Fatalf("expected error %t, but got %v", test.wantErr, gotErr)
			}
			if test.wantErr && got != nil {
				t.Errorf("expected no partial results, got %v", got)
			}

			if !cmp.Equal(test.wantValues, got) {
				t.Errorf("values differ: (-want +got)\n%s", cmp.Diff(test.wantValues, got))
			}
			for _, name := range test.wantHits {
				if cfgSvr.Hits(name) != 1 {
					t.Errorf("expected 1 hit on %q, got %d", name, cfgSvr.Hits(name))
				}
			}
			if tokenSvr.Hits() > 1 {
				t.Errorf("expected a single token exchange per batch, got %d", tokenSvr.Hits())
			}
		})
	}
}

func TestVariableName(t *testing.T) {
	got := gcpconfig.VariableName("my-project", "my-config", "my-var")
	want := "projects/my-project/configs/my-config/variables/my-var"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
