// Package gcpconfigtest provides fake Runtime Configurator and OAuth2 servers for
// testing code that uses gcpconfig.
package gcpconfigtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	runtimeconfig "google.golang.org/api/runtimeconfig/v1beta1"
)

// Variable describes how the fake server answers for one variable.
type Variable struct {
	Text string
	// Value is returned verbatim, so it should already be base64 encoded.
	Value string
	// Body, when set, replaces the encoded Text and Value. It allows fields that are
	// present but empty, such as {"text":""}.
	Body string

	// Status, when non-zero, makes the server answer with that error status.
	Status int
	// Delay holds the response back, to control completion order.
	Delay time.Duration
}

// ConfigServer is a fake Runtime Configurator. Variables are keyed by their fully
// qualified name, e.g. "projects/p/configs/c/variables/v".
type ConfigServer struct {
	*httptest.Server

	mu    sync.Mutex
	hits  map[string]int
	auths []string
}

// NewConfigServer starts a fake Runtime Configurator serving vars.
func NewConfigServer(vars map[string]Variable) *ConfigServer {
	s := &ConfigServer{hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/v1beta1/")

		s.mu.Lock()
		s.hits[name]++
		s.auths = append(s.auths, r.Header.Get("Authorization"))
		s.mu.Unlock()

		v, ok := vars[name]
		if !ok {
			writeError(w, http.StatusNotFound, "variable not found: "+name)
			return
		}
		if v.Delay > 0 {
			select {
			case <-time.After(v.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if v.Status != 0 {
			writeError(w, v.Status, http.StatusText(v.Status))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if v.Body != "" {
			io.WriteString(w, v.Body)
			return
		}
		json.NewEncoder(w).Encode(runtimeconfig.Variable{
			Name:  name,
			Text:  v.Text,
			Value: v.Value,
		})
	}))
	return s
}

// Hits returns how many times the variable name was requested.
func (s *ConfigServer) Hits(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[name]
}

// TotalHits returns the number of requests the server received.
func (s *ConfigServer) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, h := range s.hits {
		n += h
	}
	return n
}

// Authorizations returns the Authorization headers received, in arrival order.
func (s *ConfigServer) Authorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auths...)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": msg,
		},
	})
}

// TokenServer is a fake OAuth2 token endpoint.
type TokenServer struct {
	*httptest.Server

	mu   sync.Mutex
	hits int
}

// NewTokenServer starts a token endpoint handing out accessToken. A non-zero status
// makes every exchange fail with that status instead.
func NewTokenServer(accessToken string, status int) *TokenServer {
	s := &TokenServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits++
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "invalid_grant",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	return s
}

// Hits returns the number of token exchanges.
func (s *TokenServer) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

// WriteKeyFile writes a service account key for email with a freshly generated RSA key
// into dir and returns its path.
func WriteKeyFile(dir, email string) (string, error) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(pk),
	})

	b, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"client_email":   email,
		"private_key":    string(keyPEM),
		"private_key_id": "test-key-id",
	})
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, "key.json")
	return path, os.WriteFile(path, b, 0o600)
}
