package client

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zyra-ai/zyra/internal/logger"
)

// Config holds common client configuration
type Config struct {
	// APIURL is the application backend serving /api/me and /api/auth/*.
	APIURL string
	// AuthURL is the identity provider's auth API, e.g. https://<project>.supabase.co/auth/v1.
	AuthURL string
	// AnonKey is the public API key sent to the identity provider.
	AnonKey string
	Timeout time.Duration
	Debug   bool
}

// New creates the HTTP client shared by the profile, backend and identity clients.
// Per-call deadlines are set by the callers through the request context.
func New(config Config, log zerolog.Logger) *http.Client {
	return &http.Client{
		Timeout:   config.Timeout,
		Transport: logger.NewTransport(log, nil),
	}
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		APIURL:  "http://localhost:5000",
		AuthURL: "http://localhost:9999",
		Timeout: 30 * time.Second,
		Debug:   false,
	}
}

// JoinURL joins a base URL and a path without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
