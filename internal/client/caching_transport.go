package client

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/rs/zerolog"
	"github.com/zyra-ai/zyra/internal/logger"
)

// NewCachingHTTPClient creates an HTTP client honouring Cache-Control headers.
// It is only used for public, token-free endpoints such as the identity
// provider's /settings document; never for bearer authenticated calls.
func NewCachingHTTPClient(cacheDir string, log zerolog.Logger) *http.Client {
	var cache httpcache.Cache = httpcache.NewMemoryCache()
	if cacheDir != "" {
		// Use disk-based cache for persistence across CLI invocations
		cache = diskcache.New(cacheDir)
	}

	transport := httpcache.NewTransport(cache)
	transport.Transport = logger.NewTransport(log, nil)

	return &http.Client{
		Transport: transport,
	}
}
