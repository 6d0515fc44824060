// Package auth gates the API behind static API keys. Keys are never
// stored; only their SHA-256 digests are configured, and comparison is
// constant time.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"veridion/pkg/httpx"
)

const (
	ModeAPIKey = "api-key"
	ModeOff    = "off"

	HeaderAPIKey = "X-API-Key"
)

type Config struct {
	Mode      string
	KeyHashes []string
}

// ParseConfig builds a Config from the raw env values: the mode string
// and a comma-separated list of hex SHA-256 key digests.
func ParseConfig(mode, rawHashes string) Config {
	cfg := Config{Mode: strings.ToLower(strings.TrimSpace(mode))}
	if cfg.Mode == "" {
		cfg.Mode = ModeAPIKey
	}
	for _, part := range strings.Split(rawHashes, ",") {
		h := strings.ToLower(strings.TrimSpace(part))
		if len(h) == sha256.Size*2 {
			cfg.KeyHashes = append(cfg.KeyHashes, h)
		}
	}
	return cfg
}

// HashKey returns the configured digest form of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Middleware rejects requests without a known API key. With Mode off it
// passes everything through; hardening forbids that in production.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Mode == ModeOff {
				next.ServeHTTP(w, r)
				return
			}
			key := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
			if key == "" || !cfg.matches(key) {
				httpx.Error(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (c Config) matches(rawKey string) bool {
	digest := []byte(HashKey(rawKey))
	ok := false
	// compare against every hash so timing does not reveal which one hit
	for _, h := range c.KeyHashes {
		if subtle.ConstantTimeCompare(digest, []byte(h)) == 1 {
			ok = true
		}
	}
	return ok
}
