package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/JakeFAU/scrapecache/internal/hash/sha256"
)

const apiKeyHeader = "X-API-Key"

var keyHasher = sha256.New(16)

// KeyIdentity is the caller identity for an API key. Raw keys never reach
// logs, events or admission state.
func KeyIdentity(apiKey string) string {
	return "key:" + keyHasher.Hash([]byte(apiKey))
}

// IPIdentity is the caller identity for an anonymous client.
func IPIdentity(ip string) string {
	return "ip:" + ip
}

type caller struct {
	identity string
	hasKey   bool
}

// identify resolves the caller. ok is false when an API key was presented but
// is not in the configured set.
func (s *Server) identify(r *http.Request) (caller, bool) {
	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		if len(s.apiKeys) > 0 {
			if _, known := s.apiKeys[key]; !known {
				return caller{}, false
			}
		}
		return caller{identity: KeyIdentity(key), hasKey: true}, true
	}
	return caller{identity: IPIdentity(clientIP(r))}, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
