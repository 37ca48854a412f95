// Package httpguard wraps the network-mode endpoint in a rejection
// pipeline. The server is designed for loopback use by a local agent;
// everything that does not look like that exact client is turned away
// before the protocol handler sees a byte.
package httpguard

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/specgate-dev/specgate/internal/audit"
	"github.com/specgate-dev/specgate/internal/metrics"
)

// Rejection stages, recorded per rejected request.
const (
	StageHost     = "host"
	StageOrigin   = "origin"
	StageNotFound = "not_found"
	StageLength   = "length"
	StageAuth     = "auth"
)

// Guard enforces the admission pipeline in front of an endpoint handler.
type Guard struct {
	next      http.Handler
	endpoint  string
	token     string
	bodyLimit int64
	hosts     map[string]bool
	log       *audit.Logger
	met       *metrics.Metrics
}

// New builds a guard around next. boundAddr is the listener address the
// server actually bound; the Host allow-list is derived from it rather
// than configured, so DNS-rebinding names can never be added by mistake.
func New(next http.Handler, endpoint, boundAddr, token string, bodyLimit int64, log *audit.Logger, met *metrics.Metrics) (*Guard, error) {
	host, port, err := net.SplitHostPort(boundAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing bound address %q: %w", boundAddr, err)
	}
	if token == "" {
		return nil, fmt.Errorf("guard requires a non-empty token")
	}

	hosts := map[string]bool{}
	ip := net.ParseIP(host)
	if host == "localhost" || (ip != nil && (ip.IsLoopback() || ip.IsUnspecified())) {
		// Loopback or wildcard bind: accept the conventional local names.
		hosts["127.0.0.1:"+port] = true
		hosts["localhost:"+port] = true
		hosts["[::1]:"+port] = true
	} else {
		hosts[net.JoinHostPort(host, port)] = true
	}

	return &Guard{
		next:      next,
		endpoint:  endpoint,
		token:     token,
		bodyLimit: bodyLimit,
		hosts:     hosts,
		log:       log,
		met:       met,
	}, nil
}

// GenerateToken returns a fresh random bearer token, hex encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (g *Guard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Every response carries the defensive headers, rejections included.
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Cache-Control", "no-store")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'")

	if !g.hosts[strings.ToLower(r.Host)] {
		g.reject(w, r, StageHost, "unexpected Host header", http.StatusForbidden)
		return
	}

	// A browser sent this. The agent client never sets Origin, so its
	// presence alone disqualifies the request; the value does not matter.
	if r.Header.Get("Origin") != "" {
		g.reject(w, r, StageOrigin, "browser-originated request", http.StatusForbidden)
		return
	}

	if r.URL.Path != g.endpoint || r.Method != http.MethodPost {
		g.reject(w, r, StageNotFound, r.Method+" "+r.URL.Path, http.StatusNotFound)
		return
	}

	// Chunked encoding hides the size until it is too late; a declared
	// length is required and must fit the ceiling.
	if r.ContentLength < 0 {
		g.reject(w, r, StageLength, "missing Content-Length", http.StatusLengthRequired)
		return
	}
	if r.ContentLength > g.bodyLimit {
		g.reject(w, r, StageLength,
			fmt.Sprintf("declared %d bytes, limit %d", r.ContentLength, g.bodyLimit),
			http.StatusRequestEntityTooLarge)
		return
	}

	token := bearerToken(r)
	// Length pre-check keeps the constant-time compare meaningful; the
	// compare itself leaks nothing about where the mismatch is.
	if len(token) != len(g.token) || subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) != 1 {
		g.log.LogAuthFailure(r.RemoteAddr, "bad or missing bearer token")
		g.met.RecordGuardRejection(StageAuth)
		w.Header().Set("WWW-Authenticate", `Bearer realm="specgate"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// The declared length was checked above, but the stream is enforced
	// independently; a body longer than declared gets cut off here.
	r.Body = http.MaxBytesReader(w, r.Body, g.bodyLimit)
	g.next.ServeHTTP(w, r)
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, stage, detail string, status int) {
	g.log.LogRequestRejected(r.RemoteAddr, stage, detail)
	g.met.RecordGuardRejection(stage)
	http.Error(w, http.StatusText(status), status)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
