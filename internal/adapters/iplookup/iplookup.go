// Package iplookup resolves the public network address of the running device.
package iplookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/okian/fleetwatch/pkg/logger"
	"github.com/okian/fleetwatch/pkg/metrics"
)

const (
	defaultTimeout = 3 * time.Second
	maxBodyBytes   = 64 << 10
)

// DefaultEndpoints are tried in order.
var DefaultEndpoints = []string{ //nolint:gochecknoglobals // read-only defaults
	"https://api.ipify.org?format=json",
	"https://ipapi.co/json/",
	"https://api.myip.com",
	"https://httpbin.org/ip",
}

// addressFields are the JSON keys known lookup services put the address in.
var addressFields = []string{"ip", "query", "ipAddress", "ip_addr", "origin"} //nolint:gochecknoglobals // read-only

// Resolver returns the device's public address.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context) (string, error) { return f(ctx) }

// HTTPResolver asks public lookup services, first answer wins.
type HTTPResolver struct {
	endpoints []string
	client    *http.Client
	timeout   time.Duration
	cacheTTL  time.Duration
	now       func() time.Time
	logger    logger.Logger

	mu       sync.Mutex
	cached   string
	cachedAt time.Time
}

// NewHTTPResolver returns a resolver over DefaultEndpoints unless overridden.
func NewHTTPResolver(opts ...Option) *HTTPResolver {
	r := &HTTPResolver{
		endpoints: DefaultEndpoints,
		client:    http.DefaultClient,
		timeout:   defaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Get().Named("iplookup")
	}
	return r
}

// Resolve implements Resolver. Each endpoint gets its own timeout; failures
// fall through to the next endpoint. ErrNoAddress means all of them failed.
func (r *HTTPResolver) Resolve(ctx context.Context) (string, error) {
	if addr, ok := r.fromCache(); ok {
		metrics.RecordAddressLookup("cached")
		return addr, nil
	}

	for _, endpoint := range r.endpoints {
		addr, err := r.ask(ctx, endpoint)
		if err != nil {
			r.logger.Debug(ctx, "address lookup failed",
				logger.String("endpoint", endpoint),
				logger.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		r.store(addr)
		metrics.RecordAddressLookup("ok")
		return addr, nil
	}

	metrics.RecordAddressLookup("failed")
	return "", ErrNoAddress
}

func (r *HTTPResolver) ask(ctx context.Context, endpoint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return Parse(body)
}

// Parse extracts an address from a lookup response: a JSON object with one
// of the known address fields, or a bare address as plain text.
func Parse(body []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		if addr, ok := normalize(string(body)); ok {
			return addr, nil
		}
		return "", fmt.Errorf("%w: unreadable body", ErrInvalidResponse)
	}
	for _, field := range addressFields {
		raw, ok := doc[field].(string)
		if !ok {
			continue
		}
		if addr, ok := normalize(raw); ok {
			return addr, nil
		}
	}
	return "", fmt.Errorf("%w: no address field", ErrInvalidResponse)
}

// normalize takes the first entry of a comma list (proxy chains) and checks
// it is an IP address.
func normalize(raw string) (string, bool) {
	first, _, _ := strings.Cut(raw, ",")
	first = strings.TrimSpace(first)
	ip := net.ParseIP(first)
	if ip == nil {
		return "", false
	}
	return ip.String(), true
}

func (r *HTTPResolver) fromCache() (string, bool) {
	if r.cacheTTL <= 0 {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == "" || r.now().Sub(r.cachedAt) >= r.cacheTTL {
		return "", false
	}
	return r.cached, true
}

func (r *HTTPResolver) store(addr string) {
	if r.cacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	r.cached, r.cachedAt = addr, r.now()
	r.mu.Unlock()
}

// Static returns the last address it was given. Server-side sessions set it
// from the client address seen on each request.
type Static struct {
	mu   sync.RWMutex
	addr string
}

// NewStatic returns a Static holding addr.
func NewStatic(addr string) *Static {
	s := &Static{}
	s.Set(addr)
	return s
}

// Set replaces the address. Values that are not IP addresses clear it.
func (s *Static) Set(addr string) {
	normalized, _ := normalize(addr)
	s.mu.Lock()
	s.addr = normalized
	s.mu.Unlock()
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == "" {
		return "", ErrNoAddress
	}
	return s.addr, nil
}

// ClientAddress extracts the caller's address from a request, preferring the
// first X-Forwarded-For hop over the socket peer.
func ClientAddress(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if addr, ok := normalize(fwd); ok {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	addr, _ := normalize(host)
	return addr
}
