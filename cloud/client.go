// Package cloud talks to the remote compression API: credential verification
// with a cached {ip, transport} pair, a global quota breaker, and the
// compress/rotate/restore calls.
package cloud

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/camden-git/imageoptimizer/cache"
)

var (
	ErrNoKey               = errors.New("no cloud key configured")
	ErrVerificationFailed  = errors.New("cloud verification failed")
	ErrQuotaExceeded       = errors.New("license exceeded")
	ErrUnsupportedResponse = errors.New("unsupported response from compression api")
)

const (
	StatusGreat      = "great"
	StatusExceeded   = "exceeded"
	StatusUnverified = "unverified"
)

const (
	TransportHTTPS = "https"
	TransportHTTP  = "http"
)

const (
	DefaultHost = "optimize.exactlywww.com"

	verificationTTL = time.Hour
	failureTTL      = time.Minute
	cooldown        = 300 * time.Second

	cooldownKey = "cloud:cooldown"
)

// Verification is the cached outcome of a handshake.
type Verification struct {
	Status    string    `json:"status"`
	IP        string    `json:"ip"`
	Transport string    `json:"transport"`
	Expiry    time.Time `json:"expiry"`
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Options struct {
	Host     string // may carry a port
	Timeout  time.Duration
	Cache    cache.Cache
	Resolver Resolver
	Now      func() time.Time
}

type Client struct {
	host     string // hostname only
	port     string // empty uses the transport default
	timeout  time.Duration
	cache    cache.Cache
	resolver Resolver
	now      func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	clients map[string]*http.Client // per backend ip
}

func NewClient(opts Options) *Client {
	host := opts.Host
	if host == "" {
		host = DefaultHost
	}
	port := ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryCache()
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		host:     host,
		port:     port,
		timeout:  opts.Timeout,
		cache:    opts.Cache,
		resolver: opts.Resolver,
		now:      opts.Now,
		clients:  make(map[string]*http.Client),
	}
}

// httpClient returns a client that dials ip whatever host the URL names, so
// TLS still verifies against the API hostname.
func (c *Client) httpClient(ip string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[ip]; ok {
		return hc
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
	}
	hc := &http.Client{Transport: transport, Timeout: c.timeout}
	c.clients[ip] = hc
	return hc
}

func (c *Client) baseURL(transport string) string {
	if c.port != "" {
		return transport + "://" + net.JoinHostPort(c.host, c.port)
	}
	return transport + "://" + c.host
}

func verificationKey(apiKey string) string {
	sum := blake2b.Sum256([]byte(apiKey))
	return "cloud:verify:" + hex.EncodeToString(sum[:8])
}

// InCooldown reports whether the global quota breaker is open.
func (c *Client) InCooldown(ctx context.Context) bool {
	var until time.Time
	ok, err := cache.GetJSON(ctx, c.cache, cooldownKey, &until)
	if err != nil || !ok {
		return false
	}
	return c.now().Before(until)
}

// QuotaExceeded reports whether calls for apiKey would short-circuit: during
// the cooldown, or while an exceeded verification is cached.
func (c *Client) QuotaExceeded(ctx context.Context, apiKey string) bool {
	if c.InCooldown(ctx) {
		return true
	}
	if apiKey == "" {
		return false
	}
	v, ok := c.cached(ctx, apiKey)
	return ok && v.Status == StatusExceeded
}

func (c *Client) tripBreaker(ctx context.Context, apiKey string, v Verification) {
	until := c.now().Add(cooldown)
	if err := cache.SetJSON(ctx, c.cache, cooldownKey, until, cooldown); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("cloud: failed to store cooldown")
	}
	v.Status = StatusExceeded
	if v.Expiry.IsZero() || !v.Expiry.After(c.now()) {
		v.Expiry = c.now().Add(verificationTTL)
	}
	c.store(ctx, apiKey, v)
	zerolog.Ctx(ctx).Warn().Time("until", until).Msg("cloud: quota exceeded, breaker open")
}

func (c *Client) cached(ctx context.Context, apiKey string) (Verification, bool) {
	var v Verification
	ok, err := cache.GetJSON(ctx, c.cache, verificationKey(apiKey), &v)
	if err != nil || !ok {
		return Verification{}, false
	}
	if !v.Expiry.IsZero() && !c.now().Before(v.Expiry) {
		return Verification{}, false
	}
	return v, true
}

func (c *Client) store(ctx context.Context, apiKey string, v Verification) {
	ttl := v.Expiry.Sub(c.now())
	if ttl <= 0 {
		return
	}
	if err := cache.SetJSON(ctx, c.cache, verificationKey(apiKey), v, ttl); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("cloud: failed to cache verification")
	}
}

// Verify returns the cached verification for apiKey or runs a handshake.
// Concurrent callers for the same key share one handshake.
func (c *Client) Verify(ctx context.Context, apiKey string) (Verification, error) {
	if apiKey == "" {
		return Verification{Status: StatusUnverified}, ErrNoKey
	}
	if v, ok := c.cached(ctx, apiKey); ok {
		if v.Status == StatusUnverified {
			return v, ErrVerificationFailed
		}
		return v, nil
	}

	res, err, _ := c.group.Do(verificationKey(apiKey), func() (interface{}, error) {
		if v, ok := c.cached(ctx, apiKey); ok {
			return v, nil
		}
		return c.handshake(ctx, apiKey)
	})
	v, _ := res.(Verification)
	if err != nil {
		return v, err
	}
	if v.Status == StatusUnverified {
		return v, ErrVerificationFailed
	}
	return v, nil
}

func (c *Client) handshake(ctx context.Context, apiKey string) (Verification, error) {
	log := zerolog.Ctx(ctx)

	ips, err := c.resolver.LookupHost(ctx, c.host)
	if err != nil || len(ips) == 0 {
		c.store(ctx, apiKey, Verification{Status: StatusUnverified, Expiry: c.now().Add(failureTTL)})
		return Verification{Status: StatusUnverified}, fmt.Errorf("failed to resolve %s: %v: %w", c.host, err, ErrVerificationFailed)
	}

	var lastErr error
	for _, ip := range ips {
		for _, transport := range []string{TransportHTTPS, TransportHTTP} {
			body, err := c.post(ctx, ip, transport, "/verify/", map[string]string{"api_key": apiKey}, nil)
			if err != nil {
				log.Debug().Err(err).Str("ip", ip).Str("transport", transport).Msg("cloud: verification attempt failed")
				lastErr = err
				continue
			}
			text := string(body)
			status := ""
			switch {
			case strings.Contains(text, StatusGreat):
				status = StatusGreat
			case strings.Contains(text, StatusExceeded):
				status = StatusExceeded
			default:
				lastErr = fmt.Errorf("unexpected verification reply %q", truncate(text, 64))
				continue
			}

			v := Verification{Status: status, IP: ip, Transport: transport, Expiry: c.now().Add(verificationTTL)}
			if status == StatusExceeded {
				c.tripBreaker(ctx, apiKey, v)
			} else {
				c.store(ctx, apiKey, v)
			}
			log.Debug().Str("ip", ip).Str("transport", transport).Str("status", status).Msg("cloud: key verified")
			return v, nil
		}
	}

	c.store(ctx, apiKey, Verification{Status: StatusUnverified, Expiry: c.now().Add(failureTTL)})
	return Verification{Status: StatusUnverified}, fmt.Errorf("failed to verify key: %v: %w", lastErr, ErrVerificationFailed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
