/*
File: client.go
Version: 1.0.0
Description: HTTP/1.1 client front end. Holds request settings, the resolver used for host lookups
             and the table of in-flight sessions. Requests return an id that can be cancelled;
             results are delivered through callbacks from the session goroutine.
*/

package webclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tevino/abool"
	"golang.org/x/sync/singleflight"

	"asyncnet/internal/logger"
	"asyncnet/resolver"
)

const (
	DefaultUserAgent = "asyncnet-webclient/1.0"
	DefaultTimeout   = 60 * time.Second

	tlsSessionCacheSize = 64
)

var (
	ErrClosed        = errors.New("web client closed")
	ErrRateLimited   = errors.New("host request rate exceeded")
	ErrResolveFailed = errors.New("host not found")
)

// options is snapshotted into each session at creation.
type options struct {
	ifIndex     int
	proxy       *target
	userAgent   string
	httpVersion string
	wapProfile  string
	bind        netip.Addr
	connClose   bool
	insecure    bool
	timeout     time.Duration
}

type Client struct {
	mu       sync.Mutex
	opts     options
	sessions map[uint32]*Session
	nextID   uint32

	limiter       *hostLimiter
	limiterCancel context.CancelFunc

	resolver    *resolver.Resolver
	ownResolver bool
	lookups     singleflight.Group
	tlsCache    tls.ClientSessionCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed *abool.AtomicBool
}

// New creates a client whose connections are bound to interface ifIndex (0 for any).
// If r is nil the client creates and owns its own resolver.
func New(ifIndex int, r *resolver.Resolver) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts: options{
			ifIndex:     ifIndex,
			userAgent:   DefaultUserAgent,
			httpVersion: "HTTP/1.1",
			timeout:     DefaultTimeout,
		},
		sessions: make(map[uint32]*Session),
		resolver: r,
		tlsCache: tls.NewLRUClientSessionCache(tlsSessionCacheSize),
		ctx:      ctx,
		cancel:   cancel,
		closed:   abool.New(),
	}
	if c.resolver == nil {
		c.resolver = resolver.New(ifIndex)
		c.ownResolver = true
	}
	return c
}

// Resolver returns the resolver used for host lookups.
func (c *Client) Resolver() *resolver.Resolver {
	return c.resolver
}

// SetProxy routes requests through an http:// or socks5:// proxy. An empty string disables proxying.
func (c *Client) SetProxy(raw string) error {
	var p *target
	if raw != "" {
		var err error
		if p, err = parseURL(raw); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		if p.scheme != "http" && p.scheme != "socks5" {
			return fmt.Errorf("proxy: %w: scheme %q not supported", ErrInvalidURL, p.scheme)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.proxy = p
	return nil
}

func (c *Client) SetUserAgent(ua string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.userAgent = ua
}

// SetHTTPVersion accepts "1.0" or "1.1", with or without the "HTTP/" prefix.
func (c *Client) SetHTTPVersion(v string) error {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(v)), "HTTP/") {
	case "1.0":
		v = "HTTP/1.0"
	case "1.1", "":
		v = "HTTP/1.1"
	default:
		return fmt.Errorf("unsupported http version %q", v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.httpVersion = v
	return nil
}

// SetWAPProfile sets the x-wap-profile header value; empty omits the header.
func (c *Client) SetWAPProfile(profile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.wapProfile = profile
}

// SetBindAddress fixes the local address of outgoing connections. Empty clears it.
func (c *Client) SetBindAddress(addr string) error {
	var a netip.Addr
	if addr != "" {
		var err error
		if a, err = netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("bind address: %w", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.bind = a
	return nil
}

func (c *Client) SetConnectionClose(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.connClose = on
}

// SetInsecureSkipVerify disables TLS certificate verification.
func (c *Client) SetInsecureSkipVerify(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.insecure = on
}

// SetTimeout applies to new sessions. It bounds name resolution and connection setup
// together, and after that each individual read or write, so a transfer that keeps
// making progress is never cut off. Zero disables it.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.timeout = d
}

// SetHostQPS limits new requests per second to any one host. Zero removes the limit.
func (c *Client) SetHostQPS(qps int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limiterCancel != nil {
		c.limiterCancel()
		c.limiter, c.limiterCancel = nil, nil
	}
	if qps <= 0 {
		return
	}
	c.limiter = newHostLimiter(qps)
	var ctx context.Context
	ctx, c.limiterCancel = context.WithCancel(c.ctx)
	go c.limiter.run(ctx)
	logger.Debug("[CLIENT] Per-host limit set to %d qps (burst %d)", qps, c.limiter.burst)
}

// Get starts a GET request. onRoute may be nil.
func (c *Client) Get(url string, onResult ResultFunc, onRoute RouteFunc) (uint32, error) {
	return c.start(&Session{method: "GET", onResult: onResult, onRoute: onRoute}, url)
}

// Post starts a POST whose body is pulled from input. If the first call reports no more
// data the body is sent with Content-Length, otherwise with chunked framing.
func (c *Client) Post(url, contentType string, input InputFunc, onResult ResultFunc) (uint32, error) {
	if input == nil {
		return 0, errors.New("nil input callback")
	}
	return c.start(&Session{method: "POST", contentType: contentType, input: input, onResult: onResult}, url)
}

// PostFile uploads the file at path as the request body.
func (c *Client) PostFile(url, contentType, path string, onResult ResultFunc) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return 0, fmt.Errorf("%s: not a regular file", path)
	}

	id, err := c.start(&Session{method: "POST", contentType: contentType, file: f, fileSize: st.Size(), onResult: onResult}, url)
	if err != nil {
		f.Close()
	}
	return id, err
}

func (c *Client) start(s *Session, raw string) (uint32, error) {
	if s.onResult == nil {
		return 0, errors.New("nil result callback")
	}
	if c.closed.IsSet() {
		return 0, ErrClosed
	}
	u, err := parseURL(raw)
	if err != nil {
		return 0, err
	}
	if u.scheme != "http" && u.scheme != "https" {
		return 0, fmt.Errorf("%w: scheme %q not supported for requests", ErrInvalidURL, u.scheme)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limiter != nil && !c.limiter.allow(u.host) {
		sessionsRejected.Inc()
		return 0, fmt.Errorf("%w: %s", ErrRateLimited, u.host)
	}

	c.nextID++
	if c.nextID == 0 {
		c.nextID++
	}
	s.id = c.nextID
	s.client = c
	s.opts = c.opts
	s.url = u
	s.headers = newHeaderAccumulator()
	s.cancelled = abool.New()
	s.ctx, s.cancel = context.WithCancel(c.ctx)

	c.sessions[s.id] = s
	c.wg.Add(1)
	sessionsStarted.Inc()
	logger.Debug("[CLIENT] Session #%d: %s %s", s.id, s.method, raw)

	go s.run()
	return s.id, nil
}

// Session returns the in-flight session with id.
func (c *Client) Session(id uint32) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// forget removes a finishing session, reporting false when it was already cancelled.
func (c *Client) forget(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; !ok {
		return false
	}
	delete(c.sessions, id)
	return true
}

// Cancel aborts a session. No callback for it starts after Cancel returns true.
func (c *Client) Cancel(id uint32) bool {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	if !ok {
		return false
	}
	s.abort()
	sessionsCancelled.Inc()
	logger.Debug("[CLIENT] Session #%d cancelled", id)
	return true
}

// Close cancels all sessions and waits for their goroutines. It must not be called from a callback.
func (c *Client) Close() error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}

	c.mu.Lock()
	pending := make([]*Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		pending = append(pending, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, s := range pending {
		s.abort()
	}
	c.cancel()
	c.wg.Wait()

	if c.ownResolver {
		return c.resolver.Close()
	}
	return nil
}

// resolve returns the address to connect to for host. Concurrent sessions share one lookup per host.
func (c *Client) resolve(ctx context.Context, host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a, nil
	}

	ch := c.lookups.DoChan(host, func() (any, error) {
		status, addrs, err := c.resolver.Resolve(c.ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("%w: %s (%s)", ErrResolveFailed, host, status)
		}
		return addrs, nil
	})

	select {
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return netip.Addr{}, res.Err
		}
		return netip.ParseAddr(res.Val.([]string)[0])
	}
}
