package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/balancex/pkg/retry"
	"github.com/canopy-network/balancex/pkg/utils"
)

// HTTPTransport is a JSON-RPC over HTTP transport with a circuit-breaker per endpoint, a
// token-bucket and a bounded number of in-flight requests.
type HTTPTransport struct {
	endpoints []string
	client    *http.Client
	nextID    atomic.Uint64
	rr        atomic.Uint64

	// connection pool: one slot per in-flight request
	slots chan struct{}

	// token-bucket
	bucketMu    sync.Mutex
	tokens      float64
	maxTokens   float64
	refillEvery time.Duration
	lastRefill  time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options shared by every transport and the client.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	PoolSize        int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
	Retry           retry.Config
}

func (o Opts) withDefaults() Opts {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.DefaultConfig()
	}
	return o
}

// NewHTTPWithOpts creates a new HTTPTransport with the given options.
func NewHTTPWithOpts(o Opts) *HTTPTransport {
	o = o.withDefaults()

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: o.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxConnsPerHost:     o.PoolSize,
				MaxIdleConnsPerHost: o.PoolSize,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPTransport{
		endpoints:        utils.Dedup(o.Endpoints),
		client:           client,
		slots:            make(chan struct{}, o.PoolSize),
		maxTokens:        float64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill = time.Now()
	return c
}

// acquire takes a token from the token-bucket, blocking until one is available.
func (c *HTTPTransport) acquire(ctx context.Context) error {
	for {
		c.bucketMu.Lock()
		now := time.Now()
		c.tokens += float64(now.Sub(c.lastRefill)) / float64(c.refillEvery)
		if c.tokens > c.maxTokens {
			c.tokens = c.maxTokens
		}
		c.lastRefill = now
		if c.tokens >= 1 {
			c.tokens--
			c.bucketMu.Unlock()
			return nil
		}
		c.bucketMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.refillEvery / 2):
		}
	}
}

// isOpen returns true if the endpoint's breaker is OPEN.
func (c *HTTPTransport) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the circuit-breaker if the failure count exceeds the threshold.
func (c *HTTPTransport) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *HTTPTransport) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

// Call posts a JSON-RPC request, rotating across endpoints whose breaker is closed. Each
// endpoint is tried at most once per call; retrying the whole call is the client's job.
func (c *HTTPTransport) Call(ctx context.Context, method string, params []any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.slots }()

	payload, err := json.Marshal(newRequest(c.nextID.Add(1), method, params))
	if err != nil {
		return retry.Permanent(err)
	}

	start := int(c.rr.Add(1))
	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		ep := c.endpoints[(start+i)%len(c.endpoints)]
		// Skip endpoints whose breaker is OPEN.
		if c.isOpen(ep) {
			continue
		}

		if err := c.acquire(ctx); err != nil {
			return err
		}

		lastErr = c.post(ctx, ep, payload, out)
		if lastErr == nil {
			c.noteSuccess(ep)
			return nil
		}
		var nodeErr *Error
		if errors.As(lastErr, &nodeErr) {
			// the node answered with an error object
			c.noteSuccess(ep)
			return lastErr
		}
		if errors.Is(lastErr, ErrConnection) || errors.Is(lastErr, ErrTransient) {
			c.noteFailure(ep)
			continue
		}
		// the node answered; another endpoint would answer the same
		return lastErr
	}

	if lastErr == nil {
		return connection(fmt.Errorf("all %d endpoints have an open circuit breaker", len(c.endpoints)))
	}
	return lastErr
}

func (c *HTTPTransport) post(ctx context.Context, ep string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return transient("%s: %v", ep, err)
		}
		return connection(err)
	}
	// From here on, always drain+close the body before returning.
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transient("%s: http %d", ep, resp.StatusCode)
	case resp.StatusCode >= 300:
		return malformed("%s: http %d", ep, resp.StatusCode)
	}

	var rpcResp response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return malformed("%s: decode envelope: %v", ep, err)
	}
	_, err = decodeResult(&rpcResp, out)
	return err
}

// Close releases idle connections.
func (c *HTTPTransport) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
