package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/balancex/pkg/retry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSTransport keeps a pool of up to PoolSize websocket sessions to a single node. Each
// session carries one request at a time; callers block while every session is busy.
type WSTransport struct {
	url     string
	dialer  *websocket.Dialer
	timeout time.Duration
	logger  *zap.Logger
	nextID  atomic.Uint64

	slots chan struct{}
	idle  chan *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewWSTransport builds a websocket transport for o.Endpoints[0]. Sessions are dialed lazily.
func NewWSTransport(o Opts, logger *zap.Logger) *WSTransport {
	o = o.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ep := ""
	if len(o.Endpoints) > 0 {
		ep = o.Endpoints[0]
	}
	return &WSTransport{
		url: ep,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: o.Timeout,
		},
		timeout: o.Timeout,
		logger:  logger,
		slots:   make(chan struct{}, o.PoolSize),
		idle:    make(chan *websocket.Conn, o.PoolSize),
	}
}

func (t *WSTransport) checkout(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-t.idle:
		return conn, nil
	default:
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, connection(err)
	}
	// subscription pushes are never requested, so anything large is a protocol problem
	conn.SetReadLimit(16 << 20)
	t.logger.Debug("websocket session opened", zap.String("endpoint", t.url))
	return conn, nil
}

func (t *WSTransport) release(conn *websocket.Conn, healthy bool) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if healthy && !closed {
		select {
		case t.idle <- conn:
			return
		default:
		}
	}
	_ = conn.Close()
}

// settle detaches the cancellation hook and pools the session only if the hook never ran.
func (t *WSTransport) settle(conn *websocket.Conn, stop func() bool) {
	t.release(conn, stop())
}

// Call sends one request on a pooled session and waits for the matching response.
func (t *WSTransport) Call(ctx context.Context, method string, params []any, out any) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return retry.Permanent(errors.New("websocket transport closed"))
	}

	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.slots }()

	conn, err := t.checkout(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	// unblock the read when ctx is cancelled mid-flight
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })

	id := t.nextID.Add(1)
	if err := conn.WriteJSON(newRequest(id, method, params)); err != nil {
		stop()
		t.release(conn, false)
		return t.classify(ctx, err)
	}

	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			stop()
			t.release(conn, false)
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				return malformed("decode envelope: %v", err)
			}
			return t.classify(ctx, err)
		}
		if resp.ID == nil || *resp.ID != id {
			// notification or a late answer to an abandoned request
			continue
		}
		t.settle(conn, stop)
		_, err := decodeResult(&resp, out)
		return err
	}
}

func (t *WSTransport) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient("%s: %v", t.url, err)
	}
	return connection(err)
}

// Close closes idle sessions; sessions in use are closed when their call returns.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	for {
		select {
		case conn := <-t.idle:
			_ = conn.Close()
		default:
			return nil
		}
	}
}
