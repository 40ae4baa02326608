package rpc

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Transport carries JSON-RPC 2.0 calls to a node. Implementations bound the number of
// concurrent sessions and are safe for concurrent use.
type Transport interface {
	// Call invokes method with params and decodes the result into out (which may be nil).
	// A JSON null result leaves out untouched and returns nil.
	Call(ctx context.Context, method string, params []any, out any) error
	Close() error
}

// Factory produces transports for a given set of endpoints.
type Factory interface {
	NewTransport(endpoints []string) (Transport, error)
}

type transportFactory struct {
	opts   Opts
	logger *zap.Logger
}

// NewFactory returns a factory that builds transports with shared defaults.
func NewFactory(opts Opts, logger *zap.Logger) Factory {
	return &transportFactory{opts: opts, logger: logger}
}

// NewTransport picks the transport from the URL scheme. Every endpoint must share one scheme
// family: http(s) endpoints are load balanced by HTTPTransport, a ws(s) endpoint gets a
// WSTransport session pool.
func (f *transportFactory) NewTransport(endpoints []string) (Transport, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}
	kind := ""
	for _, ep := range endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint %q: %w", ep, err)
		}
		k := schemeKind(u.Scheme)
		if k == "" {
			return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
		}
		if kind != "" && kind != k {
			return nil, fmt.Errorf("cannot mix http and websocket endpoints")
		}
		kind = k
	}

	o := f.opts
	o.Endpoints = endpoints
	if kind == "ws" {
		if len(endpoints) > 1 {
			f.logger.Warn("websocket transport uses the first endpoint only",
				zap.Strings("ignored", endpoints[1:]))
		}
		return NewWSTransport(o, f.logger), nil
	}
	return NewHTTPWithOpts(o), nil
}

func schemeKind(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http", "https":
		return "http"
	case "ws", "wss":
		return "ws"
	}
	return ""
}
