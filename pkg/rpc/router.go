package rpc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// FirstStateBlock finds the lowest block in [1, head] whose state the node still serves. A
// pruned node keeps a contiguous suffix of the chain, so the answer is found by bisection.
// Lookups are not retried; only connection failures and cancellation are returned as errors.
func (c *Client) FirstStateBlock(ctx context.Context, head uint64) (uint64, error) {
	once := *c
	once.retry.MaxAttempts = 1

	has := func(n uint64) (bool, error) {
		hash, err := once.BlockHash(ctx, n)
		if err == nil {
			_, err = once.BlockTimestamp(ctx, hash)
		}
		switch {
		case err == nil:
			return true, nil
		case ctx.Err() != nil:
			return false, ctx.Err()
		case errors.Is(err, ErrConnection):
			return false, err
		}
		return false, nil
	}

	ok, err := has(1)
	if err != nil {
		return 0, err
	}
	if ok {
		return 1, nil
	}
	ok, err = has(head)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("no state up to block %d: %w", head, ErrNotFound)
	}
	// !has(lo), has(hi)
	lo, hi := uint64(1), head
	for hi > lo+1 {
		mid := lo + (hi-lo)/2
		ok, err := has(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}

// Router serves block and timestamp lookups from the remote archive node and sends state
// queries at blocks from LocalFrom on to a local node, which is usually faster but may be
// pruned. A local failure falls back to the remote node.
type Router struct {
	Remote    *Client
	Local     *Client
	LocalFrom uint64

	logger *zap.Logger
}

// NewRouter builds a router. local may be nil, in which case every call goes to remote.
func NewRouter(remote, local *Client, localFrom uint64, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{Remote: remote, Local: local, LocalFrom: localFrom, logger: logger}
}

func (r *Router) pick(ctx context.Context, hash string) *Client {
	if r.Local == nil {
		return r.Remote
	}
	n, err := r.Remote.BlockNumber(ctx, hash)
	if err != nil || n < r.LocalFrom {
		return r.Remote
	}
	return r.Local
}

func routed[T any](ctx context.Context, r *Router, hash string, fn func(*Client) (T, error)) (T, error) {
	c := r.pick(ctx, hash)
	v, err := fn(c)
	if err != nil && c == r.Local && ctx.Err() == nil {
		r.logger.Debug("local node failed, asking remote", zap.String("block", hash), zap.Error(err))
		return fn(r.Remote)
	}
	return v, err
}

// LatestBlockNumber asks the remote node.
func (r *Router) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return r.Remote.LatestBlockNumber(ctx)
}

// BlockHash asks the remote node.
func (r *Router) BlockHash(ctx context.Context, n uint64) (string, error) {
	return r.Remote.BlockHash(ctx, n)
}

// BlockTimestamp asks the remote node.
func (r *Router) BlockTimestamp(ctx context.Context, hash string) (uint64, error) {
	return r.Remote.BlockTimestamp(ctx, hash)
}

// GenesisHash asks the remote node.
func (r *Router) GenesisHash(ctx context.Context) (string, error) {
	return r.Remote.GenesisHash(ctx)
}

// ChainInfo asks the remote node.
func (r *Router) ChainInfo(ctx context.Context) (ChainInfo, error) {
	return r.Remote.ChainInfo(ctx)
}

// Balance is routed by block.
func (r *Router) Balance(ctx context.Context, address, hash string) (AccountBalance, error) {
	return routed(ctx, r, hash, func(c *Client) (AccountBalance, error) {
		return c.Balance(ctx, address, hash)
	})
}

// ActiveEra is routed by block.
func (r *Router) ActiveEra(ctx context.Context, hash string) (uint32, error) {
	return routed(ctx, r, hash, func(c *Client) (uint32, error) {
		return c.ActiveEra(ctx, hash)
	})
}

// EraPayout is routed by block.
func (r *Router) EraPayout(ctx context.Context, era uint32, hash string) (EraPayout, error) {
	return routed(ctx, r, hash, func(c *Client) (EraPayout, error) {
		return c.EraPayout(ctx, era, hash)
	})
}

// Close closes both clients.
func (r *Router) Close() error {
	var errs []error
	if r.Local != nil {
		errs = append(errs, r.Local.Close())
	}
	errs = append(errs, r.Remote.Close())
	return errors.Join(errs...)
}
