package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/canopy-network/balancex/pkg/retry"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Client is the chain connector: block, timestamp and balance queries on top of a Transport,
// each wrapped in the retry policy. Finalized block hashes and timestamps never change, so
// they are memoized for the lifetime of the client.
type Client struct {
	transport Transport
	retry     retry.Config
	logger    *zap.Logger

	hashes     *xsync.Map[uint64, string]
	numbers    *xsync.Map[string, uint64]
	timestamps *xsync.Map[string, uint64]
}

// NewClient wraps an existing transport.
func NewClient(t Transport, cfg retry.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg = retry.DefaultConfig()
	}
	cfg.Retryable = Retryable
	return &Client{
		transport:  t,
		retry:      cfg,
		logger:     logger,
		hashes:     xsync.NewMap[uint64, string](),
		numbers:    xsync.NewMap[string, uint64](),
		timestamps: xsync.NewMap[string, uint64](),
	}
}

// Connect builds a transport for opts.Endpoints and checks that the node answers. Exhausting
// the retries on that check yields an ErrConnection.
func Connect(ctx context.Context, opts Opts, logger *zap.Logger) (*Client, error) {
	opts = opts.withDefaults()
	t, err := NewFactory(opts, logger).NewTransport(opts.Endpoints)
	if err != nil {
		return nil, err
	}
	c := NewClient(t, opts.Retry, logger)
	if _, err := c.chainName(ctx); err != nil {
		_ = t.Close()
		if errors.Is(err, ErrConnection) {
			return nil, err
		}
		return nil, connection(err)
	}
	return c, nil
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, op, method string, params []any, out any) (bool, error) {
	found := false
	err := retry.Do(ctx, c.retry, c.logger, op, func(ctx context.Context) error {
		// decode into a nullable holder so a null result is distinguishable from a value
		holder := &nullable{target: out}
		if err := c.transport.Call(ctx, method, params, holder); err != nil {
			return err
		}
		found = holder.set
		return nil
	})
	return found, err
}

// nullable records whether the transport decoded anything into target.
type nullable struct {
	target any
	set    bool
}

func (n *nullable) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	n.set = true
	if err := json.Unmarshal(b, n.target); err != nil {
		return malformed("%v", err)
	}
	return nil
}

func (c *Client) chainName(ctx context.Context) (string, error) {
	var name string
	if _, err := c.call(ctx, "system chain", methodSystemChain, nil, &name); err != nil {
		return "", err
	}
	return name, nil
}

// ChainInfo reports chain name, runtime version and genesis hash.
func (c *Client) ChainInfo(ctx context.Context) (ChainInfo, error) {
	name, err := c.chainName(ctx)
	if err != nil {
		return ChainInfo{}, err
	}
	var rv RuntimeVersion
	if _, err := c.call(ctx, "runtime version", methodRuntimeVersion, nil, &rv); err != nil {
		return ChainInfo{}, err
	}
	genesis, err := c.GenesisHash(ctx)
	if err != nil {
		return ChainInfo{}, err
	}
	return ChainInfo{
		Chain:       name,
		SpecName:    rv.SpecName,
		Version:     fmt.Sprintf("%d.%d", rv.SpecVersion, rv.TransactionVersion),
		GenesisHash: genesis,
	}, nil
}

// GenesisHash returns the hash of block 0.
func (c *Client) GenesisHash(ctx context.Context) (string, error) {
	return c.BlockHash(ctx, 0)
}

// LatestBlockNumber returns the number of the latest finalized block.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var head string
	found, err := c.call(ctx, "finalized head", methodFinalizedHead, nil, &head)
	if err != nil {
		return 0, err
	}
	if !found || head == "" {
		return 0, malformed("empty finalized head")
	}
	var header Header
	found, err = c.call(ctx, "header", methodHeader, []any{head}, &header)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("header %s: %w", head, ErrNotFound)
	}
	n := uint64(header.Number)
	c.remember(n, head)
	return n, nil
}

func (c *Client) remember(n uint64, hash string) {
	c.hashes.Store(n, hash)
	c.numbers.Store(hash, n)
}

// BlockNumber returns the number of the block with the given hash.
func (c *Client) BlockNumber(ctx context.Context, hash string) (uint64, error) {
	if n, ok := c.numbers.Load(hash); ok {
		return n, nil
	}
	var header Header
	found, err := c.call(ctx, "header "+hash, methodHeader, []any{hash}, &header)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("header %s: %w", hash, ErrNotFound)
	}
	n := uint64(header.Number)
	c.remember(n, hash)
	return n, nil
}

// BlockHash returns the hash of block n. ErrNotFound if n is past the head.
func (c *Client) BlockHash(ctx context.Context, n uint64) (string, error) {
	if h, ok := c.hashes.Load(n); ok {
		return h, nil
	}
	var hash string
	found, err := c.call(ctx, fmt.Sprintf("block hash %d", n), methodBlockHash, []any{n}, &hash)
	if err != nil {
		return "", err
	}
	if !found || hash == "" {
		return "", fmt.Errorf("block %d: %w", n, ErrNotFound)
	}
	c.remember(n, hash)
	return hash, nil
}

// BlockTimestamp returns Timestamp.Now (unix millis) as of the given block.
func (c *Client) BlockTimestamp(ctx context.Context, hash string) (uint64, error) {
	if ts, ok := c.timestamps.Load(hash); ok {
		return ts, nil
	}
	raw, found, err := c.storage(ctx, "block timestamp", TimestampNowKey(), hash)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("timestamp at %s: %w", hash, ErrNotFound)
	}
	ts, err := DecodeMoment(raw)
	if err != nil {
		return 0, malformed("%v", err)
	}
	c.timestamps.Store(hash, ts)
	return ts, nil
}

// Balance returns free, reserved and frozen of address as of the given block. An account
// without state has a zero balance.
func (c *Client) Balance(ctx context.Context, address, hash string) (AccountBalance, error) {
	id, err := AccountID(address)
	if err != nil {
		return AccountBalance{}, retry.Permanent(err)
	}
	raw, found, err := c.storage(ctx, "balance "+shortAddress(address), SystemAccountKey(id), hash)
	if err != nil {
		return AccountBalance{}, err
	}
	if !found {
		return ZeroBalance(), nil
	}
	bal, err := DecodeAccountInfo(raw)
	if err != nil {
		return AccountBalance{}, malformed("%v", err)
	}
	return bal, nil
}

func (c *Client) storage(ctx context.Context, op, key, hash string) ([]byte, bool, error) {
	var value string
	found, err := c.call(ctx, op, methodStorage, []any{key, hash}, &value)
	if err != nil || !found {
		return nil, false, err
	}
	raw, err := DecodeHex(value)
	if err != nil {
		return nil, false, malformed("%v", err)
	}
	return raw, true, nil
}

func shortAddress(a string) string {
	a = strings.TrimSpace(a)
	if len(a) <= 12 {
		return a
	}
	return a[:6] + "…" + a[len(a)-4:]
}
