package rpc

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/canopy-network/balancex/pkg/retry"
	"go.uber.org/zap"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newTestTransport(handler http.Handler, opts Opts) *HTTPTransport {
	httpClient := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			resp := rec.Result()
			if resp.Body == nil {
				resp.Body = http.NoBody
			}
			return resp, nil
		}),
		Timeout: 5 * time.Second,
	}

	if len(opts.Endpoints) == 0 {
		opts.Endpoints = []string{"http://mock"}
	}
	if opts.RPS == 0 {
		opts.RPS = 10000
		opts.Burst = 10000
	}
	opts.HTTPClient = httpClient
	return NewHTTPWithOpts(opts)
}

func newTestClient(handler http.Handler) *Client {
	return NewClient(newTestTransport(handler, Opts{}), fastRetry(), zap.NewNop())
}

// fakeNode answers the Substrate methods used by Client from in-memory state.
type fakeNode struct {
	mu         sync.Mutex
	hashes     map[uint64]string
	timestamps map[string]uint64
	accounts   map[string]string // storage key -> SCALE hex
	head       uint64
	pruned     uint64 // state below this block is discarded
	calls      map[string]int
	fail       map[string]int // method -> remaining 503 answers
}

func newFakeNode(head uint64, blockMillis uint64) *fakeNode {
	n := &fakeNode{
		hashes:     map[uint64]string{},
		timestamps: map[string]uint64{},
		accounts:   map[string]string{},
		head:       head,
		calls:      map[string]int{},
		fail:       map[string]int{},
	}
	for b := uint64(0); b <= head; b++ {
		h := fmt.Sprintf("0x%064x", b+0xabc000)
		n.hashes[b] = h
		if b > 0 {
			n.timestamps[h] = 1_700_000_000_000 + b*blockMillis
		}
	}
	return n
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	if n.fail[req.Method] > 0 {
		n.fail[req.Method]--
		n.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	result, rpcErr := n.answer(req.Method, req.Params)
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) answer(method string, params []json.RawMessage) (any, *Error) {
	str := func(i int) string {
		var s string
		_ = json.Unmarshal(params[i], &s)
		return s
	}
	switch method {
	case methodSystemChain:
		return "Creditcoin3", nil
	case methodRuntimeVersion:
		return map[string]any{"specName": "creditcoin3", "specVersion": 301, "transactionVersion": 2}, nil
	case methodFinalizedHead:
		return n.hashes[n.head], nil
	case methodHeader:
		for b, h := range n.hashes {
			if h == str(0) {
				return map[string]any{"number": fmt.Sprintf("0x%x", b)}, nil
			}
		}
		return nil, nil
	case methodBlockHash:
		var b uint64
		if err := json.Unmarshal(params[0], &b); err != nil {
			return nil, &Error{Code: -32602, Message: "invalid params"}
		}
		if h, ok := n.hashes[b]; ok {
			return h, nil
		}
		return nil, nil
	case methodStorage:
		key, at := str(0), str(1)
		for b, h := range n.hashes {
			if h == at && b < n.pruned {
				return nil, &Error{Code: 4003, Message: "State already discarded for " + at}
			}
		}
		if key == TimestampNowKey() {
			ts, ok := n.timestamps[at]
			if !ok {
				return nil, nil
			}
			raw := make([]byte, 8)
			binary.LittleEndian.PutUint64(raw, ts)
			return "0x" + hex.EncodeToString(raw), nil
		}
		if v, ok := n.accounts[key]; ok {
			return v, nil
		}
		return nil, nil
	}
	return nil, &Error{Code: -32601, Message: "method not found"}
}

// accountInfoHex encodes an AccountInfo with the given balance fields (must fit in uint64).
func accountInfoHex(free, reserved, frozen uint64) string {
	raw := make([]byte, 16+4*16)
	binary.LittleEndian.PutUint32(raw[0:], 7) // nonce
	binary.LittleEndian.PutUint64(raw[16:], free)
	binary.LittleEndian.PutUint64(raw[32:], reserved)
	binary.LittleEndian.PutUint64(raw[48:], frozen)
	return "0x" + hex.EncodeToString(raw)
}
