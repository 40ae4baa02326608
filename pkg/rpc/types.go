package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// --- Envelope types

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

func newRequest(id uint64, method string, params []any) request {
	if params == nil {
		params = []any{}
	}
	return request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// decodeResult moves a raw result into out. JSON null is reported as (false, nil).
func decodeResult(resp *response, out any) (bool, error) {
	if resp.Error != nil {
		return false, resp.Error
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return false, malformed("decode result: %v", err)
	}
	return true, nil
}

// --- Response types

// Header is the subset of a block header the tracker needs.
type Header struct {
	Number     HexNumber `json:"number"`
	ParentHash string    `json:"parentHash"`
}

// HexNumber is a 0x-prefixed quantity as used in Substrate headers.
type HexNumber uint64

func (n *HexNumber) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// some nodes send plain numbers
		var v uint64
		if err2 := json.Unmarshal(b, &v); err2 != nil {
			return fmt.Errorf("block number: %w", err)
		}
		*n = HexNumber(v)
		return nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("block number %q: %w", s, err)
	}
	*n = HexNumber(v)
	return nil
}

// RuntimeVersion is the answer of state_getRuntimeVersion.
type RuntimeVersion struct {
	SpecName           string `json:"specName"`
	SpecVersion        uint32 `json:"specVersion"`
	TransactionVersion uint32 `json:"transactionVersion"`
}

// ChainInfo describes the node the client talks to.
type ChainInfo struct {
	Chain       string
	SpecName    string
	Version     string
	GenesisHash string
}

func (c ChainInfo) String() string {
	return fmt.Sprintf("%s v%s", c.Chain, c.Version)
}

// AccountBalance holds the balance fields of System.Account in planck.
type AccountBalance struct {
	Free     *uint256.Int
	Reserved *uint256.Int
	Frozen   *uint256.Int
}

// ZeroBalance is what an account without on-chain state holds.
func ZeroBalance() AccountBalance {
	return AccountBalance{Free: new(uint256.Int), Reserved: new(uint256.Int), Frozen: new(uint256.Int)}
}
