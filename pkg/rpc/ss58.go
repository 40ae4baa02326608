package rpc

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/blake2b"
)

var ss58Prefix = []byte("SS58PRE")

// AccountID decodes an SS58 address (any network prefix) or a 0x-prefixed 32 byte hex id.
func AccountID(address string) ([32]byte, error) {
	var id [32]byte
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "0x") {
		raw, err := DecodeHex(address)
		if err != nil {
			return id, err
		}
		if len(raw) != 32 {
			return id, fmt.Errorf("account id %q: expected 32 bytes, got %d", address, len(raw))
		}
		copy(id[:], raw)
		return id, nil
	}

	raw := base58.Decode(address)
	if len(raw) == 0 {
		return id, fmt.Errorf("address %q is not valid base58", address)
	}
	prefixLen := 1
	if raw[0]&0x40 != 0 {
		prefixLen = 2
	}
	if len(raw) != prefixLen+32+2 {
		return id, fmt.Errorf("address %q: unexpected length %d", address, len(raw))
	}
	body := raw[:prefixLen+32]
	sum := blake2b.Sum512(append(append([]byte{}, ss58Prefix...), body...))
	if !bytes.Equal(sum[:2], raw[prefixLen+32:]) {
		return id, fmt.Errorf("address %q: checksum mismatch", address)
	}
	copy(id[:], body[prefixLen:])
	return id, nil
}

// EncodeSS58 renders a 32 byte account id with a one byte network prefix (< 64).
func EncodeSS58(id [32]byte, network byte) string {
	body := append([]byte{network}, id[:]...)
	sum := blake2b.Sum512(append(append([]byte{}, ss58Prefix...), body...))
	return base58.Encode(append(body, sum[:2]...))
}
