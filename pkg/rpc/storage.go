package rpc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2b"
)

// Storage keys and value layouts for the two items the tracker reads. Only the fixed-width
// parts of the SCALE encoding are decoded.

// twox128 is the Substrate Twox128 hasher: two xxhash64 rounds (seed 0 and 1), little endian.
func twox128(s string) []byte {
	out := make([]byte, 16)
	for seed := uint64(0); seed < 2; seed++ {
		d := xxhash.NewWithSeed(seed)
		_, _ = d.WriteString(s)
		binary.LittleEndian.PutUint64(out[seed*8:], d.Sum64())
	}
	return out
}

// blake2128Concat is the Blake2_128Concat hasher: blake2b-128(data) followed by data.
func blake2128Concat(data []byte) []byte {
	h, _ := blake2b.New(16, nil)
	h.Write(data)
	return append(h.Sum(nil), data...)
}

func storagePrefix(pallet, item string) []byte {
	return append(twox128(pallet), twox128(item)...)
}

// TimestampNowKey is the storage key of Timestamp.Now.
func TimestampNowKey() string {
	return "0x" + hex.EncodeToString(storagePrefix("Timestamp", "Now"))
}

// SystemAccountKey is the storage key of System.Account for a 32 byte account id.
func SystemAccountKey(accountID [32]byte) string {
	key := append(storagePrefix("System", "Account"), blake2128Concat(accountID[:])...)
	return "0x" + hex.EncodeToString(key)
}

// DecodeHex strips an optional 0x prefix and decodes the rest.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

// DecodeMoment decodes a SCALE u64 (Timestamp.Now, unix millis).
func DecodeMoment(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("timestamp: expected 8 bytes, got %d", len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// accountInfo layout: nonce, consumers, providers, sufficients (u32 each), then
// AccountData { free, reserved, frozen, flags } (u128 each).
const (
	accountDataOffset = 16
	u128Size          = 16
)

// DecodeAccountInfo extracts free, reserved and frozen from a System.Account value.
func DecodeAccountInfo(raw []byte) (AccountBalance, error) {
	if len(raw) < accountDataOffset+3*u128Size {
		return AccountBalance{}, fmt.Errorf("account info: expected at least %d bytes, got %d",
			accountDataOffset+3*u128Size, len(raw))
	}
	field := func(i int) *uint256.Int {
		start := accountDataOffset + i*u128Size
		return leUint(raw[start : start+u128Size])
	}
	return AccountBalance{Free: field(0), Reserved: field(1), Frozen: field(2)}, nil
}

func leUint(le []byte) *uint256.Int {
	be := make([]byte, len(le))
	for i := range le {
		be[len(le)-1-i] = le[i]
	}
	return new(uint256.Int).SetBytes(be)
}
