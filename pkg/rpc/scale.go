package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

// scaleReader walks a SCALE encoded value. The first failure sticks; callers check err once at
// the end.
type scaleReader struct {
	b   []byte
	off int
	err error
}

func newScaleReader(b []byte) *scaleReader {
	return &scaleReader{b: b}
}

func (r *scaleReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("scale: need %d bytes at offset %d, have %d", n, r.off, len(r.b)-r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *scaleReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *scaleReader) u128() *uint256.Int {
	b := r.take(u128Size)
	if b == nil {
		return new(uint256.Int)
	}
	return leUint(b)
}

func (r *scaleReader) boolean() bool {
	b := r.take(1)
	return b != nil && b[0] == 1
}

func (r *scaleReader) accountID() [32]byte {
	var id [32]byte
	copy(id[:], r.take(32))
	return id
}

// compact decodes a Compact<uN> of up to 256 bits.
func (r *scaleReader) compact() *uint256.Int {
	first := r.take(1)
	if first == nil {
		return new(uint256.Int)
	}
	switch first[0] & 0b11 {
	case 0b00:
		return uint256.NewInt(uint64(first[0] >> 2))
	case 0b01:
		rest := r.take(1)
		if rest == nil {
			return new(uint256.Int)
		}
		return uint256.NewInt(uint64(binary.LittleEndian.Uint16([]byte{first[0], rest[0]}) >> 2))
	case 0b10:
		rest := r.take(3)
		if rest == nil {
			return new(uint256.Int)
		}
		return uint256.NewInt(uint64(binary.LittleEndian.Uint32(append([]byte{first[0]}, rest...)) >> 2))
	}
	n := int(first[0]>>2) + 4
	if n > 32 {
		r.err = fmt.Errorf("scale: compact of %d bytes", n)
		return new(uint256.Int)
	}
	b := r.take(n)
	if b == nil {
		return new(uint256.Int)
	}
	return leUint(b)
}

// length decodes a Compact<u32> collection length.
func (r *scaleReader) length() int {
	v := r.compact()
	if r.err == nil && (!v.IsUint64() || v.Uint64() > uint64(len(r.b))) {
		r.err = fmt.Errorf("scale: length %s exceeds input", v.Dec())
		return 0
	}
	return int(v.Uint64())
}
