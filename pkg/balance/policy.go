package balance

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Policy selects which part of an account's state is reported as its balance.
type Policy string

const (
	// PolicyFree reports the free balance only.
	PolicyFree Policy = "free"
	// PolicyTotal reports free plus reserved.
	PolicyTotal Policy = "total"
	// PolicyTransferable reports free minus frozen, floored at zero.
	PolicyTransferable Policy = "transferable"
)

// ParsePolicy accepts a policy name, case-insensitive. Empty means PolicyFree.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFree:
		return PolicyFree, nil
	case PolicyTotal:
		return PolicyTotal, nil
	case PolicyTransferable:
		return PolicyTransferable, nil
	}
	return "", fmt.Errorf("unknown balance policy %q (want free, total or transferable)", s)
}

// Amount derives the reported balance in planck.
func (p Policy) Amount(s Snapshot) *uint256.Int {
	free := orZero(s.Free)
	switch p {
	case PolicyTotal:
		sum, overflow := new(uint256.Int).AddOverflow(free, orZero(s.Reserved))
		if overflow {
			return new(uint256.Int).SetAllOne()
		}
		return sum
	case PolicyTransferable:
		frozen := orZero(s.Frozen)
		if frozen.Gt(free) {
			return new(uint256.Int)
		}
		return new(uint256.Int).Sub(free, frozen)
	}
	return new(uint256.Int).Set(free)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// Units converts a planck amount into whole tokens with the given number of decimals.
func Units(planck *uint256.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(orZero(planck).ToBig(), -decimals)
}
