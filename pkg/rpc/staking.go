package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/uint256"
)

// Staking storage read by the reward tracker. Every era keyed map uses Twox64Concat.

// PerbillUnit is one whole in Perbill parts.
const PerbillUnit = 1_000_000_000

// Stake is the exposure of one staker behind a validator.
type Stake struct {
	Who   [32]byte
	Value *uint256.Int
}

// ValidatorPayout is everything needed to split one validator's share of an era payout.
type ValidatorPayout struct {
	Validator  [32]byte
	Points     uint32
	Commission uint32 // Perbill
	Total      *uint256.Int
	Own        *uint256.Int
	Nominators []Stake
}

// EraPayout is the reward of one finished era and how it is spread over validators.
type EraPayout struct {
	Era         uint32
	Reward      *uint256.Int
	TotalPoints uint32
	Validators  []ValidatorPayout
}

// exposureOverview is PagedExposureMetadata.
type exposureOverview struct {
	Total     *uint256.Int
	Own       *uint256.Int
	Nominator uint32
	Pages     uint32
}

func twox64Concat(data []byte) []byte {
	out := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint64(out, xxhash.Sum64(data))
	return append(out, data...)
}

func eraBytes(era uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, era)
}

func stakingKey(item string, parts ...[]byte) string {
	key := storagePrefix("Staking", item)
	for _, p := range parts {
		key = append(key, twox64Concat(p)...)
	}
	return "0x" + hex.EncodeToString(key)
}

// ActiveEraKey is the storage key of Staking.ActiveEra.
func ActiveEraKey() string { return stakingKey("ActiveEra") }

// ErasValidatorRewardKey is the storage key of Staking.ErasValidatorReward(era).
func ErasValidatorRewardKey(era uint32) string {
	return stakingKey("ErasValidatorReward", eraBytes(era))
}

// ErasRewardPointsKey is the storage key of Staking.ErasRewardPoints(era).
func ErasRewardPointsKey(era uint32) string {
	return stakingKey("ErasRewardPoints", eraBytes(era))
}

// ErasValidatorPrefsKey is the storage key of Staking.ErasValidatorPrefs(era, validator).
func ErasValidatorPrefsKey(era uint32, validator [32]byte) string {
	return stakingKey("ErasValidatorPrefs", eraBytes(era), validator[:])
}

// ErasStakersOverviewKey is the storage key of Staking.ErasStakersOverview(era, validator).
func ErasStakersOverviewKey(era uint32, validator [32]byte) string {
	return stakingKey("ErasStakersOverview", eraBytes(era), validator[:])
}

// ErasStakersPagedKey is the storage key of Staking.ErasStakersPaged(era, validator, page).
func ErasStakersPagedKey(era uint32, validator [32]byte, page uint32) string {
	return stakingKey("ErasStakersPaged", eraBytes(era), validator[:], binary.LittleEndian.AppendUint32(nil, page))
}

// ErasStakersClippedKey is the storage key of the pre-paging Staking.ErasStakersClipped.
func ErasStakersClippedKey(era uint32, validator [32]byte) string {
	return stakingKey("ErasStakersClipped", eraBytes(era), validator[:])
}

// DecodeActiveEra reads the index of an ActiveEraInfo.
func DecodeActiveEra(raw []byte) (uint32, error) {
	r := newScaleReader(raw)
	era := r.u32()
	return era, r.err
}

// DecodeBalance reads a u128 balance.
func DecodeBalance(raw []byte) (*uint256.Int, error) {
	r := newScaleReader(raw)
	v := r.u128()
	return v, r.err
}

// DecodeRewardPoints reads an EraRewardPoints: the total and the points per validator.
func DecodeRewardPoints(raw []byte) (uint32, map[[32]byte]uint32, error) {
	r := newScaleReader(raw)
	total := r.u32()
	n := r.length()
	points := make(map[[32]byte]uint32, n)
	for i := 0; i < n && r.err == nil; i++ {
		id := r.accountID()
		points[id] = r.u32()
	}
	return total, points, r.err
}

// DecodeValidatorPrefs reads the commission (Perbill) of a ValidatorPrefs.
func DecodeValidatorPrefs(raw []byte) (uint32, error) {
	r := newScaleReader(raw)
	c := r.compact()
	_ = r.boolean()
	if r.err == nil && (!c.IsUint64() || c.Uint64() > PerbillUnit) {
		return 0, fmt.Errorf("commission %s out of range", c.Dec())
	}
	return uint32(c.Uint64()), r.err
}

func decodeExposureOverview(raw []byte) (exposureOverview, error) {
	r := newScaleReader(raw)
	o := exposureOverview{Total: r.compact(), Own: r.compact()}
	o.Nominator = r.u32()
	o.Pages = r.u32()
	return o, r.err
}

func (r *scaleReader) stakes() []Stake {
	n := r.length()
	out := make([]Stake, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, Stake{Who: r.accountID(), Value: r.compact()})
	}
	return out
}

// decodeExposurePage reads an ExposurePage and returns its stakers.
func decodeExposurePage(raw []byte) ([]Stake, error) {
	r := newScaleReader(raw)
	_ = r.compact() // page total
	others := r.stakes()
	return others, r.err
}

// decodeExposure reads a legacy Exposure { total, own, others }.
func decodeExposure(raw []byte) (exposureOverview, []Stake, error) {
	r := newScaleReader(raw)
	o := exposureOverview{Total: r.compact(), Own: r.compact()}
	others := r.stakes()
	return o, others, r.err
}

// ActiveEra returns the active era index as of the block.
func (c *Client) ActiveEra(ctx context.Context, hash string) (uint32, error) {
	raw, found, err := c.storage(ctx, "active era", ActiveEraKey(), hash)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("active era at %s: %w", hash, ErrNotFound)
	}
	era, err := DecodeActiveEra(raw)
	if err != nil {
		return 0, malformed("%v", err)
	}
	return era, nil
}

// EraPayout reads the payout of a finished era from the state at hash. An era without a
// recorded reward yields a zero payout and no validators.
func (c *Client) EraPayout(ctx context.Context, era uint32, hash string) (EraPayout, error) {
	out := EraPayout{Era: era, Reward: new(uint256.Int)}
	op := fmt.Sprintf("era %d", era)

	raw, found, err := c.storage(ctx, op+" reward", ErasValidatorRewardKey(era), hash)
	if err != nil || !found {
		return out, err
	}
	if out.Reward, err = DecodeBalance(raw); err != nil {
		return out, malformed("%v", err)
	}

	raw, found, err = c.storage(ctx, op+" points", ErasRewardPointsKey(era), hash)
	if err != nil || !found {
		return out, err
	}
	total, points, err := DecodeRewardPoints(raw)
	if err != nil {
		return out, malformed("%v", err)
	}
	out.TotalPoints = total

	for id, p := range points {
		if p == 0 {
			continue
		}
		v, err := c.validatorPayout(ctx, era, id, hash)
		if err != nil {
			return out, err
		}
		if v == nil {
			continue
		}
		v.Points = p
		out.Validators = append(out.Validators, *v)
	}
	sort.Slice(out.Validators, func(i, j int) bool {
		return bytes.Compare(out.Validators[i].Validator[:], out.Validators[j].Validator[:]) < 0
	})
	return out, nil
}

func (c *Client) validatorPayout(ctx context.Context, era uint32, id [32]byte, hash string) (*ValidatorPayout, error) {
	op := fmt.Sprintf("era %d validator %s", era, shortAddress(EncodeSS58(id, 42)))
	v := &ValidatorPayout{Validator: id}

	raw, found, err := c.storage(ctx, op+" prefs", ErasValidatorPrefsKey(era, id), hash)
	if err != nil {
		return nil, err
	}
	if found {
		if v.Commission, err = DecodeValidatorPrefs(raw); err != nil {
			return nil, malformed("%v", err)
		}
	}

	raw, found, err = c.storage(ctx, op+" overview", ErasStakersOverviewKey(era, id), hash)
	if err != nil {
		return nil, err
	}
	if found {
		o, err := decodeExposureOverview(raw)
		if err != nil {
			return nil, malformed("%v", err)
		}
		v.Total, v.Own = o.Total, o.Own
		for page := uint32(0); page < o.Pages; page++ {
			raw, found, err := c.storage(ctx, op+" page", ErasStakersPagedKey(era, id, page), hash)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			others, err := decodeExposurePage(raw)
			if err != nil {
				return nil, malformed("%v", err)
			}
			v.Nominators = append(v.Nominators, others...)
		}
		return v, nil
	}

	raw, found, err = c.storage(ctx, op+" exposure", ErasStakersClippedKey(era, id), hash)
	if err != nil || !found {
		return nil, err
	}
	o, others, err := decodeExposure(raw)
	if err != nil {
		return nil, malformed("%v", err)
	}
	v.Total, v.Own, v.Nominators = o.Total, o.Own, others
	return v, nil
}
