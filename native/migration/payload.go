package migration

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// PayloadVersion is the continuation encoding version emitted by this build.
const PayloadVersion uint8 = 1

// Step names the point at which a bridged continuation resumes.
type Step uint8

const (
	// StepDepositCollateral resumes on the destination chain: deposit the
	// delivered collateral, borrow the debt asset and return it.
	StepDepositCollateral Step = 1
	// StepSettleBuffer resumes on the source chain: settle the buffer draw
	// with the delivered debt asset.
	StepSettleBuffer Step = 2
)

func (s Step) String() string {
	switch s {
	case StepDepositCollateral:
		return "deposit_collateral"
	case StepSettleBuffer:
		return "settle_buffer"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// Continuation is the resumption point carried in a bridge payload.
type Continuation struct {
	Key        Key
	Step       Step
	Owner      common.Address
	ToMarket   common.Address
	Asset      common.Address
	Amount     *big.Int
	DebtAsset  common.Address
	DebtAmount *big.Int
}

type continuationRLP struct {
	Version    uint8
	Key        common.Hash
	Step       uint8
	Owner      common.Address
	ToMarket   common.Address
	Asset      common.Address
	Amount     *uint256.Int
	DebtAsset  common.Address
	DebtAmount *uint256.Int
}

// EncodeContinuation serialises the continuation into an opaque payload.
func EncodeContinuation(c Continuation) ([]byte, error) {
	if c.Step != StepDepositCollateral && c.Step != StepSettleBuffer {
		return nil, fmt.Errorf("migration: unknown continuation step %d", c.Step)
	}
	amount, err := toU256(c.Amount)
	if err != nil {
		return nil, fmt.Errorf("migration: continuation amount: %w", err)
	}
	debt, err := toU256(c.DebtAmount)
	if err != nil {
		return nil, fmt.Errorf("migration: continuation debt amount: %w", err)
	}
	return rlp.EncodeToBytes(&continuationRLP{
		Version:    PayloadVersion,
		Key:        c.Key,
		Step:       uint8(c.Step),
		Owner:      c.Owner,
		ToMarket:   c.ToMarket,
		Asset:      c.Asset,
		Amount:     amount,
		DebtAsset:  c.DebtAsset,
		DebtAmount: debt,
	})
}

// DecodeContinuation parses a payload produced by EncodeContinuation.
func DecodeContinuation(payload []byte) (Continuation, error) {
	if len(payload) == 0 {
		return Continuation{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	var raw continuationRLP
	if err := rlp.DecodeBytes(payload, &raw); err != nil {
		return Continuation{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if raw.Version != PayloadVersion {
		return Continuation{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedPayload, raw.Version)
	}
	step := Step(raw.Step)
	if step != StepDepositCollateral && step != StepSettleBuffer {
		return Continuation{}, fmt.Errorf("%w: unknown step %d", ErrMalformedPayload, raw.Step)
	}
	return Continuation{
		Key:        raw.Key,
		Step:       step,
		Owner:      raw.Owner,
		ToMarket:   raw.ToMarket,
		Asset:      raw.Asset,
		Amount:     fromU256(raw.Amount),
		DebtAsset:  raw.DebtAsset,
		DebtAmount: fromU256(raw.DebtAmount),
	}, nil
}

func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value")
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("value exceeds 256 bits")
	}
	return out, nil
}

func fromU256(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
