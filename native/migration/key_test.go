package migration

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func keyRequest() Request {
	return Request{
		Owner:      common.HexToAddress("0xa1"),
		FromMarket: common.HexToAddress("0xa01"),
		ToMarket:   common.HexToAddress("0xa02"),
		Asset:      common.HexToAddress("0xcc"),
		Amount:     big.NewInt(100),
		DebtAsset:  common.HexToAddress("0xbb"),
		DebtAmount: big.NewInt(10),
		FromChain:  1,
		ToChain:    2,
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	req := keyRequest()
	if DeriveKey(req, 0) != DeriveKey(req, 0) {
		t.Fatalf("same input must derive the same key")
	}
	if DeriveKey(req, 0) == DeriveKey(req, 1) {
		t.Fatalf("nonce must change the key")
	}
	other := req
	other.Amount = big.NewInt(5)
	if DeriveKey(req, 0) != DeriveKey(other, 0) {
		t.Fatalf("amounts are not part of the identity")
	}
	other.ToMarket = common.HexToAddress("0xa03")
	if DeriveKey(req, 0) == DeriveKey(other, 0) {
		t.Fatalf("destination market is part of the identity")
	}
}

func TestParseKey(t *testing.T) {
	key := DeriveKey(keyRequest(), 3)
	parsed, err := ParseKey(" " + key.Hex() + " ")
	if err != nil || parsed != key {
		t.Fatalf("round trip failed: %v", err)
	}
	for _, raw := range []string{"", "abc", "0x1234", "0xzz"} {
		if _, err := ParseKey(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestRequestNormalizedDetachesAmounts(t *testing.T) {
	req := keyRequest()
	req.DebtAmount = nil
	norm := req.Normalized()
	if norm.DebtAmount == nil || norm.DebtAmount.Sign() != 0 {
		t.Fatalf("nil debt should normalise to zero")
	}
	norm.Amount.SetInt64(1)
	if req.Amount.Int64() != 100 {
		t.Fatalf("normalised copy must not alias the caller's amount")
	}
	if norm.HasDebt() {
		t.Fatalf("zero debt is no debt")
	}
}

func TestRequestValidate(t *testing.T) {
	cases := map[string]func(*Request){
		"zero amount":    func(r *Request) { r.Amount = big.NewInt(0) },
		"nil amount":     func(r *Request) { r.Amount = nil },
		"negative debt":  func(r *Request) { r.DebtAmount = big.NewInt(-1) },
		"debt no asset":  func(r *Request) { r.DebtAsset = common.Address{} },
		"same chain":     func(r *Request) { r.ToChain = r.FromChain },
		"no owner":       func(r *Request) { r.Owner = common.Address{} },
		"no asset":       func(r *Request) { r.Asset = common.Address{} },
		"no dest market": func(r *Request) { r.ToMarket = common.Address{} },
	}
	for name, mutate := range cases {
		req := keyRequest()
		mutate(&req)
		err := req.Validate()
		var pre *PreconditionError
		if !errors.As(err, &pre) || !errors.Is(err, ErrPrecondition) {
			t.Fatalf("%s: expected precondition error, got %v", name, err)
		}
	}

	req := keyRequest()
	req.DebtAmount = nil
	req.DebtAsset = common.Address{}
	if err := req.Validate(); err != nil {
		t.Fatalf("collateral-only request should validate: %v", err)
	}
}
