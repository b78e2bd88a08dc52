package migration

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

func sampleContinuation() Continuation {
	return Continuation{
		Key:        common.HexToHash("0xabc"),
		Step:       StepDepositCollateral,
		Owner:      common.HexToAddress("0x01"),
		ToMarket:   common.HexToAddress("0x02"),
		Asset:      common.HexToAddress("0x03"),
		Amount:     new(big.Int).Lsh(big.NewInt(1), 200),
		DebtAsset:  common.HexToAddress("0x04"),
		DebtAmount: big.NewInt(10),
	}
}

func TestContinuationRoundTrip(t *testing.T) {
	in := sampleContinuation()
	payload, err := EncodeContinuation(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeContinuation(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Key != in.Key || out.Step != in.Step || out.Owner != in.Owner || out.ToMarket != in.ToMarket {
		t.Fatalf("identity fields differ: %+v", out)
	}
	if out.Amount.Cmp(in.Amount) != 0 || out.DebtAmount.Cmp(in.DebtAmount) != 0 {
		t.Fatalf("amounts differ: %s %s", out.Amount, out.DebtAmount)
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	c := sampleContinuation()
	c.Amount = new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := EncodeContinuation(c); err == nil {
		t.Fatalf("expected overflow error")
	}
	c = sampleContinuation()
	c.DebtAmount = big.NewInt(-1)
	if _, err := EncodeContinuation(c); err == nil {
		t.Fatalf("expected negative amount error")
	}
	c = sampleContinuation()
	c.Step = 9
	if _, err := EncodeContinuation(c); err == nil {
		t.Fatalf("expected unknown step error")
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	wrongVersion, err := rlp.EncodeToBytes(&continuationRLP{Version: PayloadVersion + 1, Step: uint8(StepSettleBuffer)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wrongStep, err := rlp.EncodeToBytes(&continuationRLP{Version: PayloadVersion, Step: 7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for name, payload := range map[string][]byte{
		"empty":   nil,
		"garbage": {0xde, 0xad, 0xbe, 0xef},
		"version": wrongVersion,
		"step":    wrongStep,
	} {
		if _, err := DecodeContinuation(payload); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("%s: expected malformed payload, got %v", name, err)
		}
	}
}

func TestStepString(t *testing.T) {
	if StepSettleBuffer.String() != "settle_buffer" || Step(9).String() != "step(9)" {
		t.Fatalf("unexpected step names")
	}
}
