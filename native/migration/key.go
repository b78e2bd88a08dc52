package migration

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// DeriveKey computes the deterministic migration identifier from the request
// identity and the owner nonce. The encoding matches abi.encodePacked over
// (address, address, address, address, address, uint256).
func DeriveKey(req Request, nonce uint64) Key {
	word := uint256.NewInt(nonce).Bytes32()
	return ethcrypto.Keccak256Hash(
		req.Owner[:],
		req.FromMarket[:],
		req.ToMarket[:],
		req.Asset[:],
		req.DebtAsset[:],
		word[:],
	)
}

// ParseKey decodes a 0x-prefixed hex key.
func ParseKey(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	decoded, err := hexutil.Decode(trimmed)
	if err != nil {
		return Key{}, fmt.Errorf("migration: decode key: %w", err)
	}
	if len(decoded) != common.HashLength {
		return Key{}, fmt.Errorf("migration: key must be %d bytes", common.HashLength)
	}
	return common.BytesToHash(decoded), nil
}
