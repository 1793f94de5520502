package common

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/colorfulnotion/certchain/certerrors"
	ethereumCommon "github.com/ethereum/go-ethereum/common"
)

// HashLength is the size of every hash the registry stores.
const HashLength = ethereumCommon.HashLength

// Hash is a custom type based on Ethereum's common.Hash
type Hash ethereumCommon.Hash

// Address is a custom type based on Ethereum's common.Address
type Address ethereumCommon.Address

var hashShape = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Bytes returns the byte representation of the hash.
func (h Hash) Bytes() []byte {
	return ethereumCommon.Hash(h).Bytes()
}

// Hex returns the 0x-prefixed lowercase hex form of the hash.
func (h Hash) Hex() string {
	return ethereumCommon.Hash(h).Hex()
}

// String returns the string representation of the hash.
func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) String_short() string {
	return fmt.Sprintf("%s..%s", h.Hex()[2:6], h.Hex()[62:66])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// BytesToHash converts a byte slice to a Hash.
func BytesToHash(b []byte) Hash {
	return Hash(ethereumCommon.BytesToHash(b))
}

// HexToHash converts a hexadecimal string to a Hash without validating its shape.
func HexToHash(s string) Hash {
	return Hash(ethereumCommon.HexToHash(s))
}

// IsHashShape reports whether s is 0x followed by exactly 64 hex digits.
func IsHashShape(s string) bool {
	return hashShape.MatchString(s)
}

// ParseHash accepts only the 0x + 64 hex form. Anything else is a
// certerrors.ErrValidation.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if !IsHashShape(s) {
		return Hash{}, fmt.Errorf("%w: malformed hash %q, want 0x followed by 64 hex digits", certerrors.ErrValidation, s)
	}
	return HexToHash(s), nil
}

func Bytes2Hex(d []byte) string {
	return "0x" + ethereumCommon.Bytes2Hex(d)
}

func FromHex(b string) []byte {
	return ethereumCommon.FromHex(b)
}

// MarshalJSON custom marshaler to convert Hash to hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON accepts only the shape ParseHash accepts.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	parsed, err := ParseHash(hexStr)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Bytes returns the byte representation of the address.
func (a Address) Bytes() []byte {
	return ethereumCommon.Address(a).Bytes()
}

// Hex returns the checksummed hex form of the address.
func (a Address) Hex() string {
	return ethereumCommon.Address(a).Hex()
}

// String returns the string representation of the address.
func (a Address) String() string {
	return a.Hex()
}

// HexToAddress converts a hexadecimal string to an Address.
func HexToAddress(s string) Address {
	return Address(ethereumCommon.HexToAddress(s))
}

// BytesToAddress converts a byte slice to an Address.
func BytesToAddress(b []byte) Address {
	return Address(ethereumCommon.BytesToAddress(b))
}

// IsHexAddress reports whether s is a 20-byte hex address, with or without 0x.
func IsHexAddress(s string) bool {
	return ethereumCommon.IsHexAddress(s)
}

// MarshalJSON custom marshaler to convert Address to hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Hex())
}

// UnmarshalJSON custom unmarshaler to handle hex strings for Address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	*a = HexToAddress(hexStr)
	return nil
}

// GetEVMDevAccount returns a standard Hardhat/Anvil test account by index
// These are derived from the mnemonic: "test test test test test test test test test test test junk"
// Returns the address and private key (without 0x prefix) for the account at index % 3
func GetEVMDevAccount(index int) (Address, string) {
	addresses := []Address{
		HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), // Account #0
		HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), // Account #1
		HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"), // Account #2
	}
	privateKeys := []string{
		"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account #0
		"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account #1
		"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account #2
	}
	return addresses[index%3], privateKeys[index%3]
}
