package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix defines the human-readable prefixes used when rendering
// account handles.
type AddressPrefix string

const (
	AccountPrefix AddressPrefix = "spw"
	VaultPrefix   AddressPrefix = "spwv"
)

// Address is a 20-byte ledger account handle with a display prefix.
type Address struct {
	prefix AddressPrefix
	bytes  [20]byte
}

// NewAddress wraps a raw account handle.
func NewAddress(prefix AddressPrefix, b [20]byte) Address {
	return Address{prefix: prefix, bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		return hex.EncodeToString(a.bytes[:])
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		return hex.EncodeToString(a.bytes[:])
	}
	return encoded
}

// Bytes returns the raw handle.
func (a Address) Bytes() [20]byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// MarshalText renders the bech32 form so handles read naturally in JSON.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText accepts either the bech32 or the 0x-prefixed hex form.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DecodeAddress parses a bech32 encoded handle.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address must be 20 bytes, got %d", len(conv))
	}
	var raw [20]byte
	copy(raw[:], conv)
	return NewAddress(AddressPrefix(prefix), raw), nil
}

// ParseAddress accepts bech32 handles as well as raw 40 character hex with an
// optional 0x prefix. Hex input is tagged with AccountPrefix.
func ParseAddress(input string) (Address, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Address{}, fmt.Errorf("address required")
	}
	hexPart := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(hexPart) == 40 {
		if decoded, err := hex.DecodeString(hexPart); err == nil {
			var raw [20]byte
			copy(raw[:], decoded)
			return NewAddress(AccountPrefix, raw), nil
		}
	}
	return DecodeAddress(strings.ToLower(trimmed))
}
