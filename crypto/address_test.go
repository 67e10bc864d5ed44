package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	var raw [20]byte
	copy(raw[:], bytes.Repeat([]byte{0x42}, 20))
	addr := NewAddress(AccountPrefix, raw)
	encoded := addr.String()
	if !strings.HasPrefix(encoded, "spw1") {
		t.Fatalf("unexpected encoding %s", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Bytes() != raw || decoded.Prefix() != AccountPrefix {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestParseAddressAcceptsHex(t *testing.T) {
	parsed, err := ParseAddress("0x" + strings.Repeat("ab", 20))
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if parsed.Bytes()[0] != 0xab || parsed.Prefix() != AccountPrefix {
		t.Fatalf("unexpected parse result %+v", parsed)
	}
	if _, err := ParseAddress(""); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := ParseAddress("not-an-address"); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}

func TestAddressTextMarshalling(t *testing.T) {
	var raw [20]byte
	raw[19] = 7
	addr := NewAddress(VaultPrefix, raw)
	text, err := addr.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Address
	if err := out.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Bytes() != raw {
		t.Fatalf("expected %x, got %x", raw, out.Bytes())
	}
}

func TestDerivationIsDeterministic(t *testing.T) {
	a := DeriveVaultAuthority([]byte("seed"), 254)
	b := DeriveVaultAuthority([]byte("seed"), 254)
	if a != b {
		t.Fatalf("authority derivation not deterministic")
	}
	if a == DeriveVaultAuthority([]byte("seed"), 253) {
		t.Fatalf("nonce must influence the authority")
	}
	if DeriveVaultAccount(a, "GOLD") == DeriveVaultAccount(a, "GEMS") {
		t.Fatalf("vault accounts must differ per mint")
	}
	if AuthorityFromSecret("x") == AuthorityFromSecret("y") {
		t.Fatalf("secrets must map to distinct authorities")
	}
}
