package crypto

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	authorityDomain = []byte("spinwin/authority")
	vaultDomain     = []byte("spinwin/vault")
	secretDomain    = []byte("spinwin/secret")
)

// DeriveVaultAuthority returns the signing token controlling every vault
// account of an escrow instance. It is a pure function of the instance seed
// and bump nonce, so only the process holding the seed can reproduce it.
func DeriveVaultAuthority(seed []byte, nonce uint8) [32]byte {
	return ethcrypto.Keccak256Hash(authorityDomain, seed, []byte{nonce})
}

// DeriveVaultAccount returns the handle of the vault account holding the given
// mint for the supplied authority.
func DeriveVaultAccount(authority [32]byte, mint string) [20]byte {
	digest := ethcrypto.Keccak256(vaultDomain, authority[:], []byte(mint))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// AuthorityFromSecret maps an operator secret to the ledger authority token it
// controls.
func AuthorityFromSecret(secret string) [32]byte {
	return ethcrypto.Keccak256Hash(secretDomain, []byte(secret))
}
