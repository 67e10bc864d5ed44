package spinwin

import (
	"fmt"

	"spinwin/crypto"
)

// Ledger is the token ledger capability the escrow relies on. Transfers move
// amount units from one account to another and must be signed by the source
// account's authority.
type Ledger interface {
	Transfer(from, to [20]byte, authority [32]byte, amount uint64) error
	Balance(account [20]byte) (uint64, error)
}

// ReceiptLedger is a Ledger that can commit a transfer together with a
// receipt marker and refuses to apply the same receipt twice. Releases in
// SettleRecorded mode use it when available so a settlement survives a crash
// between the ledger commit and the next snapshot.
type ReceiptLedger interface {
	Ledger
	TransferWithReceipt(receipt [32]byte, from, to [20]byte, authority [32]byte, amount uint64) error
	HasReceipt(receipt [32]byte) (bool, error)
}

// EscrowVault custodies deposited rewards. Every vault account is owned by the
// vault authority, which only the engine holds.
type EscrowVault struct {
	ledger    Ledger
	authority [32]byte
	custody   map[int]uint64
	orphaned  map[string]uint64
}

// VaultView is a read-only copy of the vault bookkeeping.
type VaultView struct {
	Custody  map[int]uint64
	Orphaned map[string]uint64
}

func newEscrowVault(ledger Ledger, authority [32]byte) *EscrowVault {
	return &EscrowVault{
		ledger:    ledger,
		authority: authority,
		custody:   make(map[int]uint64),
		orphaned:  make(map[string]uint64),
	}
}

// Account returns the vault account holding mint.
func (v *EscrowVault) Account(mint string) [20]byte {
	return crypto.DeriveVaultAccount(v.authority, mint)
}

// Deposit moves units of mint from the funding account into vault custody,
// signed by the funder's authority.
func (v *EscrowVault) Deposit(from [20]byte, mint string, units uint64, authority [32]byte) error {
	if v.ledger == nil {
		return ErrNilLedger
	}
	if err := v.ledger.Transfer(from, v.Account(mint), authority, units); err != nil {
		return fmt.Errorf("%w: deposit %d %s: %w", ErrTransferFailed, units, mint, err)
	}
	return nil
}

// Release pays the entry's units out of custody to destination using the
// vault's own authority. A non-nil receipt is committed with the transfer when
// the ledger supports receipts; a receipt already on the ledger yields
// ErrAlreadySettled and moves nothing.
func (v *EscrowVault) Release(index int, entry RewardEntry, destination [20]byte, receipt *[32]byte) error {
	if v.ledger == nil {
		return ErrNilLedger
	}
	if v.authority == ([32]byte{}) {
		return ErrAuthorityMismatch
	}
	units := entry.Reward.Units()
	from := v.Account(entry.Mint)
	var err error
	if rl, ok := v.ledger.(ReceiptLedger); ok && receipt != nil {
		err = rl.TransferWithReceipt(*receipt, from, destination, v.authority, units)
	} else {
		err = v.ledger.Transfer(from, destination, v.authority, units)
	}
	if err != nil {
		switch {
		case receiptRecorded(err):
			return fmt.Errorf("%w: %w", ErrAlreadySettled, err)
		case authorityRejected(err):
			return fmt.Errorf("%w: %w", ErrAuthorityMismatch, err)
		}
		return fmt.Errorf("%w: release %d %s: %w", ErrTransferFailed, units, entry.Mint, err)
	}
	v.consume(index, units)
	return nil
}

// receiptApplied reports whether receipt is already on the ledger. Ledgers
// without receipt support never report one.
func (v *EscrowVault) receiptApplied(receipt [32]byte) (bool, error) {
	rl, ok := v.ledger.(ReceiptLedger)
	if !ok {
		return false, nil
	}
	return rl.HasReceipt(receipt)
}

// consume lowers the custody of index by units.
func (v *EscrowVault) consume(index int, units uint64) {
	if held := v.custody[index]; held > units {
		v.custody[index] = held - units
	} else {
		delete(v.custody, index)
	}
}

// Balance queries the ledger for the vault account of mint.
func (v *EscrowVault) Balance(mint string) (uint64, error) {
	if v.ledger == nil {
		return 0, ErrNilLedger
	}
	return v.ledger.Balance(v.Account(mint))
}

// Custody returns the units recorded against a catalogue index.
func (v *EscrowVault) Custody(index int) uint64 { return v.custody[index] }

// Orphaned returns the units left in custody by overwritten entries of mint.
func (v *EscrowVault) Orphaned(mint string) uint64 { return v.orphaned[mint] }

func (v *EscrowVault) credit(index int, units uint64) {
	v.custody[index] += units
}

// orphan moves whatever custody the slot held to the per-mint orphan tally.
func (v *EscrowVault) orphan(index int, mint string) {
	held, ok := v.custody[index]
	if !ok {
		return
	}
	delete(v.custody, index)
	if held > 0 {
		v.orphaned[mint] += held
	}
}

func (v *EscrowVault) view() VaultView {
	out := VaultView{
		Custody:  make(map[int]uint64, len(v.custody)),
		Orphaned: make(map[string]uint64, len(v.orphaned)),
	}
	for k, val := range v.custody {
		out.Custody[k] = val
	}
	for k, val := range v.orphaned {
		out.Orphaned[k] = val
	}
	return out
}
