package spinwin

import "errors"

var (
	// ErrCapacityExceeded is returned when a bounded catalogue is full.
	ErrCapacityExceeded = errors.New("spinwin: catalogue capacity exceeded")
	// ErrIndexOutOfRange marks an entry or result index outside the catalogue.
	ErrIndexOutOfRange = errors.New("spinwin: index out of range")
	// ErrTransferFailed wraps any ledger rejection of a deposit or release.
	ErrTransferFailed = errors.New("spinwin: transfer failed")
	// ErrAuthorityMismatch is returned when the vault authority cannot sign a
	// release.
	ErrAuthorityMismatch = errors.New("spinwin: vault authority mismatch")

	ErrInvalidRatio        = errors.New("spinwin: ratio must be within [0,100]")
	ErrInvalidReward       = errors.New("spinwin: invalid reward")
	ErrInvalidMint         = errors.New("spinwin: invalid mint")
	ErrRatioBudgetExceeded = errors.New("spinwin: cumulative ratio exceeds 100")
	ErrNotSpun             = errors.New("spinwin: no spin result recorded")
	ErrAlreadySettled      = errors.New("spinwin: spin result already settled")
	ErrResultMismatch      = errors.New("spinwin: settlement index differs from recorded result")
	ErrNilLedger           = errors.New("spinwin: ledger not configured")
	ErrEntropyUnavailable  = errors.New("spinwin: entropy source failed")
	// ErrDestinationMismatch is returned when a settlement names a payee other
	// than the one fixed by the spin.
	ErrDestinationMismatch = errors.New("spinwin: destination differs from the spin's payee")
	// ErrNoDestination is returned by Claim when the spin fixed no payee.
	ErrNoDestination = errors.New("spinwin: spin recorded no destination")
)

// authorityRejecter is implemented by ledger errors that refuse the signing
// authority of a transfer.
type authorityRejecter interface {
	AuthorityRejected() bool
}

func authorityRejected(err error) bool {
	var rejecter authorityRejecter
	if errors.As(err, &rejecter) {
		return rejecter.AuthorityRejected()
	}
	return false
}

// receiptRecorder is implemented by ledger errors reporting that a
// receipt-guarded transfer was already applied.
type receiptRecorder interface {
	ReceiptRecorded() bool
}

func receiptRecorded(err error) bool {
	var recorder receiptRecorder
	if errors.As(err, &recorder) {
		return recorder.ReceiptRecorded()
	}
	return false
}
