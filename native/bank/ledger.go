package bank

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	"spinwin/crypto"
	"spinwin/storage"
)

var (
	ErrAccountNotFound   = errors.New("bank: account not found")
	ErrAccountExists     = errors.New("bank: account already open with different parameters")
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrMintMismatch      = errors.New("bank: mint mismatch")
	ErrBalanceOverflow   = errors.New("bank: balance overflow")
	ErrSelfTransfer      = errors.New("bank: source and destination are identical")
)

// ReceiptExistsError is returned when a receipt-guarded transfer was already
// applied.
type ReceiptExistsError struct {
	Receipt [32]byte
}

func (e *ReceiptExistsError) Error() string {
	return fmt.Sprintf("bank: receipt %x already recorded", e.Receipt[:8])
}

// ReceiptRecorded marks the error as a duplicate for callers that do not
// import this package.
func (e *ReceiptExistsError) ReceiptRecorded() bool { return true }

// UnauthorizedError is returned when a transfer is signed by an authority that
// does not own the source account.
type UnauthorizedError struct {
	Account [20]byte
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("bank: authority does not own %s", crypto.NewAddress(crypto.AccountPrefix, e.Account))
}

// AuthorityRejected marks the error as an authority failure for callers that
// do not import this package.
func (e *UnauthorizedError) AuthorityRejected() bool { return true }

var (
	accountPrefix = []byte("bank/account/")
	receiptPrefix = []byte("bank/receipt/")
)

func accountKey(handle [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", accountPrefix, handle))
}

func receiptKey(receipt [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", receiptPrefix, receipt))
}

// Account is a token account: a balance of a single mint, spendable only with
// the owner's authority.
type Account struct {
	Handle  [20]byte
	Owner   [32]byte
	Mint    string
	Balance *uint256.Int
}

type storedAccount struct {
	Owner   [32]byte
	Mint    string
	Balance []byte
}

// Ledger is a key/value backed token ledger. Every mutation holds the ledger
// mutex so a transfer reads and writes both accounts atomically with respect to
// other ledger calls.
type Ledger struct {
	mu       sync.Mutex
	db       storage.Database
	autoOpen bool
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithAutoOpen makes transfers open a missing destination account with the
// source mint and no owner. Such accounts can receive but never spend until an
// owner is assigned outside this ledger.
func WithAutoOpen() Option {
	return func(l *Ledger) { l.autoOpen = true }
}

// NewLedger constructs a ledger over db.
func NewLedger(db storage.Database, opts ...Option) *Ledger {
	l := &Ledger{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func normalizeMint(mint string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(norm.NFKC.String(mint)))
	if trimmed == "" {
		return "", fmt.Errorf("bank: mint required")
	}
	return trimmed, nil
}

func (l *Ledger) load(handle [20]byte) (*Account, error) {
	raw, err := l.db.Get(accountKey(handle))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("bank: decode account: %w", err)
	}
	return &Account{
		Handle:  handle,
		Owner:   stored.Owner,
		Mint:    stored.Mint,
		Balance: new(uint256.Int).SetBytes(stored.Balance),
	}, nil
}

func encodeAccount(acc *Account) ([]byte, error) {
	balance := acc.Balance
	if balance == nil {
		balance = new(uint256.Int)
	}
	return rlp.EncodeToBytes(&storedAccount{Owner: acc.Owner, Mint: acc.Mint, Balance: balance.Bytes()})
}

func (l *Ledger) store(acc *Account) error {
	encoded, err := encodeAccount(acc)
	if err != nil {
		return err
	}
	return l.db.Put(accountKey(acc.Handle), encoded)
}

// OpenAccount creates an empty account. Reopening with identical parameters is
// a no-op.
func (l *Ledger) OpenAccount(handle [20]byte, mint string, owner [32]byte) error {
	normalized, err := normalizeMint(mint)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, err := l.load(handle)
	switch {
	case err == nil:
		if existing.Mint != normalized || existing.Owner != owner {
			return ErrAccountExists
		}
		return nil
	case !errors.Is(err, ErrAccountNotFound):
		return err
	}
	return l.store(&Account{Handle: handle, Owner: owner, Mint: normalized, Balance: new(uint256.Int)})
}

// MintTo credits newly issued units to an existing account.
func (l *Ledger) MintTo(handle [20]byte, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.load(handle)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(acc.Balance, uint256.NewInt(amount))
	if overflow {
		return ErrBalanceOverflow
	}
	acc.Balance = next
	return l.store(acc)
}

// Account returns a copy of the stored account.
func (l *Ledger) Account(handle [20]byte) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(handle)
}

// Balance returns the account balance. Balances above the uint64 range are
// reported as an overflow.
func (l *Ledger) Balance(handle [20]byte) (uint64, error) {
	acc, err := l.Account(handle)
	if err != nil {
		return 0, err
	}
	if !acc.Balance.IsUint64() {
		return 0, ErrBalanceOverflow
	}
	return acc.Balance.Uint64(), nil
}

// Transfer moves amount units between two accounts of the same mint. The
// authority must own the source account. Both account records are committed in
// a single storage batch; zero amounts leave balances untouched.
func (l *Ledger) Transfer(from, to [20]byte, authority [32]byte, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, authority, amount, nil)
}

// TransferWithReceipt behaves like Transfer and records receipt in the same
// storage batch. A receipt that is already recorded fails the transfer with a
// ReceiptExistsError and moves nothing.
func (l *Ledger) TransferWithReceipt(receipt [32]byte, from, to [20]byte, authority [32]byte, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, err := l.db.Has(receiptKey(receipt))
	if err != nil {
		return err
	}
	if seen {
		return &ReceiptExistsError{Receipt: receipt}
	}
	return l.transfer(from, to, authority, amount, &receipt)
}

// HasReceipt reports whether receipt was recorded by TransferWithReceipt.
func (l *Ledger) HasReceipt(receipt [32]byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Has(receiptKey(receipt))
}

func (l *Ledger) transfer(from, to [20]byte, authority [32]byte, amount uint64, receipt *[32]byte) error {
	if from == to {
		return ErrSelfTransfer
	}
	src, err := l.load(from)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if src.Owner != authority || authority == ([32]byte{}) {
		return &UnauthorizedError{Account: from}
	}
	dst, err := l.load(to)
	switch {
	case errors.Is(err, ErrAccountNotFound) && l.autoOpen:
		dst = &Account{Handle: to, Mint: src.Mint, Balance: new(uint256.Int)}
	case err != nil:
		return fmt.Errorf("destination: %w", err)
	}
	if dst.Mint != src.Mint {
		return fmt.Errorf("%w: %s -> %s", ErrMintMismatch, src.Mint, dst.Mint)
	}
	batch := new(storage.Batch)
	if receipt != nil {
		batch.Put(receiptKey(*receipt), []byte{1})
	}
	if amount > 0 {
		units := uint256.NewInt(amount)
		if src.Balance.Lt(units) {
			return fmt.Errorf("%w: have %s, need %d", ErrInsufficientFunds, src.Balance.Dec(), amount)
		}
		credited, overflow := new(uint256.Int).AddOverflow(dst.Balance, units)
		if overflow {
			return ErrBalanceOverflow
		}
		src.Balance = new(uint256.Int).Sub(src.Balance, units)
		dst.Balance = credited
		for _, acc := range []*Account{src, dst} {
			encoded, err := encodeAccount(acc)
			if err != nil {
				return err
			}
			batch.Put(accountKey(acc.Handle), encoded)
		}
	}
	return l.db.Write(batch)
}
