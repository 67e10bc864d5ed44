package spinwin

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"spinwin/core/events"
)

// SettlementMode selects how a settlement picks the entry it pays.
type SettlementMode uint8

const (
	// SettleRecorded pays only the result recorded by the last spin, once.
	SettleRecorded SettlementMode = iota
	// SettleCallerIndex pays whichever index the caller names, with no replay
	// guard.
	SettleCallerIndex
)

func (m SettlementMode) String() string {
	switch m {
	case SettleRecorded:
		return "recorded"
	case SettleCallerIndex:
		return "caller-index"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseSettlementMode maps configuration strings to a mode.
func ParseSettlementMode(raw string) (SettlementMode, error) {
	switch raw {
	case "", "recorded":
		return SettleRecorded, nil
	case "caller-index", "caller_index", "literal":
		return SettleCallerIndex, nil
	default:
		return 0, fmt.Errorf("spinwin: unknown settlement mode %q", raw)
	}
}

// Config carries the construction parameters of an escrow instance.
type Config struct {
	// Capacity bounds the catalogue; 0 leaves it unbounded.
	Capacity int
	// Nonce is the vault bump stored alongside the session.
	Nonce uint8
	// VaultAuthority signs every release out of the vault.
	VaultAuthority [32]byte
	Mode           SettlementMode
	// EnforceRatioBudget rejects catalogue writes that push the ratio sum
	// above MaxRatio.
	EnforceRatioBudget bool
}

// Engine is one escrow instance: the reward catalogue, the spin session and
// the vault, guarded by a single mutex so every operation observes a
// consistent prior state and applies atomically.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	catalogue *RewardCatalogue
	vault     *EscrowVault
	state     SpinState
	entropy   EntropySource
	emitter   events.Emitter
	nowFn     func() int64
}

// NewEngine creates an escrow instance over the supplied ledger. The entropy
// source defaults to the wall clock.
func NewEngine(cfg Config, ledger Ledger) *Engine {
	return &Engine{
		cfg:       cfg,
		catalogue: NewRewardCatalogue(cfg.Capacity),
		vault:     newEscrowVault(ledger, cfg.VaultAuthority),
		state:     SpinState{Nonce: cfg.Nonce},
		entropy:   NewClockEntropy(nil),
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetEntropy swaps the entropy source. Passing nil restores the clock source.
func (e *Engine) SetEntropy(source EntropySource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if source == nil {
		source = NewClockEntropy(nil)
	}
	e.entropy = source
}

// SetEmitter configures the event emitter used by the engine. Events are
// emitted while the instance lock is held, so emitters must not call back into
// the engine. Passing nil resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the timestamp source used for spin and settlement
// records.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt engineEvent) {
	if e.emitter == nil || evt.evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Mode returns the configured settlement mode.
func (e *Engine) Mode() SettlementMode { return e.cfg.Mode }

// Add appends a reward entry and deposits its units from source into the
// vault, signed by authority. A failed deposit leaves the catalogue unchanged.
func (e *Engine) Add(ratio uint8, reward Reward, mint string, source [20]byte, authority [32]byte) (int, error) {
	entry, err := newEntry(ratio, reward, mint, source)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.catalogue.checkAppend(); err != nil {
		return 0, err
	}
	if e.cfg.EnforceRatioBudget && e.catalogue.TotalRatioWith(e.catalogue.Len(), ratio) > MaxRatio {
		return 0, ErrRatioBudgetExceeded
	}
	units := entry.Reward.Units()
	if err := e.vault.Deposit(source, entry.Mint, units, authority); err != nil {
		return 0, err
	}
	index := e.catalogue.append(entry)
	e.vault.credit(index, units)
	e.emit(engineEvent{evt: NewEntryAddedEvent(index, entry)})
	return index, nil
}

// Update overwrites slot index with a new entry and deposits its units. Custody
// still held for the previous occupant is not returned; it is tracked as
// orphaned for the previous mint.
func (e *Engine) Update(index int, ratio uint8, reward Reward, mint string, source [20]byte, authority [32]byte) error {
	entry, err := newEntry(ratio, reward, mint, source)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.catalogue.checkWrite(index); err != nil {
		return err
	}
	if e.cfg.EnforceRatioBudget && e.catalogue.TotalRatioWith(index, ratio) > MaxRatio {
		return ErrRatioBudgetExceeded
	}
	units := entry.Reward.Units()
	if err := e.vault.Deposit(source, entry.Mint, units, authority); err != nil {
		return err
	}
	previous, replaced := e.catalogue.put(index, entry)
	var orphaned uint64
	if replaced {
		orphaned = e.vault.Custody(index)
		e.vault.orphan(index, previous.Mint)
	}
	e.vault.credit(index, units)
	if replaced {
		e.emit(engineEvent{evt: NewEntryUpdatedEvent(index, entry, previous, orphaned)})
	} else {
		e.emit(engineEvent{evt: NewEntryAddedEvent(index, entry)})
	}
	return nil
}

// Get returns the entry at index.
func (e *Engine) Get(index int) (RewardEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalogue.Get(index)
}

// Entries returns a copy of the catalogue.
func (e *Engine) Entries() []RewardEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalogue.Entries()
}

// TotalRatio returns the current ratio sum of the catalogue.
func (e *Engine) TotalRatio() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalogue.TotalRatio()
}

// Capacity returns the catalogue slot limit, or 0 when unbounded.
func (e *Engine) Capacity() int { return e.catalogue.Capacity() }

// State returns a copy of the session record.
func (e *Engine) State() SpinState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Vault returns a copy of the custody bookkeeping.
func (e *Engine) Vault() VaultView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.view()
}

// VaultAccount returns the vault account holding mint.
func (e *Engine) VaultAccount(mint string) ([20]byte, error) {
	normalized, err := NormalizeMint(mint)
	if err != nil {
		return [20]byte{}, err
	}
	return e.vault.Account(normalized), nil
}

// VaultBalance queries the ledger balance of the vault account holding mint.
func (e *Engine) VaultBalance(mint string) (uint64, error) {
	normalized, err := NormalizeMint(mint)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.Balance(normalized)
}

// Spin draws an entry using the configured entropy source and records it as
// the session result. No funds move and no payee is fixed, so any destination
// may later settle it.
func (e *Engine) Spin() (*SpinResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spinLocked(nil)
}

// SpinFor behaves like Spin and fixes destination as the only account the
// result can be paid to.
func (e *Engine) SpinFor(destination [20]byte) (*SpinResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spinLocked(&destination)
}

func (e *Engine) spinLocked(destination *[20]byte) (*SpinResult, error) {
	if e.catalogue.Len() == 0 {
		return nil, fmt.Errorf("%w: catalogue is empty", ErrIndexOutOfRange)
	}
	value, err := e.entropy.Entropy()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEntropyUnavailable, err)
	}
	index := Select(value, e.catalogue.entries)
	now := e.nowFn()
	e.state.LastResult = index
	e.state.HasResult = true
	e.state.Settled = false
	e.state.Round++
	e.state.LastEntropy = value
	e.state.SpunAt = now
	e.state.Destination = [20]byte{}
	e.state.HasDestination = destination != nil
	if destination != nil {
		e.state.Destination = *destination
	}
	res := &SpinResult{
		Round:          e.state.Round,
		Entropy:        value,
		Draw:           Draw(value),
		Index:          index,
		Entry:          e.catalogue.entries[index],
		SpunAt:         now,
		Destination:    e.state.Destination,
		HasDestination: e.state.HasDestination,
	}
	e.emit(engineEvent{evt: NewSpunEvent(res)})
	return res, nil
}

// Settle pays the recorded spin result to destination. When the spin fixed a
// payee, destination must match it. In SettleRecorded mode a result settles
// at most once.
func (e *Engine) Settle(destination [20]byte) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkRecorded(destination); err != nil {
		return nil, err
	}
	return e.settleLocked(e.state.LastResult, destination)
}

// Claim pays the recorded spin result to the payee fixed by SpinFor.
func (e *Engine) Claim() (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.HasResult {
		return nil, ErrNotSpun
	}
	if !e.state.HasDestination {
		return nil, ErrNoDestination
	}
	destination := e.state.Destination
	if err := e.checkRecorded(destination); err != nil {
		return nil, err
	}
	return e.settleLocked(e.state.LastResult, destination)
}

func (e *Engine) checkRecorded(destination [20]byte) error {
	if !e.state.HasResult {
		return ErrNotSpun
	}
	if e.cfg.Mode == SettleRecorded && e.state.Settled {
		return ErrAlreadySettled
	}
	if e.state.HasDestination && destination != e.state.Destination {
		return ErrDestinationMismatch
	}
	return nil
}

// SettleIndex pays the entry at index. In SettleCallerIndex mode the index and
// destination are trusted as given; in SettleRecorded mode the index must equal
// the recorded result and the destination the spin's payee, if it fixed one.
func (e *Engine) SettleIndex(index int, destination [20]byte) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.catalogue.Get(index); err != nil {
		return nil, err
	}
	if e.cfg.Mode == SettleRecorded {
		if !e.state.HasResult {
			return nil, ErrNotSpun
		}
		if index != e.state.LastResult {
			return nil, fmt.Errorf("%w: requested %d, recorded %d", ErrResultMismatch, index, e.state.LastResult)
		}
		if err := e.checkRecorded(destination); err != nil {
			return nil, err
		}
	}
	return e.settleLocked(index, destination)
}

func (e *Engine) settleLocked(index int, destination [20]byte) (*Settlement, error) {
	entry, err := e.catalogue.Get(index)
	if err != nil {
		return nil, err
	}
	recorded := e.state.HasResult && index == e.state.LastResult
	if !entry.Empty() {
		var receipt *[32]byte
		if recorded && e.cfg.Mode == SettleRecorded {
			r := sessionReceipt(e.cfg.VaultAuthority, e.state)
			receipt = &r
		}
		if err := e.vault.Release(index, entry, destination, receipt); err != nil {
			if recorded && errors.Is(err, ErrAlreadySettled) {
				// Paid before the last checkpoint was written.
				e.state.Settled = true
				e.vault.consume(index, entry.Reward.Units())
			}
			return nil, err
		}
	}
	if recorded {
		e.state.Settled = true
	}
	settlement := &Settlement{
		ID:          settlementID(e.state.Round, index, destination),
		Round:       e.state.Round,
		Index:       index,
		Entry:       entry,
		Destination: destination,
		Units:       entry.Reward.Units(),
		SettledAt:   e.nowFn(),
	}
	e.emit(engineEvent{evt: NewSettledEvent(settlement)})
	return settlement, nil
}

// Checkpoint hands a snapshot to save while the instance lock is held, so no
// operation can interleave between capturing and persisting it.
func (e *Engine) Checkpoint(save func(Snapshot) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return save(e.snapshotLocked())
}

// sessionReceipt identifies one spin of one vault on the ledger.
func sessionReceipt(authority [32]byte, state SpinState) [32]byte {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[:8], state.Round)
	binary.BigEndian.PutUint64(buf[8:16], uint64(state.SpunAt))
	binary.BigEndian.PutUint64(buf[16:], uint64(state.LastEntropy))
	return ethcrypto.Keccak256Hash([]byte("spinwin/receipt"), authority[:], buf[:])
}

func settlementID(round uint64, index int, destination [20]byte) [32]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], round)
	binary.BigEndian.PutUint64(buf[8:], uint64(index))
	return ethcrypto.Keccak256Hash(buf[:], destination[:])
}
