package spinwin

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EntrySnapshot is the persisted form of a RewardEntry.
type EntrySnapshot struct {
	Ratio  uint8  `json:"ratio"`
	Kind   string `json:"kind"`
	Amount uint64 `json:"amount"`
	Mint   string `json:"mint"`
	Source string `json:"source"`
}

// Snapshot captures catalogue, session and custody bookkeeping so an instance
// can be rebuilt after a restart. Ledger balances are not part of it.
type Snapshot struct {
	Capacity int               `json:"capacity"`
	Entries  []EntrySnapshot   `json:"entries"`
	State    SpinState         `json:"state"`
	Custody  map[int]uint64    `json:"custody,omitempty"`
	Orphaned map[string]uint64 `json:"orphaned,omitempty"`
}

// Snapshot returns the persisted form of the instance.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	view := e.vault.view()
	snap := Snapshot{
		Capacity: e.catalogue.Capacity(),
		Entries:  make([]EntrySnapshot, 0, e.catalogue.Len()),
		State:    e.state,
		Custody:  view.Custody,
		Orphaned: view.Orphaned,
	}
	for _, entry := range e.catalogue.entries {
		snap.Entries = append(snap.Entries, EntrySnapshot{
			Ratio:  entry.Ratio,
			Kind:   entry.Reward.Kind.String(),
			Amount: entry.Reward.Amount,
			Mint:   entry.Mint,
			Source: hex.EncodeToString(entry.Source[:]),
		})
	}
	return snap
}

// Restore replaces the instance contents with snap. The snapshot must fit the
// configured capacity; the vault authority and settlement mode stay as
// configured. In SettleRecorded mode an unsettled session whose receipt is
// already on the ledger is marked settled and its custody released, covering
// a crash between a payout and the checkpoint after it.
func (e *Engine) Restore(snap Snapshot) error {
	if e.cfg.Capacity > 0 && len(snap.Entries) > e.cfg.Capacity {
		return fmt.Errorf("%w: snapshot holds %d entries, capacity %d", ErrCapacityExceeded, len(snap.Entries), e.cfg.Capacity)
	}
	entries := make([]RewardEntry, 0, len(snap.Entries))
	for i, raw := range snap.Entries {
		if raw.Mint == "" && raw.Ratio == 0 && raw.Amount == 0 {
			entries = append(entries, RewardEntry{})
			continue
		}
		kind, err := ParseRewardKind(raw.Kind)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		source, err := decodeHandle(raw.Source)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		entry, err := newEntry(raw.Ratio, Reward{Kind: kind, Amount: raw.Amount}, raw.Mint, source)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	state := snap.State
	state.Nonce = e.cfg.Nonce
	if state.HasResult && (state.LastResult < 0 || state.LastResult >= len(entries)) {
		return fmt.Errorf("%w: recorded result %d", ErrIndexOutOfRange, state.LastResult)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	paid := false
	if e.cfg.Mode == SettleRecorded && state.HasResult && !state.Settled && !entries[state.LastResult].Empty() {
		applied, err := e.vault.receiptApplied(sessionReceipt(e.cfg.VaultAuthority, state))
		if err != nil {
			return fmt.Errorf("reconcile settlement: %w", err)
		}
		paid = applied
	}
	e.catalogue.entries = entries
	e.state = state
	e.vault.custody = make(map[int]uint64, len(snap.Custody))
	for k, v := range snap.Custody {
		e.vault.custody[k] = v
	}
	e.vault.orphaned = make(map[string]uint64, len(snap.Orphaned))
	for k, v := range snap.Orphaned {
		e.vault.orphaned[k] = v
	}
	if paid {
		e.state.Settled = true
		e.vault.consume(state.LastResult, entries[state.LastResult].Reward.Units())
	}
	return nil
}

func decodeHandle(raw string) ([20]byte, error) {
	var out [20]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return out, fmt.Errorf("decode account handle: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("account handle must be 20 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
