package spinwin

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"spinwin/core/events"
	"spinwin/crypto"
)

type ledgerAccount struct {
	owner   [32]byte
	balance uint64
}

type rejectedAuthority struct{}

func (rejectedAuthority) Error() string           { return "authority rejected" }
func (rejectedAuthority) AuthorityRejected() bool { return true }

type mockLedger struct {
	accounts map[[20]byte]*ledgerAccount
	calls    int
	failWith error
	// openOwner owns destination accounts created on first credit.
	openOwner [32]byte
}

func newMockLedger() *mockLedger {
	return &mockLedger{accounts: make(map[[20]byte]*ledgerAccount), openOwner: vaultAuthority}
}

func (m *mockLedger) open(handle [20]byte, owner [32]byte, balance uint64) {
	m.accounts[handle] = &ledgerAccount{owner: owner, balance: balance}
}

func (m *mockLedger) Transfer(from, to [20]byte, authority [32]byte, amount uint64) error {
	m.calls++
	if m.failWith != nil {
		return m.failWith
	}
	src, ok := m.accounts[from]
	if !ok {
		return fmt.Errorf("unknown source")
	}
	if src.owner != authority {
		return rejectedAuthority{}
	}
	if src.balance < amount {
		return fmt.Errorf("insufficient funds")
	}
	dst, ok := m.accounts[to]
	if !ok {
		dst = &ledgerAccount{owner: m.openOwner}
		m.accounts[to] = dst
	}
	src.balance -= amount
	dst.balance += amount
	return nil
}

func (m *mockLedger) Balance(account [20]byte) (uint64, error) {
	acc, ok := m.accounts[account]
	if !ok {
		return 0, nil
	}
	return acc.balance, nil
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	operatorAuthority = crypto.AuthorityFromSecret("operator")
	vaultAuthority    = crypto.DeriveVaultAuthority([]byte("test-escrow"), 255)
	funder            = newTestAddress(0x11)
	nftHolder         = newTestAddress(0x12)
	winner            = newTestAddress(0x21)
)

type fixture struct {
	engine   *Engine
	ledger   *mockLedger
	recorder *events.Recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.VaultAuthority == ([32]byte{}) {
		cfg.VaultAuthority = vaultAuthority
	}
	ledger := newMockLedger()
	ledger.open(funder, operatorAuthority, 1_000)
	ledger.open(nftHolder, operatorAuthority, 1)
	engine := NewEngine(cfg, ledger)
	rec := &events.Recorder{}
	engine.SetEmitter(rec)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return &fixture{engine: engine, ledger: ledger, recorder: rec}
}

func (f *fixture) vaultBalance(t *testing.T, mint string) uint64 {
	t.Helper()
	bal, err := f.engine.VaultBalance(mint)
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	return bal
}

func (f *fixture) add(t *testing.T, ratio uint8, reward Reward, mint string, source [20]byte) int {
	t.Helper()
	idx, err := f.engine.Add(ratio, reward, mint, source, operatorAuthority)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return idx
}

func TestAddThenGetRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	idx := f.add(t, 40, FungibleToken(100), " gold ", funder)
	if idx != 0 {
		t.Fatalf("expected index 0, got %d", idx)
	}
	nft := f.add(t, 60, Reward{Kind: RewardNonFungibleItem, Amount: 99}, "dragon", nftHolder)

	got, err := f.engine.Get(idx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := RewardEntry{Ratio: 40, Reward: FungibleToken(100), Mint: "GOLD", Source: funder}
	if got != want {
		t.Fatalf("entry mismatch: got %+v want %+v", got, want)
	}
	gotNFT, _ := f.engine.Get(nft)
	if gotNFT.Reward.Units() != 1 || gotNFT.Reward.Amount != 1 {
		t.Fatalf("non-fungible reward must carry one unit, got %+v", gotNFT.Reward)
	}
	if bal := f.vaultBalance(t, "GOLD"); bal != 100 {
		t.Fatalf("vault gold balance = %d, want 100", bal)
	}
	if bal := f.vaultBalance(t, "DRAGON"); bal != 1 {
		t.Fatalf("vault dragon balance = %d, want 1", bal)
	}
	view := f.engine.Vault()
	if view.Custody[0] != 100 || view.Custody[1] != 1 {
		t.Fatalf("unexpected custody %+v", view.Custody)
	}
	if types := f.recorder.Types(); len(types) != 2 || types[0] != EventTypeEntryAdded {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestAddWithInsufficientFundsLeavesCatalogueUnchanged(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 50, FungibleToken(900), "GOLD", funder)
	_, err := f.engine.Add(50, FungibleToken(200), "GOLD", funder, operatorAuthority)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if n := len(f.engine.Entries()); n != 1 {
		t.Fatalf("catalogue grew to %d entries after failed deposit", n)
	}
	if bal := f.vaultBalance(t, "GOLD"); bal != 900 {
		t.Fatalf("vault balance changed to %d", bal)
	}
}

func TestAddWithWrongAuthorityFails(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Add(50, FungibleToken(10), "GOLD", funder, crypto.AuthorityFromSecret("intruder"))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if len(f.engine.Entries()) != 0 {
		t.Fatalf("entry recorded despite failed deposit")
	}
}

func TestAddValidatesInput(t *testing.T) {
	f := newFixture(t, Config{})
	cases := []struct {
		name   string
		ratio  uint8
		reward Reward
		mint   string
		want   error
	}{
		{"ratio above range", 101, FungibleToken(1), "GOLD", ErrInvalidRatio},
		{"zero fungible amount", 10, FungibleToken(0), "GOLD", ErrInvalidReward},
		{"unknown kind", 10, Reward{Kind: 7, Amount: 1}, "GOLD", ErrInvalidReward},
		{"missing mint", 10, FungibleToken(1), "  ", ErrInvalidMint},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.engine.Add(tc.ratio, tc.reward, tc.mint, funder, operatorAuthority); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if f.ledger.calls != 0 {
		t.Fatalf("invalid input reached the ledger %d times", f.ledger.calls)
	}
}

func TestBoundedCatalogueCapacity(t *testing.T) {
	f := newFixture(t, Config{Capacity: 2})
	f.add(t, 10, FungibleToken(1), "GOLD", funder)
	f.add(t, 10, FungibleToken(1), "GOLD", funder)
	calls := f.ledger.calls
	if _, err := f.engine.Add(10, FungibleToken(1), "GOLD", funder, operatorAuthority); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if f.ledger.calls != calls {
		t.Fatalf("capacity failure must not touch the ledger")
	}
	if err := f.engine.Update(2, 10, FungibleToken(1), "GOLD", funder, operatorAuthority); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded for slot beyond capacity, got %v", err)
	}
}

func TestUnboundedCatalogueGrows(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 50; i++ {
		f.add(t, 2, FungibleToken(1), "GOLD", funder)
	}
	if f.engine.TotalRatio() != 100 || f.engine.Capacity() != 0 {
		t.Fatalf("unexpected catalogue shape: ratio=%d capacity=%d", f.engine.TotalRatio(), f.engine.Capacity())
	}
}

func TestUpdateOverwritesAndOrphansCustody(t *testing.T) {
	f := newFixture(t, Config{Capacity: 4})
	f.add(t, 50, FungibleToken(100), "GOLD", funder)
	if err := f.engine.Update(0, 70, NonFungibleItem(), "DRAGON", nftHolder, operatorAuthority); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := f.engine.Get(0)
	if got.Ratio != 70 || got.Reward.Kind != RewardNonFungibleItem || got.Mint != "DRAGON" {
		t.Fatalf("slot not overwritten: %+v", got)
	}
	view := f.engine.Vault()
	if view.Custody[0] != 1 {
		t.Fatalf("custody for slot 0 = %d, want 1", view.Custody[0])
	}
	if view.Orphaned["GOLD"] != 100 {
		t.Fatalf("expected 100 orphaned GOLD, got %d", view.Orphaned["GOLD"])
	}
	if bal := f.vaultBalance(t, "GOLD"); bal != 100 {
		t.Fatalf("orphaned funds must stay in the vault, balance=%d", bal)
	}
	types := f.recorder.Types()
	if types[len(types)-1] != EventTypeEntryUpdated {
		t.Fatalf("expected update event, got %v", types)
	}
	evt := f.recorder.Events()[len(types)-1]
	if evt.Attributes["orphaned"] != "100" || evt.Attributes["previousMint"] != "GOLD" {
		t.Fatalf("update event missing orphaned amount: %+v", evt.Attributes)
	}
}

func TestUpdateWritesAnySlotOfBoundedCatalogue(t *testing.T) {
	f := newFixture(t, Config{Capacity: 10})
	if err := f.engine.Update(5, 20, FungibleToken(10), "GOLD", funder, operatorAuthority); err != nil {
		t.Fatalf("update slot 5 of an empty catalogue: %v", err)
	}
	got, err := f.engine.Get(5)
	if err != nil || got.Ratio != 20 || got.Reward.Amount != 10 {
		t.Fatalf("slot 5 = %+v, %v", got, err)
	}
	gap, err := f.engine.Get(3)
	if err != nil || !gap.Empty() {
		t.Fatalf("unwritten slot 3 = %+v, %v", gap, err)
	}
	if _, err := f.engine.Get(9); err != nil {
		t.Fatalf("last slot below capacity must be readable: %v", err)
	}
	if f.engine.Vault().Custody[5] != 10 {
		t.Fatalf("custody for slot 5 = %d, want 10", f.engine.Vault().Custody[5])
	}
	if types := f.recorder.Types(); types[len(types)-1] != EventTypeEntryAdded {
		t.Fatalf("writing an empty slot must emit an add event, got %v", types)
	}

	// Add fills the first empty slot before growing.
	idx := f.add(t, 10, FungibleToken(1), "GOLD", funder)
	if idx != 0 {
		t.Fatalf("add landed in slot %d, want 0", idx)
	}

	unbounded := newFixture(t, Config{})
	if err := unbounded.engine.Update(0, 20, FungibleToken(5), "GOLD", funder, operatorAuthority); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected unbounded update of missing slot to fail, got %v", err)
	}
}

func TestSettleEmptySlotPaysNothing(t *testing.T) {
	f := newFixture(t, Config{Capacity: 10})
	if err := f.engine.Update(5, 20, FungibleToken(10), "GOLD", funder, operatorAuthority); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Draw 50 lands outside every interval and falls back to the empty slot 0.
	f.engine.SetEntropy(FixedEntropy(50))
	res, err := f.engine.Spin()
	if err != nil {
		t.Fatalf("spin: %v", err)
	}
	if res.Index != 0 || !res.Entry.Empty() {
		t.Fatalf("expected empty slot 0, got %+v", res)
	}
	calls := f.ledger.calls
	settlement, err := f.engine.Settle(winner)
	if err != nil {
		t.Fatalf("settle empty slot: %v", err)
	}
	if settlement.Units != 0 || f.ledger.calls != calls {
		t.Fatalf("empty slot moved funds: units=%d ledger calls=%d", settlement.Units, f.ledger.calls-calls)
	}
	if !f.engine.State().Settled {
		t.Fatalf("empty slot settlement must still close the session")
	}
}

func TestUpdateFailedDepositKeepsEntry(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 50, FungibleToken(100), "GOLD", funder)
	err := f.engine.Update(0, 10, FungibleToken(5_000), "GOLD", funder, operatorAuthority)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	got, _ := f.engine.Get(0)
	if got.Ratio != 50 || got.Reward.Amount != 100 {
		t.Fatalf("entry mutated by failed update: %+v", got)
	}
}

func TestGetOutOfRange(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 50, FungibleToken(1), "GOLD", funder)
	for _, idx := range []int{-1, 1, 10} {
		if _, err := f.engine.Get(idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("index %d: expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}
}

func TestRatioBudgetEnforcement(t *testing.T) {
	loose := newFixture(t, Config{})
	loose.add(t, 80, FungibleToken(1), "GOLD", funder)
	loose.add(t, 80, FungibleToken(1), "GOLD", funder)
	if loose.engine.TotalRatio() != 160 {
		t.Fatalf("default catalogue must accept an over-budget ratio sum")
	}

	strict := newFixture(t, Config{EnforceRatioBudget: true})
	strict.add(t, 80, FungibleToken(1), "GOLD", funder)
	if _, err := strict.engine.Add(30, FungibleToken(1), "GOLD", funder, operatorAuthority); !errors.Is(err, ErrRatioBudgetExceeded) {
		t.Fatalf("expected ErrRatioBudgetExceeded, got %v", err)
	}
	if err := strict.engine.Update(0, 100, FungibleToken(1), "GOLD", funder, operatorAuthority); err != nil {
		t.Fatalf("raising the only entry to 100 must be allowed: %v", err)
	}
}

func TestScenarioA(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 50, FungibleToken(100), "GOLD", funder)
	f.add(t, 50, FungibleToken(200), "GOLD", funder)

	f.engine.SetEntropy(FixedEntropy(10))
	res, err := f.engine.Spin()
	if err != nil {
		t.Fatalf("spin: %v", err)
	}
	if res.Draw != 10 || res.Index != 0 {
		t.Fatalf("entropy 10: got draw=%d index=%d", res.Draw, res.Index)
	}

	f.engine.SetEntropy(FixedEntropy(60))
	res, err = f.engine.Spin()
	if err != nil {
		t.Fatalf("spin: %v", err)
	}
	if res.Draw != 60 || res.Index != 1 || res.Entry.Reward.Amount != 200 {
		t.Fatalf("entropy 60: got %+v", res)
	}
}

func TestScenarioB(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 30, FungibleToken(1), "GOLD", funder)
	f.add(t, 30, FungibleToken(2), "GOLD", funder)
	f.engine.SetEntropy(FixedEntropy(85))
	res, err := f.engine.Spin()
	if err != nil {
		t.Fatalf("spin: %v", err)
	}
	if res.Index != 0 {
		t.Fatalf("uncovered draw selected %d, want fallback 0", res.Index)
	}
}

func TestSpinIsPureAndMovesNoFunds(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 25, FungibleToken(10), "GOLD", funder)
	f.add(t, 75, FungibleToken(20), "GOLD", funder)
	calls := f.ledger.calls
	for _, e := range []int64{3, 103, -97, 1_700_000_003} {
		f.engine.SetEntropy(FixedEntropy(e))
		res, err := f.engine.Spin()
		if err != nil {
			t.Fatalf("spin: %v", err)
		}
		if res.Index != 0 {
			t.Fatalf("entropy %d selected %d, want 0", e, res.Index)
		}
	}
	if f.ledger.calls != calls {
		t.Fatalf("spin touched the ledger")
	}
	state := f.engine.State()
	if state.Round != 4 || !state.HasResult || state.Settled {
		t.Fatalf("unexpected session state %+v", state)
	}
}

func TestSpinEmptyCatalogue(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.engine.Spin(); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if f.engine.State().HasResult {
		t.Fatalf("failed spin recorded a result")
	}
}

func TestSpinEntropyFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 100, FungibleToken(1), "GOLD", funder)
	f.engine.SetEntropy(EntropyFunc(func() (int64, error) { return 0, errors.New("clock offline") }))
	if _, err := f.engine.Spin(); !errors.Is(err, ErrEntropyUnavailable) {
		t.Fatalf("expected ErrEntropyUnavailable, got %v", err)
	}
	if f.engine.State().Round != 0 {
		t.Fatalf("failed spin advanced the round")
	}
}

func TestSettleRecordedResult(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 50, FungibleToken(100), "GOLD", funder)
	f.add(t, 50, FungibleToken(200), "GOLD", funder)

	if _, err := f.engine.Settle(winner); !errors.Is(err, ErrNotSpun) {
		t.Fatalf("expected ErrNotSpun, got %v", err)
	}

	f.engine.SetEntropy(FixedEntropy(60))
	if _, err := f.engine.Spin(); err != nil {
		t.Fatalf("spin: %v", err)
	}
	settlement, err := f.engine.Settle(winner)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.Index != 1 || settlement.Units != 200 || settlement.Round != 1 {
		t.Fatalf("unexpected settlement %+v", settlement)
	}
	if settlement.ID != settlementID(1, 1, winner) {
		t.Fatalf("settlement id not derived from round, index and destination")
	}
	if bal, _ := f.ledger.Balance(winner); bal != 200 {
		t.Fatalf("winner balance = %d, want 200", bal)
	}
	if bal := f.vaultBalance(t, "GOLD"); bal != 100 {
		t.Fatalf("vault balance = %d, want 100", bal)
	}
	if custody := f.engine.Vault().Custody[1]; custody != 0 {
		t.Fatalf("custody for settled entry = %d", custody)
	}

	if _, err := f.engine.Settle(winner); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected replay to fail with ErrAlreadySettled, got %v", err)
	}
	if _, err := f.engine.SettleIndex(1, winner); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected explicit replay to fail with ErrAlreadySettled, got %v", err)
	}
	if bal, _ := f.ledger.Balance(winner); bal != 200 {
		t.Fatalf("replay paid out again: %d", bal)
	}
	types := f.recorder.Types()
	if types[len(types)-1] != EventTypeSettled {
		t.Fatalf("expected settled event last, got %v", types)
	}
}

func TestSettleIndexMustMatchRecordedResult(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 50, FungibleToken(100), "GOLD", funder)
	f.add(t, 50, FungibleToken(200), "GOLD", funder)
	f.engine.SetEntropy(FixedEntropy(10))
	if _, err := f.engine.Spin(); err != nil {
		t.Fatalf("spin: %v", err)
	}
	if _, err := f.engine.SettleIndex(1, winner); !errors.Is(err, ErrResultMismatch) {
		t.Fatalf("expected ErrResultMismatch, got %v", err)
	}
	if _, err := f.engine.SettleIndex(0, winner); err != nil {
		t.Fatalf("settle matching index: %v", err)
	}
}

func TestSettleCallerIndexMode(t *testing.T) {
	f := newFixture(t, Config{Mode: SettleCallerIndex})
	f.add(t, 50, FungibleToken(100), "GOLD", funder)
	f.add(t, 50, FungibleToken(200), "GOLD", funder)

	// The literal mode pays any index, even without a spin.
	if _, err := f.engine.SettleIndex(1, winner); err != nil {
		t.Fatalf("settle without spin: %v", err)
	}
	f.engine.SetEntropy(FixedEntropy(10))
	if _, err := f.engine.Spin(); err != nil {
		t.Fatalf("spin: %v", err)
	}
	if _, err := f.engine.Settle(winner); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// Replays are not guarded; the vault runs dry instead.
	if _, err := f.engine.Settle(winner); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected replay to fail only on funds, got %v", err)
	}
	if bal, _ := f.ledger.Balance(winner); bal != 300 {
		t.Fatalf("winner balance = %d, want 300", bal)
	}
}

func TestSettleOutOfRangeLeavesVaultUnchanged(t *testing.T) {
	for _, mode := range []SettlementMode{SettleRecorded, SettleCallerIndex} {
		f := newFixture(t, Config{Mode: mode})
		f.add(t, 100, FungibleToken(100), "GOLD", funder)
		f.engine.SetEntropy(FixedEntropy(1))
		if _, err := f.engine.Spin(); err != nil {
			t.Fatalf("spin: %v", err)
		}
		calls := f.ledger.calls
		if _, err := f.engine.SettleIndex(1, winner); !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("%s: expected ErrIndexOutOfRange, got %v", mode, err)
		}
		if f.ledger.calls != calls {
			t.Fatalf("%s: out-of-range settle touched the ledger", mode)
		}
		if bal := f.vaultBalance(t, "GOLD"); bal != 100 {
			t.Fatalf("%s: vault balance changed to %d", mode, bal)
		}
	}
}

func TestSettleInsufficientVaultBalance(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 100, FungibleToken(100), "GOLD", funder)
	f.engine.SetEntropy(FixedEntropy(5))
	if _, err := f.engine.Spin(); err != nil {
		t.Fatalf("spin: %v", err)
	}
	// Drain the vault behind the engine's back.
	vaultAcct, _ := f.engine.VaultAccount("GOLD")
	f.ledger.accounts[vaultAcct].balance = 40
	if _, err := f.engine.Settle(winner); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if f.engine.State().Settled {
		t.Fatalf("failed release marked the result settled")
	}
	f.ledger.accounts[vaultAcct].balance = 100
	if _, err := f.engine.Settle(winner); err != nil {
		t.Fatalf("retry after refill: %v", err)
	}
}

func TestSettleAuthorityMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 100, FungibleToken(100), "GOLD", funder)
	f.engine.SetEntropy(FixedEntropy(5))
	if _, err := f.engine.Spin(); err != nil {
		t.Fatalf("spin: %v", err)
	}
	vaultAcct, _ := f.engine.VaultAccount("GOLD")
	f.ledger.accounts[vaultAcct].owner = crypto.AuthorityFromSecret("someone-else")
	if _, err := f.engine.Settle(winner); !errors.Is(err, ErrAuthorityMismatch) {
		t.Fatalf("expected ErrAuthorityMismatch, got %v", err)
	}
}

func TestReleaseWithoutAuthority(t *testing.T) {
	ledger := newMockLedger()
	vault := newEscrowVault(ledger, [32]byte{})
	err := vault.Release(0, RewardEntry{Ratio: 1, Reward: FungibleToken(1), Mint: "GOLD"}, winner, nil)
	if !errors.Is(err, ErrAuthorityMismatch) {
		t.Fatalf("expected ErrAuthorityMismatch, got %v", err)
	}
	if ledger.calls != 0 {
		t.Fatalf("release without authority reached the ledger")
	}
}

func TestNilLedger(t *testing.T) {
	engine := NewEngine(Config{VaultAuthority: vaultAuthority}, nil)
	if _, err := engine.Add(10, FungibleToken(1), "GOLD", funder, operatorAuthority); !errors.Is(err, ErrNilLedger) {
		t.Fatalf("expected ErrNilLedger, got %v", err)
	}
}

func TestSettleNonFungibleMovesSingleUnit(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 100, NonFungibleItem(), "DRAGON", nftHolder)
	f.engine.SetEntropy(FixedEntropy(0))
	if _, err := f.engine.Spin(); err != nil {
		t.Fatalf("spin: %v", err)
	}
	settlement, err := f.engine.Settle(winner)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.Units != 1 {
		t.Fatalf("non-fungible settlement moved %d units", settlement.Units)
	}
	if bal, _ := f.ledger.Balance(winner); bal != 1 {
		t.Fatalf("winner did not receive the item")
	}
}

func TestParseSettlementMode(t *testing.T) {
	for raw, want := range map[string]SettlementMode{"": SettleRecorded, "recorded": SettleRecorded, "caller-index": SettleCallerIndex, "literal": SettleCallerIndex} {
		got, err := ParseSettlementMode(raw)
		if err != nil || got != want {
			t.Fatalf("%q: got %v, %v", raw, got, err)
		}
	}
	if _, err := ParseSettlementMode("random"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestSpinForBindsPayee(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 100, FungibleToken(300), "GOLD", funder)
	f.engine.SetEntropy(FixedEntropy(7))
	res, err := f.engine.SpinFor(winner)
	if err != nil {
		t.Fatalf("spin: %v", err)
	}
	if !res.HasDestination || res.Destination != winner {
		t.Fatalf("spin result lost its payee: %+v", res)
	}
	evt := f.recorder.Events()[len(f.recorder.Events())-1]
	if evt.Attributes["destination"] == "" {
		t.Fatalf("spun event missing destination: %+v", evt.Attributes)
	}

	mallory := newTestAddress(0x99)
	if _, err := f.engine.Settle(mallory); !errors.Is(err, ErrDestinationMismatch) {
		t.Fatalf("expected ErrDestinationMismatch, got %v", err)
	}
	if _, err := f.engine.SettleIndex(0, mallory); !errors.Is(err, ErrDestinationMismatch) {
		t.Fatalf("expected ErrDestinationMismatch on explicit index, got %v", err)
	}
	if bal, _ := f.ledger.Balance(mallory); bal != 0 {
		t.Fatalf("second party received %d", bal)
	}

	settlement, err := f.engine.Claim()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if settlement.Destination != winner || settlement.Units != 300 {
		t.Fatalf("unexpected settlement %+v", settlement)
	}
	if _, err := f.engine.Claim(); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected second claim to fail with ErrAlreadySettled, got %v", err)
	}
}

func TestClaimRequiresRecordedPayee(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 100, FungibleToken(10), "GOLD", funder)
	if _, err := f.engine.Claim(); !errors.Is(err, ErrNotSpun) {
		t.Fatalf("expected ErrNotSpun, got %v", err)
	}
	if _, err := f.engine.SpinFor(winner); err != nil {
		t.Fatalf("spin for: %v", err)
	}
	if _, err := f.engine.Spin(); err != nil {
		t.Fatalf("spin: %v", err)
	}
	if f.engine.State().HasDestination {
		t.Fatalf("an open spin must clear the previous payee")
	}
	if _, err := f.engine.Claim(); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
}

// receiptLedger adds receipt support to mockLedger. staleReads makes
// HasReceipt miss recorded receipts.
type receiptLedger struct {
	*mockLedger
	receipts   map[[32]byte]bool
	staleReads bool
}

type duplicateReceipt struct{}

func (duplicateReceipt) Error() string         { return "receipt already recorded" }
func (duplicateReceipt) ReceiptRecorded() bool { return true }

func (r *receiptLedger) TransferWithReceipt(receipt [32]byte, from, to [20]byte, authority [32]byte, amount uint64) error {
	if r.receipts[receipt] {
		return duplicateReceipt{}
	}
	if err := r.Transfer(from, to, authority, amount); err != nil {
		return err
	}
	r.receipts[receipt] = true
	return nil
}

func (r *receiptLedger) HasReceipt(receipt [32]byte) (bool, error) {
	if r.staleReads {
		return false, nil
	}
	return r.receipts[receipt], nil
}

func TestSettleRecognisesReceiptFromEarlierRun(t *testing.T) {
	mock := newMockLedger()
	mock.open(funder, operatorAuthority, 1_000)
	ledger := &receiptLedger{mockLedger: mock, receipts: make(map[[32]byte]bool), staleReads: true}
	engine := NewEngine(Config{VaultAuthority: vaultAuthority}, ledger)
	if _, err := engine.Add(100, FungibleToken(300), "GOLD", funder, operatorAuthority); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := engine.SpinFor(winner); err != nil {
		t.Fatalf("spin: %v", err)
	}
	beforeSettle := engine.Snapshot()
	if _, err := engine.Claim(); err != nil {
		t.Fatalf("claim: %v", err)
	}

	restarted := NewEngine(Config{VaultAuthority: vaultAuthority}, ledger)
	if err := restarted.Restore(beforeSettle); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := restarted.Claim(); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled from the ledger receipt, got %v", err)
	}
	if bal, _ := ledger.Balance(winner); bal != 300 {
		t.Fatalf("winner balance = %d, want a single payout of 300", bal)
	}
	if !restarted.State().Settled || restarted.Vault().Custody[0] != 0 {
		t.Fatalf("duplicate receipt must close the session: %+v %+v", restarted.State(), restarted.Vault())
	}
}

func TestCallerIndexModeSkipsReceipts(t *testing.T) {
	mock := newMockLedger()
	mock.open(funder, operatorAuthority, 1_000)
	ledger := &receiptLedger{mockLedger: mock, receipts: make(map[[32]byte]bool)}
	engine := NewEngine(Config{VaultAuthority: vaultAuthority, Mode: SettleCallerIndex}, ledger)
	if _, err := engine.Add(100, FungibleToken(100), "GOLD", funder, operatorAuthority); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := engine.Spin(); err != nil {
		t.Fatalf("spin: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := engine.SettleIndex(0, winner); err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
	}
	if len(ledger.receipts) != 0 {
		t.Fatalf("caller-index settlements recorded %d receipts", len(ledger.receipts))
	}
}

func TestCheckpointHoldsInstanceLock(t *testing.T) {
	f := newFixture(t, Config{})
	f.add(t, 100, FungibleToken(10), "GOLD", funder)
	var saved Snapshot
	err := f.engine.Checkpoint(func(snap Snapshot) error {
		if f.engine.mu.TryLock() {
			f.engine.mu.Unlock()
			t.Errorf("instance lock released during save")
		}
		saved = snap
		return nil
	})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if len(saved.Entries) != 1 || saved.Custody[0] != 10 {
		t.Fatalf("unexpected checkpoint %+v", saved)
	}
	boom := errors.New("disk full")
	if err := f.engine.Checkpoint(func(Snapshot) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected save error to propagate, got %v", err)
	}
}
