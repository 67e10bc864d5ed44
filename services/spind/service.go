package spind

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"spinwin/config"
	"spinwin/core/events"
	"spinwin/crypto"
	"spinwin/native/bank"
	"spinwin/native/spinwin"
	"spinwin/observability"
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Ledger *bank.Ledger
	Engine spinwin.Config
	// Operator signs catalogue deposits out of operator-owned accounts.
	Operator  [32]byte
	Snapshots *SnapshotStore
	// Seeded is the entropy source when the daemon runs commit-reveal draws;
	// nil keeps the clock source.
	Seeded  *spinwin.SeededEntropy
	Emitter events.Emitter
	Logger  *slog.Logger
}

// Service couples one escrow engine with its ledger and snapshot store.
type Service struct {
	engine    *spinwin.Engine
	ledger    *bank.Ledger
	operator  [32]byte
	authority [32]byte
	snapshots *SnapshotStore
	seeded    *spinwin.SeededEntropy
	logger    *slog.Logger
	metrics   *observability.SpinMetrics
}

// EntryRequest is the body of catalogue writes.
type EntryRequest struct {
	Ratio  int    `json:"ratio"`
	Kind   string `json:"kind"`
	Amount uint64 `json:"amount"`
	Mint   string `json:"mint"`
	Source string `json:"source"`
}

func (r EntryRequest) parse() (uint8, spinwin.Reward, [20]byte, error) {
	var source [20]byte
	if r.Ratio < 0 || r.Ratio > spinwin.MaxRatio {
		return 0, spinwin.Reward{}, source, fmt.Errorf("%w: %d", spinwin.ErrInvalidRatio, r.Ratio)
	}
	kind, err := spinwin.ParseRewardKind(r.Kind)
	if err != nil {
		return 0, spinwin.Reward{}, source, err
	}
	reward := spinwin.FungibleToken(r.Amount)
	if kind == spinwin.RewardNonFungibleItem {
		reward = spinwin.NonFungibleItem()
	}
	addr, err := crypto.ParseAddress(r.Source)
	if err != nil {
		return 0, spinwin.Reward{}, source, fmt.Errorf("%w: source: %v", errBadRequest, err)
	}
	return uint8(r.Ratio), reward, addr.Bytes(), nil
}

var errBadRequest = errors.New("bad request")

// NewService builds the engine, restores the last snapshot and installs the
// emitter.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, spinwin.ErrNilLedger
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	engine := spinwin.NewEngine(cfg.Engine, cfg.Ledger)
	if cfg.Snapshots != nil {
		snap, ok, err := cfg.Snapshots.Load()
		if err != nil {
			return nil, err
		}
		if ok {
			if err := engine.Restore(snap); err != nil {
				return nil, fmt.Errorf("restore snapshot: %w", err)
			}
			cfg.Logger.Info("restored engine snapshot", "entries", len(snap.Entries), "round", snap.State.Round)
		}
	}
	if cfg.Seeded != nil {
		engine.SetEntropy(cfg.Seeded)
	}
	engine.SetEmitter(cfg.Emitter)
	svc := &Service{
		engine:    engine,
		ledger:    cfg.Ledger,
		operator:  cfg.Operator,
		authority: cfg.Engine.VaultAuthority,
		snapshots: cfg.Snapshots,
		seeded:    cfg.Seeded,
		logger:    cfg.Logger,
		metrics:   observability.Spin(),
	}
	svc.metrics.SetCatalogueSize(populated(engine.Entries()))
	return svc, nil
}

// Engine exposes the underlying escrow instance for read paths.
func (s *Service) Engine() *spinwin.Engine { return s.engine }

// Bootstrap opens the configured ledger accounts and funds those that did not
// exist yet.
func (s *Service) Bootstrap(accounts []config.BootstrapAccount) error {
	for i, acct := range accounts {
		addr, err := crypto.ParseAddress(acct.Account)
		if err != nil {
			return fmt.Errorf("bootstrap[%d]: %w", i, err)
		}
		handle := addr.Bytes()
		mint, err := spinwin.NormalizeMint(acct.Mint)
		if err != nil {
			return fmt.Errorf("bootstrap[%d]: %w", i, err)
		}
		owner := s.operator
		if strings.TrimSpace(acct.OwnerSecret) != "" {
			owner = crypto.AuthorityFromSecret(acct.OwnerSecret)
		}
		_, err = s.ledger.Account(handle)
		fresh := errors.Is(err, bank.ErrAccountNotFound)
		if err != nil && !fresh {
			return fmt.Errorf("bootstrap[%d]: %w", i, err)
		}
		if err := s.ledger.OpenAccount(handle, mint, owner); err != nil {
			return fmt.Errorf("bootstrap[%d]: %w", i, err)
		}
		if fresh && acct.Balance > 0 {
			if err := s.ledger.MintTo(handle, acct.Balance); err != nil {
				return fmt.Errorf("bootstrap[%d]: %w", i, err)
			}
		}
		s.logger.Info("bootstrap account ready", "account", addr.String(), "mint", mint, "fresh", fresh)
	}
	return nil
}

// ensureVault opens the vault account for mint, owned by the vault authority.
func (s *Service) ensureVault(mint string) error {
	account, err := s.engine.VaultAccount(mint)
	if err != nil {
		return err
	}
	normalized, _ := spinwin.NormalizeMint(mint)
	if err := s.ledger.OpenAccount(account, normalized, s.authority); err != nil {
		return fmt.Errorf("open vault account: %w", err)
	}
	return nil
}

// AddEntry appends a catalogue entry funded from req.Source.
func (s *Service) AddEntry(req EntryRequest) (int, error) {
	ratio, reward, source, err := req.parse()
	if err != nil {
		return 0, s.fail("add", err)
	}
	if err := s.ensureVault(req.Mint); err != nil {
		return 0, s.fail("add", err)
	}
	index, err := s.engine.Add(ratio, reward, req.Mint, source, s.operator)
	if err != nil {
		return 0, s.fail("add", err)
	}
	s.persist("add")
	return index, nil
}

// UpdateEntry overwrites slot index.
func (s *Service) UpdateEntry(index int, req EntryRequest) error {
	ratio, reward, source, err := req.parse()
	if err != nil {
		return s.fail("update", err)
	}
	if err := s.ensureVault(req.Mint); err != nil {
		return s.fail("update", err)
	}
	if err := s.engine.Update(index, ratio, reward, req.Mint, source, s.operator); err != nil {
		return s.fail("update", err)
	}
	s.persist("update")
	return nil
}

// Spin records a new draw payable only to destination.
func (s *Service) Spin(participant string, destination [20]byte) (*spinwin.SpinResult, error) {
	res, err := s.engine.SpinFor(destination)
	if err != nil {
		return nil, s.fail("spin", err)
	}
	s.persist("spin")
	s.logger.Info("spin recorded", "participant", participant, "round", res.Round, "index", res.Index)
	return res, nil
}

// Settle releases the recorded result to the payee fixed at spin time. A
// non-nil destination must name that payee.
func (s *Service) Settle(destination *[20]byte) (*spinwin.Settlement, error) {
	var (
		settlement *spinwin.Settlement
		err        error
	)
	if destination != nil {
		settlement, err = s.engine.Settle(*destination)
	} else {
		settlement, err = s.engine.Claim()
	}
	return s.settled(settlement, err)
}

// SettleIndex releases the entry at index to destination. Callers gate it
// behind operator authorisation.
func (s *Service) SettleIndex(index int, destination [20]byte) (*spinwin.Settlement, error) {
	return s.settled(s.engine.SettleIndex(index, destination))
}

func (s *Service) settled(settlement *spinwin.Settlement, err error) (*spinwin.Settlement, error) {
	if err != nil {
		if errors.Is(err, spinwin.ErrAlreadySettled) {
			// The session may have been closed by a ledger receipt.
			s.persist("settle")
		}
		return nil, s.fail("settle", err)
	}
	s.persist("settle")
	return settlement, nil
}

// EntropyStatus describes the commit-reveal state of the seeded source.
type EntropyStatus struct {
	Source     string `json:"source"`
	Commitment string `json:"commitment,omitempty"`
	Counter    uint64 `json:"counter"`
	Revealed   string `json:"revealed,omitempty"`
}

// Entropy reports the active entropy source.
func (s *Service) Entropy() EntropyStatus {
	if s.seeded == nil {
		return EntropyStatus{Source: "clock"}
	}
	commitment := s.seeded.Commitment()
	return EntropyStatus{Source: "seeded", Commitment: fmt.Sprintf("%x", commitment[:]), Counter: s.seeded.Counter()}
}

// RotateEntropy reveals the active seed and switches to a fresh random one.
func (s *Service) RotateEntropy() (EntropyStatus, error) {
	if s.seeded == nil {
		return EntropyStatus{}, errEntropyNotSeeded
	}
	revealed, err := s.seeded.Rotate(nil)
	if err != nil {
		return EntropyStatus{}, err
	}
	status := s.Entropy()
	status.Revealed = fmt.Sprintf("%x", revealed)
	return status, nil
}

var errEntropyNotSeeded = errors.New("entropy source is not seeded")

func (s *Service) persist(op string) {
	s.metrics.SetCatalogueSize(populated(s.engine.Entries()))
	if s.snapshots == nil {
		return
	}
	if err := s.engine.Checkpoint(s.snapshots.Save); err != nil {
		s.metrics.RecordFailure(op, "snapshot")
		s.logger.Error("persist engine snapshot", "error", err, "operation", op)
	}
}

func populated(entries []spinwin.RewardEntry) int {
	n := 0
	for _, entry := range entries {
		if !entry.Empty() {
			n++
		}
	}
	return n
}

func (s *Service) fail(op string, err error) error {
	s.metrics.RecordFailure(op, failureReason(err))
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, spinwin.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, spinwin.ErrIndexOutOfRange):
		return "index_out_of_range"
	case errors.Is(err, spinwin.ErrAuthorityMismatch):
		return "authority_mismatch"
	case errors.Is(err, spinwin.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, spinwin.ErrDestinationMismatch):
		return "destination_mismatch"
	case errors.Is(err, spinwin.ErrNotSpun), errors.Is(err, spinwin.ErrAlreadySettled),
		errors.Is(err, spinwin.ErrResultMismatch), errors.Is(err, spinwin.ErrNoDestination):
		return "session_state"
	case errors.Is(err, spinwin.ErrEntropyUnavailable):
		return "entropy"
	default:
		return "invalid_request"
	}
}
