package spinwin

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxRatio is the width of the draw range. Entry ratios are weights out of it.
const MaxRatio = 100

// RewardKind distinguishes fungible token payouts from single collectibles.
type RewardKind uint8

const (
	RewardFungibleToken RewardKind = iota
	RewardNonFungibleItem
)

func (k RewardKind) String() string {
	switch k {
	case RewardFungibleToken:
		return "fungible"
	case RewardNonFungibleItem:
		return "nonfungible"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether the kind value is within the supported range.
func (k RewardKind) Valid() bool {
	return k == RewardFungibleToken || k == RewardNonFungibleItem
}

// ParseRewardKind maps the textual kind used by the HTTP surface.
func ParseRewardKind(raw string) (RewardKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "fungible", "token", "0":
		return RewardFungibleToken, nil
	case "nonfungible", "nft", "item", "1":
		return RewardNonFungibleItem, nil
	default:
		return 0, fmt.Errorf("%w: unknown reward kind %q", ErrInvalidReward, raw)
	}
}

// Reward is the payout attached to a catalogue entry. Construct it with
// FungibleToken or NonFungibleItem.
type Reward struct {
	Kind   RewardKind
	Amount uint64
}

// FungibleToken returns a reward paying amount units of the entry's mint.
func FungibleToken(amount uint64) Reward {
	return Reward{Kind: RewardFungibleToken, Amount: amount}
}

// NonFungibleItem returns a reward paying the single collectible held for the
// entry's mint.
func NonFungibleItem() Reward {
	return Reward{Kind: RewardNonFungibleItem, Amount: 1}
}

// Units is the quantity moved on deposit and release. Non-fungible rewards
// always move exactly one unit whatever Amount holds.
func (r Reward) Units() uint64 {
	if r.Kind == RewardNonFungibleItem {
		return 1
	}
	return r.Amount
}

func (r Reward) validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: kind %d", ErrInvalidReward, r.Kind)
	}
	if r.Kind == RewardFungibleToken && r.Amount == 0 {
		return fmt.Errorf("%w: fungible amount must be positive", ErrInvalidReward)
	}
	return nil
}

// RewardEntry is one catalogue slot.
type RewardEntry struct {
	Ratio  uint8
	Reward Reward
	Mint   string
	Source [20]byte
}

// Empty reports whether the slot has never been written.
func (e RewardEntry) Empty() bool { return e.Mint == "" }

// NormalizeMint canonicalises an asset identifier.
func NormalizeMint(mint string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(norm.NFKC.String(mint)))
	if normalized == "" {
		return "", fmt.Errorf("%w: mint required", ErrInvalidMint)
	}
	if len(normalized) > 64 {
		return "", fmt.Errorf("%w: mint exceeds 64 bytes", ErrInvalidMint)
	}
	return normalized, nil
}

func newEntry(ratio uint8, reward Reward, mint string, source [20]byte) (RewardEntry, error) {
	if ratio > MaxRatio {
		return RewardEntry{}, fmt.Errorf("%w: %d", ErrInvalidRatio, ratio)
	}
	if err := reward.validate(); err != nil {
		return RewardEntry{}, err
	}
	normalized, err := NormalizeMint(mint)
	if err != nil {
		return RewardEntry{}, err
	}
	if reward.Kind == RewardNonFungibleItem {
		reward = NonFungibleItem()
	}
	return RewardEntry{Ratio: ratio, Reward: reward, Mint: normalized, Source: source}, nil
}

// SpinState is the session record of an escrow instance.
type SpinState struct {
	LastResult  int
	HasResult   bool
	Settled     bool
	Round       uint64
	LastEntropy int64
	SpunAt      int64
	Nonce       uint8
	// Destination is the payee fixed at spin time, when one was given.
	Destination    [20]byte
	HasDestination bool
}

// SpinResult describes the outcome of a spin.
type SpinResult struct {
	Round   uint64
	Entropy int64
	Draw    int
	Index   int
	Entry   RewardEntry
	SpunAt  int64
	// Destination is set when the spin fixed its payee.
	Destination    [20]byte
	HasDestination bool
}

// Settlement is the receipt of a successful release.
type Settlement struct {
	ID          [32]byte
	Round       uint64
	Index       int
	Entry       RewardEntry
	Destination [20]byte
	Units       uint64
	SettledAt   int64
}
