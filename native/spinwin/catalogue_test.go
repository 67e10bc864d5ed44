package spinwin

import (
	"errors"
	"testing"
)

func TestCatalogueCheckWrite(t *testing.T) {
	bounded := NewRewardCatalogue(3)
	bounded.append(RewardEntry{Ratio: 10, Reward: FungibleToken(1), Mint: "GOLD"})

	cases := []struct {
		name  string
		cat   *RewardCatalogue
		index int
		want  error
	}{
		{"existing slot", bounded, 0, nil},
		{"next free slot", bounded, 1, nil},
		{"gap", bounded, 2, nil},
		{"beyond capacity", bounded, 3, ErrCapacityExceeded},
		{"negative", bounded, -1, ErrIndexOutOfRange},
		{"unbounded missing slot", NewRewardCatalogue(0), 0, ErrIndexOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cat.checkWrite(tc.index)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCataloguePutReportsPrevious(t *testing.T) {
	c := NewRewardCatalogue(2)
	first := RewardEntry{Ratio: 10, Reward: FungibleToken(1), Mint: "GOLD"}
	if _, replaced := c.put(0, first); replaced {
		t.Fatalf("writing the next slot must not report a replacement")
	}
	second := RewardEntry{Ratio: 20, Reward: NonFungibleItem(), Mint: "DRAGON"}
	prev, replaced := c.put(0, second)
	if !replaced || prev != first {
		t.Fatalf("expected previous %+v, got %+v (replaced=%v)", first, prev, replaced)
	}
	if c.Len() != 1 || c.TotalRatio() != 20 {
		t.Fatalf("unexpected catalogue len=%d ratio=%d", c.Len(), c.TotalRatio())
	}
}

func TestCataloguePutPadsGap(t *testing.T) {
	c := NewRewardCatalogue(4)
	entry := RewardEntry{Ratio: 10, Reward: FungibleToken(1), Mint: "GOLD"}
	if _, replaced := c.put(2, entry); replaced {
		t.Fatalf("writing an empty slot must not report a replacement")
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	for _, i := range []int{0, 1, 3} {
		got, err := c.Get(i)
		if err != nil || !got.Empty() {
			t.Fatalf("slot %d = %+v, %v; want empty", i, got, err)
		}
	}
	if c.Full() {
		t.Fatalf("catalogue with empty slots reported full")
	}
	for _, want := range []int{0, 1, 3} {
		if got := c.append(entry); got != want {
			t.Fatalf("append landed in %d, want %d", got, want)
		}
	}
	if !c.Full() {
		t.Fatalf("catalogue with every slot written must be full")
	}
}

func TestCatalogueEntriesIsCopy(t *testing.T) {
	c := NewRewardCatalogue(-5)
	if c.Bounded() {
		t.Fatalf("negative capacity must be unbounded")
	}
	c.append(RewardEntry{Ratio: 10, Reward: FungibleToken(1), Mint: "GOLD"})
	entries := c.Entries()
	entries[0].Ratio = 99
	if got, _ := c.Get(0); got.Ratio != 10 {
		t.Fatalf("catalogue mutated through Entries copy")
	}
	if c.TotalRatioWith(1, 30) != 40 || c.TotalRatioWith(0, 30) != 30 {
		t.Fatalf("unexpected projected ratios")
	}
}

func TestNormalizeMint(t *testing.T) {
	got, err := NormalizeMint("  ｇｏｌｄ ")
	if err != nil || got != "GOLD" {
		t.Fatalf("expected GOLD, got %q (%v)", got, err)
	}
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NormalizeMint(string(long)); !errors.Is(err, ErrInvalidMint) {
		t.Fatalf("expected ErrInvalidMint for long mint, got %v", err)
	}
}

func TestParseRewardKind(t *testing.T) {
	for raw, want := range map[string]RewardKind{"fungible": RewardFungibleToken, "Token": RewardFungibleToken, "nft": RewardNonFungibleItem, " item ": RewardNonFungibleItem} {
		got, err := ParseRewardKind(raw)
		if err != nil || got != want {
			t.Fatalf("%q: got %v (%v)", raw, got, err)
		}
	}
	if _, err := ParseRewardKind("coupon"); !errors.Is(err, ErrInvalidReward) {
		t.Fatalf("expected ErrInvalidReward, got %v", err)
	}
}
