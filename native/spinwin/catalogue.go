package spinwin

import "fmt"

// RewardCatalogue holds the ordered reward entries of one escrow instance. A
// zero capacity means the catalogue grows without bound; a positive capacity
// fixes the slot range to [0, capacity), where unwritten slots read as empty
// entries.
type RewardCatalogue struct {
	entries  []RewardEntry
	capacity int
}

// NewRewardCatalogue returns an empty catalogue. Negative capacities are
// treated as unbounded.
func NewRewardCatalogue(capacity int) *RewardCatalogue {
	if capacity < 0 {
		capacity = 0
	}
	return &RewardCatalogue{capacity: capacity}
}

// Capacity returns the slot limit, or 0 when unbounded.
func (c *RewardCatalogue) Capacity() int { return c.capacity }

// Bounded reports whether the catalogue has a fixed capacity.
func (c *RewardCatalogue) Bounded() bool { return c.capacity > 0 }

// Len returns the number of slots up to and including the highest written one.
func (c *RewardCatalogue) Len() int { return len(c.entries) }

// Full reports whether a bounded catalogue has no free slot left.
func (c *RewardCatalogue) Full() bool {
	return c.Bounded() && c.freeSlot() < 0
}

// freeSlot returns the first empty slot of a bounded catalogue, or -1.
func (c *RewardCatalogue) freeSlot() int {
	for i, entry := range c.entries {
		if entry.Empty() {
			return i
		}
	}
	if len(c.entries) < c.capacity {
		return len(c.entries)
	}
	return -1
}

// Get returns the entry stored at index. Unwritten slots of a bounded
// catalogue return an empty entry.
func (c *RewardCatalogue) Get(index int) (RewardEntry, error) {
	if index >= 0 && index < len(c.entries) {
		return c.entries[index], nil
	}
	if index >= 0 && c.Bounded() && index < c.capacity {
		return RewardEntry{}, nil
	}
	return RewardEntry{}, fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, index, len(c.entries))
}

// Entries returns a copy of the catalogue contents.
func (c *RewardCatalogue) Entries() []RewardEntry {
	out := make([]RewardEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// TotalRatio sums the ratios of all entries. The catalogue does not keep it
// below MaxRatio on its own.
func (c *RewardCatalogue) TotalRatio() int {
	return totalRatio(c.entries)
}

// TotalRatioWith returns the ratio sum if slot index held ratio instead of its
// current value. index == Len() models an append.
func (c *RewardCatalogue) TotalRatioWith(index int, ratio uint8) int {
	total := int(ratio)
	for i, entry := range c.entries {
		if i == index {
			continue
		}
		total += int(entry.Ratio)
	}
	return total
}

// checkAppend validates that one more entry fits.
func (c *RewardCatalogue) checkAppend() error {
	if c.Full() {
		return fmt.Errorf("%w: capacity %d", ErrCapacityExceeded, c.capacity)
	}
	return nil
}

// checkWrite validates a slot write at index. Every slot below the capacity of
// a bounded catalogue is writable; unbounded catalogues only overwrite
// existing entries.
func (c *RewardCatalogue) checkWrite(index int) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	if c.Bounded() {
		if index >= c.capacity {
			return fmt.Errorf("%w: slot %d beyond capacity %d", ErrCapacityExceeded, index, c.capacity)
		}
		return nil
	}
	if index < len(c.entries) {
		return nil
	}
	return fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, index, len(c.entries))
}

// append stores entry in the first empty slot, or at the end.
func (c *RewardCatalogue) append(entry RewardEntry) int {
	if c.Bounded() {
		if slot := c.freeSlot(); slot >= 0 && slot < len(c.entries) {
			c.entries[slot] = entry
			return slot
		}
	}
	c.entries = append(c.entries, entry)
	return len(c.entries) - 1
}

// put stores entry at index and returns the previous occupant. The bool is
// false when the slot was empty.
func (c *RewardCatalogue) put(index int, entry RewardEntry) (RewardEntry, bool) {
	for len(c.entries) <= index {
		c.entries = append(c.entries, RewardEntry{})
	}
	previous := c.entries[index]
	c.entries[index] = entry
	return previous, !previous.Empty()
}

func totalRatio(entries []RewardEntry) int {
	total := 0
	for _, entry := range entries {
		total += int(entry.Ratio)
	}
	return total
}
