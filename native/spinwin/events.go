package spinwin

import (
	"encoding/hex"
	"strconv"

	"spinwin/core/types"
	"spinwin/crypto"
)

const (
	EventTypeEntryAdded   = "spinwin.entry.added"
	EventTypeEntryUpdated = "spinwin.entry.updated"
	EventTypeSpun         = "spinwin.spun"
	EventTypeSettled      = "spinwin.settled"
)

// NewEntryAddedEvent returns the canonical payload for a catalogue append.
func NewEntryAddedEvent(index int, entry RewardEntry) *types.Event {
	return newEntryEvent(EventTypeEntryAdded, index, entry)
}

// NewEntryUpdatedEvent returns the canonical payload for a slot overwrite.
// orphaned is the custody of the previous occupant left in the vault.
func NewEntryUpdatedEvent(index int, entry, previous RewardEntry, orphaned uint64) *types.Event {
	evt := newEntryEvent(EventTypeEntryUpdated, index, entry)
	evt.Attributes["previousMint"] = previous.Mint
	if orphaned > 0 {
		evt.Attributes["orphaned"] = strconv.FormatUint(orphaned, 10)
	}
	return evt
}

// NewSpunEvent returns the canonical payload for a recorded spin.
func NewSpunEvent(res *SpinResult) *types.Event {
	attrs := make(map[string]string)
	if res == nil {
		return &types.Event{Type: EventTypeSpun, Attributes: attrs}
	}
	attrs["round"] = strconv.FormatUint(res.Round, 10)
	attrs["entropy"] = strconv.FormatInt(res.Entropy, 10)
	attrs["draw"] = strconv.Itoa(res.Draw)
	attrs["index"] = strconv.Itoa(res.Index)
	attrs["spunAt"] = strconv.FormatInt(res.SpunAt, 10)
	if res.HasDestination {
		attrs["destination"] = crypto.NewAddress(crypto.AccountPrefix, res.Destination).String()
	}
	return &types.Event{Type: EventTypeSpun, Attributes: attrs}
}

// NewSettledEvent returns the canonical payload for a release to the winner.
func NewSettledEvent(s *Settlement) *types.Event {
	attrs := make(map[string]string)
	if s == nil {
		return &types.Event{Type: EventTypeSettled, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(s.ID[:])
	attrs["round"] = strconv.FormatUint(s.Round, 10)
	attrs["index"] = strconv.Itoa(s.Index)
	attrs["kind"] = s.Entry.Reward.Kind.String()
	attrs["mint"] = s.Entry.Mint
	attrs["units"] = strconv.FormatUint(s.Units, 10)
	attrs["destination"] = crypto.NewAddress(crypto.AccountPrefix, s.Destination).String()
	attrs["settledAt"] = strconv.FormatInt(s.SettledAt, 10)
	return &types.Event{Type: EventTypeSettled, Attributes: attrs}
}

func newEntryEvent(eventType string, index int, entry RewardEntry) *types.Event {
	attrs := map[string]string{
		"index":  strconv.Itoa(index),
		"ratio":  strconv.FormatUint(uint64(entry.Ratio), 10),
		"kind":   entry.Reward.Kind.String(),
		"units":  strconv.FormatUint(entry.Reward.Units(), 10),
		"mint":   entry.Mint,
		"source": crypto.NewAddress(crypto.AccountPrefix, entry.Source).String(),
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

type engineEvent struct {
	evt *types.Event
}

func (e engineEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e engineEvent) Event() *types.Event { return e.evt }
