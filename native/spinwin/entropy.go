package spinwin

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// EntropySource supplies the integer a spin reduces modulo MaxRatio.
type EntropySource interface {
	Entropy() (int64, error)
}

// EntropyFunc adapts a function to EntropySource.
type EntropyFunc func() (int64, error)

// Entropy implements EntropySource.
func (f EntropyFunc) Entropy() (int64, error) { return f() }

// FixedEntropy always returns the same value. Useful for replaying a draw.
func FixedEntropy(value int64) EntropySource {
	return EntropyFunc(func() (int64, error) { return value, nil })
}

// ClockEntropy uses the current unix second as entropy. Anyone who can read
// the clock before a spin lands can predict the outcome.
type ClockEntropy struct {
	nowFn func() time.Time
}

// NewClockEntropy returns a clock-backed source. A nil clock uses time.Now.
func NewClockEntropy(now func() time.Time) *ClockEntropy {
	if now == nil {
		now = time.Now
	}
	return &ClockEntropy{nowFn: now}
}

// Entropy implements EntropySource.
func (c *ClockEntropy) Entropy() (int64, error) {
	return c.nowFn().Unix(), nil
}

// SeededEntropy derives draws from a secret seed: draw n is the first eight
// bytes of blake3(seed || n). The commitment blake3(seed) is published before
// any draw and the seed revealed on rotation, so past draws can be audited.
type SeededEntropy struct {
	mu      sync.Mutex
	seed    []byte
	counter uint64
}

// NewSeededEntropy returns a source over seed. An empty seed is replaced with
// 32 random bytes.
func NewSeededEntropy(seed []byte) (*SeededEntropy, error) {
	if len(seed) == 0 {
		var err error
		if seed, err = randomSeed(); err != nil {
			return nil, err
		}
	}
	return &SeededEntropy{seed: append([]byte(nil), seed...)}, nil
}

func randomSeed() ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// Commitment returns blake3(seed) for the active seed.
func (s *SeededEntropy) Commitment() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return blake3.Sum256(s.seed)
}

// Counter reports how many draws were taken from the active seed.
func (s *SeededEntropy) Counter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Entropy implements EntropySource.
func (s *SeededEntropy) Entropy() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := seededDraw(s.seed, s.counter)
	s.counter++
	return value, nil
}

// Rotate retires the active seed, returning it for publication, and starts
// drawing from next (random when empty).
func (s *SeededEntropy) Rotate(next []byte) ([]byte, error) {
	if len(next) == 0 {
		var err error
		if next, err = randomSeed(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	revealed := s.seed
	s.seed = append([]byte(nil), next...)
	s.counter = 0
	return append([]byte(nil), revealed...), nil
}

// VerifySeededDraw recomputes draw n of a revealed seed and checks it against
// the published commitment.
func VerifySeededDraw(seed []byte, commitment [32]byte, counter uint64, entropy int64) bool {
	if blake3.Sum256(seed) != commitment {
		return false
	}
	return seededDraw(seed, counter) == entropy
}

func seededDraw(seed []byte, counter uint64) int64 {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	h := blake3.New(32, nil)
	_, _ = h.Write(seed)
	_, _ = h.Write(ctr[:])
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) >> 1)
}
