package spinwin

// Draw reduces an entropy value to the draw range [0, MaxRatio). Negative
// inputs wrap instead of producing a negative remainder.
func Draw(entropy int64) int {
	r := entropy % MaxRatio
	if r < 0 {
		r += MaxRatio
	}
	return int(r)
}

// Select maps entropy to a catalogue index by walking the cumulative ratio
// intervals [start, start+ratio) in catalogue order. Draws that land outside
// every interval, including any draw on a catalogue whose ratios sum below
// MaxRatio, resolve to index 0.
func Select(entropy int64, entries []RewardEntry) int {
	r := Draw(entropy)
	start := 0
	for pos, entry := range entries {
		end := start + int(entry.Ratio)
		if r >= start && r < end {
			return pos
		}
		start = end
	}
	return 0
}
