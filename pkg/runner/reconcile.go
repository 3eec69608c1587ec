package runner

import (
	"math"
	"strings"
)

// reconcileSnapshots turns one incoming content update into a sequence of
// full-text snapshots, one per added character:
//
//   - delta: next is a fragment appended onto prev
//   - empty prev: next is the whole first message
//   - next strictly extends prev: snapshot only the appended tail
//   - anything else is a non-monotonic replacement and yields exactly one
//     snapshot equal to next
func reconcileSnapshots(prev, next string, delta bool) []string {
	switch {
	case delta:
		return growBy(prev, next)
	case prev == "":
		return growBy("", next)
	case strings.HasPrefix(next, prev) && len(next) > len(prev):
		return growBy(prev, next[len(prev):])
	default:
		return []string{next}
	}
}

// growBy appends tail onto base one rune at a time, returning one snapshot
// per rune.
func growBy(base, tail string) []string {
	if tail == "" {
		return nil
	}
	snaps := make([]string, 0, len(tail))
	acc := base
	for _, r := range tail {
		acc += string(r)
		snaps = append(snaps, acc)
	}
	return snaps
}

// downsample reduces a snapshot sequence to at most maxUpdates entries via
// evenly spaced index selection, always preserving the true final snapshot.
func downsample(snaps []string, maxUpdates int) []string {
	if maxUpdates <= 1 || len(snaps) <= maxUpdates {
		return snaps
	}

	last := len(snaps) - 1
	out := make([]string, 0, maxUpdates+1)
	for i := 0; i < maxUpdates; i++ {
		idx := int(math.Round(float64(i) * float64(last) / float64(maxUpdates-1)))
		out = append(out, snaps[idx])
	}
	if out[len(out)-1] != snaps[last] {
		out = append(out, snaps[last])
	}
	return out
}
