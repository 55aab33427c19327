package onepad

import (
	"bytes"
	"sort"
)

// DigestLength is the size of a message digest.
const DigestLength = 32

// Digest identifies a processed message.
type Digest [DigestLength]byte

type area struct {
	start, end Cursor
}

// Ledger remembers which messages were processed for a key and which pad
// ranges they consumed. Ranges on the same list are kept disjoint and
// coalesced.
type Ledger struct {
	digests map[Digest]struct{}
	areas   []area
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{digests: make(map[Digest]struct{})}
}

// Known reports whether d was recorded before.
func (l *Ledger) Known(d Digest) bool {
	_, ok := l.digests[d]
	return ok
}

// Len returns the number of recorded digests.
func (l *Ledger) Len() int { return len(l.digests) }

// IsLegitimate checks a message against the ledger. A known digest is a
// replay and is accepted without looking at its ranges. A new digest is only
// accepted when neither range overlaps a recorded one; both ranges are then
// merged and the digest is recorded.
func (l *Ledger) IsLegitimate(d Digest, encStart, encEnd, authStart, authEnd Cursor) (accepted, isNew bool) {
	if l.Known(d) {
		return true, false
	}
	if l.overlaps(encStart, encEnd) || l.overlaps(authStart, authEnd) {
		return false, false
	}
	l.merge(encStart, encEnd)
	l.merge(authStart, authEnd)
	l.digests[d] = struct{}{}
	return true, true
}

func (l *Ledger) overlaps(start, end Cursor) bool {
	if r, err := Compare(start, end); err != nil || r >= 0 {
		return false
	}
	for _, a := range l.areas {
		// [a.start, a.end) and [start, end) intersect
		r1, err := Compare(start, a.end)
		if err != nil {
			continue
		}
		r2, _ := Compare(a.start, end)
		if r1 < 0 && r2 < 0 {
			return true
		}
	}
	return false
}

func (l *Ledger) merge(start, end Cursor) {
	if r, err := Compare(start, end); err != nil || r >= 0 {
		return
	}
	left, right := -1, -1
	for i, a := range l.areas {
		if r, err := Compare(a.end, start); err == nil && r == 0 {
			left = i
		}
		if r, err := Compare(a.start, end); err == nil && r == 0 {
			right = i
		}
	}
	switch {
	case left >= 0 && right >= 0:
		l.areas[left].end = l.areas[right].end
		l.areas = append(l.areas[:right], l.areas[right+1:]...)
	case left >= 0:
		l.areas[left].end = end
	case right >= 0:
		l.areas[right].start = start
	default:
		l.areas = append(l.areas, area{start: start, end: end})
	}
}

// Areas returns the recorded ranges of slot in list order.
func (l *Ledger) Areas(s Slot) [][2]Cursor {
	var out [][2]Cursor
	for _, a := range l.areas {
		if a.start.slot == s {
			out = append(out, [2]Cursor{a.start, a.end})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		r, _ := Compare(out[i][0], out[j][0])
		return r < 0
	})
	return out
}

func (l *Ledger) sortedDigests() [][]byte {
	out := make([][]byte, 0, len(l.digests))
	for d := range l.digests {
		d := d
		out = append(out, d[:])
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}
