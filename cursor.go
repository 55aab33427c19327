package onepad

import (
	"encoding/binary"
	"fmt"
)

// CompactCursorLength is the encoded size of a cursor in compact form.
const CompactCursorLength = 8

// Cursor is a position inside one assignment list: the index of the current
// block within the list and the usable byte offset inside that block.
// Cursors are values; copying one clones it.
type Cursor struct {
	arena  *Arena
	slot   Slot
	index  int
	offset int
}

// Slot returns the list the cursor walks.
func (c Cursor) Slot() Slot { return c.slot }

// Valid reports whether the cursor is bound to an arena.
func (c Cursor) Valid() bool { return c.arena != nil }

// Block returns the id of the current block.
func (c Cursor) Block() (BlockID, bool) {
	if c.arena == nil || c.index >= len(c.arena.lists[c.slot]) {
		return 0, false
	}
	return c.arena.lists[c.slot][c.index], true
}

// Index returns the position of the current block within the list.
func (c Cursor) Index() int { return c.index }

// Offset returns the usable byte offset in the current block.
func (c Cursor) Offset() int { return c.offset }

func (c Cursor) String() string {
	id, ok := c.Block()
	if !ok {
		return fmt.Sprintf("%v@end", c.slot)
	}
	return fmt.Sprintf("%v@%d[%d]+%d", c.slot, c.index, id, c.offset)
}

// Remaining is shorthand for the arena's RemainingBytes.
func (c Cursor) Remaining() int64 {
	if c.arena == nil {
		return 0
	}
	return c.arena.RemainingBytes(c)
}

// Advance moves the cursor n usable bytes forward. The cursor is left
// untouched if the list runs out first.
func (c *Cursor) Advance(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative advance", ErrInternal)
	}
	list := c.arena.lists[c.slot]
	index, offset := c.index, c.offset
	for n > 0 {
		if index >= len(list) {
			return fmt.Errorf("%w: list %v", ErrExhaustedAssignment, c.slot)
		}
		usable := c.arena.usable(list[index])
		if offset >= usable {
			index++
			offset = 0
			continue
		}
		step := int64(usable - offset)
		if step > n {
			step = n
		}
		offset += int(step)
		n -= step
	}
	c.index, c.offset = index, offset
	return nil
}

// norm folds a position sitting on the end of a block onto the start of the
// next block, when there is one.
func (c Cursor) norm() (int, int) {
	list := c.arena.lists[c.slot]
	if c.index+1 < len(list) && c.offset >= c.arena.usable(list[c.index]) {
		return c.index + 1, 0
	}
	return c.index, c.offset
}

// Compare orders two cursors on the same list. It returns -1, 0 or +1.
func Compare(a, b Cursor) (int, error) {
	if a.arena == nil || a.arena != b.arena || a.slot != b.slot {
		return 0, ErrIncomparableCursors
	}
	ai, ao := a.norm()
	bi, bo := b.norm()
	switch {
	case ai < bi:
		return -1, nil
	case ai > bi:
		return 1, nil
	case ao < bo:
		return -1, nil
	case ao > bo:
		return 1, nil
	}
	return 0, nil
}

// After reports whether c lies strictly beyond o. Cursors on different lists
// are never after one another.
func (c Cursor) After(o Cursor) bool {
	r, err := Compare(c, o)
	return err == nil && r > 0
}

// Compact encodes the offset and the current block id.
func (c Cursor) Compact() ([]byte, error) {
	id, ok := c.Block()
	if !ok {
		return nil, fmt.Errorf("%w: list %v has no current block", ErrExhaustedAssignment, c.slot)
	}
	b := make([]byte, 0, CompactCursorLength)
	b = binary.BigEndian.AppendUint32(b, uint32(c.offset))
	return appendID(b, id, true), nil
}

// Complete encodes the offset followed by every id from the current block to
// the end of the list.
func (c Cursor) Complete() ([]byte, error) {
	return c.encodeFrom(c.index)
}

// DeltaSince encodes the offset followed by the ids from the earlier of older
// and c onward, so a partner holding older can anchor the new ids on a block
// it already knows. A nil older encodes the whole list.
func (c Cursor) DeltaSince(older *Cursor) ([]byte, error) {
	from := 0
	if older != nil {
		if _, err := Compare(c, *older); err != nil {
			return nil, err
		}
		from = c.index
		if older.index < from {
			from = older.index
		}
	}
	return c.encodeFrom(from)
}

func (c Cursor) encodeFrom(from int) ([]byte, error) {
	if _, ok := c.Block(); !ok {
		return nil, fmt.Errorf("%w: list %v has no current block", ErrExhaustedAssignment, c.slot)
	}
	list := c.arena.lists[c.slot]
	b := make([]byte, 0, 4+4*(len(list)-from))
	b = binary.BigEndian.AppendUint32(b, uint32(c.offset))
	for i := from; i < len(list); i++ {
		b = appendID(b, list[i], i == c.index)
	}
	return b, nil
}
