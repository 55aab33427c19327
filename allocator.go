package onepad

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrAssignmentMismatch is returned when a partner's assignment disagrees with
// the ids already on record for the same list.
var ErrAssignmentMismatch = errors.New("assignment does not match local list")

// Participant is one of the two correspondents sharing a pad.
type Participant int

const (
	Participant0 Participant = 0
	Participant1 Participant = 1
)

// Other returns the opposite participant.
func (p Participant) Other() Participant {
	return 1 - p
}

// Valid reports whether p is 0 or 1.
func (p Participant) Valid() bool {
	return p == Participant0 || p == Participant1
}

// Purpose is what a list of pad blocks is spent on.
type Purpose int

const (
	Encryption Purpose = iota
	Authentication
	EmergencyEncryption
	EmergencyAuthentication
)

// Emergency reports whether the purpose belongs to the resync channel.
func (u Purpose) Emergency() bool {
	return u == EmergencyEncryption || u == EmergencyAuthentication
}

// ToEmergency maps a normal purpose onto its emergency twin.
func (u Purpose) ToEmergency() Purpose {
	switch u {
	case Encryption:
		return EmergencyEncryption
	case Authentication:
		return EmergencyAuthentication
	}
	return u
}

func (u Purpose) String() string {
	switch u {
	case Encryption:
		return "enc"
	case Authentication:
		return "auth"
	case EmergencyEncryption:
		return "sos-enc"
	case EmergencyAuthentication:
		return "sos-auth"
	}
	return fmt.Sprintf("purpose(%d)", int(u))
}

// Slot indexes one assignment list in the arena.
type Slot int

const slotCount = 8

// SlotOf returns the slot of the (participant, purpose) pair.
func SlotOf(p Participant, u Purpose) Slot {
	return Slot(int(u)*2 + int(p))
}

// Participant returns the owner of the list.
func (s Slot) Participant() Participant { return Participant(int(s) % 2) }

// Purpose returns what the list is spent on.
func (s Slot) Purpose() Purpose { return Purpose(int(s) / 2) }

func (s Slot) String() string {
	return fmt.Sprintf("%d/%s", s.Participant(), s.Purpose())
}

// BlockID is the index of one pad block.
type BlockID uint32

// BlockData is the static geometry of one block.
type BlockData struct {
	ID     BlockID
	Start  int64
	Length int
	// Reserved holds the sorted offsets, within the block, of verification
	// bytes that are never used as key material.
	Reserved []int
}

// Usable is the number of key bytes the block provides.
func (b BlockData) Usable() int {
	return b.Length - len(b.Reserved)
}

// Raw maps an offset counted in usable bytes onto the raw offset inside the
// block, stepping over reserved positions.
func (b BlockData) Raw(off int) int {
	raw := off
	for _, r := range b.Reserved {
		if r > raw {
			break
		}
		raw++
	}
	return raw
}

type location struct {
	slot  Slot
	index int
}

// Arena owns the eight block assignment lists of one pad. A block id lives in
// at most one list.
type Arena struct {
	blockSize  int
	blockCount int
	order      []BlockID
	lists      [slotCount][]BlockID
	where      map[BlockID]location
	reserved   map[BlockID][]int
}

// NewArena returns an empty arena. order is the randomized sequence in which
// free blocks are handed out; participant 0 takes from its front, participant
// 1 from its back. reserved maps a block to its verification byte offsets.
func NewArena(blockSize, blockCount int, order []BlockID, reserved map[BlockID][]int) (*Arena, error) {
	if blockSize <= 0 || blockCount <= 0 {
		return nil, fmt.Errorf("%w: block size %d, block count %d", ErrInvalidParams, blockSize, blockCount)
	}
	if len(order) != blockCount {
		return nil, fmt.Errorf("%w: assignment order has %d entries, want %d", ErrInvalidParams, len(order), blockCount)
	}
	seen := make(map[BlockID]bool, blockCount)
	for _, id := range order {
		if int(id) >= blockCount || seen[id] {
			return nil, fmt.Errorf("%w: assignment order is not a permutation", ErrInvalidParams)
		}
		seen[id] = true
	}
	a := &Arena{
		blockSize:  blockSize,
		blockCount: blockCount,
		order:      append([]BlockID(nil), order...),
		where:      make(map[BlockID]location),
		reserved:   make(map[BlockID][]int, len(reserved)),
	}
	for id, offs := range reserved {
		cp := append([]int(nil), offs...)
		sort.Ints(cp)
		a.reserved[id] = cp
	}
	return a, nil
}

// BlockSize returns the raw size of every block.
func (a *Arena) BlockSize() int { return a.blockSize }

// BlockCount returns the number of blocks in the pad.
func (a *Arena) BlockCount() int { return a.blockCount }

// List returns a copy of the ids assigned to slot.
func (a *Arena) List(s Slot) []BlockID {
	return append([]BlockID(nil), a.lists[s]...)
}

// Len returns the number of blocks assigned to slot.
func (a *Arena) Len(s Slot) int { return len(a.lists[s]) }

// Contains reports whether id is assigned to any list.
func (a *Arena) Contains(id BlockID) bool {
	_, ok := a.where[id]
	return ok
}

// FreeBlocks returns the number of blocks not assigned to any list.
func (a *Arena) FreeBlocks() int {
	return a.blockCount - len(a.where)
}

// BlockData returns the geometry of id.
func (a *Arena) BlockData(id BlockID) BlockData {
	return BlockData{
		ID:       id,
		Start:    int64(id) * int64(a.blockSize),
		Length:   a.blockSize,
		Reserved: a.reserved[id],
	}
}

func (a *Arena) usable(id BlockID) int {
	return a.blockSize - len(a.reserved[id])
}

// AddBlock appends id to the list of slot.
func (a *Arena) AddBlock(s Slot, id BlockID) error {
	if int(id) >= a.blockCount {
		return fmt.Errorf("%w: %d", ErrBlockRange, id)
	}
	if loc, ok := a.where[id]; ok {
		return fmt.Errorf("%w: block %d held by list %v", ErrDuplicateBlock, id, loc.slot)
	}
	a.where[id] = location{slot: s, index: len(a.lists[s])}
	a.lists[s] = append(a.lists[s], id)
	return nil
}

// Start returns a cursor at the first byte of the list of slot.
func (a *Arena) Start(s Slot) Cursor {
	return Cursor{arena: a, slot: s}
}

// RemainingBytes returns the usable bytes from c to the end of its list.
func (a *Arena) RemainingBytes(c Cursor) int64 {
	list := a.lists[c.slot]
	if c.index >= len(list) {
		return 0
	}
	n := int64(a.usable(list[c.index]) - c.offset)
	if n < 0 {
		n = 0
	}
	for _, id := range list[c.index+1:] {
		n += int64(a.usable(id))
	}
	return n
}

func (a *Arena) nextFree(from Participant) (BlockID, error) {
	if from == Participant0 {
		for _, id := range a.order {
			if !a.Contains(id) {
				return id, nil
			}
		}
	} else {
		for i := len(a.order) - 1; i >= 0; i-- {
			if !a.Contains(a.order[i]) {
				return a.order[i], nil
			}
		}
	}
	return 0, ErrNoFreeBlocks
}

// Fill appends free blocks taken from the end of the assignment order owned
// by from until at least size usable bytes remain after c.
func (a *Arena) Fill(c Cursor, from Participant, size int64) error {
	for a.RemainingBytes(c) < size {
		id, err := a.nextFree(from)
		if err != nil {
			return err
		}
		if err := a.AddBlock(c.slot, id); err != nil {
			return err
		}
	}
	return nil
}

// AddBlocks merges an assignment in complete or delta form into the list of
// slot. The first id of the assignment must already be on the list; ids that
// overlap the local list must match it and the rest are appended. Ids held by
// another list are skipped and returned.
func (a *Arena) AddBlocks(s Slot, assignment []byte) ([]BlockID, error) {
	ids, _, err := decodeAssignment(assignment)
	if err != nil {
		return nil, err
	}
	loc, ok := a.where[ids[0]]
	if !ok || loc.slot != s {
		return nil, fmt.Errorf("%w: block %d on list %v", ErrBlockNotAssigned, ids[0], s)
	}
	var skipped []BlockID
	pos := loc.index
	for _, id := range ids {
		if pos < len(a.lists[s]) {
			if a.lists[s][pos] != id {
				return nil, fmt.Errorf("%w: list %v position %d holds %d, partner has %d",
					ErrAssignmentMismatch, s, pos, a.lists[s][pos], id)
			}
			pos++
			continue
		}
		if err := a.AddBlock(s, id); err != nil {
			if errors.Is(err, ErrDuplicateBlock) {
				skipped = append(skipped, id)
				continue
			}
			return nil, err
		}
		pos++
	}
	return skipped, nil
}

// ParseCursor reads a cursor in compact, complete or delta form and locates
// it on the list of slot.
func (a *Arena) ParseCursor(s Slot, b []byte) (Cursor, error) {
	_, cur, err := decodeAssignment(b)
	if err != nil {
		return Cursor{}, err
	}
	if cur < 0 {
		return Cursor{}, fmt.Errorf("%w: cursor without current block", ErrFormat)
	}
	offset := int(binary.BigEndian.Uint32(b[0:4]))
	id := BlockID(cur)
	loc, ok := a.where[id]
	if !ok || loc.slot != s {
		return Cursor{}, fmt.Errorf("%w: block %d on list %v", ErrBlockNotAssigned, id, s)
	}
	if offset > a.usable(id) {
		return Cursor{}, fmt.Errorf("%w: offset %d beyond block %d", ErrFormat, offset, id)
	}
	return Cursor{arena: a, slot: s, index: loc.index, offset: offset}, nil
}

// decodeAssignment splits an encoded assignment into its ids. cur is the id
// that was marked current, or -1 if none was.
func decodeAssignment(b []byte) (ids []BlockID, cur int64, err error) {
	if len(b) < 8 || len(b)%4 != 0 {
		return nil, -1, fmt.Errorf("%w: assignment of %d bytes", ErrFormat, len(b))
	}
	cur = -1
	for i := 4; i < len(b); i += 4 {
		v := int32(binary.BigEndian.Uint32(b[i : i+4]))
		if v < 0 {
			v = -v - 1
			if cur < 0 {
				cur = int64(v)
			}
		}
		ids = append(ids, BlockID(v))
	}
	return ids, cur, nil
}

func appendID(b []byte, id BlockID, current bool) []byte {
	v := int32(id)
	if current {
		v = -v - 1
	}
	return binary.BigEndian.AppendUint32(b, uint32(v))
}
