package onepad

import (
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// KeyIDLength is the size of a key id on the wire.
	KeyIDLength = 4
	// MinBlockCount is the smallest pad, in blocks, a key may be built on.
	MinBlockCount = 8
	keyRecordVersion = 1
)

// KeyID identifies a key within all rings.
type KeyID [KeyIDLength]byte

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// ParseKeyID decodes the hex form of a key id.
func ParseKeyID(s string) (KeyID, error) {
	var id KeyID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != KeyIDLength {
		return id, fmt.Errorf("key id must be %d bytes", KeyIDLength)
	}
	copy(id[:], b)
	return id, nil
}

// KeyParams are the settings fixed when a key is created.
type KeyParams struct {
	PadSize       int64
	BlockSize     int
	WindowSize    int64
	WarnSize      int64
	VerifyBytes   int
	PaddingMedian int
	PaddingSpread int
	AuthMethod    string
	MacLength     int
}

// DefaultKeyParams derives the usual settings for a pad of padSize bytes:
// a power of two between 64 and 8192 blocks, a window of at most 1 MiB and a
// warning threshold of at most 2 MiB.
func DefaultKeyParams(padSize int64) KeyParams {
	mib := padSize / (1024 * 1024)
	n := mib * 8
	if n < 64 {
		n = 64
	}
	if n > 8192 {
		n = 8192
	}
	blocks := int64(1) << uint(math.Ceil(math.Log2(float64(n))))
	blockSize := int(padSize / blocks)
	if blockSize < 16 {
		blockSize = 16
	}
	blockSize = blockSize / 16 * 16
	p := KeyParams{
		PadSize:       padSize / int64(blockSize) * int64(blockSize),
		BlockSize:     blockSize,
		WindowSize:    1024 * 1024,
		WarnSize:      2048 * 1024,
		VerifyBytes:   64,
		PaddingMedian: 128,
		PaddingSpread: 70,
		AuthMethod:    AuthPoly1305,
		MacLength:     Poly1305MacLength,
	}
	if p.WindowSize > p.PadSize/16 {
		p.WindowSize = p.PadSize / 16
	}
	if p.WarnSize > p.PadSize/32 {
		p.WarnSize = p.PadSize / 32
	}
	return p
}

// BlockCount returns the number of blocks in the pad.
func (p KeyParams) BlockCount() int {
	if p.BlockSize <= 0 {
		return 0
	}
	return int(p.PadSize / int64(p.BlockSize))
}

// EmergencyWindow is the capacity kept on each emergency list. It holds a
// handful of worst-case sync messages.
func (p KeyParams) EmergencyWindow() int64 {
	return 5 * (int64(p.BlockCount())*4 + 33 + int64(p.PaddingMedian))
}

// Validate checks the parameters against the pad geometry.
func (p KeyParams) Validate() error {
	switch {
	case p.BlockSize <= 0:
		return fmt.Errorf("%w: block size must be positive", ErrInvalidParams)
	case p.PadSize%int64(p.BlockSize) != 0:
		return fmt.Errorf("%w: pad size %d is not a multiple of block size %d", ErrInvalidParams, p.PadSize, p.BlockSize)
	case p.BlockCount() < MinBlockCount:
		return fmt.Errorf("%w: pad must hold at least %d blocks", ErrInvalidParams, MinBlockCount)
	case int64(p.BlockCount()) > math.MaxInt32:
		return fmt.Errorf("%w: too many blocks", ErrInvalidParams)
	case p.WindowSize <= 0 || p.WindowSize > p.PadSize/8:
		return fmt.Errorf("%w: window size must be positive and at most 1/8 of the pad", ErrInvalidParams)
	case p.VerifyBytes < 0 || int64(p.VerifyBytes) > p.PadSize/4:
		return fmt.Errorf("%w: verification byte count %d", ErrInvalidParams, p.VerifyBytes)
	case p.PaddingMedian < 1 || p.PaddingSpread < 0:
		return fmt.Errorf("%w: padding parameters", ErrInvalidParams)
	}
	return validateAuth(p.AuthMethod, p.MacLength)
}

// VerifyByte is one pad byte recorded at key creation and checked whenever
// the pad is opened. Its position is never used as key material.
type VerifyByte struct {
	Block  BlockID
	Offset int
	Value  byte
}

// syncOrder is the order in which the four normal cursors travel in sync
// messages.
var syncOrder = [4]Slot{
	SlotOf(Participant0, Encryption),
	SlotOf(Participant0, Authentication),
	SlotOf(Participant1, Encryption),
	SlotOf(Participant1, Authentication),
}

// KeyState is the synchronization state of one key as seen by its owner.
type KeyState struct {
	ID       KeyID
	Ring     string
	Alias    string
	Owner    Participant
	PadPath  string
	Params   KeyParams
	Verify   []VerifyByte
	InSync   bool
	LastUsed time.Time

	arena   *Arena
	cursors [slotCount]Cursor
	partner []Cursor
	ledger  *Ledger

	dirty         bool
	forcedSync    bool
	forcedPartner bool
	ringDesync    bool
}

// NewKey creates the state of a new key over pad, owned by participant 0.
// Verification bytes are sampled from pad, the assignment order is shuffled,
// and every list is filled to its window.
func NewKey(p KeyParams, pad io.ReaderAt, rng RandomSource, alias string) (*KeyState, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	idb, err := rng.Bytes(KeyIDLength)
	if err != nil {
		return nil, err
	}
	ks := &KeyState{
		Alias:    alias,
		Owner:    Participant0,
		Params:   p,
		InSync:   true,
		LastUsed: time.Now(),
		ledger:   NewLedger(),
		dirty:    true,
	}
	copy(ks.ID[:], idb)

	count := p.BlockCount()
	order := make([]BlockID, count)
	for i := range order {
		order[i] = BlockID(i)
	}
	for i := count - 1; i > 0; i-- {
		j, err := rng.Intn(i + 1)
		if err != nil {
			return nil, err
		}
		order[i], order[j] = order[j], order[i]
	}

	seen := make(map[int64]bool, p.VerifyBytes)
	for len(ks.Verify) < p.VerifyBytes {
		blk, err := rng.Intn(count)
		if err != nil {
			return nil, err
		}
		off, err := rng.Intn(p.BlockSize)
		if err != nil {
			return nil, err
		}
		pos := int64(blk)*int64(p.BlockSize) + int64(off)
		if seen[pos] {
			continue
		}
		seen[pos] = true
		var v [1]byte
		if _, err := pad.ReadAt(v[:], pos); err != nil {
			return nil, fmt.Errorf("reading verification byte: %w", err)
		}
		ks.Verify = append(ks.Verify, VerifyByte{Block: BlockID(blk), Offset: off, Value: v[0]})
	}

	if ks.arena, err = NewArena(p.BlockSize, count, order, reservedOf(ks.Verify)); err != nil {
		return nil, err
	}
	for s := Slot(0); s < slotCount; s++ {
		ks.cursors[s] = ks.arena.Start(s)
	}
	sos := p.EmergencyWindow()
	fills := []struct {
		p    Participant
		u    Purpose
		from Participant
		size int64
	}{
		{Participant0, EmergencyEncryption, Participant0, sos},
		{Participant0, EmergencyAuthentication, Participant0, sos},
		{Participant1, EmergencyEncryption, Participant1, sos},
		{Participant1, EmergencyAuthentication, Participant1, sos},
		{Participant0, Encryption, Participant1, p.WindowSize},
		{Participant0, Authentication, Participant1, p.WindowSize},
		{Participant1, Encryption, Participant0, p.WindowSize},
		{Participant1, Authentication, Participant0, p.WindowSize},
	}
	for _, f := range fills {
		if err := ks.arena.Fill(ks.cursors[SlotOf(f.p, f.u)], f.from, f.size); err != nil {
			return nil, fmt.Errorf("%w: pad too small for its windows: %v", ErrInvalidParams, err)
		}
	}
	return ks, nil
}

func reservedOf(v []VerifyByte) map[BlockID][]int {
	m := make(map[BlockID][]int)
	for _, b := range v {
		m[b.Block] = append(m[b.Block], b.Offset)
	}
	return m
}

// Me returns the owner of the key.
func (ks *KeyState) Me() Participant { return ks.Owner }

// Other returns the partner.
func (ks *KeyState) Other() Participant { return ks.Owner.Other() }

// Arena returns the block assignment lists of the key.
func (ks *KeyState) Arena() *Arena { return ks.arena }

// Ledger returns the known-message ledger of the key.
func (ks *KeyState) Ledger() *Ledger { return ks.ledger }

// Cursor returns a clone of the committed cursor of (p, u).
func (ks *KeyState) Cursor(p Participant, u Purpose) Cursor {
	return ks.cursors[SlotOf(p, u)]
}

// UpdateCursor commits c if it lies beyond the committed cursor of its list
// and reports whether it did.
func (ks *KeyState) UpdateCursor(c Cursor) bool {
	if !c.After(ks.cursors[c.slot]) {
		return false
	}
	ks.cursors[c.slot] = c
	ks.dirty = true
	return true
}

// Remaining returns the capacity left on the list of (p, u).
func (ks *KeyState) Remaining(p Participant, u Purpose) int64 {
	return ks.arena.RemainingBytes(ks.Cursor(p, u))
}

// FreeBytes returns the usable bytes of blocks not yet assigned to any list.
func (ks *KeyState) FreeBytes() int64 {
	return int64(ks.arena.FreeBlocks()) * int64(ks.Params.BlockSize)
}

// LowCapacity reports whether the unassigned pad fell below the warning
// threshold.
func (ks *KeyState) LowCapacity() bool {
	return ks.FreeBytes() < ks.Params.WarnSize
}

// SetInSync records a sync state change. The change is persisted even if the
// running operation fails. Going out of sync also disables every other key of
// the ring when the state is finished.
func (ks *KeyState) SetInSync(in bool) {
	if ks.InSync == in {
		return
	}
	ks.InSync = in
	ks.forcedSync = true
	ks.dirty = true
	if !in {
		ks.ringDesync = true
	}
}

// PartnerSnapshot returns the partner's cursors from its last sync request,
// in the order 0E, 0A, 1E, 1A.
func (ks *KeyState) PartnerSnapshot() ([]Cursor, bool) {
	if ks.partner == nil {
		return nil, false
	}
	return append([]Cursor(nil), ks.partner...), true
}

// SetPartnerSnapshot stores or, with nil, clears the partner snapshot. The
// change is persisted even if the running operation fails.
func (ks *KeyState) SetPartnerSnapshot(c []Cursor) {
	if c != nil {
		c = append([]Cursor(nil), c...)
	}
	ks.partner = c
	ks.forcedPartner = true
	ks.dirty = true
}

// MarkDirty flags the state for persistence.
func (ks *KeyState) MarkDirty() { ks.dirty = true }

// Dirty reports whether the state changed since it was loaded.
func (ks *KeyState) Dirty() bool { return ks.dirty }

// Forced reports whether the state carries updates that must persist even
// when the operation fails.
func (ks *KeyState) Forced() bool { return ks.forcedSync || ks.forcedPartner }

// RingDesync reports whether the other keys of the ring must be marked out
// of sync.
func (ks *KeyState) RingDesync() bool { return ks.ringDesync }

// ExportForPartner returns a copy of the state owned by the other
// participant.
func (ks *KeyState) ExportForPartner() (*KeyState, error) {
	b, err := ks.Marshal()
	if err != nil {
		return nil, err
	}
	out, err := UnmarshalKeyState(b)
	if err != nil {
		return nil, err
	}
	out.Owner = ks.Owner.Other()
	out.partner = nil
	out.dirty = true
	return out, nil
}

// ApplyForced copies the forced updates of ks onto stored, which is a fresh
// load of the same key.
func (ks *KeyState) ApplyForced(stored *KeyState) error {
	if ks.forcedSync {
		stored.InSync = ks.InSync
	}
	if ks.forcedPartner {
		if ks.partner == nil {
			stored.partner = nil
		} else {
			p, err := stored.bindCursors(recordCursors(ks.partner), syncOrder[:])
			if err != nil {
				return err
			}
			stored.partner = p
		}
	}
	stored.dirty = true
	return nil
}

type cursorRecord struct {
	Index  int `cbor:"1,keyasint"`
	Offset int `cbor:"2,keyasint"`
}

type areaRecord struct {
	Slot  int          `cbor:"1,keyasint"`
	Start cursorRecord `cbor:"2,keyasint"`
	End   cursorRecord `cbor:"3,keyasint"`
}

type keyRecord struct {
	Version  int                     `cbor:"1,keyasint"`
	ID       []byte                  `cbor:"2,keyasint"`
	Ring     string                  `cbor:"3,keyasint"`
	Alias    string                  `cbor:"4,keyasint"`
	Owner    int                     `cbor:"5,keyasint"`
	PadPath  string                  `cbor:"6,keyasint"`
	Params   KeyParams               `cbor:"7,keyasint"`
	Order    []uint32                `cbor:"8,keyasint"`
	Verify   []VerifyByte            `cbor:"9,keyasint"`
	Lists    [slotCount][]uint32     `cbor:"10,keyasint"`
	Cursors  [slotCount]cursorRecord `cbor:"11,keyasint"`
	Partner  []cursorRecord          `cbor:"12,keyasint,omitempty"`
	Digests  [][]byte                `cbor:"13,keyasint"`
	Areas    []areaRecord            `cbor:"14,keyasint"`
	InSync   bool                    `cbor:"15,keyasint"`
	LastUsed int64                   `cbor:"16,keyasint"`
}

func recordCursors(cs []Cursor) []cursorRecord {
	out := make([]cursorRecord, len(cs))
	for i, c := range cs {
		out[i] = cursorRecord{Index: c.index, Offset: c.offset}
	}
	return out
}

func (ks *KeyState) bindCursor(r cursorRecord, s Slot) (Cursor, error) {
	list := ks.arena.lists[s]
	switch {
	case r.Index < 0 || r.Index > len(list):
		return Cursor{}, fmt.Errorf("%w: cursor index %d on list %v", ErrFormat, r.Index, s)
	case r.Index == len(list) && r.Offset != 0:
		return Cursor{}, fmt.Errorf("%w: cursor past list %v", ErrFormat, s)
	case r.Index < len(list) && (r.Offset < 0 || r.Offset > ks.arena.usable(list[r.Index])):
		return Cursor{}, fmt.Errorf("%w: cursor offset %d on list %v", ErrFormat, r.Offset, s)
	}
	return Cursor{arena: ks.arena, slot: s, index: r.Index, offset: r.Offset}, nil
}

func (ks *KeyState) bindCursors(rs []cursorRecord, slots []Slot) ([]Cursor, error) {
	if len(rs) != len(slots) {
		return nil, fmt.Errorf("%w: %d cursors for %d lists", ErrFormat, len(rs), len(slots))
	}
	out := make([]Cursor, len(rs))
	for i, r := range rs {
		c, err := ks.bindCursor(r, slots[i])
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// Marshal encodes the state as cbor.
func (ks *KeyState) Marshal() ([]byte, error) {
	r := keyRecord{
		Version:  keyRecordVersion,
		ID:       ks.ID[:],
		Ring:     ks.Ring,
		Alias:    ks.Alias,
		Owner:    int(ks.Owner),
		PadPath:  ks.PadPath,
		Params:   ks.Params,
		Verify:   ks.Verify,
		InSync:   ks.InSync,
		LastUsed: ks.LastUsed.Unix(),
		Digests:  ks.ledger.sortedDigests(),
	}
	for _, id := range ks.arena.order {
		r.Order = append(r.Order, uint32(id))
	}
	for s := Slot(0); s < slotCount; s++ {
		for _, id := range ks.arena.lists[s] {
			r.Lists[s] = append(r.Lists[s], uint32(id))
		}
		r.Cursors[s] = cursorRecord{Index: ks.cursors[s].index, Offset: ks.cursors[s].offset}
	}
	if ks.partner != nil {
		r.Partner = recordCursors(ks.partner)
	}
	for _, a := range ks.ledger.areas {
		r.Areas = append(r.Areas, areaRecord{
			Slot:  int(a.start.slot),
			Start: cursorRecord{Index: a.start.index, Offset: a.start.offset},
			End:   cursorRecord{Index: a.end.index, Offset: a.end.offset},
		})
	}
	return cbor.Marshal(r)
}

// UnmarshalKeyState decodes a state written by Marshal.
func UnmarshalKeyState(b []byte) (*KeyState, error) {
	var r keyRecord
	if err := cbor.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	if r.Version != keyRecordVersion {
		return nil, fmt.Errorf("%w: key record version %d", ErrFormat, r.Version)
	}
	if len(r.ID) != KeyIDLength || !Participant(r.Owner).Valid() {
		return nil, fmt.Errorf("%w: key record header", ErrFormat)
	}
	ks := &KeyState{
		Ring:     r.Ring,
		Alias:    r.Alias,
		Owner:    Participant(r.Owner),
		PadPath:  r.PadPath,
		Params:   r.Params,
		Verify:   r.Verify,
		InSync:   r.InSync,
		LastUsed: time.Unix(r.LastUsed, 0),
		ledger:   NewLedger(),
	}
	copy(ks.ID[:], r.ID)

	order := make([]BlockID, len(r.Order))
	for i, id := range r.Order {
		order[i] = BlockID(id)
	}
	var err error
	if ks.arena, err = NewArena(r.Params.BlockSize, r.Params.BlockCount(), order, reservedOf(r.Verify)); err != nil {
		return nil, err
	}
	for s := Slot(0); s < slotCount; s++ {
		for _, id := range r.Lists[s] {
			if err := ks.arena.AddBlock(s, BlockID(id)); err != nil {
				return nil, err
			}
		}
		if ks.cursors[s], err = ks.bindCursor(r.Cursors[s], s); err != nil {
			return nil, err
		}
	}
	if r.Partner != nil {
		if ks.partner, err = ks.bindCursors(r.Partner, syncOrder[:]); err != nil {
			return nil, err
		}
	}
	for _, d := range r.Digests {
		var dg Digest
		if len(d) != DigestLength {
			return nil, fmt.Errorf("%w: digest of %d bytes", ErrFormat, len(d))
		}
		copy(dg[:], d)
		ks.ledger.digests[dg] = struct{}{}
	}
	for _, a := range r.Areas {
		if a.Slot < 0 || a.Slot >= slotCount {
			return nil, fmt.Errorf("%w: area slot %d", ErrFormat, a.Slot)
		}
		start, err := ks.bindCursor(a.Start, Slot(a.Slot))
		if err != nil {
			return nil, err
		}
		end, err := ks.bindCursor(a.End, Slot(a.Slot))
		if err != nil {
			return nil, err
		}
		ks.ledger.areas = append(ks.ledger.areas, area{start: start, end: end})
	}
	return ks, nil
}
