package onepad

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// memKeyStore keeps marshaled key states in memory and follows the same
// persistence rules as Session.
type memKeyStore struct {
	records map[KeyID][]byte
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{records: make(map[KeyID][]byte)}
}

func (m *memKeyStore) LoadKey(id KeyID) (*KeyState, error) {
	b, ok := m.records[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return UnmarshalKeyState(b)
}

func (m *memKeyStore) FinishKey(ks *KeyState, success bool) error {
	if !success {
		if !ks.Forced() {
			return nil
		}
		stored, err := m.LoadKey(ks.ID)
		if err != nil {
			return err
		}
		if err := ks.ApplyForced(stored); err != nil {
			return err
		}
		return m.put(stored, ks.RingDesync())
	}
	if !ks.Dirty() {
		return nil
	}
	return m.put(ks, ks.RingDesync())
}

func (m *memKeyStore) put(ks *KeyState, cascade bool) error {
	b, err := ks.Marshal()
	if err != nil {
		return err
	}
	m.records[ks.ID] = b
	if !cascade || ks.Ring == "" {
		return nil
	}
	for id, rb := range m.records {
		if id == ks.ID {
			continue
		}
		other, err := UnmarshalKeyState(rb)
		if err != nil {
			return err
		}
		if other.Ring != ks.Ring || !other.InSync {
			continue
		}
		other.InSync = false
		if m.records[id], err = other.Marshal(); err != nil {
			return err
		}
	}
	return nil
}

// testParams describe a pad of 256 blocks with small windows, large enough
// for a resync after a handful of messages.
func testParams() KeyParams {
	return KeyParams{
		PadSize:       256 * 512,
		BlockSize:     512,
		WindowSize:    4096,
		WarnSize:      1024,
		VerifyBytes:   16,
		PaddingMedian: 16,
		PaddingSpread: 50,
		AuthMethod:    AuthPoly1305,
		MacLength:     Poly1305MacLength,
	}
}

type party struct {
	t     *testing.T
	id    KeyID
	store *memKeyStore
	pads  *MemoryPads
	e     *Engine
}

func seeded(t *testing.T, seed string) *ChaChaRandom {
	rng, err := NewChaChaRandom([]byte(seed))
	require.NoError(t, err)
	return rng
}

// newPair creates a key and hands one copy of state and pad to each side.
func newPair(t *testing.T, p KeyParams) (alice, bob *party) {
	rng := seeded(t, t.Name())
	pad, err := rng.Bytes(int(p.PadSize))
	require.NoError(t, err)
	ks, err := NewKey(p, bytes.NewReader(pad), rng, "test")
	require.NoError(t, err)
	ks.Ring = "default"
	theirs, err := ks.ExportForPartner()
	require.NoError(t, err)
	return newParty(t, ks, pad, "alice"), newParty(t, theirs, pad, "bob")
}

func newParty(t *testing.T, ks *KeyState, pad []byte, seed string) *party {
	store := newMemKeyStore()
	require.NoError(t, store.put(ks, false))
	pads := &MemoryPads{
		Pads:     map[KeyID]*MemPad{ks.ID: NewMemPad(append([]byte(nil), pad...))},
		Verified: NewVerifiedPads(),
	}
	p := &party{t: t, id: ks.ID, store: store, pads: pads}
	p.e = p.engine(EngineOptions{})
	return p
}

func (p *party) engine(opts EngineOptions) *Engine {
	if opts.Random == nil {
		opts.Random = seeded(p.t, p.t.Name()+"/engine")
	}
	return NewEngine(p.store, p.pads, opts)
}

func (p *party) encrypt(msg []byte) []byte {
	p.t.Helper()
	var out bytes.Buffer
	_, err := p.e.Encrypt(p.id, bytes.NewReader(msg), &out)
	require.NoError(p.t, err)
	return out.Bytes()
}

func (p *party) decrypt(msg []byte) ([]byte, *Result, error) {
	var out bytes.Buffer
	res, err := p.e.Decrypt(bytes.NewReader(msg), &out)
	return out.Bytes(), res, err
}

func (p *party) state() *KeyState {
	p.t.Helper()
	ks, err := p.store.LoadKey(p.id)
	require.NoError(p.t, err)
	return ks
}

func (p *party) snapshot() []byte {
	return append([]byte(nil), p.store.records[p.id]...)
}

func (p *party) restore(b []byte) {
	p.store.records[p.id] = b
}

// sameCursor compares cursors held by two copies of a key.
func sameCursor(t *testing.T, a, b Cursor) {
	t.Helper()
	require.Equal(t, a.Slot(), b.Slot())
	require.Equal(t, a.arena.List(a.Slot()), b.arena.List(b.Slot()), "list %v", a.Slot())
	ai, ao := a.norm()
	bi, bo := b.norm()
	require.Equal(t, [2]int{ai, ao}, [2]int{bi, bo}, "cursor on %v", a.Slot())
}
