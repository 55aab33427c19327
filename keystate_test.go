package onepad

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultKeyParams(t *testing.T) {
	p := DefaultKeyParams(1 << 20)
	require.NoError(t, p.Validate())
	require.Equal(t, 64, p.BlockCount())
	require.Equal(t, 16384, p.BlockSize)
	require.Equal(t, int64(65536), p.WindowSize)
	require.Equal(t, int64(32768), p.WarnSize)

	big := DefaultKeyParams(1 << 30)
	require.NoError(t, big.Validate())
	require.Equal(t, 8192, big.BlockCount())
	require.Equal(t, int64(1<<20), big.WindowSize)
}

func TestValidateParams(t *testing.T) {
	for name, mod := range map[string]func(*KeyParams){
		"ragged pad":   func(p *KeyParams) { p.PadSize++ },
		"tiny pad":     func(p *KeyParams) { p.PadSize = 4 * 512 },
		"window":       func(p *KeyParams) { p.WindowSize = p.PadSize },
		"verify bytes": func(p *KeyParams) { p.VerifyBytes = -1 },
		"padding":      func(p *KeyParams) { p.PaddingMedian = 0 },
		"auth":         func(p *KeyParams) { p.AuthMethod = "hmac" },
		"mac length":   func(p *KeyParams) { p.MacLength = 20 },
	} {
		p := testParams()
		mod(&p)
		require.ErrorIs(t, p.Validate(), ErrInvalidParams, name)
	}
}

func TestNewKey(t *testing.T) {
	p := testParams()
	rng := seeded(t, "key")
	pad, err := rng.Bytes(int(p.PadSize))
	require.NoError(t, err)
	ks, err := NewKey(p, bytes.NewReader(pad), rng, "alias")
	require.NoError(t, err)

	require.Equal(t, Participant0, ks.Me())
	require.True(t, ks.InSync)
	require.Len(t, ks.Verify, p.VerifyBytes)
	seen := map[int64]bool{}
	for _, v := range ks.Verify {
		pos := int64(v.Block)*int64(p.BlockSize) + int64(v.Offset)
		require.False(t, seen[pos], "verification positions are unique")
		seen[pos] = true
		require.Equal(t, pad[pos], v.Value)
	}
	for s := Slot(0); s < slotCount; s++ {
		want := p.WindowSize
		if s.Purpose().Emergency() {
			want = p.EmergencyWindow()
		}
		require.GreaterOrEqual(t, ks.Arena().RemainingBytes(ks.cursors[s]), want, "list %v", s)
	}
	require.NoError(t, VerifyPad(ks, NewMemPad(pad)))

	other := append([]byte(nil), pad...)
	for _, v := range ks.Verify {
		other[int64(v.Block)*int64(p.BlockSize)+int64(v.Offset)] ^= 0xff
	}
	require.ErrorIs(t, VerifyPad(ks, NewMemPad(other)), ErrPadMismatch)
}

func TestKeyStateRecord(t *testing.T) {
	alice, bob := newPair(t, testParams())
	_, _, err := bob.decrypt(alice.encrypt([]byte("state")))
	require.NoError(t, err)
	_, _, err = bob.decrypt(syncRequest(t, alice))
	require.NoError(t, err)

	ks := bob.state()
	b, err := ks.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalKeyState(b)
	require.NoError(t, err)
	require.Equal(t, ks.ID, back.ID)
	require.Equal(t, ks.Ring, back.Ring)
	require.Equal(t, Participant1, back.Owner)
	require.Equal(t, ks.Ledger().Len(), back.Ledger().Len())
	for s := Slot(0); s < slotCount; s++ {
		sameCursor(t, ks.cursors[s], back.cursors[s])
		require.Equal(t, len(ks.Ledger().Areas(s)), len(back.Ledger().Areas(s)))
	}
	snap, ok := back.PartnerSnapshot()
	require.True(t, ok)
	require.Len(t, snap, 4)

	again, err := back.Marshal()
	require.NoError(t, err)
	require.Equal(t, b, again)

	_, err = UnmarshalKeyState(b[:len(b)/2])
	require.Error(t, err)
}

func TestApplyForced(t *testing.T) {
	alice, _ := newPair(t, testParams())
	stored := alice.state()
	ks := alice.state()
	ks.SetInSync(false)
	require.True(t, ks.Forced())
	require.True(t, ks.RingDesync())
	require.NoError(t, ks.ApplyForced(stored))
	require.False(t, stored.InSync)
	require.True(t, stored.Dirty())

	ks.SetPartnerSnapshot(nil)
	require.NoError(t, ks.ApplyForced(stored))
	_, ok := stored.PartnerSnapshot()
	require.False(t, ok)
}

func TestExportForPartner(t *testing.T) {
	alice, bob := newPair(t, testParams())
	a, b := alice.state(), bob.state()
	require.Equal(t, Participant1, b.Me())
	require.Equal(t, Participant0, b.Other())
	require.Equal(t, a.Verify, b.Verify)
	for s := Slot(0); s < slotCount; s++ {
		sameCursor(t, a.cursors[s], b.cursors[s])
	}
}
