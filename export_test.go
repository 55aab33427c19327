package onepad

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func exportOf(t *testing.T, ks *KeyState, pw string) string {
	var b bytes.Buffer
	require.NoError(t, WriteKeyExport(&b, ks, pw))
	return b.String()
}

func TestKeyExport(t *testing.T) {
	alice, _ := newPair(t, testParams())
	ks := alice.state()
	ks.Alias = "bob"
	out := exportOf(t, ks, "transfer")
	require.NotContains(t, out, "default", "the ring stays private")

	sum, err := PeekKeyExport(strings.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, ks.ID, sum.ID)
	require.Equal(t, "bob", sum.Alias)
	require.Equal(t, Participant1, sum.Owner)
	require.Equal(t, ks.Params.PadSize, sum.PadSize)
	fp, err := ks.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, fp, sum.Fingerprint)

	got, err := ReadKeyExport(strings.NewReader(out), "transfer")
	require.NoError(t, err)
	require.Equal(t, Participant1, got.Me())
	require.Empty(t, got.Ring)
	require.True(t, got.Dirty())
	theirs, err := got.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, fp, theirs, "both sides print the same fingerprint")
	for s := Slot(0); s < slotCount; s++ {
		sameCursor(t, ks.cursors[s], got.cursors[s])
	}

	_, err = ReadKeyExport(strings.NewReader(out), "wrong")
	require.ErrorIs(t, err, ErrInvalidPass)
}

func TestKeyExportTampered(t *testing.T) {
	alice, _ := newPair(t, testParams())
	ks := alice.state()
	out := exportOf(t, ks, "transfer")

	_, err := ReadKeyExport(strings.NewReader(strings.Replace(out, "owner = 1", "owner = 0", 1)), "transfer")
	require.ErrorIs(t, err, ErrFormat)

	_, err = ReadKeyExport(strings.NewReader(strings.Replace(out, "version = 1", "version = 2", 1)), "transfer")
	require.ErrorIs(t, err, ErrFormat)

	_, err = ReadKeyExport(strings.NewReader(strings.Replace(out, "sealed = ", "sealed = !", 1)), "transfer")
	require.ErrorIs(t, err, ErrFormat)

	_, err = PeekKeyExport(strings.NewReader("[key]\nid = 00\n"))
	require.ErrorIs(t, err, ErrFormat)
}

func TestFingerprint(t *testing.T) {
	alice, _ := newPair(t, testParams())
	ks := alice.state()
	fp, err := ks.Fingerprint()
	require.NoError(t, err)
	require.NoError(t, ks.CheckFingerprint(fp))

	other := alice.state()
	other.Verify[0].Value ^= 1
	require.ErrorIs(t, other.CheckFingerprint(fp), ErrPadMismatch)

	// a fingerprint made with another hash function still checks
	mh, err := multihash.Sum(ks.fingerprintInput(), multihash.SHA2_512, -1)
	require.NoError(t, err)
	require.NoError(t, ks.CheckFingerprint(base58.Encode(mh)))

	require.ErrorIs(t, ks.CheckFingerprint("0OIl"), ErrFormat)
	require.ErrorIs(t, ks.CheckFingerprint(base58.Encode([]byte{0x12})), ErrFormat)
}
