package onepad

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptedPad(t *testing.T) {
	inner := NewMemPad(make([]byte, 1000))
	key := bytes.Repeat([]byte{7}, 32)
	p, err := NewEncryptedPad(inner, key, KeyID{1, 2, 3, 4})
	require.NoError(t, err)

	plain := make([]byte, 1000)
	for i := range plain {
		plain[i] = byte(i)
	}
	_, err = p.WriteAt(plain, 0)
	require.NoError(t, err)
	require.NotEqual(t, plain, inner.Bytes())

	// any offset decrypts on its own, including ones inside a chacha block
	for _, off := range []int64{0, 1, 63, 64, 65, 500, 999} {
		b := make([]byte, 1)
		_, err := p.ReadAt(b, off)
		require.NoError(t, err)
		require.Equal(t, plain[off], b[0], "offset %d", off)
	}
	_, err = p.WriteAt([]byte{0xaa, 0xbb}, 127)
	require.NoError(t, err)
	b := make([]byte, 4)
	_, err = p.ReadAt(b, 126)
	require.NoError(t, err)
	require.Equal(t, []byte{126, 0xaa, 0xbb, 129}, b)

	other, err := NewEncryptedPad(inner, key, KeyID{9})
	require.NoError(t, err)
	_, err = other.ReadAt(b, 0)
	require.NoError(t, err)
	require.NotEqual(t, plain[:4], b, "the key id selects the stream")

	_, err = NewEncryptedPad(inner, key[:16], KeyID{})
	require.Error(t, err)
}

func TestKeyStreamSkipsReserved(t *testing.T) {
	a := testArena(t)
	require.NoError(t, a.Fill(a.Start(slot0E), Participant0, 40))
	raw := make([]byte, 8*16)
	for i := range raw {
		raw[i] = byte(i)
	}
	pad := NewMemPad(raw)

	// start at the end of block 1 so the read runs into block 4
	start := a.Start(slot0E)
	require.NoError(t, start.Advance(30))
	ks := NewKeyStream(pad, start)
	got, err := ks.Next(6)
	require.NoError(t, err)
	// block 1 holds raw bytes 16..31, block 4 raw 64..79 with 64 and 69 reserved
	require.Equal(t, []byte{30, 31, 65, 66, 67, 68}, got)
	got, err = ks.Next(2)
	require.NoError(t, err)
	require.Equal(t, []byte{70, 71}, got)

	before := ks.Position()
	_, err = ks.Next(100)
	require.ErrorIs(t, err, ErrExhaustedAssignment)
	require.Equal(t, before, ks.Position())

	w := NewKeyStream(pad, before)
	require.NoError(t, w.WriteNext([]byte{0xff, 0xfe}))
	require.Equal(t, byte(0xff), pad.Bytes()[72])
	require.Equal(t, byte(64), pad.Bytes()[64], "reserved byte untouched")
}

func TestFilePads(t *testing.T) {
	dir := t.TempDir()
	p := testParams()
	rng := seeded(t, "file pads")
	content, err := rng.Bytes(int(p.PadSize))
	require.NoError(t, err)
	ks, err := NewKey(p, bytes.NewReader(content), rng, "file")
	require.NoError(t, err)
	ks.Ring = "default"
	ks.PadPath = "k.pad"

	key := bytes.Repeat([]byte{3}, 32)
	fp, err := CreateFilePad(filepath.Join(dir, ks.PadPath), p.PadSize)
	require.NoError(t, err)
	enc, err := NewEncryptedPad(fp, key, ks.ID)
	require.NoError(t, err)
	require.NoError(t, CopyPad(enc, NewMemPad(content)))
	require.NoError(t, enc.Close())

	_, err = CreateFilePad(filepath.Join(dir, ks.PadPath), p.PadSize)
	require.True(t, os.IsExist(err), "existing pads are never overwritten")

	pads := &FilePads{
		Dir:      dir,
		Key:      func(string) ([]byte, error) { return key, nil },
		Verified: NewVerifiedPads(),
	}
	pad, err := pads.OpenPad(ks, false)
	require.NoError(t, err)
	require.True(t, pads.Verified.Verified(ks))
	got := make([]byte, 64)
	_, err = pad.ReadAt(got, 4096)
	require.NoError(t, err)
	require.Equal(t, content[4096:4096+64], got)
	require.NoError(t, pad.Close())

	plain := &FilePads{Dir: dir, Verified: NewVerifiedPads()}
	_, err = plain.OpenPad(ks, false)
	require.ErrorIs(t, err, ErrPadMismatch, "encrypted file read without its key")

	require.ErrorIs(t, CopyPad(NewMemPad(make([]byte, 10)), NewMemPad(content)), ErrPadMismatch)
}
