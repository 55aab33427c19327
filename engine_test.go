package onepad

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	alice, bob := newPair(t, testParams())
	for _, n := range []int{0, 1, 17, 500, 2000} {
		msg := bytes.Repeat([]byte{byte(n)}, n)
		ct := alice.encrypt(msg)
		got, res, err := bob.decrypt(ct)
		require.NoError(t, err, "size %d", n)
		require.Equal(t, msg, got)
		require.Equal(t, StatusOK, res.Status)
		require.Equal(t, Participant0, res.Sender)
		require.Equal(t, int64(n), res.BodyLength)
		require.False(t, res.Emergency)
	}
}

func TestPingPong(t *testing.T) {
	alice, bob := newPair(t, testParams())
	for i := 0; i < 20; i++ {
		from, to := alice, bob
		if i%2 == 1 {
			from, to = bob, alice
		}
		msg := []byte("message number " + string(rune('a'+i)))
		got, _, err := to.decrypt(from.encrypt(msg))
		require.NoError(t, err, "message %d", i)
		require.Equal(t, msg, got)
	}
	require.True(t, alice.state().InSync)
	require.True(t, bob.state().InSync)
}

func TestRoundTripBlake2b(t *testing.T) {
	p := testParams()
	p.AuthMethod = AuthBlake2b
	p.MacLength = 32
	alice, bob := newPair(t, p)
	got, _, err := bob.decrypt(alice.encrypt([]byte("keyed blake2b")))
	require.NoError(t, err)
	require.Equal(t, "keyed blake2b", string(got))
}

func TestReplay(t *testing.T) {
	alice, bob := newPair(t, testParams())
	ct := alice.encrypt([]byte("once"))
	_, res, err := bob.decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	before := bob.snapshot()

	got, res, err := bob.decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, StatusReplayed, res.Status)
	require.Equal(t, "once", string(got))
	require.Equal(t, before, bob.snapshot())
}

func TestDecryptOwnMessage(t *testing.T) {
	alice, _ := newPair(t, testParams())
	ct := alice.encrypt([]byte("note to self"))
	got, res, err := alice.decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, StatusReplayed, res.Status)
	require.Equal(t, Participant0, res.Sender)
	require.Equal(t, "note to self", string(got))
}

func TestCapacityBoundary(t *testing.T) {
	p := testParams()
	p.PaddingMedian = 1
	p.PaddingSpread = 0
	alice, bob := newPair(t, p)

	ks := alice.state()
	keySync, err := keySyncContainer(ks)
	require.NoError(t, err)
	left := ks.Remaining(Participant0, Encryption)
	fits := left - int64(len(keySync)) - bodyHeaderLength - 1

	var out bytes.Buffer
	_, err = alice.e.Encrypt(alice.id, bytes.NewReader(make([]byte, fits+1)), &out)
	require.ErrorIs(t, err, ErrInsufficientCapacity)
	require.Zero(t, out.Len())
	require.Equal(t, left, alice.state().Remaining(Participant0, Encryption))

	msg := bytes.Repeat([]byte("x"), int(fits))
	ct := alice.encrypt(msg)
	require.Zero(t, alice.state().Remaining(Participant0, Encryption))
	got, _, err := bob.decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	// the partner's reply refills the exhausted list
	_, _, err = alice.decrypt(bob.encrypt([]byte("more")))
	require.NoError(t, err)
	require.GreaterOrEqual(t, alice.state().Remaining(Participant0, Encryption), p.WindowSize)
}

func TestTamperedMessage(t *testing.T) {
	alice, bob := newPair(t, testParams())
	keySync, err := keySyncContainer(alice.state())
	require.NoError(t, err)
	ct := alice.encrypt([]byte("do not touch"))
	before := bob.snapshot()

	body := append([]byte(nil), ct...)
	body[HeaderLength+len(keySync)+bodyHeaderLength] ^= 0x01
	_, _, err = bob.decrypt(body)
	require.ErrorIs(t, err, ErrAuthentication)

	mac := append([]byte(nil), ct...)
	mac[len(mac)-1] ^= 0x80
	_, _, err = bob.decrypt(mac)
	require.ErrorIs(t, err, ErrAuthentication)

	require.Equal(t, before, bob.snapshot())
	got, _, err := bob.decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "do not touch", string(got))
}

func TestMalformedHeader(t *testing.T) {
	alice, bob := newPair(t, testParams())
	ct := alice.encrypt([]byte("header"))

	bad := append([]byte(nil), ct...)
	bad[0] = 1
	_, _, err := bob.decrypt(bad)
	require.ErrorIs(t, err, ErrFormat)

	bad = append([]byte(nil), ct...)
	bad[5] = 7
	_, _, err = bob.decrypt(bad)
	require.ErrorIs(t, err, ErrFormat)

	bad = append([]byte(nil), ct...)
	bad[1] ^= 0xff
	_, _, err = bob.decrypt(bad)
	require.ErrorIs(t, err, ErrKeyNotFound)

	_, _, err = bob.decrypt(ct[:HeaderLength-1])
	require.ErrorIs(t, err, ErrFormat)

	id, err := ReadKeyID(bytes.NewReader(ct))
	require.NoError(t, err)
	require.Equal(t, alice.id, id)
}

func TestMessageBeyondAssignment(t *testing.T) {
	alice, bob := newPair(t, testParams())
	ct := alice.encrypt([]byte("short"))
	before := bob.snapshot()

	long := append(append([]byte(nil), ct...), make([]byte, 2*testParams().WindowSize)...)
	_, _, err := bob.decrypt(long)
	require.ErrorIs(t, err, ErrFormat)
	require.NotErrorIs(t, err, ErrExhaustedAssignment)
	require.Equal(t, before, bob.snapshot())
}

func TestEncryptOutOfSync(t *testing.T) {
	alice, _ := newPair(t, testParams())
	ks := alice.state()
	ks.SetInSync(false)
	require.NoError(t, alice.store.put(ks, false))

	var out bytes.Buffer
	_, err := alice.e.Encrypt(alice.id, bytes.NewReader([]byte("hi")), &out)
	if !errors.Is(err, ErrKeyOutOfSync) {
		t.Fatalf("expected ErrKeyOutOfSync, got %v", err)
	}
}

func TestReuseDetected(t *testing.T) {
	alice, bob := newPair(t, testParams())
	saved := alice.snapshot()
	_, _, err := bob.decrypt(alice.encrypt([]byte("first")))
	require.NoError(t, err)

	// a lost state update makes alice spend the same bytes twice
	alice.restore(saved)
	_, _, err = bob.decrypt(alice.encrypt([]byte("second")))
	require.ErrorIs(t, err, ErrReuseDetected)
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "key synced", StatusSynced.String())
	require.Equal(t, "status(9)", Status(9).String())
}

// listPos is a cursor position that stays comparable across loads of a key.
// Lists only grow, so an index keeps naming the same block.
func listPos(c Cursor) [2]int {
	i, o := c.norm()
	return [2]int{i, o}
}

func posLess(a, b [2]int) bool {
	return a[0] < b[0] || a[0] == b[0] && a[1] <= b[1]
}

type padRange struct {
	msg        int
	start, end [2]int
}

func TestNoPadReuse(t *testing.T) {
	alice, bob := newPair(t, testParams())
	used := make(map[Slot][]padRange)
	record := func(i int, start, end Cursor) {
		s := start.Slot()
		require.Equal(t, s, end.Slot())
		used[s] = append(used[s], padRange{msg: i, start: listPos(start), end: listPos(end)})
	}

	for i := 0; i < 60; i++ {
		from, to := alice, bob
		if i%3 == 2 {
			from, to = bob, alice
		}
		var out bytes.Buffer
		var res *Result
		var err error
		if i%10 == 9 {
			res, err = from.e.CreateSyncRequest(from.id, &out)
		} else {
			msg := bytes.Repeat([]byte{byte(i)}, i%7*9)
			res, err = from.e.Encrypt(from.id, bytes.NewReader(msg), &out)
		}
		require.NoError(t, err, "message %d", i)
		record(i, res.EncStart, res.EncEnd)
		record(i, res.AuthStart, res.AuthEnd)

		_, got, err := to.decrypt(out.Bytes())
		require.NoError(t, err, "message %d", i)
		require.Equal(t, listPos(res.EncStart), listPos(got.EncStart), "message %d", i)
		require.Equal(t, listPos(res.AuthStart), listPos(got.AuthStart), "message %d", i)
	}

	require.Len(t, used, 8, "every list was written to")
	for s, rs := range used {
		for i, a := range rs {
			for _, b := range rs[i+1:] {
				disjoint := posLess(a.end, b.start) || posLess(b.end, a.start)
				require.True(t, disjoint, "%v: messages %d and %d overlap", s, a.msg, b.msg)
			}
		}
	}
}
