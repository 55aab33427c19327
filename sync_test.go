package onepad

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// desyncPair drives alice out of sync: she loses the state update of a
// message bob already read, then reads a reply whose key sync is ahead of
// her record.
func desyncPair(t *testing.T) (alice, bob *party) {
	alice, bob = newPair(t, testParams())
	saved := alice.snapshot()
	_, _, err := bob.decrypt(alice.encrypt([]byte("lost update")))
	require.NoError(t, err)
	alice.restore(saved)

	_, _, err = alice.decrypt(bob.encrypt([]byte("reply")))
	require.ErrorIs(t, err, ErrDesyncDetected)
	require.False(t, alice.state().InSync, "out of sync state must persist on failure")
	return alice, bob
}

func syncRequest(t *testing.T, p *party) []byte {
	t.Helper()
	var out bytes.Buffer
	res, err := p.e.CreateSyncRequest(p.id, &out)
	require.NoError(t, err)
	require.True(t, res.Emergency)
	return out.Bytes()
}

func syncAck(t *testing.T, p *party) []byte {
	t.Helper()
	var out bytes.Buffer
	res, err := p.e.CreateSyncAck(p.id, &out)
	require.NoError(t, err)
	require.True(t, res.Emergency)
	return out.Bytes()
}

func TestResync(t *testing.T) {
	alice, bob := desyncPair(t)

	req := syncRequest(t, alice)
	_, res, err := bob.decrypt(req)
	require.NoError(t, err)
	require.Equal(t, StatusPartnerNeedsSync, res.Status)
	_, ok := bob.state().PartnerSnapshot()
	require.True(t, ok)

	_, res, err = bob.decrypt(req)
	require.NoError(t, err)
	require.Equal(t, StatusReplayed, res.Status)

	ack := syncAck(t, bob)
	_, ok = bob.state().PartnerSnapshot()
	require.False(t, ok, "snapshot is cleared once answered")

	_, res, err = alice.decrypt(ack)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, res.Status)

	a, b := alice.state(), bob.state()
	require.True(t, a.InSync)
	for _, s := range syncOrder {
		sameCursor(t, a.cursors[s], b.cursors[s])
	}
	for _, u := range []Purpose{EmergencyEncryption, EmergencyAuthentication} {
		s := SlotOf(Participant0, u)
		sameCursor(t, a.cursors[s], b.cursors[s])
	}

	got, _, err := bob.decrypt(alice.encrypt([]byte("back in sync")))
	require.NoError(t, err)
	require.Equal(t, "back in sync", string(got))
	got, _, err = alice.decrypt(bob.encrypt([]byte("welcome back")))
	require.NoError(t, err)
	require.Equal(t, "welcome back", string(got))
}

func TestSyncRequestWhileInSync(t *testing.T) {
	alice, bob := newPair(t, testParams())
	_, res, err := bob.decrypt(syncRequest(t, alice))
	require.NoError(t, err)
	require.Equal(t, StatusPartnerNeedsSync, res.Status)

	_, res, err = alice.decrypt(syncAck(t, bob))
	require.NoError(t, err)
	require.Equal(t, StatusSynced, res.Status)
	got, _, err := bob.decrypt(alice.encrypt([]byte("still fine")))
	require.NoError(t, err)
	require.Equal(t, "still fine", string(got))
}

func TestSyncAckWithoutRequest(t *testing.T) {
	_, bob := newPair(t, testParams())
	var out bytes.Buffer
	_, err := bob.e.CreateSyncAck(bob.id, &out)
	require.ErrorIs(t, err, ErrNoPartnerSnapshot)
}

func TestSyncAckOutOfSync(t *testing.T) {
	alice, bob := desyncPair(t)
	_, _, err := alice.decrypt(syncRequest(t, bob))
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = alice.e.CreateSyncAck(alice.id, &out)
	require.ErrorIs(t, err, ErrKeyOutOfSync)
}

func TestStaleSyncAck(t *testing.T) {
	alice, bob := desyncPair(t)
	_, _, err := bob.decrypt(syncRequest(t, alice))
	require.NoError(t, err)
	ack := syncAck(t, bob)

	later := alice.engine(EngineOptions{Now: func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }})
	_, err = later.Decrypt(bytes.NewReader(ack), &bytes.Buffer{})
	require.ErrorIs(t, err, ErrStaleSyncAck)
	require.False(t, alice.state().InSync)

	earlier := alice.engine(EngineOptions{Now: func() time.Time { return time.Now().Add(-time.Hour) }})
	_, err = earlier.Decrypt(bytes.NewReader(ack), &bytes.Buffer{})
	require.ErrorIs(t, err, ErrStaleSyncAck)

	_, res, err := alice.decrypt(ack)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, res.Status)
}

// sealRaw writes a message from p with arbitrary containers.
func sealRaw(t *testing.T, p *party, m sealed) []byte {
	t.Helper()
	o, err := p.e.begin(p.id, false)
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = o.seal(m, &out)
	o.finish(&err)
	require.NoError(t, err)
	return out.Bytes()
}

func TestContainerChannels(t *testing.T) {
	alice, bob := newPair(t, testParams())
	keySync, err := keySyncContainer(alice.state())
	require.NoError(t, err)

	normal := func(payload ...byte) sealed {
		return sealed{purposeEnc: Encryption, purposeAuth: Authentication, label: "test", payload: payload}
	}
	emergency := func(payload ...byte) sealed {
		return sealed{purposeEnc: EmergencyEncryption, purposeAuth: EmergencyAuthentication, label: "test", payload: payload}
	}
	body := emergency()
	body.hasBody = true
	body.body = bytes.NewReader([]byte("smuggled"))
	body.bodyLen = 8

	for _, tc := range []struct {
		name string
		m    sealed
	}{
		{"body in sync message", body},
		{"key sync in sync message", emergency(keySync...)},
		{"sync request in normal message", normal(containerSyncRequest, 0)},
		{"sync ack in normal message", normal(containerSyncAck)},
		{"compressed body", normal(append([]byte{containerCompressed}, uint64Bytes(4)...)...)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ct := sealRaw(t, alice, tc.m)
			before := bob.snapshot()
			_, _, err := bob.decrypt(ct)
			require.ErrorIs(t, err, ErrFormat)
			require.Equal(t, before, bob.snapshot())
		})
	}

	got, _, err := bob.decrypt(alice.encrypt([]byte("still readable")))
	require.NoError(t, err)
	require.Equal(t, "still readable", string(got))
}

func TestSyncAckBehindLocalRecord(t *testing.T) {
	alice, bob := desyncPair(t)
	first := syncRequest(t, alice)
	second := syncRequest(t, alice)

	_, _, err := bob.decrypt(first)
	require.NoError(t, err)
	ack := syncAck(t, bob)
	before := alice.snapshot()
	_, _, err = alice.decrypt(ack)
	require.ErrorIs(t, err, ErrSyncInconsistent)
	require.Equal(t, before, alice.snapshot())
	require.False(t, alice.state().InSync)

	// an answer to the later request is accepted
	_, _, err = bob.decrypt(second)
	require.NoError(t, err)
	_, res, err := alice.decrypt(syncAck(t, bob))
	require.NoError(t, err)
	require.Equal(t, StatusSynced, res.Status)
	require.True(t, alice.state().InSync)
}

// TestSyncAckRevealsLostRequest covers an in-sync key receiving an ack whose
// emergency cursors are ahead of the local record.
func TestSyncAckRevealsLostRequest(t *testing.T) {
	alice, bob := newPair(t, testParams())
	saved := alice.snapshot()
	req := syncRequest(t, alice)
	alice.restore(saved)
	_, _, err := bob.decrypt(req)
	require.NoError(t, err)

	// bob loses the state update of a message alice reads
	bobSaved := bob.snapshot()
	lost := bob.encrypt([]byte("lost"))
	bob.restore(bobSaved)
	_, _, err = alice.decrypt(lost)
	require.NoError(t, err)
	require.True(t, alice.state().InSync)

	_, _, err = alice.decrypt(syncAck(t, bob))
	require.ErrorIs(t, err, ErrSyncInconsistent)
	require.False(t, alice.state().InSync, "the rolled back emergency list marks the key out of sync")
}
