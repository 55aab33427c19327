package onepad

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// effects are the state changes a message asks for. They are only applied
// once the message is authenticated and known to be new.
type effects struct {
	keySync *keySyncClaim
	syncReq [][]byte
	syncAck *syncAckClaim
}

type keySyncClaim struct {
	participant Participant
	enc, auth   []byte
}

type syncAckClaim struct {
	created int64
	deltas  [4][]byte
	sosEnc  []byte
	sosAuth []byte
}

// layout records where the containers of a normal message sit, in the order
// they were read.
type layout struct {
	order   []byte
	keySync []byte
	bodyLen int64
	padLen  int64
}

// readMessage is the shared decoding pass. It authenticates the message,
// writes the body to out and returns the effects, the layout and the end
// cursors. start cursors are located on the normal lists first and on the
// emergency lists when the normal lists do not hold them.
type readResult struct {
	header    header
	emergency bool
	encStart  Cursor
	authStart Cursor
	encEnd    Cursor
	authEnd   Cursor
	digest    Digest
	msgLen    int64
	fx        effects
	layout    layout
}

func (o *op) locate(h header) (enc, auth Cursor, emergency bool, err error) {
	a := o.ks.Arena()
	enc, err = a.ParseCursor(SlotOf(h.sender, Encryption), h.encStart[:])
	if errors.Is(err, ErrBlockNotAssigned) {
		emergency = true
		enc, err = a.ParseCursor(SlotOf(h.sender, EmergencyEncryption), h.encStart[:])
	}
	if err != nil {
		return enc, auth, emergency, fmt.Errorf("%w: encryption start: %v", ErrFormat, err)
	}
	authPurpose := Authentication
	if emergency {
		authPurpose = EmergencyAuthentication
	}
	auth, err = a.ParseCursor(SlotOf(h.sender, authPurpose), h.authStart[:])
	if err != nil {
		return enc, auth, emergency, fmt.Errorf("%w: authentication start: %v", ErrFormat, err)
	}
	return enc, auth, emergency, nil
}

func (o *op) read(h header, raw []byte, in Source, out io.Writer) (*readResult, error) {
	r := &readResult{header: h}
	var err error
	if r.encStart, r.authStart, r.emergency, err = o.locate(h); err != nil {
		return nil, err
	}
	encStream, authStream, auth, err := o.streams(r.encStart, r.authStart)
	if err != nil {
		return nil, err
	}
	macLen := int64(auth.MacLength())
	msgLen := in.Size() - HeaderLength - macLen
	if msgLen < 0 {
		return nil, fmt.Errorf("%w: message too short", ErrFormat)
	}
	r.msgLen = msgLen
	if have := r.encStart.Remaining(); have < msgLen {
		return nil, fmt.Errorf("%w: message of %d bytes, %d encryption bytes left", ErrFormat, msgLen, have)
	}
	need, err := auth.SetInputSize(in.Size() - macLen)
	if err != nil {
		return nil, err
	}
	if have := r.authStart.Remaining(); have < need {
		return nil, fmt.Errorf("%w: authentication key beyond assignment", ErrFormat)
	}
	if err := auth.Initialize(); err != nil {
		return nil, err
	}
	digest, _ := blake2b.New256(nil)
	rd := &opener{in: in, enc: encStream, auth: auth, digest: digest, remaining: msgLen}
	auth.Write(raw)
	digest.Write(raw)

	o.e.ui.StartProgress("decrypting", msgLen)
	for rd.remaining > 0 {
		t, err := rd.open(1)
		if err != nil {
			return nil, err
		}
		switch t[0] {
		case containerBody:
			if r.emergency {
				return nil, fmt.Errorf("%w: body in sync message", ErrFormat)
			}
			lb, err := rd.open(8)
			if err != nil {
				return nil, err
			}
			n := int64(binary.BigEndian.Uint64(lb))
			if n < 0 || n > rd.remaining {
				return nil, fmt.Errorf("%w: body length %d", ErrFormat, n)
			}
			r.layout.order = append(r.layout.order, containerBody)
			r.layout.bodyLen = n
			if err := rd.openTo(out, n, o.e.ui); err != nil {
				return nil, err
			}
		case containerCompressed:
			return nil, fmt.Errorf("%w: compressed bodies are not supported", ErrFormat)
		case containerKeySync:
			if r.emergency {
				return nil, fmt.Errorf("%w: key sync in sync message", ErrFormat)
			}
			claim, plain, err := readKeySync(rd, h.sender)
			if err != nil {
				return nil, err
			}
			r.fx.keySync = claim
			r.layout.order = append(r.layout.order, containerKeySync)
			r.layout.keySync = plain
		case containerSyncRequest:
			if !r.emergency {
				return nil, fmt.Errorf("%w: sync request in normal message", ErrFormat)
			}
			if r.fx.syncReq, err = readSyncRequest(rd); err != nil {
				return nil, err
			}
			r.layout.order = append(r.layout.order, containerSyncRequest)
		case containerSyncAck:
			if !r.emergency {
				return nil, fmt.Errorf("%w: sync acknowledgement in normal message", ErrFormat)
			}
			if r.fx.syncAck, err = readSyncAck(rd); err != nil {
				return nil, err
			}
			r.layout.order = append(r.layout.order, containerSyncAck)
		default:
			r.layout.order = append(r.layout.order, t[0])
			r.layout.padLen = rd.remaining + 1
			if err := rd.openTo(nil, rd.remaining, quietUI{}); err != nil {
				return nil, err
			}
		}
	}
	o.e.ui.FinishProgress()

	want, err := auth.Sum()
	if err != nil {
		return nil, err
	}
	mac, err := rd.clear(int(macLen), false)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(want, mac) != 1 {
		return nil, ErrAuthentication
	}
	r.encEnd, r.authEnd = encStream.Position(), authStream.Position()
	copy(r.digest[:], digest.Sum(nil))
	return r, nil
}

func readKeySync(rd *opener, sender Participant) (*keySyncClaim, []byte, error) {
	p, err := rd.open(1)
	if err != nil {
		return nil, nil, err
	}
	participant := Participant(p[0])
	if !participant.Valid() || participant == sender {
		return nil, nil, fmt.Errorf("%w: key sync about participant %d", ErrFormat, p[0])
	}
	le, err := rd.openUint32()
	if err != nil {
		return nil, nil, err
	}
	la, err := rd.openUint32()
	if err != nil {
		return nil, nil, err
	}
	if le%4 != 0 || la%4 != 0 || int64(le)+int64(la) > rd.remaining {
		return nil, nil, fmt.Errorf("%w: key sync lengths %d, %d", ErrFormat, le, la)
	}
	e, err := rd.open(int64(le))
	if err != nil {
		return nil, nil, err
	}
	a, err := rd.open(int64(la))
	if err != nil {
		return nil, nil, err
	}
	plain := append([]byte{p[0]}, uint32Bytes(le)...)
	plain = append(plain, uint32Bytes(la)...)
	plain = append(plain, e...)
	plain = append(plain, a...)
	return &keySyncClaim{participant: participant, enc: e, auth: a}, plain, nil
}

func readSyncRequest(rd *opener) ([][]byte, error) {
	n, err := rd.open(1)
	if err != nil {
		return nil, err
	}
	if _, err := rd.open(int64(n[0])); err != nil {
		return nil, err
	}
	cs := make([][]byte, 4)
	for i := range cs {
		if cs[i], err = rd.open(CompactCursorLength); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

func readSyncAck(rd *opener) (*syncAckClaim, error) {
	ts, err := rd.openUint32()
	if err != nil {
		return nil, err
	}
	ack := &syncAckClaim{created: int64(ts)}
	var lens [4]uint32
	for i := range lens {
		if lens[i], err = rd.openUint32(); err != nil {
			return nil, err
		}
		if lens[i]%4 != 0 {
			return nil, fmt.Errorf("%w: sync ack length %d", ErrFormat, lens[i])
		}
	}
	for i := range ack.deltas {
		if ack.deltas[i], err = rd.open(int64(lens[i])); err != nil {
			return nil, err
		}
	}
	if ack.sosEnc, err = rd.open(CompactCursorLength); err != nil {
		return nil, err
	}
	if ack.sosAuth, err = rd.open(CompactCursorLength); err != nil {
		return nil, err
	}
	return ack, nil
}

// Decrypt reads a message from in and writes its body to out. Sync messages
// have no body. On error out may hold partial plaintext that must be
// discarded.
func (e *Engine) Decrypt(in Source, out io.Writer) (res *Result, err error) {
	raw := make([]byte, HeaderLength)
	if _, err := io.ReadFull(in, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	o, err := e.begin(h.keyID, false)
	if err != nil {
		return nil, err
	}
	defer o.finish(&err)

	r, err := o.read(h, raw, in, out)
	if err != nil {
		return nil, err
	}
	ks := o.ks
	res = &Result{
		Status:     StatusOK,
		KeyID:      ks.ID,
		Sender:     h.sender,
		Emergency:  r.emergency,
		BodyLength: r.layout.bodyLen,
		EncStart:   r.encStart,
		EncEnd:     r.encEnd,
		AuthStart:  r.authStart,
		AuthEnd:    r.authEnd,
	}
	accepted, isNew := ks.Ledger().IsLegitimate(r.digest, r.encStart, r.encEnd, r.authStart, r.authEnd)
	if !accepted {
		return nil, fmt.Errorf("%w: message from participant %d overlaps processed messages", ErrReuseDetected, h.sender)
	}
	if !isNew {
		res.Status = StatusReplayed
		return res, nil
	}

	if h.sender == ks.Me() {
		if !r.emergency && (r.encEnd.After(ks.Cursor(h.sender, Encryption)) || r.authEnd.After(ks.Cursor(h.sender, Authentication))) {
			ks.SetInSync(false)
			return nil, fmt.Errorf("%w: own message beyond recorded cursors", ErrDesyncDetected)
		}
	} else {
		if res.Status, err = o.apply(r.fx); err != nil {
			return nil, err
		}
	}

	ks.UpdateCursor(r.encEnd)
	ks.UpdateCursor(r.authEnd)
	if !r.emergency && h.sender != ks.Me() {
		for _, u := range []Purpose{Encryption, Authentication} {
			if err := ks.Arena().Fill(ks.Cursor(h.sender, u), ks.Me(), ks.Params.WindowSize); err != nil {
				e.log.Warningf("key %v: extending partner %v list: %v", ks.ID, u, err)
			}
		}
	}
	e.log.Debugf("key %v: opened message from %d, status %v", ks.ID, h.sender, res.Status)
	return res, nil
}

// apply runs the effects of a new message from the partner.
func (o *op) apply(fx effects) (Status, error) {
	switch {
	case fx.keySync != nil:
		return StatusOK, o.applyKeySync(fx.keySync)
	case fx.syncReq != nil:
		return o.applySyncRequest(fx.syncReq)
	case fx.syncAck != nil:
		return o.applySyncAck(fx.syncAck)
	}
	return StatusOK, nil
}

// applyKeySync merges the partner's view of the local lists. A claim ahead of
// the local cursors, or about blocks that cannot be placed, means the partner
// saw pad use the local side has no record of.
func (o *op) applyKeySync(c *keySyncClaim) error {
	ks := o.ks
	me := ks.Me()
	desync := func(u Purpose, why error) error {
		ks.SetInSync(false)
		o.e.log.Warningf("key %v: partner view of %v list: %v", ks.ID, u, why)
		return fmt.Errorf("%w: partner view of %v list: %v", ErrDesyncDetected, u, why)
	}
	for _, part := range []struct {
		u    Purpose
		data []byte
	}{{Encryption, c.enc}, {Authentication, c.auth}} {
		slot := SlotOf(me, part.u)
		skipped, err := ks.Arena().AddBlocks(slot, part.data)
		if err != nil {
			return desync(part.u, err)
		}
		for _, id := range skipped {
			o.e.log.Warningf("key %v: block %d offered for %v is already assigned", ks.ID, id, slot)
		}
		claimed, err := ks.Arena().ParseCursor(slot, part.data)
		if err != nil {
			return desync(part.u, err)
		}
		if claimed.After(ks.Cursor(me, part.u)) {
			return desync(part.u, fmt.Errorf("claimed %v beyond %v", claimed, ks.Cursor(me, part.u)))
		}
		ks.MarkDirty()
	}
	return nil
}
