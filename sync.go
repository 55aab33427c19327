package onepad

import (
	"fmt"
	"io"
)

func (o *op) sealSync(label string, payload []byte, out io.Writer) (*Result, error) {
	return o.seal(sealed{
		purposeEnc:  EmergencyEncryption,
		purposeAuth: EmergencyAuthentication,
		label:       label,
		payload:     payload,
	}, out)
}

// CreateSyncRequest writes a sync request for key id to out. The request
// carries the local view of the four normal cursors so the partner can answer
// with a sync acknowledgement. It travels on the emergency lists and works
// while the key is out of sync.
func (e *Engine) CreateSyncRequest(id KeyID, out io.Writer) (res *Result, err error) {
	o, err := e.begin(id, false)
	if err != nil {
		return nil, err
	}
	defer o.finish(&err)

	n, err := e.rng.Intn(maxDisguise)
	if err != nil {
		return nil, err
	}
	disguise, err := e.rng.Bytes(n)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, syncRequestFixed+n)
	payload = append(payload, containerSyncRequest, byte(n))
	payload = append(payload, disguise...)
	for _, s := range syncOrder {
		c, err := o.ks.cursors[s].Compact()
		if err != nil {
			return nil, err
		}
		payload = append(payload, c...)
	}
	return o.sealSync("sync request", payload, out)
}

// CreateSyncAck answers the partner's last sync request. Everything the
// partner might have spent on its normal lists is written off, its lists are
// refilled and the resulting assignment is sent along with the partner's
// emergency cursors.
func (e *Engine) CreateSyncAck(id KeyID, out io.Writer) (res *Result, err error) {
	o, err := e.begin(id, false)
	if err != nil {
		return nil, err
	}
	defer o.finish(&err)

	ks := o.ks
	if !ks.InSync {
		return nil, fmt.Errorf("%w: key %v", ErrKeyOutOfSync, id)
	}
	snap, ok := ks.PartnerSnapshot()
	if !ok {
		return nil, fmt.Errorf("%w: key %v", ErrNoPartnerSnapshot, id)
	}
	other := ks.Other()
	for _, u := range []Purpose{Encryption, Authentication} {
		c := ks.Cursor(other, u)
		if err := c.Advance(c.Remaining()); err != nil {
			return nil, err
		}
		if err := ks.Arena().Fill(c, ks.Me(), ks.Params.WindowSize); err != nil {
			return nil, fmt.Errorf("%w: refilling partner %v list: %v", ErrInsufficientCapacity, u, err)
		}
		ks.UpdateCursor(c)
	}

	var deltas [4][]byte
	size := syncAckFixed
	for i, s := range syncOrder {
		cur := ks.cursors[s]
		if snap[i].After(cur) {
			return nil, fmt.Errorf("%w: partner claims %v, local record is %v", ErrSyncInconsistent, snap[i], cur)
		}
		if deltas[i], err = cur.DeltaSince(&snap[i]); err != nil {
			return nil, err
		}
		size += len(deltas[i])
	}
	sosEnc, err := ks.Cursor(other, EmergencyEncryption).Compact()
	if err != nil {
		return nil, err
	}
	sosAuth, err := ks.Cursor(other, EmergencyAuthentication).Compact()
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, size)
	payload = append(payload, containerSyncAck)
	payload = append(payload, uint32Bytes(uint32(e.now().Unix()))...)
	for _, d := range deltas {
		payload = append(payload, uint32Bytes(uint32(len(d)))...)
	}
	for _, d := range deltas {
		payload = append(payload, d...)
	}
	payload = append(payload, sosEnc...)
	payload = append(payload, sosAuth...)

	if res, err = o.sealSync("sync acknowledgement", payload, out); err != nil {
		return nil, err
	}
	ks.SetPartnerSnapshot(nil)
	return res, nil
}

// applySyncRequest stores the partner's view of the normal cursors.
func (o *op) applySyncRequest(cs [][]byte) (Status, error) {
	ks := o.ks
	snap := make([]Cursor, len(syncOrder))
	for i, s := range syncOrder {
		c, err := ks.Arena().ParseCursor(s, cs[i])
		if err != nil {
			return StatusOK, fmt.Errorf("%w: sync request cursor on %v: %v", ErrSyncInconsistent, s, err)
		}
		snap[i] = c
	}
	ks.SetPartnerSnapshot(snap)
	o.e.ui.Warning(fmt.Sprintf("key %v: partner asked for a sync, send a sync acknowledgement soon", ks.ID))
	return StatusPartnerNeedsSync, nil
}

// applySyncAck moves every cursor to the position the partner recorded and
// marks the key in sync.
func (o *op) applySyncAck(ack *syncAckClaim) (Status, error) {
	ks := o.ks
	now := o.e.now().Unix()
	if ack.created > now+syncAckClockSkew || ack.created+syncAckValidity < now {
		return StatusOK, fmt.Errorf("%w: created %d, now %d", ErrStaleSyncAck, ack.created, now)
	}
	targets := make([]Cursor, 0, len(syncOrder)+2)
	for i, s := range syncOrder {
		skipped, err := ks.Arena().AddBlocks(s, ack.deltas[i])
		if err != nil {
			return StatusOK, fmt.Errorf("%w: assignment of %v: %v", ErrSyncInconsistent, s, err)
		}
		for _, id := range skipped {
			o.e.log.Warningf("key %v: block %d offered for %v is already assigned", ks.ID, id, s)
		}
		c, err := ks.Arena().ParseCursor(s, ack.deltas[i])
		if err != nil {
			return StatusOK, fmt.Errorf("%w: cursor of %v: %v", ErrSyncInconsistent, s, err)
		}
		targets = append(targets, c)
	}
	me := ks.Me()
	for _, sos := range []struct {
		u Purpose
		b []byte
	}{{EmergencyEncryption, ack.sosEnc}, {EmergencyAuthentication, ack.sosAuth}} {
		c, err := ks.Arena().ParseCursor(SlotOf(me, sos.u), sos.b)
		if err != nil {
			return StatusOK, fmt.Errorf("%w: cursor of %v: %v", ErrSyncInconsistent, SlotOf(me, sos.u), err)
		}
		targets = append(targets, c)
	}
	for _, t := range targets {
		if cur := ks.cursors[t.slot]; cur.After(t) {
			// The partner has read emergency messages this state does not
			// know about, so the local record was rolled back.
			for _, sos := range targets[len(syncOrder):] {
				if ks.InSync && sos.After(ks.cursors[sos.slot]) {
					o.e.log.Warningf("key %v: partner saw %v beyond local record", ks.ID, sos)
					ks.SetInSync(false)
				}
			}
			return StatusOK, fmt.Errorf("%w: local %v is beyond acknowledged %v", ErrSyncInconsistent, cur, t)
		}
	}
	for _, t := range targets {
		ks.UpdateCursor(t)
	}
	ks.MarkDirty()
	if _, ok := ks.PartnerSnapshot(); ok {
		ks.SetPartnerSnapshot(nil)
	}
	ks.SetInSync(true)
	o.e.log.Noticef("key %v: synchronized", ks.ID)
	return StatusSynced, nil
}
