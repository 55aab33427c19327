package onepad

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"
)

// Status tells successful operations apart.
type Status int

const (
	// StatusOK is a plain successful operation.
	StatusOK Status = iota
	// StatusReplayed means the message was processed before. Its plaintext
	// was produced again but no state changed.
	StatusReplayed
	// StatusPartnerNeedsSync means a sync request from the partner was
	// stored; answer it with a sync acknowledgement.
	StatusPartnerNeedsSync
	// StatusSynced means a sync acknowledgement brought the key back in sync.
	StatusSynced
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusReplayed:
		return "already processed"
	case StatusPartnerNeedsSync:
		return "partner needs sync"
	case StatusSynced:
		return "key synced"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result describes a processed message.
type Result struct {
	Status     Status
	KeyID      KeyID
	Sender     Participant
	Emergency  bool
	BodyLength int64
	EncStart   Cursor
	EncEnd     Cursor
	AuthStart  Cursor
	AuthEnd    Cursor
}

// EngineOptions carries the collaborators of an Engine. Zero fields get
// defaults: system randomness, the built-in authenticators, a silent user
// interface, a discarding logger and the wall clock.
type EngineOptions struct {
	Random        RandomSource
	Authenticator AuthenticatorFactory
	UI            UserInterface
	Log           *logging.Logger
	Now           func() time.Time
}

// Engine runs the message protocol over keys from a KeyStore and pads from a
// PadProvider. Every operation loads its key, works on a private copy and
// finishes it before returning.
type Engine struct {
	keys KeyStore
	pads PadProvider
	rng  RandomSource
	auth AuthenticatorFactory
	ui   UserInterface
	log  *logging.Logger
	now  func() time.Time
}

// NewEngine returns an engine using keys and pads.
func NewEngine(keys KeyStore, pads PadProvider, opts EngineOptions) *Engine {
	e := &Engine{
		keys: keys,
		pads: pads,
		rng:  opts.Random,
		auth: opts.Authenticator,
		ui:   opts.UI,
		log:  opts.Log,
		now:  opts.Now,
	}
	if e.rng == nil {
		e.rng = NewSystemRandom()
	}
	if e.auth == nil {
		e.auth = NewAuthenticator
	}
	if e.ui == nil {
		e.ui = quietUI{}
	}
	if e.log == nil {
		e.log = discardLogger("engine")
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// op is one engine operation on one key.
type op struct {
	e   *Engine
	ks  *KeyState
	pad Pad
}

func (e *Engine) begin(id KeyID, writable bool) (*op, error) {
	ks, err := e.keys.LoadKey(id)
	if err != nil {
		return nil, err
	}
	pad, err := e.pads.OpenPad(ks, writable)
	if err != nil {
		e.keys.FinishKey(ks, false)
		return nil, err
	}
	if err := e.rng.Initialize(); err != nil {
		pad.Close()
		e.keys.FinishKey(ks, false)
		return nil, err
	}
	return &op{e: e, ks: ks, pad: pad}, nil
}

// finish commits or discards the key state. A failure to persist turns a
// successful operation into a failed one.
func (o *op) finish(err *error) {
	success := *err == nil
	if success {
		o.ks.LastUsed = o.e.now()
		if o.ks.LowCapacity() {
			o.e.ui.Warning(fmt.Sprintf("key %v: only %d unassigned pad bytes left", o.ks.ID, o.ks.FreeBytes()))
		}
	}
	if ferr := o.e.keys.FinishKey(o.ks, success); ferr != nil {
		o.e.log.Errorf("key %v: finishing state: %v", o.ks.ID, ferr)
		if success {
			*err = ferr
		}
	}
	o.e.rng.Finish(success)
	o.pad.Close()
}

func (o *op) streams(enc, auth Cursor) (KeyStream, KeyStream, Authenticator, error) {
	encStream := NewKeyStream(o.pad, enc)
	authStream := NewKeyStream(o.pad, auth)
	a, err := o.e.auth(o.ks.Params.AuthMethod, o.ks.Params.MacLength, authStream)
	if err != nil {
		return nil, nil, nil, err
	}
	return encStream, authStream, a, nil
}

// keySyncContainer describes the local view of the partner's normal cursors.
func keySyncContainer(ks *KeyState) ([]byte, error) {
	other := ks.Other()
	e, err := ks.Cursor(other, Encryption).Complete()
	if err != nil {
		return nil, err
	}
	a, err := ks.Cursor(other, Authentication).Complete()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, keySyncHeaderLength+len(e)+len(a))
	b = append(b, containerKeySync, byte(other))
	b = append(b, uint32Bytes(uint32(len(e)))...)
	b = append(b, uint32Bytes(uint32(len(a)))...)
	b = append(b, e...)
	return append(b, a...), nil
}

// sealed is what the shared writer needs to know about a message.
type sealed struct {
	purposeEnc, purposeAuth Purpose
	label                   string
	// payload is written first, then body if bodyLen > 0 or hasBody is set.
	payload []byte
	hasBody bool
	body    io.Reader
	bodyLen int64
}

// seal runs the capacity check, writes the message and commits the cursors
// when the ledger accepts it.
func (o *op) seal(m sealed, out io.Writer) (*Result, error) {
	ks := o.ks
	me := ks.Me()
	encStart := ks.Cursor(me, m.purposeEnc)
	authStart := ks.Cursor(me, m.purposeAuth)

	padLen, err := paddingLength(ks.Params.PaddingMedian, ks.Params.PaddingSpread, o.e.rng)
	if err != nil {
		return nil, err
	}
	size := int64(len(m.payload)) + int64(padLen)
	if m.hasBody {
		size += bodyHeaderLength + m.bodyLen
	}
	if have := encStart.Remaining(); have < size {
		return nil, fmt.Errorf("%w: need %d encryption bytes, %d left", ErrInsufficientCapacity, size, have)
	}
	encStream, authStream, auth, err := o.streams(encStart, authStart)
	if err != nil {
		return nil, err
	}
	need, err := auth.SetInputSize(size + HeaderLength)
	if err != nil {
		return nil, err
	}
	if have := authStart.Remaining(); have < need {
		return nil, fmt.Errorf("%w: need %d authentication bytes, %d left", ErrInsufficientCapacity, need, have)
	}
	if err := auth.Initialize(); err != nil {
		return nil, err
	}
	h, err := newHeader(ks.ID, me, encStart, authStart)
	if err != nil {
		return nil, err
	}
	digest, _ := blake2b.New256(nil)
	s := &sealer{out: out, enc: encStream, auth: auth, digest: digest}

	o.e.ui.StartProgress(m.label, size)
	if err := s.clear(h.marshal(), true); err != nil {
		return nil, err
	}
	if err := s.seal(m.payload); err != nil {
		return nil, err
	}
	if m.hasBody {
		bh := append([]byte{containerBody}, uint64Bytes(uint64(m.bodyLen))...)
		if err := s.seal(bh); err != nil {
			return nil, err
		}
		if err := s.sealFrom(m.body, m.bodyLen, o.e.ui); err != nil {
			return nil, err
		}
	}
	if err := sealPadding(s, padLen, o.e.rng); err != nil {
		return nil, err
	}
	mac, err := auth.Sum()
	if err != nil {
		return nil, err
	}
	if err := s.clear(mac, false); err != nil {
		return nil, err
	}
	o.e.ui.FinishProgress()

	encEnd, authEnd := encStream.Position(), authStream.Position()
	var d Digest
	copy(d[:], digest.Sum(nil))
	if ok, isNew := ks.Ledger().IsLegitimate(d, encStart, encEnd, authStart, authEnd); !ok || !isNew {
		return nil, fmt.Errorf("%w: new message overlaps processed messages", ErrReuseDetected)
	}
	ks.UpdateCursor(encEnd)
	ks.UpdateCursor(authEnd)
	for _, st := range []KeyStream{encStream, authStream} {
		if err := st.Finish(true); err != nil {
			return nil, err
		}
	}
	auth.Finish(true)
	o.e.log.Debugf("key %v: sealed %s, enc %v..%v auth %v..%v", ks.ID, m.label, encStart, encEnd, authStart, authEnd)
	return &Result{
		Status:     StatusOK,
		KeyID:      ks.ID,
		Sender:     me,
		Emergency:  m.purposeEnc.Emergency(),
		BodyLength: m.bodyLen,
		EncStart:   encStart,
		EncEnd:     encEnd,
		AuthStart:  authStart,
		AuthEnd:    authEnd,
	}, nil
}

// Encrypt reads the plaintext from in and writes a message under key id to
// out. On error out holds a partial message that must be discarded.
func (e *Engine) Encrypt(id KeyID, in Source, out io.Writer) (res *Result, err error) {
	o, err := e.begin(id, false)
	if err != nil {
		return nil, err
	}
	defer o.finish(&err)

	if !o.ks.InSync {
		return nil, fmt.Errorf("%w: key %v", ErrKeyOutOfSync, id)
	}
	keySync, err := keySyncContainer(o.ks)
	if err != nil {
		return nil, err
	}
	return o.seal(sealed{
		purposeEnc:  Encryption,
		purposeAuth: Authentication,
		label:       "encrypting",
		payload:     keySync,
		hasBody:     true,
		body:        in,
		bodyLen:     in.Size(),
	}, out)
}
