package onepad

import (
	"fmt"
	"io"
)

// checkModifiable accepts the layouts Encrypt produces: an optional key sync,
// one body and padding.
func checkModifiable(l layout) error {
	order := l.order
	if len(order) > 0 && order[0] == containerKeySync {
		order = order[1:]
	}
	if len(order) == 0 || order[0] != containerBody {
		return fmt.Errorf("%w: message has no body to replace", ErrFormat)
	}
	for _, t := range order[1:] {
		if t != 0 && t <= reservedTypeMax {
			return fmt.Errorf("%w: container %d after body", ErrFormat, t)
		}
	}
	return nil
}

// rewriter overwrites the pad under an existing ciphertext so that it opens to
// new content.
type rewriter struct {
	old io.Reader
	enc KeyStream
	ui  UserInterface
}

func (w *rewriter) write(p []byte) error {
	c := make([]byte, len(p))
	if _, err := io.ReadFull(w.old, c); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return w.enc.WriteNext(xorBytes(c, p))
}

func (w *rewriter) writeFrom(r io.Reader, n int64) error {
	buf := make([]byte, chunkSize)
	var done int64
	for done < n {
		chunk := buf
		if n-done < int64(len(chunk)) {
			chunk = chunk[:n-done]
		}
		if _, err := io.ReadFull(r, chunk); err != nil {
			return err
		}
		if err := w.write(chunk); err != nil {
			return err
		}
		done += int64(len(chunk))
		w.ui.UpdateProgress(done)
	}
	return nil
}

// Modify rewrites the local pad under the message in old so that the same
// ciphertext opens to the content of newPlain, and copies the unchanged
// ciphertext to out. The new body plus its framing must fit in the space of
// the old body and padding. Cursors are not moved; the message is recorded as
// processed.
func (e *Engine) Modify(old Source, newPlain Source, out io.Writer) (res *Result, err error) {
	raw := make([]byte, HeaderLength)
	if _, err := io.ReadFull(old, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	o, err := e.begin(h.keyID, true)
	if err != nil {
		return nil, err
	}
	defer o.finish(&err)

	r, err := o.read(h, raw, old, io.Discard)
	if err != nil {
		return nil, err
	}
	if r.emergency {
		return nil, fmt.Errorf("%w: sync messages cannot be modified", ErrFormat)
	}
	if err := checkModifiable(r.layout); err != nil {
		return nil, err
	}
	ks := o.ks
	if ok, _ := ks.Ledger().IsLegitimate(r.digest, r.encStart, r.encEnd, r.authStart, r.authEnd); !ok {
		return nil, fmt.Errorf("%w: message overlaps processed messages", ErrReuseDetected)
	}

	msgLen := r.msgLen
	ident := int64(2)
	if r.layout.keySync != nil {
		ident = 3
	}
	newLen := newPlain.Size()
	padLen := msgLen - newLen - 8 - int64(len(r.layout.keySync)) - ident
	if padLen < 0 {
		return nil, fmt.Errorf("%w: %d bytes do not fit in %d", ErrNewMessageTooLarge, newLen, msgLen-8-int64(len(r.layout.keySync))-ident)
	}

	if _, err := old.Seek(HeaderLength, io.SeekStart); err != nil {
		return nil, err
	}
	enc := NewKeyStream(o.pad, r.encStart)
	w := &rewriter{old: old, enc: enc, ui: e.ui}
	e.ui.StartProgress("modifying", newLen)
	if r.layout.keySync != nil {
		if err := w.write(append([]byte{containerKeySync}, r.layout.keySync...)); err != nil {
			return nil, err
		}
	}
	if err := w.write(append([]byte{containerBody}, uint64Bytes(uint64(newLen))...)); err != nil {
		return nil, err
	}
	if err := w.writeFrom(newPlain, newLen); err != nil {
		return nil, err
	}
	lead, err := paddingLead(e.rng)
	if err != nil {
		return nil, err
	}
	if err := w.write([]byte{lead}); err != nil {
		return nil, err
	}
	for left := padLen; left > 0; {
		step := left
		if step > chunkSize {
			step = chunkSize
		}
		b, err := e.rng.Bytes(int(step))
		if err != nil {
			return nil, err
		}
		if err := w.write(b); err != nil {
			return nil, err
		}
		left -= step
	}
	e.ui.FinishProgress()
	if c, err := Compare(enc.Position(), r.encEnd); err != nil || c != 0 {
		return nil, fmt.Errorf("%w: rewrite ended at %v, message ends at %v", ErrInternal, enc.Position(), r.encEnd)
	}
	if err := enc.Finish(true); err != nil {
		return nil, err
	}

	if _, err := old.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.Copy(out, old); err != nil {
		return nil, err
	}
	ks.MarkDirty()
	e.log.Debugf("key %v: modified message from %d, %d body bytes", ks.ID, h.sender, newLen)
	return &Result{
		Status:     StatusOK,
		KeyID:      ks.ID,
		Sender:     h.sender,
		BodyLength: newLen,
		EncStart:   r.encStart,
		EncEnd:     r.encEnd,
		AuthStart:  r.authStart,
		AuthEnd:    r.authEnd,
	}, nil
}
