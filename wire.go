package onepad

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
)

const (
	// FormatVersion is the only message format understood.
	FormatVersion = 2
	// HeaderLength is the size of the clear message header.
	HeaderLength = 22

	containerBody        = 1
	containerCompressed  = 2
	containerKeySync     = 3
	containerSyncRequest = 4
	containerSyncAck     = 5
	// Type codes up to reservedTypeMax are kept for containers; padding never
	// starts with one of them.
	reservedTypeMax = 9

	bodyHeaderLength    = 9
	keySyncHeaderLength = 10
	syncRequestFixed    = 2 + 4*CompactCursorLength
	syncAckFixed        = 1 + 4 + 4*4 + 2*CompactCursorLength
	maxDisguise         = 128
	syncAckValidity     = 7 * 24 * 60 * 60
	syncAckClockSkew    = 60

	chunkSize = 64 * 1024
)

type header struct {
	version   byte
	keyID     KeyID
	sender    Participant
	encStart  [CompactCursorLength]byte
	authStart [CompactCursorLength]byte
}

func newHeader(id KeyID, sender Participant, enc, auth Cursor) (header, error) {
	h := header{version: FormatVersion, keyID: id, sender: sender}
	e, err := enc.Compact()
	if err != nil {
		return h, err
	}
	a, err := auth.Compact()
	if err != nil {
		return h, err
	}
	copy(h.encStart[:], e)
	copy(h.authStart[:], a)
	return h, nil
}

func (h header) marshal() []byte {
	b := make([]byte, 0, HeaderLength)
	b = append(b, h.version)
	b = append(b, h.keyID[:]...)
	b = append(b, byte(h.sender))
	b = append(b, h.encStart[:]...)
	return append(b, h.authStart[:]...)
}

func parseHeader(b []byte) (header, error) {
	var h header
	if len(b) != HeaderLength {
		return h, fmt.Errorf("%w: short header", ErrFormat)
	}
	h.version = b[0]
	if h.version != FormatVersion {
		return h, fmt.Errorf("%w: version %d", ErrFormat, h.version)
	}
	copy(h.keyID[:], b[1:5])
	h.sender = Participant(b[5])
	if !h.sender.Valid() {
		return h, fmt.Errorf("%w: participant %d", ErrFormat, b[5])
	}
	copy(h.encStart[:], b[6:14])
	copy(h.authStart[:], b[14:22])
	return h, nil
}

// ReadKeyID returns the key id from the header of the message in r.
func ReadKeyID(r io.Reader) (KeyID, error) {
	b := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, b); err != nil {
		return KeyID{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	h, err := parseHeader(b)
	return h.keyID, err
}

func uint32Bytes(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func uint64Bytes(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// sealer writes a message: clear bytes go straight out, sealed bytes are
// XORed with the key stream first. Everything but the MAC is authenticated
// and everything is digested.
type sealer struct {
	out    io.Writer
	enc    KeyStream
	auth   Authenticator
	digest hash.Hash
}

func (s *sealer) clear(b []byte, authenticate bool) error {
	if authenticate {
		if _, err := s.auth.Write(b); err != nil {
			return err
		}
	}
	s.digest.Write(b)
	_, err := s.out.Write(b)
	return err
}

func (s *sealer) seal(p []byte) error {
	k, err := s.enc.Next(len(p))
	if err != nil {
		return err
	}
	return s.clear(xorBytes(p, k), true)
}

// sealFrom seals n bytes read from r.
func (s *sealer) sealFrom(r io.Reader, n int64, ui UserInterface) error {
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
		if err := s.seal(chunk); err != nil {
			return err
		}
		done += int64(len(chunk))
		ui.UpdateProgress(done)
	}
	return nil
}

// opener is the reading side of sealer. remaining counts the container
// bytes not yet consumed.
type opener struct {
	in        io.Reader
	enc       KeyStream
	auth      Authenticator
	digest    hash.Hash
	remaining int64
}

func (o *opener) clear(n int, authenticate bool) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(o.in, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if authenticate {
		if _, err := o.auth.Write(b); err != nil {
			return nil, err
		}
	}
	o.digest.Write(b)
	return b, nil
}

func (o *opener) open(n int64) ([]byte, error) {
	if n < 0 || n > o.remaining {
		return nil, fmt.Errorf("%w: container overruns message", ErrFormat)
	}
	c, err := o.clear(int(n), true)
	if err != nil {
		return nil, err
	}
	o.remaining -= n
	k, err := o.enc.Next(int(n))
	if errors.Is(err, ErrExhaustedAssignment) {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err != nil {
		return nil, err
	}
	return xorBytes(c, k), nil
}

func (o *opener) openUint32() (uint32, error) {
	b, err := o.open(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// openTo opens n bytes and writes the plaintext to w; w may be nil.
func (o *opener) openTo(w io.Writer, n int64, ui UserInterface) error {
	if n < 0 || n > o.remaining {
		return fmt.Errorf("%w: container overruns message", ErrFormat)
	}
	var done int64
	for done < n {
		step := int64(chunkSize)
		if n-done < step {
			step = n - done
		}
		p, err := o.open(step)
		if err != nil {
			return err
		}
		if w != nil {
			if _, err := w.Write(p); err != nil {
				return err
			}
		}
		done += step
		ui.UpdateProgress(done)
	}
	return nil
}
