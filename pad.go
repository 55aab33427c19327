package onepad

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// Pad is random access storage for the raw pad bytes.
type Pad interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Close() error
}

// MemPad keeps a pad in memory.
type MemPad struct {
	mu  sync.RWMutex
	buf []byte
}

// NewMemPad wraps b without copying it.
func NewMemPad(b []byte) *MemPad {
	return &MemPad{buf: b}
}

func (m *MemPad) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemPad) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, errors.New("write beyond end of pad")
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemPad) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.buf))
}

// Bytes returns a copy of the pad contents.
func (m *MemPad) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.buf...)
}

func (m *MemPad) Close() error { return nil }

// FilePad is a pad stored in a plain file.
type FilePad struct {
	*os.File
	size int64
}

// OpenFilePad opens the pad file at path.
func OpenFilePad(path string, writable bool) (*FilePad, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FilePad{File: f, size: fi.Size()}, nil
}

func (f *FilePad) Size() int64 { return f.size }

// CreateFilePad creates a zeroed pad file of size bytes. An existing file is
// never overwritten.
func CreateFilePad(path string, size int64) (*FilePad, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &FilePad{File: f, size: size}, nil
}

// CopyPad copies the contents of src into dst, which must be as large.
func CopyPad(dst, src Pad) error {
	if dst.Size() != src.Size() {
		return fmt.Errorf("%w: copying %d bytes into %d", ErrPadMismatch, src.Size(), dst.Size())
	}
	buf := make([]byte, chunkSize)
	for off := int64(0); off < src.Size(); off += int64(len(buf)) {
		if rest := src.Size() - off; rest < int64(len(buf)) {
			buf = buf[:rest]
		}
		if _, err := src.ReadAt(buf, off); err != nil {
			return err
		}
		if _, err := dst.WriteAt(buf, off); err != nil {
			return err
		}
	}
	return nil
}

// EncryptedPad stores pad bytes XORed with a chacha20 stream, so the file on
// disk is useless without the pad key. Byte i of the pad uses stream position
// i, which keeps random access cheap.
type EncryptedPad struct {
	inner Pad
	key   [chacha20.KeySize]byte
	nonce [chacha20.NonceSize]byte
}

// NewEncryptedPad wraps inner. The nonce is taken from the key id so that two
// pads sharing a pad key never share a stream.
func NewEncryptedPad(inner Pad, key []byte, id KeyID) (*EncryptedPad, error) {
	if len(key) != chacha20.KeySize {
		return nil, errors.New("invalid pad key length")
	}
	e := &EncryptedPad{inner: inner}
	copy(e.key[:], key)
	copy(e.nonce[:], id[:])
	return e, nil
}

func (e *EncryptedPad) xor(p []byte, off int64) error {
	const block = 64
	if off < 0 || off/block > math.MaxUint32 {
		return errors.New("pad offset out of range")
	}
	c, err := chacha20.NewUnauthenticatedCipher(e.key[:], e.nonce[:])
	if err != nil {
		return err
	}
	c.SetCounter(uint32(off / block))
	if skip := int(off % block); skip > 0 {
		var discard [block]byte
		c.XORKeyStream(discard[:skip], discard[:skip])
	}
	c.XORKeyStream(p, p)
	return nil
}

func (e *EncryptedPad) ReadAt(p []byte, off int64) (int, error) {
	n, err := e.inner.ReadAt(p, off)
	if xerr := e.xor(p[:n], off); xerr != nil {
		return 0, xerr
	}
	return n, err
}

func (e *EncryptedPad) WriteAt(p []byte, off int64) (int, error) {
	buf := append([]byte(nil), p...)
	if err := e.xor(buf, off); err != nil {
		return 0, err
	}
	return e.inner.WriteAt(buf, off)
}

func (e *EncryptedPad) Size() int64  { return e.inner.Size() }
func (e *EncryptedPad) Close() error { return e.inner.Close() }

// VerifyPad checks the size and the verification bytes of pad against ks.
func VerifyPad(ks *KeyState, pad Pad) error {
	if pad.Size() != ks.Params.PadSize {
		return fmt.Errorf("%w: size %d, want %d", ErrPadMismatch, pad.Size(), ks.Params.PadSize)
	}
	var b [1]byte
	for _, v := range ks.Verify {
		pos := int64(v.Block)*int64(ks.Params.BlockSize) + int64(v.Offset)
		if _, err := pad.ReadAt(b[:], pos); err != nil {
			return fmt.Errorf("%w: %v", ErrPadMismatch, err)
		}
		if b[0] != v.Value {
			return fmt.Errorf("%w: verification byte at %d", ErrPadMismatch, pos)
		}
	}
	return nil
}

// VerifiedPads remembers which pads passed verification during the life of
// the process.
type VerifiedPads struct {
	mu sync.Mutex
	ok map[string]bool
}

// NewVerifiedPads returns an empty cache.
func NewVerifiedPads() *VerifiedPads {
	return &VerifiedPads{ok: make(map[string]bool)}
}

// Verify runs VerifyPad unless the pad of ks was verified before.
func (v *VerifiedPads) Verify(ks *KeyState, pad Pad) error {
	k := ks.ID.String() + "|" + ks.PadPath
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ok[k] {
		return nil
	}
	if err := VerifyPad(ks, pad); err != nil {
		return err
	}
	v.ok[k] = true
	return nil
}

// Verified reports whether the pad of ks is in the cache.
func (v *VerifiedPads) Verified(ks *KeyState) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ok[ks.ID.String()+"|"+ks.PadPath]
}

// FilePads opens pad files relative to Dir. With Key set, pads are
// EncryptedPads under the key it returns for the ring of the key state.
type FilePads struct {
	Dir      string
	Key      func(ring string) ([]byte, error)
	Verified *VerifiedPads
}

// Path resolves the pad file of ks.
func (f *FilePads) Path(ks *KeyState) string {
	if filepath.IsAbs(ks.PadPath) || f.Dir == "" {
		return ks.PadPath
	}
	return filepath.Join(f.Dir, ks.PadPath)
}

// OpenPad implements PadProvider.
func (f *FilePads) OpenPad(ks *KeyState, writable bool) (Pad, error) {
	fp, err := OpenFilePad(f.Path(ks), writable)
	if err != nil {
		return nil, err
	}
	var pad Pad = fp
	if f.Key != nil {
		key, err := f.Key(ks.Ring)
		if err != nil {
			fp.Close()
			return nil, err
		}
		if pad, err = NewEncryptedPad(fp, key, ks.ID); err != nil {
			fp.Close()
			return nil, err
		}
	}
	if err := f.Verified.Verify(ks, pad); err != nil {
		pad.Close()
		return nil, err
	}
	return pad, nil
}

// MemoryPads serves in-memory pads by key id.
type MemoryPads struct {
	Pads     map[KeyID]*MemPad
	Verified *VerifiedPads
}

// OpenPad implements PadProvider.
func (m *MemoryPads) OpenPad(ks *KeyState, writable bool) (Pad, error) {
	p, ok := m.Pads[ks.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no pad for key %v", ErrPadMismatch, ks.ID)
	}
	if err := m.Verified.Verify(ks, p); err != nil {
		return nil, err
	}
	return p, nil
}

// padStream walks a cursor over a pad, skipping reserved bytes.
type padStream struct {
	pad Pad
	pos Cursor
}

// NewKeyStream returns a KeyStream reading pad along the list of start.
func NewKeyStream(pad Pad, start Cursor) KeyStream {
	return &padStream{pad: pad, pos: start}
}

func (s *padStream) Initialize() error { return nil }

func (s *padStream) Position() Cursor { return s.pos }

func (s *padStream) SetPosition(c Cursor) { s.pos = c }

func (s *padStream) Next(n int) ([]byte, error) {
	out := make([]byte, n)
	err := s.walk(out, func(p []byte, off int64) error {
		_, err := s.pad.ReadAt(p, off)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *padStream) WriteNext(b []byte) error {
	return s.walk(b, func(p []byte, off int64) error {
		_, err := s.pad.WriteAt(p, off)
		return err
	})
}

// walk maps buf onto the raw pad runs ahead of the cursor and calls do for
// each run. The cursor only moves if every run succeeds.
func (s *padStream) walk(buf []byte, do func(p []byte, off int64) error) error {
	a := s.pos.arena
	list := a.lists[s.pos.slot]
	index, offset := s.pos.index, s.pos.offset
	for len(buf) > 0 {
		if index >= len(list) {
			return fmt.Errorf("%w: list %v", ErrExhaustedAssignment, s.pos.slot)
		}
		bd := a.BlockData(list[index])
		if offset >= bd.Usable() {
			index++
			offset = 0
			continue
		}
		raw := bd.Raw(offset)
		run := bd.Usable() - offset
		for _, r := range bd.Reserved {
			if r > raw {
				if r-raw < run {
					run = r - raw
				}
				break
			}
		}
		if run > len(buf) {
			run = len(buf)
		}
		if err := do(buf[:run], bd.Start+int64(raw)); err != nil {
			return err
		}
		buf = buf[run:]
		offset += run
	}
	s.pos.index, s.pos.offset = index, offset
	return nil
}

func (s *padStream) Finish(success bool) error {
	if f, ok := s.pad.(interface{ Sync() error }); ok && success {
		return f.Sync()
	}
	return nil
}
