package onepad

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// PassphraseFunc returns the passphrase of a ring. It is called at most once
// per ring and session.
type PassphraseFunc func(ring string) (string, error)

// SessionOptions holds session options for initialization
type SessionOptions struct {
	Storage    StorageOptions
	Passphrase PassphraseFunc
	Log        *logging.Logger
}

// Session is a key store over encrypted key records. Rings are unlocked on
// first use. A Session implements KeyStore for the Engine.
type Session struct {
	storage Storage
	cipher  Cipher
	pass    PassphraseFunc
	keys    map[string][]byte
	log     *logging.Logger
}

// KeyInfo summarizes a key for listings.
type KeyInfo struct {
	ID            KeyID
	Ring          string
	Alias         string
	Owner         Participant
	InSync        bool
	EncRemaining  int64
	AuthRemaining int64
	FreeBytes     int64
	LowCapacity   bool
	LastUsed      time.Time
}

// NewSession opens storage as described by opts.
func NewSession(opts SessionOptions) (*Session, error) {
	storage, err := NewStorage(opts.Storage)
	if err != nil {
		return nil, err
	}
	return NewSessionWithStorage(storage, opts.Passphrase, opts.Log), nil
}

// NewSessionWithStorage returns a session over an open storage. The session
// owns storage and closes it on Close.
func NewSessionWithStorage(storage Storage, pass PassphraseFunc, log *logging.Logger) *Session {
	if log == nil {
		log = discardLogger("keystore")
	}
	return &Session{
		storage: storage,
		cipher:  NewTimeSeriesSBCipher(),
		pass:    pass,
		keys:    make(map[string][]byte),
		log:     log,
	}
}

// Close gracefully closes the session
func (s *Session) Close() error {
	for r, k := range s.keys {
		for i := range k {
			k[i] = 0
		}
		delete(s.keys, r)
	}
	return s.storage.Close()
}

// CreateRing stores a new ring protected by passphrase and unlocks it.
func (s *Session) CreateRing(name, passphrase string) error {
	if err := initRing(name, passphrase, s.cipher, s.storage); err != nil {
		return err
	}
	r, err := getRing(s.storage, name)
	if err != nil {
		return err
	}
	key, err := r.unlock(passphrase, s.cipher)
	if err != nil {
		return err
	}
	s.keys[name] = key
	s.log.Noticef("created ring %s", name)
	return nil
}

// Rings returns the names of all rings.
func (s *Session) Rings() ([]string, error) {
	paths, err := s.storage.List(ringKeyPrefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range paths {
		name, err := getRingFromPath(p)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *Session) unlock(ring string) ([]byte, error) {
	if key, ok := s.keys[ring]; ok {
		return key, nil
	}
	r, err := getRing(s.storage, ring)
	if err != nil {
		return nil, err
	}
	if s.pass == nil {
		return nil, fmt.Errorf("%w: no passphrase for ring %s", ErrInvalidPass, ring)
	}
	pw, err := s.pass(ring)
	if err != nil {
		return nil, err
	}
	key, err := r.unlock(pw, s.cipher)
	if err != nil {
		return nil, err
	}
	s.keys[ring] = key
	return key, nil
}

// PadKey returns the key protecting the pad files of ring.
func (s *Session) PadKey(ring string) ([]byte, error) {
	key, err := s.unlock(ring)
	if err != nil {
		return nil, err
	}
	return subKey(key, "pad"), nil
}

// seal encrypts ks under its ring key and returns the record path.
func (s *Session) seal(ks *KeyState) (string, []byte, error) {
	key, err := s.unlock(ks.Ring)
	if err != nil {
		return "", nil, err
	}
	b, err := ks.Marshal()
	if err != nil {
		return "", nil, err
	}
	enc, err := s.cipher.Encrypt(b, key)
	if err != nil {
		return "", nil, err
	}
	return keyRecordPath(ks.Ring, ks.ID), enc, nil
}

// KeyRing returns the ring holding key id.
func (s *Session) KeyRing(id KeyID) (string, error) {
	ring, err := s.storage.Get(keyIndexPath(id))
	if err != nil {
		return "", err
	}
	if ring == nil {
		return "", fmt.Errorf("%w: %v", ErrKeyNotFound, id)
	}
	return string(ring), nil
}

// LoadKey implements KeyStore.
func (s *Session) LoadKey(id KeyID) (*KeyState, error) {
	ring, err := s.KeyRing(id)
	if err != nil {
		return nil, err
	}
	return s.loadFromRing(ring, id)
}

func (s *Session) loadFromRing(ring string, id KeyID) (*KeyState, error) {
	key, err := s.unlock(ring)
	if err != nil {
		return nil, err
	}
	enc, err := s.storage.Get(keyRecordPath(ring, id))
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: %v in ring %s", ErrKeyNotFound, id, ring)
	}
	b, err := s.cipher.Decrypt(enc, key)
	if err != nil {
		return nil, fmt.Errorf("key %v: %v", id, err)
	}
	ks, err := UnmarshalKeyState(b)
	if err != nil {
		return nil, fmt.Errorf("key %v: %w", id, err)
	}
	if ks.ID != id || ks.Ring != ring {
		return nil, fmt.Errorf("%w: record of key %v names %v in ring %s", ErrFormat, id, ks.ID, ks.Ring)
	}
	return ks, nil
}

// FinishKey implements KeyStore. On success a changed state is written. On
// failure only the forced updates are merged into the stored state. When the
// key went out of sync every other key of its ring is marked out of sync in
// the same transaction.
func (s *Session) FinishKey(ks *KeyState, success bool) error {
	target := ks
	switch {
	case !success && !ks.Forced():
		return nil
	case !success:
		stored, err := s.LoadKey(ks.ID)
		if err != nil {
			return err
		}
		if err := ks.ApplyForced(stored); err != nil {
			return err
		}
		target = stored
	case !ks.Dirty():
		return nil
	}
	writes := make(map[string][]byte)
	path, rec, err := s.seal(target)
	if err != nil {
		return err
	}
	writes[path] = rec
	if ks.RingDesync() {
		ids, err := s.ringKeyIDs(ks.Ring)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id == ks.ID {
				continue
			}
			other, err := s.loadFromRing(ks.Ring, id)
			if err != nil {
				return err
			}
			if !other.InSync {
				continue
			}
			other.InSync = false
			path, rec, err := s.seal(other)
			if err != nil {
				return err
			}
			writes[path] = rec
			s.log.Warningf("key %v: out of sync because key %v of ring %s is", id, ks.ID, ks.Ring)
		}
	}
	return s.storage.SetAll(writes)
}

func (s *Session) ringKeyIDs(ring string) ([]KeyID, error) {
	prefix := keyRecordPrefix + ring + "/"
	paths, err := s.storage.List(prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]KeyID, 0, len(paths))
	for _, p := range paths {
		id, err := ParseKeyID(strings.TrimPrefix(p, prefix))
		if err != nil {
			return nil, fmt.Errorf("%w: key path %s", ErrFormat, p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AddKey stores a new key in ring. The key id must not be in use.
func (s *Session) AddKey(ring string, ks *KeyState) error {
	if _, err := s.KeyRing(ks.ID); err == nil {
		return fmt.Errorf("key %v already exists", ks.ID)
	}
	ks.Ring = ring
	path, rec, err := s.seal(ks)
	if err != nil {
		return err
	}
	writes := map[string][]byte{path: rec}
	writes[keyIndexPath(ks.ID)] = []byte(ring)
	if err := s.storage.SetAll(writes); err != nil {
		return err
	}
	s.log.Noticef("key %v: added to ring %s as participant %d", ks.ID, ring, ks.Owner)
	return nil
}

// CreateKey builds a new key over pad, stored in ring with padPath recorded
// as the location of its pad.
func (s *Session) CreateKey(ring, alias, padPath string, p KeyParams, pad io.ReaderAt, rng RandomSource) (*KeyState, error) {
	if _, err := s.unlock(ring); err != nil {
		return nil, err
	}
	ks, err := NewKey(p, pad, rng, alias)
	if err != nil {
		return nil, err
	}
	ks.PadPath = padPath
	if err := s.AddKey(ring, ks); err != nil {
		return nil, err
	}
	return ks, nil
}

// DeleteKey removes a key and its index entry.
func (s *Session) DeleteKey(id KeyID) error {
	ring, err := s.KeyRing(id)
	if err != nil {
		return err
	}
	if err := s.storage.Delete(keyRecordPath(ring, id)); err != nil {
		return err
	}
	return s.storage.Delete(keyIndexPath(id))
}

// DeleteRing removes a ring and every key in it.
func (s *Session) DeleteRing(ring string) error {
	ids, err := s.ringKeyIDs(ring)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.storage.Delete(keyIndexPath(id)); err != nil {
			return err
		}
	}
	if err := deleteAllWithPrefix(s.storage, keyRecordPrefix+ring+"/"); err != nil {
		return err
	}
	delete(s.keys, ring)
	return s.storage.Delete(ringPath(ring))
}

// ListKeys describes the keys of ring, most recently used first.
func (s *Session) ListKeys(ring string) ([]KeyInfo, error) {
	ids, err := s.ringKeyIDs(ring)
	if err != nil {
		return nil, err
	}
	infos := make([]KeyInfo, 0, len(ids))
	for _, id := range ids {
		ks, err := s.loadFromRing(ring, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, ks.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].LastUsed.After(infos[j].LastUsed) })
	return infos, nil
}

// Info summarizes ks.
func (ks *KeyState) Info() KeyInfo {
	return KeyInfo{
		ID:            ks.ID,
		Ring:          ks.Ring,
		Alias:         ks.Alias,
		Owner:         ks.Owner,
		InSync:        ks.InSync,
		EncRemaining:  ks.Remaining(ks.Me(), Encryption),
		AuthRemaining: ks.Remaining(ks.Me(), Authentication),
		FreeBytes:     ks.FreeBytes(),
		LowCapacity:   ks.LowCapacity(),
		LastUsed:      ks.LastUsed,
	}
}
