package onepad

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// ringKeyPrefix is the prefix used for ring records
	ringKeyPrefix = "rings/"
	// keyRecordPrefix holds the encrypted key states, as keys/{ring}/{id}
	keyRecordPrefix = "keys/"
	// keyIndexPrefix maps a key id to its ring, as index/{id}
	keyIndexPrefix = "index/"
	// ringCheck is sealed under the ring key so a passphrase can be checked
	// without touching any key
	ringCheck = "onepad ring v1"
)

// ringRecord is stored in the clear. Salt feeds the passphrase KDF.
type ringRecord struct {
	Name    string `cbor:"1,keyasint"`
	Salt    []byte `cbor:"2,keyasint"`
	Check   []byte `cbor:"3,keyasint"`
	Created int64  `cbor:"4,keyasint"`
}

func ringPath(name string) string { return ringKeyPrefix + name }

func keyRecordPath(ring string, id KeyID) string {
	return keyRecordPrefix + ring + "/" + id.String()
}

func keyIndexPath(id KeyID) string { return keyIndexPrefix + id.String() }

func validRingName(name string) error {
	if name == "" || strings.ContainsAny(name, "/ \t\n") {
		return fmt.Errorf("invalid ring name %q", name)
	}
	return nil
}

// initRing stores a new ring protected by passphrase.
func initRing(name, passphrase string, cipher Cipher, storage Storage) error {
	if err := validRingName(name); err != nil {
		return err
	}
	existing, err := storage.Get(ringPath(name))
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("ring %q already exists", name)
	}
	salt, err := genRandBytes(SaltLength)
	if err != nil {
		return err
	}
	r := ringRecord{Name: name, Salt: salt, Created: time.Now().Unix()}
	if r.Check, err = cipher.Encrypt([]byte(ringCheck), DeriveKey([]byte(passphrase), r.Salt)); err != nil {
		return err
	}
	b, err := cbor.Marshal(r)
	if err != nil {
		return err
	}
	return storage.Set(ringPath(name), b)
}

func getRing(storage Storage, name string) (ringRecord, error) {
	var r ringRecord
	b, err := storage.Get(ringPath(name))
	if err != nil {
		return r, err
	}
	if b == nil {
		return r, fmt.Errorf("%w: %s", ErrRingNotFound, name)
	}
	err = cbor.Unmarshal(b, &r)
	return r, err
}

// unlock derives the ring key from passphrase and checks it.
func (r ringRecord) unlock(passphrase string, cipher Cipher) ([]byte, error) {
	key := DeriveKey([]byte(passphrase), r.Salt)
	check, err := cipher.Decrypt(r.Check, key)
	if err != nil || !bytes.Equal(check, []byte(ringCheck)) {
		return nil, fmt.Errorf("%w for ring %s", ErrInvalidPass, r.Name)
	}
	return key, nil
}

func getRingFromPath(path string) (string, error) {
	name := strings.TrimPrefix(path, ringKeyPrefix)
	if name == path || name == "" {
		return "", errors.New("not a ring path")
	}
	return name, nil
}
