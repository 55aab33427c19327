package onepad

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// Fingerprint is a base58 multihash over the key id and the verification
// bytes. Both partners compute the same value for the same pad, so it can be
// compared out of band after an import.
func (ks *KeyState) Fingerprint() (string, error) {
	mh, err := multihash.Sum(ks.fingerprintInput(), multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return mh.B58String(), nil
}

func (ks *KeyState) fingerprintInput() []byte {
	b := make([]byte, 0, KeyIDLength+9*len(ks.Verify))
	b = append(b, ks.ID[:]...)
	for _, v := range ks.Verify {
		b = binary.BigEndian.AppendUint32(b, uint32(v.Block))
		b = binary.BigEndian.AppendUint32(b, uint32(v.Offset))
		b = append(b, v.Value)
	}
	return b
}

// CheckFingerprint verifies fp against ks. Any hash function multihash knows
// is accepted.
func (ks *KeyState) CheckFingerprint(fp string) error {
	raw, err := base58.Decode(fp)
	if err != nil {
		return fmt.Errorf("%w: fingerprint: %v", ErrFormat, err)
	}
	dec, err := multihash.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: fingerprint: %v", ErrFormat, err)
	}
	want, err := multihash.Sum(ks.fingerprintInput(), dec.Code, dec.Length)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, raw) {
		return fmt.Errorf("%w: fingerprint of key %v", ErrPadMismatch, ks.ID)
	}
	return nil
}
