package onepad

import (
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vaughan0/go-ini"
)

const exportVersion = "1"

// WriteKeyExport writes the partner's copy of ks to w as an INI file. The
// state is sealed under a key derived from passphrase, which has to reach the
// partner on another channel. The pad itself is never part of an export.
func WriteKeyExport(w io.Writer, ks *KeyState, passphrase string) error {
	partner, err := ks.ExportForPartner()
	if err != nil {
		return err
	}
	partner.Ring, partner.PadPath = "", ""
	state, err := partner.Marshal()
	if err != nil {
		return err
	}
	salt, err := genRandBytes(SaltLength)
	if err != nil {
		return err
	}
	sealed, err := NewDefaultSBCipher().Encrypt(state, DeriveKey([]byte(passphrase), salt))
	if err != nil {
		return err
	}
	fp, err := ks.Fingerprint()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, `# onepad key export
version = %v

[key]
id = %v
alias = %v
owner = %d
fingerprint = %v
padsize = %d
blocksize = %d

[state]
salt = %v
sealed = %v
`,
		exportVersion,
		ks.ID,
		strings.ReplaceAll(ks.Alias, "\n", " "),
		partner.Owner,
		fp,
		ks.Params.PadSize,
		ks.Params.BlockSize,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(sealed))
	return err
}

// ExportSummary is the clear part of an export.
type ExportSummary struct {
	ID          KeyID
	Alias       string
	Owner       Participant
	Fingerprint string
	PadSize     int64
	BlockSize   int
}

func iniString(cfg ini.File, section, key string) (string, error) {
	v, ok := cfg.Get(section, key)
	if !ok {
		return "", fmt.Errorf("%w: export has no [%v]%v", ErrFormat, section, key)
	}
	return v, nil
}

func readExportSummary(cfg ini.File) (ExportSummary, error) {
	var s ExportSummary
	v, err := iniString(cfg, "", "version")
	if err != nil {
		return s, err
	}
	if v != exportVersion {
		return s, fmt.Errorf("%w: export version %v", ErrFormat, v)
	}
	id, err := iniString(cfg, "key", "id")
	if err != nil {
		return s, err
	}
	if s.ID, err = ParseKeyID(id); err != nil {
		return s, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	s.Alias, _ = cfg.Get("key", "alias")
	owner, err := iniString(cfg, "key", "owner")
	if err != nil {
		return s, err
	}
	o, err := strconv.Atoi(owner)
	if err != nil || !Participant(o).Valid() {
		return s, fmt.Errorf("%w: owner %q", ErrFormat, owner)
	}
	s.Owner = Participant(o)
	if s.Fingerprint, err = iniString(cfg, "key", "fingerprint"); err != nil {
		return s, err
	}
	for _, f := range []struct {
		key string
		set func(int64)
	}{
		{"padsize", func(n int64) { s.PadSize = n }},
		{"blocksize", func(n int64) { s.BlockSize = int(n) }},
	} {
		v, err := iniString(cfg, "key", f.key)
		if err != nil {
			return s, err
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return s, fmt.Errorf("%w: [key]%v: %v", ErrFormat, f.key, err)
		}
		f.set(n)
	}
	return s, nil
}

// ReadKeyExport parses an export written by WriteKeyExport and opens its
// state with passphrase. The clear fields must agree with the sealed state.
func ReadKeyExport(r io.Reader, passphrase string) (*KeyState, error) {
	cfg, err := ini.Load(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	sum, err := readExportSummary(cfg)
	if err != nil {
		return nil, err
	}
	var blobs [2][]byte
	for i, key := range []string{"salt", "sealed"} {
		v, err := iniString(cfg, "state", key)
		if err != nil {
			return nil, err
		}
		if blobs[i], err = base64.StdEncoding.DecodeString(v); err != nil {
			return nil, fmt.Errorf("%w: [state]%v: %v", ErrFormat, key, err)
		}
	}
	state, err := NewDefaultSBCipher().Decrypt(blobs[1], DeriveKey([]byte(passphrase), blobs[0]))
	if err != nil {
		return nil, fmt.Errorf("%w for key export", ErrInvalidPass)
	}
	ks, err := UnmarshalKeyState(state)
	if err != nil {
		return nil, err
	}
	switch {
	case ks.ID != sum.ID:
		return nil, fmt.Errorf("%w: export names key %v, state holds %v", ErrFormat, sum.ID, ks.ID)
	case ks.Owner != sum.Owner:
		return nil, fmt.Errorf("%w: export owner does not match state", ErrFormat)
	case ks.Params.PadSize != sum.PadSize || ks.Params.BlockSize != sum.BlockSize:
		return nil, fmt.Errorf("%w: export geometry does not match state", ErrFormat)
	}
	if err := ks.CheckFingerprint(sum.Fingerprint); err != nil {
		return nil, err
	}
	ks.MarkDirty()
	return ks, nil
}

// PeekKeyExport returns the clear part of an export without a passphrase.
func PeekKeyExport(r io.Reader) (ExportSummary, error) {
	cfg, err := ini.Load(r)
	if err != nil {
		return ExportSummary{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return readExportSummary(cfg)
}
