package onepad

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// SecretBoxDefaultChunkSize is the plaintext size of one sealed chunk.
	SecretBoxDefaultChunkSize = 16000
	// SecretBoxDecryptionOffset is the nonce and tag overhead of a chunk.
	SecretBoxDecryptionOffset = SecretBoxNonceLength + secretbox.Overhead
	// SecretBoxNonceLength is the size of a chunk nonce.
	SecretBoxNonceLength = 24
	// SecretBoxKeyLength is the size of a record key.
	SecretBoxKeyLength = 32
	// SaltLength is the size of the argon2 salts of rings and exports.
	SaltLength = 24
)

var (
	errKeyLength     = errors.New("invalid key length")
	errDecryptFailed = errors.New("decrypt failed")
)

// randReader is the entropy source for salts and nonces.
var randReader io.Reader = rand.Reader

// NonceType selects how a SecretBoxCipher draws chunk nonces.
type NonceType int

const (
	// RandomNonce nonces are all random.
	RandomNonce NonceType = iota
	// TimeSeriesNonce nonces start with 4 bytes of unix time.
	TimeSeriesNonce
)

// Cipher encrypts key records at rest and sealed exports.
type Cipher interface {
	Encrypt(data []byte, key []byte) ([]byte, error)
	Decrypt(data []byte, key []byte) ([]byte, error)
}

func genRandBytes(l int) ([]byte, error) {
	b := make([]byte, l)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return nil, fmt.Errorf("reading entropy: %w", err)
	}
	return b, nil
}

// genTimeStampNonce overwrites the first 4 bytes of a random nonce with the
// low half of the little endian unix time.
func genTimeStampNonce(l int) ([]byte, error) {
	nonce, err := genRandBytes(l)
	if err != nil {
		return nil, err
	}
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
	copy(nonce, ts[:4])
	return nonce, nil
}

// DeriveKey stretches a passphrase into a record key with argon2id.
func DeriveKey(pw, salt []byte) []byte {
	return argon2.IDKey(pw, salt, 1, 64*1024, 4, SecretBoxKeyLength)
}

// subKey derives an independent key for label from a ring key.
func subKey(key []byte, label string) []byte {
	h, _ := blake2b.New256(key)
	h.Write([]byte(label))
	return h.Sum(nil)
}

// SecretBoxCipher seals data in chunks of ChunkSize, each under its own nonce.
type SecretBoxCipher struct {
	Nonce     NonceType
	ChunkSize int
}

// NewTimeSeriesSBCipher returns a cipher with time prefixed nonces.
func NewTimeSeriesSBCipher() SecretBoxCipher {
	return SecretBoxCipher{Nonce: TimeSeriesNonce, ChunkSize: SecretBoxDefaultChunkSize}
}

// NewDefaultSBCipher returns a cipher with random nonces.
func NewDefaultSBCipher() SecretBoxCipher {
	return SecretBoxCipher{Nonce: RandomNonce, ChunkSize: SecretBoxDefaultChunkSize}
}

func recordKey(key []byte) (*[SecretBoxKeyLength]byte, error) {
	if len(key) != SecretBoxKeyLength {
		return nil, errKeyLength
	}
	var k [SecretBoxKeyLength]byte
	copy(k[:], key)
	return &k, nil
}

// chunks splits data into pieces of at most size bytes. A size below one
// keeps data whole.
func chunks(data []byte, size int) [][]byte {
	if size < 1 {
		size = len(data)
	}
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		out = append(out, data)
	}
	return out
}

// Encrypt seals data under key. Each chunk is prefixed with its nonce.
func (s SecretBoxCipher) Encrypt(data []byte, key []byte) ([]byte, error) {
	k, err := recordKey(key)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, chunk := range chunks(data, s.ChunkSize) {
		nb, err := s.GenNonce()
		if err != nil {
			return nil, err
		}
		var n [SecretBoxNonceLength]byte
		copy(n[:], nb)
		out = secretbox.Seal(append(out, n[:]...), chunk, &n, k)
	}
	return out, nil
}

// Decrypt opens data sealed by Encrypt with the same chunk size.
func (s SecretBoxCipher) Decrypt(data []byte, key []byte) ([]byte, error) {
	k, err := recordKey(key)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, chunk := range chunks(data, s.ChunkSize+SecretBoxDecryptionOffset) {
		if len(chunk) < SecretBoxDecryptionOffset {
			return nil, errDecryptFailed
		}
		var n [SecretBoxNonceLength]byte
		copy(n[:], chunk)
		var ok bool
		if out, ok = secretbox.Open(out, chunk[SecretBoxNonceLength:], &n, k); !ok {
			return nil, errDecryptFailed
		}
	}
	return out, nil
}

// GenNonce draws a chunk nonce of the configured type.
func (s SecretBoxCipher) GenNonce() ([]byte, error) {
	if s.Nonce == TimeSeriesNonce {
		return genTimeStampNonce(SecretBoxNonceLength)
	}
	return genRandBytes(SecretBoxNonceLength)
}
