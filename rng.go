package onepad

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
)

// byteRandom builds the RandomSource helpers on top of a byte reader.
type byteRandom struct {
	r io.Reader
}

func (b byteRandom) Bytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(b.r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b byteRandom) Byte() (byte, error) {
	v, err := b.Bytes(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (b byteRandom) uint63() (uint64, error) {
	v, err := b.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v) >> 1, nil
}

func (b byteRandom) Intn(n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("invalid bound")
	}
	bound := uint64(n)
	limit := (uint64(1) << 63) - (uint64(1)<<63)%bound
	for {
		v, err := b.uint63()
		if err != nil {
			return 0, err
		}
		if v < limit {
			return int(v % bound), nil
		}
	}
}

func (b byteRandom) Float64() (float64, error) {
	v, err := b.uint63()
	if err != nil {
		return 0, err
	}
	return float64(v>>10) / (1 << 53), nil
}

// SystemRandom reads from crypto/rand.
type SystemRandom struct {
	byteRandom
}

// NewSystemRandom returns the operating system's random source.
func NewSystemRandom() *SystemRandom {
	return &SystemRandom{byteRandom{r: rand.Reader}}
}

func (s *SystemRandom) Initialize() error         { return nil }
func (s *SystemRandom) Reseed() error             { return nil }
func (s *SystemRandom) Finish(success bool) error { return nil }

// ChaChaRandom is a seeded chacha20 key stream. The same seed always gives
// the same sequence until Reseed is called.
type ChaChaRandom struct {
	byteRandom
	key    [chacha20.KeySize]byte
	cipher *chacha20.Cipher
}

type chachaReader struct {
	c **chacha20.Cipher
}

func (r chachaReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	(*r.c).XORKeyStream(p, p)
	return len(p), nil
}

// NewChaChaRandom derives a generator from seed.
func NewChaChaRandom(seed []byte) (*ChaChaRandom, error) {
	c := &ChaChaRandom{}
	sum := blake2b.Sum512(seed)
	copy(c.key[:], sum[:chacha20.KeySize])
	if err := c.rekey(sum[chacha20.KeySize : chacha20.KeySize+chacha20.NonceSize]); err != nil {
		return nil, err
	}
	c.byteRandom = byteRandom{r: chachaReader{c: &c.cipher}}
	return c, nil
}

func (c *ChaChaRandom) rekey(nonce []byte) error {
	cipher, err := chacha20.NewUnauthenticatedCipher(c.key[:], nonce)
	if err != nil {
		return err
	}
	c.cipher = cipher
	return nil
}

func (c *ChaChaRandom) Initialize() error { return nil }

// Reseed mixes fresh system randomness into the key.
func (c *ChaChaRandom) Reseed() error {
	fresh := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, fresh); err != nil {
		return err
	}
	sum := blake2b.Sum512(append(c.key[:], fresh...))
	copy(c.key[:], sum[:chacha20.KeySize])
	return c.rekey(sum[chacha20.KeySize : chacha20.KeySize+chacha20.NonceSize])
}

func (c *ChaChaRandom) Finish(success bool) error { return nil }
