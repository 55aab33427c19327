package onepad

import (
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/poly1305"
)

const (
	// AuthPoly1305 is a one-time universal hash MAC keyed by 32 pad bytes.
	AuthPoly1305 = "poly1305"
	// AuthBlake2b is keyed blake2b with a configurable tag length.
	AuthBlake2b = "blake2b"

	Poly1305MacLength = poly1305.TagSize
	poly1305KeyLength = 32
	blake2bKeyLength  = 64
	minBlake2bMac     = 16
)

var errAuthNotReady = errors.New("authenticator not initialized")

func validateAuth(method string, macLength int) error {
	switch method {
	case AuthPoly1305:
		if macLength != Poly1305MacLength {
			return fmt.Errorf("%w: poly1305 tags are %d bytes", ErrInvalidParams, Poly1305MacLength)
		}
	case AuthBlake2b:
		if macLength < minBlake2bMac || macLength > blake2b.Size {
			return fmt.Errorf("%w: blake2b tags are %d to %d bytes", ErrInvalidParams, minBlake2bMac, blake2b.Size)
		}
	default:
		return fmt.Errorf("%w: unknown authentication method %q", ErrInvalidParams, method)
	}
	return nil
}

// NewAuthenticator returns the authenticator for method, keyed from ks.
func NewAuthenticator(method string, macLength int, ks KeyStream) (Authenticator, error) {
	if err := validateAuth(method, macLength); err != nil {
		return nil, err
	}
	switch method {
	case AuthBlake2b:
		return &blake2bAuth{ks: ks, size: macLength}, nil
	default:
		return &poly1305Auth{ks: ks}, nil
	}
}

type poly1305Auth struct {
	ks  KeyStream
	mac *poly1305.MAC
}

func (a *poly1305Auth) SetInputSize(total int64) (int64, error) {
	return poly1305KeyLength, nil
}

func (a *poly1305Auth) Initialize() error {
	k, err := a.ks.Next(poly1305KeyLength)
	if err != nil {
		return err
	}
	var key [poly1305KeyLength]byte
	copy(key[:], k)
	a.mac = poly1305.New(&key)
	return nil
}

func (a *poly1305Auth) Write(p []byte) (int, error) {
	if a.mac == nil {
		return 0, errAuthNotReady
	}
	return a.mac.Write(p)
}

func (a *poly1305Auth) Sum() ([]byte, error) {
	if a.mac == nil {
		return nil, errAuthNotReady
	}
	return a.mac.Sum(nil), nil
}

func (a *poly1305Auth) MacLength() int            { return Poly1305MacLength }
func (a *poly1305Auth) Finish(success bool) error { return nil }

type blake2bAuth struct {
	ks   KeyStream
	size int
	h    hash.Hash
}

func (a *blake2bAuth) SetInputSize(total int64) (int64, error) {
	return blake2bKeyLength, nil
}

func (a *blake2bAuth) Initialize() error {
	k, err := a.ks.Next(blake2bKeyLength)
	if err != nil {
		return err
	}
	a.h, err = blake2b.New(a.size, k)
	return err
}

func (a *blake2bAuth) Write(p []byte) (int, error) {
	if a.h == nil {
		return 0, errAuthNotReady
	}
	return a.h.Write(p)
}

func (a *blake2bAuth) Sum() ([]byte, error) {
	if a.h == nil {
		return nil, errAuthNotReady
	}
	return a.h.Sum(nil), nil
}

func (a *blake2bAuth) MacLength() int            { return a.size }
func (a *blake2bAuth) Finish(success bool) error { return nil }
