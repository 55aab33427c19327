package onepad

import "io"

// RandomSource provides the randomness for padding lengths, padding bytes and
// sync request disguises.
type RandomSource interface {
	Initialize() error
	Byte() (byte, error)
	Bytes(n int) ([]byte, error)
	// Intn returns a uniform value in [0, n).
	Intn(n int) (int, error)
	// Float64 returns a uniform value in [0, 1).
	Float64() (float64, error)
	Reseed() error
	Finish(success bool) error
}

// KeyStream hands out pad bytes along one cursor.
type KeyStream interface {
	Initialize() error
	// Next returns the next n key bytes and advances the position.
	Next(n int) ([]byte, error)
	// WriteNext overwrites the next len(b) key bytes in place and advances the
	// position.
	WriteNext(b []byte) error
	Position() Cursor
	SetPosition(c Cursor)
	Finish(success bool) error
}

// Authenticator computes a message authentication code keyed by pad bytes.
type Authenticator interface {
	// SetInputSize announces the total authenticated length and returns how
	// many key bytes the authenticator will draw from its stream.
	SetInputSize(total int64) (int64, error)
	Initialize() error
	io.Writer
	Sum() ([]byte, error)
	MacLength() int
	Finish(success bool) error
}

// AuthenticatorFactory builds an authenticator drawing key bytes from ks.
type AuthenticatorFactory func(method string, macLength int, ks KeyStream) (Authenticator, error)

// Source is a message input of known length. Modify reads it twice.
type Source interface {
	io.ReadSeeker
	Size() int64
}

// UserInterface receives advisory progress and status messages.
type UserInterface interface {
	StartProgress(label string, total int64)
	UpdateProgress(done int64)
	FinishProgress()
	Message(msg string)
	Warning(msg string)
}

// KeyStore is the persistence boundary for key state. LoadKey returns a
// private copy; FinishKey persists it when success is true, and otherwise
// persists only the forced updates recorded on the key.
type KeyStore interface {
	LoadKey(id KeyID) (*KeyState, error)
	FinishKey(ks *KeyState, success bool) error
}

// PadProvider opens the pad of a key, verifying it on first use.
type PadProvider interface {
	OpenPad(ks *KeyState, writable bool) (Pad, error)
}
