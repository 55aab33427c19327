package onepad

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// StorageEngine type for enum
type StorageEngine int

const (
	// BoltEngine is the only StorageEngine so far
	BoltEngine StorageEngine = iota
)

const (
	// DefaultStorageEngine is used to set the storage engine if none is set in
	// storage options
	DefaultStorageEngine = BoltEngine
	// DefaultBoltFilePath is the default path and file name for BoltDB storage
	DefaultBoltFilePath = "onepad.boltdb"
	// DefaultTLB is the name of the top level bucket for BoltDB
	DefaultTLB = "onepad"
	// DefaultLockTimeout is how long opening waits for another process to
	// release the database file
	DefaultLockTimeout = 10 * time.Second
)

// Storage is the key value store behind a key ring. Keys are slash separated
// paths.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	// SetAll writes every pair in one transaction.
	SetAll(kv map[string][]byte) error
	Delete(key string) error
	List(path string) ([]string, error)
	Close() error
}

// StorageOptions are used to pass in initialization settings
type StorageOptions struct {
	Engine      StorageEngine
	FilePath    string
	LockTimeout time.Duration
}

// NewStorage initiates a new storage Interface
func NewStorage(opts StorageOptions) (Storage, error) {
	switch opts.Engine {
	case BoltEngine:
		return NewBoltStorage(opts)
	default:
		return nil, errors.New("invalid engine type")
	}
}

// NewBoltStorage takes StorageOptions as an argument and returns a reference to a BoltDB
// based implementation of the Storage interface. The file stays locked until Close, so
// a second process waits up to LockTimeout and then fails.
func NewBoltStorage(opts StorageOptions) (*BoltStorage, error) {
	tlb := DefaultTLB
	fp := DefaultBoltFilePath
	if opts.FilePath != "" {
		fp = opts.FilePath
	}
	timeout := opts.LockTimeout
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}
	db, err := bolt.Open(fp, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening %v: %w", fp, err)
	}

	// ensure that top level bucket exists
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(tlb)); err != nil {
			return fmt.Errorf("error creating bucket: %s", err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{DB: db, TLB: tlb}, nil
}

// BoltStorage is a struct that conforms to the Storage interface for using
// BoltDB. DB is a reference to a boltDB instance and TLB stands for "top level bucket"
type BoltStorage struct {
	DB  *bolt.DB
	TLB string
}

// Get returns a copy of the value stored under key, or nil if there is none.
func (s *BoltStorage) Get(key string) (value []byte, err error) {
	err = s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.TLB))
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

// Set treats both create and updates the same.
func (s *BoltStorage) Set(key string, value []byte) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.TLB))
		return b.Put([]byte(key), value)
	})
}

// SetAll writes all pairs or none of them.
func (s *BoltStorage) SetAll(kv map[string][]byte) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.TLB))
		for k, v := range kv {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete takes a key string and returns an error from a BoltStorage struct.
func (s *BoltStorage) Delete(key string) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.TLB))
		return b.Delete([]byte(key))
	})
}

// List takes a path and returns a slice of key paths formatted as strings or an error.
func (s *BoltStorage) List(path string) (keys []string, err error) {
	p := []byte(path)
	err = s.DB.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(s.TLB)).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Close is used to close the Bolt DB engine and returns an error
func (s *BoltStorage) Close() error {
	return s.DB.Close()
}

// deleteAllWithPrefix takes a storage interface and a prefix string. It looks up all keys that
// match the prefix and attempts to run the Delete method on all keys, returns a error or nil.
func deleteAllWithPrefix(s Storage, prefix string) error {
	keys, err := s.List(prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
