package preview

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const keyPrefix = "fp:"

// Fingerprint identifies the source version a thumbnail was built from.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
}

func (f Fingerprint) equal(o Fingerprint) bool {
	return f.Size == o.Size && f.ModTime.Equal(o.ModTime)
}

func (f Fingerprint) encode() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(f.Size))
	binary.BigEndian.PutUint64(buf[8:16], uint64(f.ModTime.UnixNano()))
	return buf
}

func decodeFingerprint(b []byte) (Fingerprint, error) {
	if len(b) != 16 {
		return Fingerprint{}, fmt.Errorf("fingerprint: want 16 bytes, got %d", len(b))
	}
	return Fingerprint{
		Size:    int64(binary.BigEndian.Uint64(b[0:8])),
		ModTime: time.Unix(0, int64(binary.BigEndian.Uint64(b[8:16]))),
	}, nil
}

// Index remembers, per cache key, the fingerprint of the source each cached
// thumbnail was generated from.
type Index struct {
	db *badger.DB
}

// OpenIndex opens the index stored in dir. An empty dir keeps the index in
// memory.
func OpenIndex(dir string) (*Index, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open preview index at %q: %w", dir, err)
	}
	return &Index{db: db}, nil
}

// Close closes the index.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Get returns the fingerprint stored for key.
func (ix *Index) Get(key string) (Fingerprint, bool, error) {
	var fp Fingerprint
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			fp, err = decodeFingerprint(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Fingerprint{}, false, nil
	}
	if err != nil {
		return Fingerprint{}, false, err
	}
	return fp, true, nil
}

// Put stores the fingerprint for key.
func (ix *Index) Put(key string, fp Fingerprint) error {
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), fp.encode())
	})
}

// Delete removes key. Missing keys are not an error.
func (ix *Index) Delete(key string) error {
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
}

// Len counts the indexed keys.
func (ix *Index) Len() (int, error) {
	n := 0
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
