// Package store provides persistent storage for compiled programs.
//
// Programs are kept in a single BoltDB file, keyed by program ID. The
// bytecode itself is stored in container form so integrity is re-verified
// on every read.
package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/svmkit/svm/internal/types"
	"github.com/svmkit/svm/pkg/program"
)

var (
	// ErrProgramNotFound is returned when a program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")
)

// Bucket names for BoltDB.
var (
	// bucketPrograms stores container-encoded bytecode keyed by program ID.
	bucketPrograms = []byte("programs")

	// bucketMeta stores per-program metadata keyed by program ID.
	bucketMeta = []byte("meta")
)

// Config holds store configuration options.
type Config struct {
	// Path is the file path for the store database.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:     path,
		NoSync:   false,
		ReadOnly: false,
	}
}

// Meta describes a stored program without its bytecode.
type Meta struct {
	// ID is the content-derived program identifier.
	ID types.ProgramID

	// Checksum is the integrity checksum of the bytecode.
	Checksum types.Checksum

	// Size is the uncompressed bytecode length in bytes.
	Size int

	// Label is an optional human-readable name.
	Label string

	// CreatedAt records when the program was first stored.
	CreatedAt time.Time
}

// Stats contains store statistics.
type Stats struct {
	// ProgramCount is the number of programs stored.
	ProgramCount uint64

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// Store persists programs in BoltDB.
type Store struct {
	db     *bolt.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a program store at the configured path.
func Open(config Config) (*Store, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, config: config}

	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	return s, nil
}

// initBuckets creates all required buckets.
func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrograms, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores a program. Storing the same program twice is idempotent;
// the original metadata (including CreatedAt) is preserved, though an
// empty label is upgraded to a non-empty one.
func (s *Store) Put(p *program.Program, label string) (*Meta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	container, err := p.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode program: %w", err)
	}

	meta := &Meta{
		ID:        p.ID,
		Checksum:  p.Checksum,
		Size:      len(p.Code),
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		metas := tx.Bucket(bucketMeta)
		if existing := metas.Get(p.ID.Bytes()); existing != nil {
			var prior Meta
			if err := gob.NewDecoder(bytes.NewReader(existing)).Decode(&prior); err != nil {
				return fmt.Errorf("decode meta: %w", err)
			}
			if prior.Label != "" || label == "" {
				*meta = prior
				return nil
			}
			prior.Label = label
			*meta = prior
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		if err := metas.Put(p.ID.Bytes(), buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketPrograms).Put(p.ID.Bytes(), container)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Get retrieves a program and its metadata by ID.
func (s *Store) Get(id types.ProgramID) (*program.Program, *Meta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	var container []byte
	var meta Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		if programs == nil {
			return ErrProgramNotFound
		}
		data := programs.Get(id.Bytes())
		if data == nil {
			return ErrProgramNotFound
		}
		container = append([]byte(nil), data...)

		if data := tx.Bucket(bucketMeta).Get(id.Bytes()); data != nil {
			return gob.NewDecoder(bytes.NewReader(data)).Decode(&meta)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	p, err := program.Decode(container)
	if err != nil {
		return nil, nil, fmt.Errorf("decode program %s: %w", id, err)
	}
	return p, &meta, nil
}

// Has reports whether a program exists.
func (s *Store) Has(id types.ProgramID) bool {
	if err := s.checkOpen(); err != nil {
		return false
	}
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketPrograms); b != nil {
			found = b.Get(id.Bytes()) != nil
		}
		return nil
	})
	return found
}

// List returns metadata for all stored programs, oldest first.
func (s *Store) List() ([]Meta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var metas []Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m Meta
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&m); err != nil {
				return fmt.Errorf("decode meta: %w", err)
			}
			metas = append(metas, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	return metas, nil
}

// Delete removes a program and its metadata.
func (s *Store) Delete(id types.ProgramID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		if programs.Get(id.Bytes()) == nil {
			return ErrProgramNotFound
		}
		if err := programs.Delete(id.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete(id.Bytes())
	})
}

// Stats returns store statistics.
func (s *Store) Stats() (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketPrograms); b != nil {
			stats.ProgramCount = uint64(b.Stats().KeyN)
		}
		stats.DatabaseSize = tx.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Sync flushes the database to disk.
func (s *Store) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// Close closes the store. Further operations return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
