// Package runlog provides the BadgerDB-backed execution history.
//
// Every program run is appended as a record holding the outcome, captured
// output, and the final register file. Records are assigned monotonically
// increasing sequence numbers and indexed by program ID, so both "latest
// runs" and "runs of this program" queries are single prefix scans.
package runlog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/svmkit/svm/internal/types"
)

var (
	// ErrRunNotFound is returned when a run record doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed is returned when operating on a closed log.
	ErrClosed = errors.New("runlog closed")
)

// Key prefixes for BadgerDB storage.
var (
	// prefixRun is the prefix for run records.
	// Key format: prefixRun + sequence (8 bytes big-endian)
	prefixRun = []byte{0x01}

	// prefixByProgram indexes runs by program.
	// Key format: prefixByProgram + program ID (32 bytes) + sequence (8 bytes)
	prefixByProgram = []byte{0x02}

	// metaSeq is the key for the last assigned sequence number.
	metaSeq = []byte{0x03, 's', 'e', 'q'}
)

// Status is the outcome of a run.
type Status string

const (
	// StatusOK means the program halted cleanly.
	StatusOK Status = "ok"

	// StatusError means the program was halted by a runtime error.
	StatusError Status = "error"
)

// Record is one program execution.
type Record struct {
	// Seq is the log-assigned sequence number, starting at 1.
	Seq uint64

	// ProgramID identifies the executed program.
	ProgramID types.ProgramID

	// Status is the run outcome.
	Status Status

	// Output is everything the program printed.
	Output string

	// Error is the runtime error message for StatusError runs.
	Error string

	// Registers is the final register file, one rendered value per register.
	Registers []string

	// ZFlag is the final zero flag.
	ZFlag bool

	// StartedAt is when the run began.
	StartedAt time.Time

	// Duration is how long the run took.
	Duration time.Duration
}

// Config contains configuration for the run log database.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns the default run log configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		InMemory:   false,
		SyncWrites: false,
		Logger:     nil,
	}
}

// Log is the BadgerDB-backed run history.
type Log struct {
	db *badger.DB

	// seq is the last assigned sequence number, cached in memory.
	seq atomic.Uint64

	// mu serializes appends so sequence assignment and the write commit
	// stay in order.
	mu sync.Mutex

	closed atomic.Bool
}

// Open creates or opens a run log.
func Open(cfg Config) (*Log, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	l := &Log{db: db}
	if err := l.loadSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load sequence: %w", err)
	}
	return l, nil
}

// loadSeq restores the sequence counter from disk.
func (l *Log) loadSeq() error {
	return l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaSeq)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				l.seq.Store(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
}

// runKey returns the storage key for a sequence number.
func runKey(seq uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixRun[0]
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// byProgramKey returns the index key for a program/sequence pair.
func byProgramKey(id types.ProgramID, seq uint64) []byte {
	key := make([]byte, 1+types.ProgramIDSize+8)
	key[0] = prefixByProgram[0]
	copy(key[1:], id[:])
	binary.BigEndian.PutUint64(key[1+types.ProgramIDSize:], seq)
	return key
}

// Append stores a run record and returns its assigned sequence number.
// The record's Seq field is overwritten.
func (l *Log) Append(rec *Record) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq.Load() + 1
	rec.Seq = seq

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, seq)

	err := l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(runKey(seq), buf.Bytes()); err != nil {
			return err
		}
		if err := txn.Set(byProgramKey(rec.ProgramID, seq), nil); err != nil {
			return err
		}
		return txn.Set(metaSeq, seqBuf)
	})
	if err != nil {
		return 0, err
	}

	l.seq.Store(seq)
	return seq, nil
}

// Get retrieves a run record by sequence number.
func (l *Log) Get(seq uint64) (*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	var rec Record
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(seq))
		if err == badger.ErrKeyNotFound {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Recent returns up to limit records, newest first.
func (l *Log) Recent(limit int) ([]Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	var records []Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRun
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the highest possible run key.
		seek := runKey(^uint64(0))
		for it.Seek(seek); it.Valid() && len(records) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&rec); err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ByProgram returns up to limit records for one program, newest first.
func (l *Log) ByProgram(id types.ProgramID, limit int) ([]Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	// Collect matching sequence numbers from the index first, then load
	// the records outside the iterator.
	var seqs []uint64
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := make([]byte, 1+types.ProgramIDSize)
		prefix[0] = prefixByProgram[0]
		copy(prefix[1:], id[:])

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(byProgramKey(id, ^uint64(0))); it.Valid() && len(seqs) < limit; it.Next() {
			key := it.Item().Key()
			if len(key) != 1+types.ProgramIDSize+8 {
				continue
			}
			seqs = append(seqs, binary.BigEndian.Uint64(key[1+types.ProgramIDSize:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(seqs))
	for _, seq := range seqs {
		rec, err := l.Get(seq)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Count returns the total number of runs recorded.
func (l *Log) Count() uint64 {
	return l.seq.Load()
}

// Sync ensures all writes are persisted to disk.
func (l *Log) Sync() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.db.Sync()
}

// Close closes the run log.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return ErrClosed
	}
	return l.db.Close()
}
