// Package marker stores the side-channel "sent" markers used as the last
// duplicate layer. Markers live in an embedded BadgerDB, separate from the
// SQL ledger, so that a send which reached the customer but whose ledger
// write failed is still caught on the next evaluation.
//
// Each marker is keyed by (recipient, order, type), carries the send time,
// and expires through Badger's native TTL. The logical freshness check is
// done against the stored timestamp so that callers using a non-wall clock
// get consistent answers.
package marker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/notify-gate/internal/domain"
)

const keyPrefix = "sent/"

// Config holds configuration for the marker store.
type Config struct {
	// Path is the directory for Badger files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// TTL is how long a marker is kept and considered fresh.
	TTL time.Duration

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites a file.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		TTL:            24 * time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration suitable for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
		TTL:      24 * time.Hour,
	}
}

// Store is a Badger-backed marker set. It is safe for concurrent use.
type Store struct {
	db   *badger.DB
	ttl  time.Duration
	stop chan struct{}
	done chan struct{}
}

// badgerLogger adapts zerolog to Badger's Logger interface. Badger's info
// and debug chatter (compactions, table flushes) is dropped.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(f string, args ...interface{})   { b.l.Error().Msgf(f, args...) }
func (b badgerLogger) Warningf(f string, args ...interface{}) { b.l.Warn().Msgf(f, args...) }
func (badgerLogger) Infof(string, ...interface{})             {}
func (badgerLogger) Debugf(string, ...interface{})            {}

// Open opens (or creates) the marker store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("marker: path is required for persistent store")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("marker: ttl must be positive")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("marker: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{l: log.With().Str("component", "marker").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("marker: open badger: %w", err)
	}

	s := &Store{db: db, ttl: cfg.TTL}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// TTL returns the marker lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

func markerKey(recipientID, orderID string, t domain.MessageType) []byte {
	return []byte(keyPrefix + domain.SentKeyFor(recipientID, orderID, t))
}

// Put records that the key was sent at the given time.
func (s *Store) Put(ctx context.Context, recipientID, orderID string, t domain.MessageType, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(at.UnixMilli()))

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(markerKey(recipientID, orderID, t), val).WithTTL(s.ttl)
		return txn.SetEntry(e)
	})
}

// Has reports whether a marker for the key was written within TTL of now.
// It returns the recorded send time when found.
func (s *Store) Has(ctx context.Context, recipientID, orderID string, t domain.MessageType, now time.Time) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	var sentMs int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(markerKey(recipientID, orderID, t))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("marker: corrupt value (%d bytes)", len(v))
			}
			sentMs = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	sentAt := time.UnixMilli(sentMs).UTC()
	if now.Sub(sentAt) > s.ttl {
		return sentAt, false, nil
	}
	return sentAt, true, nil
}

// Delete removes the marker for the key.
func (s *Store) Delete(ctx context.Context, recipientID, orderID string, t domain.MessageType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(markerKey(recipientID, orderID, t))
	})
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
		s.stop = nil
	}
	return s.db.Close()
}

func (s *Store) runGC(every time.Duration, ratio float64) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				log.Warn().Err(err).Msg("marker value log gc")
			}
		}
	}
}
