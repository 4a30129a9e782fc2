// Package store persists room snapshots so a relay restart does not lose
// documents that no editor currently holds open.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"scenecollab/server/internal/replica"
)

const roomPrefix = "room/"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Snapshot is the persisted replica state of one room.
type Snapshot struct {
	State   []byte `cbor:"state"`
	Seq     uint64 `cbor:"seq"`
	SavedAt int64  `cbor:"savedAt"`
}

// Config configures Open. An empty Path keeps everything in memory.
type Config struct {
	Path       string
	SyncWrites bool
	Logger     *zerolog.Logger
	Clock      func() time.Time
}

// Store keeps room snapshots in badger.
type Store struct {
	db    *badger.DB
	clock func() time.Time
}

type badgerLogger struct {
	logger *zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open opens or creates the snapshot database.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

func roomKey(room string) []byte {
	return []byte(roomPrefix + room)
}

// Save replaces the snapshot of room.
func (s *Store) Save(ctx context.Context, room string, state []byte, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if room == "" {
		return errors.New("room id is required")
	}
	if s.db.IsClosed() {
		return ErrClosed
	}
	data, err := replica.Marshal(Snapshot{State: state, Seq: seq, SavedAt: s.clock().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roomKey(room), data)
	})
}

// Load returns the latest snapshot of room. ok is false when none was saved.
func (s *Store) Load(ctx context.Context, room string) (snap Snapshot, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	if s.db.IsClosed() {
		return Snapshot{}, false, ErrClosed
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(room))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := replica.Unmarshal(val, &snap); err != nil {
				return fmt.Errorf("decode snapshot %s: %w", room, err)
			}
			ok = true
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, ok, nil
}

// Delete drops the snapshot of room.
func (s *Store) Delete(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(roomKey(room))
	})
}

// Rooms lists every room with a snapshot, sorted.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	var rooms []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(roomPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rooms = append(rooms, strings.TrimPrefix(string(it.Item().Key()), roomPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}
