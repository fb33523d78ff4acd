package infra

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/tidyhome/courier/ratelimit"
	"go.etcd.io/bbolt"
)

const (
	// DefaultBoltBucket is the bucket records are kept in
	DefaultBoltBucket = "ratelimit"
	// DefaultBoltPruneEvery is how often the janitor prunes expired records
	DefaultBoltPruneEvery = 10 * time.Minute
)

// boltRecordSize is count, window start and expiry, each 8 bytes
const boltRecordSize = 24

var errCorruptRecord = errors.New("ratelimit: corrupt bolt record")

// BoltStore is a ratelimit.Store backed by a BoltDB file
type BoltStore struct {
	db         *bbolt.DB
	bucket     []byte
	owned      bool
	pruneEvery time.Duration
	logger     *slog.Logger
}

// BoltOption configures a BoltStore
type BoltOption func(*BoltStore)

// WithBoltBucket sets the bucket name
func WithBoltBucket(name string) BoltOption {
	return func(s *BoltStore) { s.bucket = []byte(name) }
}

// WithPruneEvery sets the janitor interval. Zero disables the janitor.
func WithPruneEvery(d time.Duration) BoltOption {
	return func(s *BoltStore) { s.pruneEvery = d }
}

// WithBoltLogger sets the logger the janitor reports to
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(s *BoltStore) { s.logger = logger }
}

// OpenBoltStore opens (creating if needed) the BoltDB file at path.
//
// If ctx has a deadline it bounds how long Open waits for the file lock.
// The returned store owns the database and closes it on Close.
func OpenBoltStore(ctx context.Context, path string, opts ...BoltOption) (*BoltStore, error) {
	bopts := &bbolt.Options{Timeout: time.Second}
	if timeout, ok := linger.FromContextDeadline(ctx); ok {
		bopts.Timeout = timeout
	}

	db, err := bbolt.Open(path, os.FileMode(0600), bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	s, err := NewBoltStore(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewBoltStore uses an already open database. The caller keeps ownership.
func NewBoltStore(db *bbolt.DB, opts ...BoltOption) (*BoltStore, error) {
	s := &BoltStore{
		db:         db,
		bucket:     []byte(DefaultBoltBucket),
		pruneEvery: DefaultBoltPruneEvery,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %q: %w", s.bucket, err)
	}

	return s, nil
}

// Attempt implements ratelimit.Store
func (s *BoltStore) Attempt(ctx context.Context, key string, now time.Time, maxAttempts int, window time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var admitted bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)

		rec, _, exists, err := decodeRecord(b.Get([]byte(key)))
		if err != nil {
			return err
		}

		rec, admitted = ratelimit.Admit(rec, exists, now, maxAttempts, window)
		if !admitted {
			return nil
		}

		return b.Put([]byte(key), encodeRecord(rec, rec.WindowStart.Add(window)))
	})

	return admitted, err
}

// Lookup implements ratelimit.Store
func (s *BoltStore) Lookup(ctx context.Context, key string) (ratelimit.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Record{}, false, err
	}

	var (
		rec    ratelimit.Record
		exists bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, _, exists, err = decodeRecord(tx.Bucket(s.bucket).Get([]byte(key)))
		return err
	})

	return rec, exists, err
}

// Delete implements ratelimit.Store
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Prune deletes records whose window ended before now and returns how many
// were removed
func (s *BoltStore) Prune(now time.Time) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)

		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			_, expires, _, err := decodeRecord(v)
			if err != nil || now.After(expires) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})

	return removed, err
}

// StartJanitor starts a goroutine that prunes expired records periodically.
// Stop it by cancelling ctx before closing the store.
func (s *BoltStore) StartJanitor(ctx context.Context) {
	if s.pruneEvery <= 0 {
		return
	}

	t := time.NewTicker(s.pruneEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				removed, err := s.Prune(now)
				if err != nil {
					s.logger.Warn("failed to prune rate limit records", "error", err)
					continue
				}
				if removed > 0 {
					s.logger.Debug("pruned rate limit records", "removed", removed)
				}
			}
		}
	}()
}

// Len returns the number of stored records, expired or not
func (s *BoltStore) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database if the store opened it
func (s *BoltStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func encodeRecord(rec ratelimit.Record, expires time.Time) []byte {
	buf := make([]byte, boltRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(rec.Count))
	binary.BigEndian.PutUint64(buf[8:16], uint64(rec.WindowStart.UnixNano()))
	binary.BigEndian.PutUint64(buf[16:24], uint64(expires.UnixNano()))
	return buf
}

func decodeRecord(v []byte) (ratelimit.Record, time.Time, bool, error) {
	if v == nil {
		return ratelimit.Record{}, time.Time{}, false, nil
	}
	if len(v) != boltRecordSize {
		return ratelimit.Record{}, time.Time{}, false, errCorruptRecord
	}

	rec := ratelimit.Record{
		Count:       int(binary.BigEndian.Uint64(v[0:8])),
		WindowStart: time.Unix(0, int64(binary.BigEndian.Uint64(v[8:16]))),
	}
	expires := time.Unix(0, int64(binary.BigEndian.Uint64(v[16:24])))

	return rec, expires, true, nil
}
