// Package bolt provides a bbolt-backed implementation of storage.AuditStore.
//
// Layout:
//
//	entries/<work id>/<sequence>           gob-encoded LedgerEntry
//	clock/<work id>                        latest timestamp of the work
//	by_event/<fingerprint>\x00<work>\x00<sequence>
//	by_payee/<payee>\x00<timestamp><work>\x00<sequence>
//
// Index buckets hold keys only; values are nil.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/storage"
)

var (
	bucketEntries = []byte("entries")
	bucketClock   = []byte("clock")
	bucketByEvent = []byte("by_event")
	bucketByPayee = []byte("by_payee")
)

var errEmptyKey = errors.New("audit: identifiers must be non-empty and must not contain NUL")

// Ensure AuditStore implements storage.AuditStore
var _ storage.AuditStore = (*AuditStore)(nil)

// AuditStore keeps the append-only audit ledger in a bbolt file.
type AuditStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the audit database at path.
func Open(path string) (*AuditStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketClock, bucketByEvent, bucketByPayee} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit buckets: %w", err)
	}

	return &AuditStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database.
func (s *AuditStore) Close() error { return s.db.Close() }

// Append stores entry as the next record of its work. Sequence and
// Timestamp are assigned here; a zero Timestamp means now.
func (s *AuditStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	if !validKey(entry.WorkID) {
		return fmt.Errorf("append %s: %w", entry.Kind, errEmptyKey)
	}
	if entry.EventFingerprint != "" && !validKey(entry.EventFingerprint) {
		return fmt.Errorf("append %s: %w", entry.Kind, errEmptyKey)
	}
	if entry.PayeeID != "" && !validKey(entry.PayeeID) {
		return fmt.Errorf("append %s: %w", entry.Kind, errEmptyKey)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		work, err := tx.Bucket(bucketEntries).CreateBucketIfNotExists([]byte(entry.WorkID))
		if err != nil {
			return fmt.Errorf("failed to create work bucket: %w", err)
		}

		// Keep (Timestamp, Sequence) ordered when the clock goes backwards.
		clock := tx.Bucket(bucketClock)
		if latest := clock.Get([]byte(entry.WorkID)); latest != nil {
			if last := time.Unix(0, int64(binary.BigEndian.Uint64(latest))).UTC(); entry.Timestamp.Before(last) {
				entry.Timestamp = last
			}
		}

		seq, err := work.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to assign sequence: %w", err)
		}
		entry.Sequence = seq

		data, err := encodeGob(entry)
		if err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
		if err := work.Put(u64(seq), data); err != nil {
			return fmt.Errorf("failed to put entry: %w", err)
		}
		if err := clock.Put([]byte(entry.WorkID), u64(uint64(entry.Timestamp.UnixNano()))); err != nil {
			return fmt.Errorf("failed to put clock: %w", err)
		}

		if entry.EventFingerprint != "" {
			key := join([]byte(entry.EventFingerprint), []byte(entry.WorkID), u64(seq))
			if err := tx.Bucket(bucketByEvent).Put(key, nil); err != nil {
				return fmt.Errorf("failed to index entry by event: %w", err)
			}
		}
		if entry.PayeeID != "" {
			key := payeeKey(entry.PayeeID, entry.Timestamp, entry.WorkID, seq)
			if err := tx.Bucket(bucketByPayee).Put(key, nil); err != nil {
				return fmt.Errorf("failed to index entry by payee: %w", err)
			}
		}
		return nil
	})
}

// ByWork returns the entries of a work in order. Zero bounds are open.
func (s *AuditStore) ByWork(ctx context.Context, workID string, from, to time.Time) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		work := tx.Bucket(bucketEntries).Bucket([]byte(workID))
		if work == nil {
			return nil
		}
		c := work.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if !from.IsZero() && entry.Timestamp.Before(from) {
				continue
			}
			if !to.IsZero() && !entry.Timestamp.Before(to) {
				break
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries of work %s: %w", workID, err)
	}
	return out, nil
}

// ByEvent returns every entry referring to an event, in work order.
func (s *AuditStore) ByEvent(ctx context.Context, fingerprint string) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := append([]byte(fingerprint), 0)
		c := tx.Bucket(bucketByEvent).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rest := k[len(prefix):]
			workID, seq := splitRef(rest)
			entry, err := lookup(tx, workID, seq)
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries of event %s: %w", fingerprint, err)
	}
	return out, nil
}

// ByPayee returns the entries naming a payee ordered by timestamp.
// Zero bounds are open.
func (s *AuditStore) ByPayee(ctx context.Context, payeeID string, from, to time.Time) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := append([]byte(payeeID), 0)
		start := prefix
		if !from.IsZero() {
			start = append(append([]byte{}, prefix...), u64(uint64(from.UnixNano()))...)
		}
		c := tx.Bucket(bucketByPayee).Cursor()
		for k, _ := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rest := k[len(prefix):]
			ts := int64(binary.BigEndian.Uint64(rest[:8]))
			if !to.IsZero() && ts >= to.UnixNano() {
				break
			}
			workID, seq := splitRef(rest[8:])
			entry, err := lookup(tx, workID, seq)
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries of payee %s: %w", payeeID, err)
	}
	return out, nil
}

func lookup(tx *bbolt.Tx, workID string, seq []byte) (*models.LedgerEntry, error) {
	work := tx.Bucket(bucketEntries).Bucket([]byte(workID))
	if work == nil {
		return nil, fmt.Errorf("index refers to missing work %s", workID)
	}
	data := work.Get(seq)
	if data == nil {
		return nil, fmt.Errorf("index refers to missing entry %s/%d", workID, binary.BigEndian.Uint64(seq))
	}
	return decodeEntry(data)
}

func decodeEntry(data []byte) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// u64 encodes n as an 8-byte big-endian key so keys sort numerically.
func u64(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte{0})
}

func payeeKey(payeeID string, ts time.Time, workID string, seq uint64) []byte {
	key := append([]byte(payeeID), 0)
	key = append(key, u64(uint64(ts.UnixNano()))...)
	return append(key, join([]byte(workID), u64(seq))...)
}

// splitRef splits "<work>\x00<sequence>" into its parts.
func splitRef(ref []byte) (string, []byte) {
	return string(ref[:len(ref)-9]), ref[len(ref)-8:]
}

func validKey(s string) bool {
	return s != "" && !bytes.ContainsRune([]byte(s), 0)
}
