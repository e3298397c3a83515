package audit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names for the bbolt log.
var (
	bucketEntries = []byte("audit_entries") // seq -> Entry JSON
	bucketExpiry  = []byte("audit_expiry")  // ttl+seq -> nil
	bucketHeads   = []byte("audit_heads")   // package id -> Head JSON
)

// CreateBoltBuckets creates the log buckets if they do not exist.
func CreateBoltBuckets(tx *bbolt.Tx) error {
	for _, name := range [][]byte{bucketEntries, bucketExpiry, bucketHeads} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("creating bucket %s: %w", name, err)
		}
	}
	return nil
}

// BoltLog is a view of the log bound to one bbolt transaction. It implements
// Writer when the transaction is writable.
type BoltLog struct {
	entries *bbolt.Bucket
	expiry  *bbolt.Bucket
	heads   *bbolt.Bucket
}

// NewBoltLog binds the log to tx. The buckets must already exist.
func NewBoltLog(tx *bbolt.Tx) (*BoltLog, error) {
	l := &BoltLog{
		entries: tx.Bucket(bucketEntries),
		expiry:  tx.Bucket(bucketExpiry),
		heads:   tx.Bucket(bucketHeads),
	}
	if l.entries == nil || l.expiry == nil || l.heads == nil {
		return nil, fmt.Errorf("audit buckets not initialised")
	}
	return l, nil
}

// Sweep deletes every entry with ttl strictly before now.
func (l *BoltLog) Sweep(_ context.Context, now time.Time) (int, error) {
	cutoff := encodeTimestamp(now)

	// Collect first; deleting under a live cursor skips keys.
	var expired [][]byte
	c := l.expiry.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) < 16 || bytes.Compare(k[:8], cutoff) >= 0 {
			break
		}
		expired = append(expired, append([]byte(nil), k...))
	}

	for _, k := range expired {
		if err := l.entries.Delete(k[8:16]); err != nil {
			return 0, fmt.Errorf("deleting entry: %w", err)
		}
		if err := l.expiry.Delete(k); err != nil {
			return 0, fmt.Errorf("deleting expiry index: %w", err)
		}
	}
	return len(expired), nil
}

// Insert seals e onto its package's chain and stores it with its expiry
// index.
func (l *BoltLog) Insert(_ context.Context, e *Entry) error {
	id := []byte(e.Data.PackageID())
	var prev Head
	if v := l.heads.Get(id); v != nil {
		if err := json.Unmarshal(v, &prev); err != nil {
			return fmt.Errorf("decoding chain head of %s: %w", id, err)
		}
	}
	if err := Seal(e, prev); err != nil {
		return err
	}
	seq, err := l.entries.NextSequence()
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}
	e.Seq = seq

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	seqKey := encodeSeq(seq)
	if err := l.entries.Put(seqKey, data); err != nil {
		return fmt.Errorf("storing entry: %w", err)
	}
	if err := l.expiry.Put(makeExpiryKey(e.TTL, seq), nil); err != nil {
		return fmt.Errorf("storing expiry index: %w", err)
	}
	head, err := json.Marshal(HeadOf(e))
	if err != nil {
		return fmt.Errorf("encoding chain head: %w", err)
	}
	if err := l.heads.Put(id, head); err != nil {
		return fmt.Errorf("updating chain head: %w", err)
	}
	return nil
}

// List returns matching entries ordered by sequence. It never sweeps.
func (l *BoltLog) List(f Filter) ([]Entry, error) {
	var out []Entry
	c := l.entries.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, fmt.Errorf("decoding entry %d: %w", binary.BigEndian.Uint64(k), err)
		}
		if !f.Match(&e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Heads returns the chain head of every package that ever had an entry.
func (l *BoltLog) Heads() (map[string]Head, error) {
	heads := make(map[string]Head)
	err := l.heads.ForEach(func(k, v []byte) error {
		var h Head
		if err := json.Unmarshal(v, &h); err != nil {
			return fmt.Errorf("decoding chain head of %s: %w", k, err)
		}
		heads[string(k)] = h
		return nil
	})
	return heads, err
}

// Verify checks every stored entry against the package chain heads.
func (l *BoltLog) Verify(now time.Time) error {
	entries, err := l.List(Filter{})
	if err != nil {
		return err
	}
	heads, err := l.Heads()
	if err != nil {
		return err
	}
	return Verify(entries, heads, now)
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// makeExpiryKey creates a key for the expiry index.
// Format: [8-byte ttl][8-byte seq]
func makeExpiryKey(ttl time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	copy(key[:8], encodeTimestamp(ttl))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// encodeTimestamp converts t to a fixed-width big-endian key that sorts in
// time order, including pre-1970 values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

var _ Writer = (*BoltLog)(nil)
