package pkgdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/FyraLabs/subatomic-ng/audit"
	"github.com/FyraLabs/subatomic-ng/trigger"
)

// BoltStore implements Store using bbolt. bbolt allows one writer at a
// time, so mutations never conflict with each other.
type BoltStore struct {
	*core
	db    *bbolt.DB
	codec *recordCodec
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates a store. Call Open before use.
func NewBoltStore(opts ...Option) (*BoltStore, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &BoltStore{core: c}, nil
}

// Open opens the database at the given path.
func (s *BoltStore) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("%w: opening database: %w", ErrStorageUnavailable, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPackages, bucketVariants, bucketGroups, bucketObjectKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return audit.CreateBoltBuckets(tx)
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	codec, err := newRecordCodec()
	if err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	s.codec = codec

	s.logger.Debug("opened pkgdb", "path", path, "noSync", s.noSync)
	return nil
}

// Close closes the database and releases resources.
func (s *BoltStore) Close() error {
	if s.codec != nil {
		s.codec.Close()
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing pkgdb")
	return s.db.Close()
}

// Create inserts p and records package_created, plus package_enabled when
// configured, in the same transaction.
func (s *BoltStore) Create(ctx context.Context, p Package, opts ...MutationOption) (_ *Package, err error) {
	ctx, end := s.startMutation(ctx, "Create", p.ID)
	defer func() { end(err) }()

	if err := p.Normalize(); err != nil {
		return nil, err
	}
	cfg := applyMutationOptions(opts)
	if cfg.markLatest {
		p.Available = true
	}

	var (
		entries []audit.Entry
		swept   int
	)
	err = s.update(func(tx *bbolt.Tx) error {
		now := s.now()
		packages := tx.Bucket(bucketPackages)
		if packages.Get([]byte(p.ID)) != nil {
			return fmt.Errorf("%w: id %s", ErrDuplicateIdentity, p.ID)
		}
		variants := tx.Bucket(bucketVariants)
		variant := makeVariantKey(&p)
		if existing := variants.Get(variant); existing != nil {
			return fmt.Errorf("%w: %s exists as %s", ErrDuplicateIdentity, p.NEVRA(), existing)
		}

		p.Timestamp = now.UTC()
		muts := []trigger.Mutation{createMutation(&p)}
		if cfg.markLatest {
			demoted, err := s.demoteGroup(tx, &p)
			if err != nil {
				return err
			}
			muts = append(muts, demoted...)
		}

		if err := s.putRecord(tx, &p); err != nil {
			return err
		}
		if err := variants.Put(variant, []byte(p.ID)); err != nil {
			return fmt.Errorf("putting variant index: %w", err)
		}
		if err := tx.Bucket(bucketGroups).Put(makeGroupKey(&p), nil); err != nil {
			return fmt.Errorf("putting group index: %w", err)
		}
		if err := tx.Bucket(bucketObjectKey).Put(makeObjectKey(&p), nil); err != nil {
			return fmt.Errorf("putting object index: %w", err)
		}

		log, err := audit.NewBoltLog(tx)
		if err != nil {
			return err
		}
		entries, swept, err = s.record(ctx, log, muts, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, entries, swept)
	s.logger.Debug("created package", "id", p.ID, "nevra", p.NEVRA(), "available", p.Available, "events", len(entries))
	return &p, nil
}

// SetAvailable updates the availability flag of id.
func (s *BoltStore) SetAvailable(ctx context.Context, id string, available bool, opts ...MutationOption) (_ *Package, err error) {
	ctx, end := s.startMutation(ctx, "SetAvailable", id)
	defer func() { end(err) }()

	cfg := applyMutationOptions(opts)
	var (
		p       *Package
		entries []audit.Entry
		swept   int
	)
	err = s.update(func(tx *bbolt.Tx) error {
		now := s.now()
		var err error
		p, err = s.getRecord(tx, id)
		if err != nil {
			return err
		}

		var muts []trigger.Mutation
		if available && cfg.markLatest {
			if muts, err = s.demoteGroup(tx, p); err != nil {
				return err
			}
		}
		if p.Available != available {
			before := p.Available
			p.Available = available
			if err := s.putRecord(tx, p); err != nil {
				return err
			}
			muts = append([]trigger.Mutation{updateMutation(p, before)}, muts...)
		}
		if len(muts) == 0 {
			return nil
		}

		log, err := audit.NewBoltLog(tx)
		if err != nil {
			return err
		}
		entries, swept, err = s.record(ctx, log, muts, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, entries, swept)
	return p, nil
}

// demoteGroup disables every other available package sharing p's name,
// arch and tag, returning one update mutation per package changed.
func (s *BoltStore) demoteGroup(tx *bbolt.Tx, p *Package) ([]trigger.Mutation, error) {
	prefix := makeGroupPrefix(p.Name, p.Arch, p.Tag)
	var ids []string
	c := tx.Bucket(bucketGroups).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if id := trailingID(k); id != p.ID {
			ids = append(ids, id)
		}
	}

	var muts []trigger.Mutation
	for _, id := range ids {
		other, err := s.getRecord(tx, id)
		if err != nil {
			return nil, fmt.Errorf("group index points at %s: %w", id, err)
		}
		if !other.Available {
			continue
		}
		other.Available = false
		if err := s.putRecord(tx, other); err != nil {
			return nil, err
		}
		muts = append(muts, updateMutation(other, true))
	}
	return muts, nil
}

// Get returns the package with the given id.
func (s *BoltStore) Get(ctx context.Context, id string) (_ *Package, err error) {
	_, end := s.startSpan(ctx, "Get", id)
	defer func() { end(err) }()

	var p *Package
	err = s.view(func(tx *bbolt.Tx) error {
		var err error
		p, err = s.getRecord(tx, id)
		return err
	})
	return p, err
}

// List returns packages matching f in id order. Packages sharing an object
// key are returned as separate records.
func (s *BoltStore) List(ctx context.Context, f Filter) (_ []*Package, err error) {
	_, end := s.startSpan(ctx, "List", "")
	defer func() { end(err) }()

	var out []*Package
	err = s.view(func(tx *bbolt.Tx) error {
		visit := func(id []byte) (bool, error) {
			p, err := s.getRecord(tx, string(id))
			if err != nil {
				return false, err
			}
			if f.Match(p) {
				out = append(out, p)
			}
			return f.Limit > 0 && len(out) >= f.Limit, nil
		}

		// Narrow the scan with an index when the filter allows it.
		var prefix []byte
		var bucket *bbolt.Bucket
		switch {
		case f.ObjectKey != "":
			bucket, prefix = tx.Bucket(bucketObjectKey), append(joinKey(f.ObjectKey.String()), 0)
		case f.Name != "" && f.Arch != "" && f.Tag != "":
			bucket, prefix = tx.Bucket(bucketGroups), makeGroupPrefix(normName(f.Name), f.Arch, f.Tag)
		}
		if bucket != nil {
			c := bucket.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				done, err := visit([]byte(trailingID(k)))
				if err != nil || done {
					return err
				}
			}
			return nil
		}

		c := tx.Bucket(bucketPackages).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			done, err := visit(k)
			if err != nil || done {
				return err
			}
		}
		return nil
	})
	return out, err
}

// ListAudit returns audit entries in append order. Expired entries that
// have not been swept yet are included.
func (s *BoltStore) ListAudit(ctx context.Context, f audit.Filter) (_ []audit.Entry, err error) {
	_, end := s.startSpan(ctx, "ListAudit", f.PackageID)
	defer func() { end(err) }()

	var entries []audit.Entry
	err = s.view(func(tx *bbolt.Tx) error {
		log, err := audit.NewBoltLog(tx)
		if err != nil {
			return err
		}
		entries, err = log.List(f)
		return err
	})
	return entries, err
}

// VerifyAudit checks the audit hash chain.
func (s *BoltStore) VerifyAudit(context.Context) error {
	now := s.now()
	return s.view(func(tx *bbolt.Tx) error {
		log, err := audit.NewBoltLog(tx)
		if err != nil {
			return err
		}
		return log.Verify(now)
	})
}

// SweepAudit removes expired audit entries.
func (s *BoltStore) SweepAudit(ctx context.Context) (int, error) {
	var n int
	err := s.update(func(tx *bbolt.Tx) error {
		log, err := audit.NewBoltLog(tx)
		if err != nil {
			return err
		}
		n, err = log.Sweep(ctx, s.now())
		return err
	})
	return n, err
}

func (s *BoltStore) getRecord(tx *bbolt.Tx, id string) (*Package, error) {
	val := tx.Bucket(bucketPackages).Get([]byte(id))
	if val == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p, err := s.codec.Decode(val)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", id, err)
	}
	return p, nil
}

func (s *BoltStore) putRecord(tx *bbolt.Tx, p *Package) error {
	data, err := s.codec.Encode(p)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketPackages).Put([]byte(p.ID), data); err != nil {
		return fmt.Errorf("putting package: %w", err)
	}
	return nil
}

func (s *BoltStore) update(fn func(*bbolt.Tx) error) error {
	if s.db == nil {
		return ErrStorageUnavailable
	}
	return classifyBoltError(s.db.Update(fn))
}

func (s *BoltStore) view(fn func(*bbolt.Tx) error) error {
	if s.db == nil {
		return ErrStorageUnavailable
	}
	return classifyBoltError(s.db.View(fn))
}

func classifyBoltError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, berrors.ErrDatabaseNotOpen), errors.Is(err, berrors.ErrTimeout):
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	default:
		return err
	}
}
