package pkgdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	subatomic "github.com/FyraLabs/subatomic-ng"
	"github.com/FyraLabs/subatomic-ng/audit"
	"github.com/FyraLabs/subatomic-ng/trigger"
)

type storeFactory func(t *testing.T, opts ...Option) Store

func newTestBoltStore(t *testing.T, opts ...Option) Store {
	t.Helper()
	s, err := NewBoltStore(append([]Option{WithNoSync(true)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Open(filepath.Join(t.TempDir(), "packages.db")))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSQLiteStore(t *testing.T, opts ...Option) Store {
	t.Helper()
	s, err := OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "packages.sqlite"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs fn against every store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	t.Run("bolt", func(t *testing.T) { fn(t, newTestBoltStore) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore) })
}

// testPackage returns a valid package whose variant is unique per id.
func testPackage(id string) Package {
	return Package{
		ID:        id,
		Name:      "hello",
		Version:   "2.12.1",
		Release:   "1." + id,
		Arch:      "x86_64",
		Tag:       "f43",
		ObjectKey: subatomic.NewObjectKey(subatomic.HashBytes([]byte(id))),
		Requires:  []Dependency{{"name": "glibc", "flag": "GE", "version": "2.40"}},
	}
}

func countActions(entries []audit.Entry) map[audit.Action]int {
	counts := map[audit.Action]int{}
	for _, e := range entries {
		counts[e.Action]++
	}
	return counts
}

func listAll(t *testing.T, s Store) []audit.Entry {
	t.Helper()
	entries, err := s.ListAudit(context.Background(), audit.Filter{})
	require.NoError(t, err)
	return entries
}

func TestStore_AvailabilityScenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		created, err := s.Create(ctx, testPackage("p1"))
		require.NoError(t, err)
		assert.False(t, created.Available)
		require.Len(t, listAll(t, s), 1)

		_, err = s.SetAvailable(ctx, "p1", true)
		require.NoError(t, err)
		require.Len(t, listAll(t, s), 2)

		_, err = s.SetAvailable(ctx, "p1", true)
		require.NoError(t, err)
		require.Len(t, listAll(t, s), 2)

		got, err := s.SetAvailable(ctx, "p1", false)
		require.NoError(t, err)
		assert.False(t, got.Available)

		entries := listAll(t, s)
		require.Len(t, entries, 3)
		assert.Equal(t, []audit.Action{
			audit.ActionPackageCreated,
			audit.ActionPackageEnabled,
			audit.ActionPackageDisabled,
		}, []audit.Action{entries[0].Action, entries[1].Action, entries[2].Action})
		for _, e := range entries {
			assert.Equal(t, "p1", e.Data.PackageID())
		}
		require.NoError(t, s.VerifyAudit(ctx))
	})
}

func TestStore_AvailabilityTrace(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		var trace strings.Builder
		step := func(name string, fn func() error) {
			require.NoError(t, fn())
			fmt.Fprintf(&trace, "%s:", name)
			for _, e := range listAll(t, s) {
				fmt.Fprintf(&trace, " %s(%s)", e.Action, e.Data.PackageID())
			}
			trace.WriteString("\n")
		}

		step("create p1", func() error { _, err := s.Create(ctx, testPackage("p1")); return err })
		step("enable p1", func() error { _, err := s.SetAvailable(ctx, "p1", true); return err })
		step("enable p1", func() error { _, err := s.SetAvailable(ctx, "p1", true); return err })
		step("disable p1", func() error { _, err := s.SetAvailable(ctx, "p1", false); return err })

		// Tokens and timestamps vary per run, so the golden file holds the
		// action trace only.
		g := goldie.New(t)
		g.Assert(t, "availability_trace", []byte(trace.String()))
	})
}

func TestStore_CreateEmitsOneCreatedEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		p := testPackage("p1")
		p.Available = true
		created, err := s.Create(ctx, p)
		require.NoError(t, err)
		assert.True(t, created.Available)

		counts := countActions(listAll(t, s))
		assert.Equal(t, map[audit.Action]int{audit.ActionPackageCreated: 1}, counts)
	})
}

func TestStore_EmitEnabledOnCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		d, err := trigger.NewDispatcher(trigger.WithOptions(trigger.Options{EmitEnabledOnCreate: true}))
		require.NoError(t, err)
		s := newStore(t, WithDispatcher(d))

		p := testPackage("p1")
		p.Available = true
		_, err = s.Create(ctx, p)
		require.NoError(t, err)

		_, err = s.Create(ctx, testPackage("p2"))
		require.NoError(t, err)

		entries := listAll(t, s)
		require.Len(t, entries, 3)
		assert.Equal(t, audit.ActionPackageCreated, entries[0].Action)
		assert.Equal(t, audit.ActionPackageEnabled, entries[1].Action)
		assert.Equal(t, "p1", entries[1].Data.PackageID())
		assert.Equal(t, audit.ActionPackageCreated, entries[2].Action)
		assert.Equal(t, "p2", entries[2].Data.PackageID())
	})
}

func TestStore_RetentionSweep(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		baseTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		d, err := trigger.NewDispatcher(trigger.WithRetention(time.Second))
		require.NoError(t, err)
		s := newStore(t, WithDispatcher(d), WithNow(func() time.Time { return currentTime }))

		_, err = s.Create(ctx, testPackage("p1"))
		require.NoError(t, err)
		entries := listAll(t, s)
		require.Len(t, entries, 1)
		assert.Equal(t, baseTime.Add(time.Second), entries[0].TTL)

		// Listing never sweeps, even past the ttl.
		currentTime = baseTime.Add(2 * time.Second)
		require.Len(t, listAll(t, s), 1)

		_, err = s.SetAvailable(ctx, "p1", true)
		require.NoError(t, err)

		entries = listAll(t, s)
		require.Len(t, entries, 1)
		assert.Equal(t, audit.ActionPackageEnabled, entries[0].Action)
		require.NoError(t, s.VerifyAudit(ctx))
	})
}

func TestStore_EntryAtTTLBoundarySurvives(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		baseTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		d, err := trigger.NewDispatcher(trigger.WithRetention(time.Second))
		require.NoError(t, err)
		s := newStore(t, WithDispatcher(d), WithNow(func() time.Time { return currentTime }))

		_, err = s.Create(ctx, testPackage("p1"))
		require.NoError(t, err)

		currentTime = baseTime.Add(time.Second)
		_, err = s.SetAvailable(ctx, "p1", true)
		require.NoError(t, err)
		require.Len(t, listAll(t, s), 2)
	})
}

func TestStore_SetAvailableMissingID(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Create(ctx, testPackage("p1"))
		require.NoError(t, err)
		before := listAll(t, s)

		_, err = s.SetAvailable(ctx, "missing-id", true)
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, before, listAll(t, s))

		_, err = s.Get(ctx, "missing-id")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DuplicateIdentity(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Create(ctx, testPackage("p1"))
		require.NoError(t, err)

		t.Run("same id", func(t *testing.T) {
			p := testPackage("p1")
			p.Release = "2"
			_, err := s.Create(ctx, p)
			require.ErrorIs(t, err, ErrDuplicateIdentity)
		})

		t.Run("same variant", func(t *testing.T) {
			p := testPackage("p1")
			p.ID = "p9"
			_, err := s.Create(ctx, p)
			require.ErrorIs(t, err, ErrDuplicateIdentity)
		})

		// Failed creates leave no trace in the log.
		assert.Len(t, listAll(t, s), 1)
	})
}

func TestStore_InvalidPackage(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		p := testPackage("p1")
		p.Tag = ""
		_, err := s.Create(ctx, p)
		require.ErrorIs(t, err, ErrInvalidPackage)
		assert.Empty(t, listAll(t, s))
	})
}

func TestStore_SharedObjectKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		key := subatomic.NewObjectKey(subatomic.HashBytes([]byte("same bytes")))
		for _, id := range []string{"p1", "p2"} {
			p := testPackage(id)
			p.ObjectKey = key
			_, err := s.Create(ctx, p)
			require.NoError(t, err)
		}

		for _, id := range []string{"p1", "p2"} {
			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, id, got.ID)
			assert.Equal(t, key, got.ObjectKey)
		}

		list, err := s.List(ctx, Filter{ObjectKey: key})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "p1", list[0].ID)
		assert.Equal(t, "p2", list[1].ID)
	})
}

func TestStore_GetRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
		s := newStore(t, WithNow(func() time.Time { return now }))

		p := testPackage("p1")
		p.Epoch = 2
		p.Provides = []Dependency{{"name": "hello", "flag": "EQ", "version": "2.12.1"}, {"name": "greeting"}}
		_, err := s.Create(ctx, p)
		require.NoError(t, err)

		got, err := s.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, p.Name, got.Name)
		assert.Equal(t, uint32(2), got.Epoch)
		assert.Equal(t, now, got.Timestamp)
		require.Len(t, got.Provides, 2)
		assert.Equal(t, "greeting", got.Provides[1].Name())
		assert.Equal(t, "glibc", got.Requires[0].Name())
		assert.Equal(t, "hello-2:2.12.1-1.p1.x86_64", got.NEVRA())
	})
}

func TestStore_CreateKeepsRPMDependencyFlags(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		p := testPackage("p1")
		p.Requires = []Dependency{
			{"name": "/bin/sh", "flag": "scriptpre"},
			{"name": "config(hello)", "flag": "missingok", "version": "2.12.1"},
		}
		_, err := s.Create(ctx, p)
		require.NoError(t, err)

		got, err := s.Get(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got.Requires, 2)
		assert.Equal(t, "scriptpre", got.Requires[0]["flag"])
		assert.Equal(t, "missingok", got.Requires[1]["flag"])
	})
}

func TestStore_List(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		for _, id := range []string{"a1", "a2", "a3"} {
			_, err := s.Create(ctx, testPackage(id))
			require.NoError(t, err)
		}
		other := testPackage("b1")
		other.Name = "world"
		other.Arch = "noarch"
		_, err := s.Create(ctx, other)
		require.NoError(t, err)
		_, err = s.SetAvailable(ctx, "a2", true)
		require.NoError(t, err)

		yes := true
		tests := []struct {
			name   string
			filter Filter
			want   []string
		}{
			{"all", Filter{}, []string{"a1", "a2", "a3", "b1"}},
			{"by name", Filter{Name: "hello"}, []string{"a1", "a2", "a3"}},
			{"by group", Filter{Name: "hello", Arch: "x86_64", Tag: "f43"}, []string{"a1", "a2", "a3"}},
			{"by arch", Filter{Arch: "noarch"}, []string{"b1"}},
			{"available", Filter{Available: &yes}, []string{"a2"}},
			{"limit", Filter{Limit: 2}, []string{"a1", "a2"}},
			{"no match", Filter{Tag: "f44"}, nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				list, err := s.List(ctx, tt.filter)
				require.NoError(t, err)
				var ids []string
				for _, p := range list {
					ids = append(ids, p.ID)
				}
				assert.Equal(t, tt.want, ids)
			})
		}
	})
}

func TestStore_MarkLatest(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Create(ctx, testPackage("p1"), MarkLatest())
		require.NoError(t, err)
		_, err = s.Create(ctx, testPackage("p2"))
		require.NoError(t, err)
		_, err = s.SetAvailable(ctx, "p2", true)
		require.NoError(t, err)

		// A different tag is not part of the group.
		other := testPackage("p4")
		other.Tag = "f44"
		_, err = s.Create(ctx, other, MarkLatest())
		require.NoError(t, err)

		created, err := s.Create(ctx, testPackage("p3"), MarkLatest())
		require.NoError(t, err)
		assert.True(t, created.Available)

		yes := true
		available, err := s.List(ctx, Filter{Available: &yes})
		require.NoError(t, err)
		var ids []string
		for _, p := range available {
			ids = append(ids, p.ID)
		}
		assert.Equal(t, []string{"p3", "p4"}, ids)

		entries, err := s.ListAudit(ctx, audit.Filter{Action: audit.ActionPackageDisabled})
		require.NoError(t, err)
		var disabled []string
		for _, e := range entries {
			disabled = append(disabled, e.Data.PackageID())
		}
		assert.ElementsMatch(t, []string{"p1", "p2"}, disabled)

		// Re-enabling p1 as latest disables p3 in turn.
		_, err = s.SetAvailable(ctx, "p1", true, MarkLatest())
		require.NoError(t, err)
		p3, err := s.Get(ctx, "p3")
		require.NoError(t, err)
		assert.False(t, p3.Available)
		require.NoError(t, s.VerifyAudit(ctx))
	})
}

func TestStore_ConcurrentToggles(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Create(ctx, testPackage("p1"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func(value bool) {
				defer wg.Done()
				for {
					_, err := s.SetAvailable(ctx, "p1", value)
					if !errors.Is(err, ErrTransactionConflict) {
						assert.NoError(t, err)
						return
					}
				}
			}(i%2 == 0)
		}
		wg.Wait()

		// Replaying the log must alternate and end in the stored state.
		state := false
		for _, e := range listAll(t, s) {
			switch e.Action {
			case audit.ActionPackageEnabled:
				require.False(t, state, "enabled while available")
				state = true
			case audit.ActionPackageDisabled:
				require.True(t, state, "disabled while unavailable")
				state = false
			}
		}
		final, err := s.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, final.Available, state)
		require.NoError(t, s.VerifyAudit(ctx))
	})
}

func TestStore_SweepAudit(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		baseTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		s := newStore(t, WithNow(func() time.Time { return currentTime }))

		for _, id := range []string{"p1", "p2"} {
			_, err := s.Create(ctx, testPackage(id))
			require.NoError(t, err)
		}

		n, err := s.SweepAudit(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		currentTime = baseTime.Add(trigger.DefaultRetention + time.Second)
		n, err = s.SweepAudit(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Empty(t, listAll(t, s))

		// The package records are untouched by expiry.
		_, err = s.Get(ctx, "p1")
		require.NoError(t, err)
	})
}

func TestStore_ListAuditFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		for _, id := range []string{"p1", "p2"} {
			_, err := s.Create(ctx, testPackage(id))
			require.NoError(t, err)
		}
		_, err := s.SetAvailable(ctx, "p2", true)
		require.NoError(t, err)

		entries, err := s.ListAudit(ctx, audit.Filter{PackageID: "p2"})
		require.NoError(t, err)
		require.Len(t, entries, 2)

		entries, err = s.ListAudit(ctx, audit.Filter{Action: audit.ActionPackageCreated, Limit: 1})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "p1", entries[0].Data.PackageID())
	})
}

func TestStore_PublishesCommittedEntries(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		pub := &recordingPublisher{}
		s := newStore(t, WithPublisher(pub))

		_, err := s.Create(ctx, testPackage("p1"))
		require.NoError(t, err)
		_, err = s.SetAvailable(ctx, "missing", true)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.SetAvailable(ctx, "p1", false)
		require.NoError(t, err)

		require.Len(t, pub.batches, 1)
		require.Len(t, pub.batches[0], 1)
		assert.Equal(t, audit.ActionPackageCreated, pub.batches[0][0].Action)
		assert.NotEmpty(t, pub.batches[0][0].Hash)
	})
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]audit.Entry
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, entries []audit.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, entries)
	return p.err
}
