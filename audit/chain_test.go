package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var chainStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// sealedChain appends n entries for each package in turn, interleaved, and
// returns them in storage order with the resulting heads.
func sealedChain(t *testing.T, n int, packages ...string) ([]Entry, map[string]Head) {
	t.Helper()
	if len(packages) == 0 {
		packages = []string{"p1"}
	}
	heads := map[string]Head{}
	var entries []Entry
	for i := range n {
		for _, id := range packages {
			e := newTestEntry(t, ActionPackageEnabled, id, chainStart.Add(time.Duration(i)*time.Second), time.Minute)
			require.NoError(t, Seal(&e, heads[id]))
			e.Seq = uint64(len(entries) + 1)
			heads[id] = HeadOf(&e)
			entries = append(entries, e)
		}
	}
	return entries, heads
}

func TestSealIsDeterministic(t *testing.T) {
	e := newTestEntry(t, ActionPackageCreated, "p1", time.Now(), time.Minute)
	prev := Head{ChainSeq: 6, Hash: "abc"}

	a, b := e, e
	require.NoError(t, Seal(&a, prev))
	require.NoError(t, Seal(&b, prev))
	require.Equal(t, a.Hash, b.Hash)
	require.Len(t, a.Hash, 64)
	require.Equal(t, uint64(7), a.ChainSeq)
	require.Equal(t, "abc", a.PrevHash)

	c := e
	require.NoError(t, Seal(&c, Head{ChainSeq: 7, Hash: "abc"}))
	require.NotEqual(t, a.Hash, c.Hash)
}

func TestSealIgnoresStorageSeq(t *testing.T) {
	e := newTestEntry(t, ActionPackageCreated, "p1", time.Now(), time.Minute)
	require.NoError(t, Seal(&e, Head{}))

	moved := e
	moved.Seq = 42
	got, err := computeHash(&moved)
	require.NoError(t, err)
	require.Equal(t, e.Hash, got)
}

func TestVerify(t *testing.T) {
	now := chainStart.Add(10 * time.Second)

	t.Run("intact chains", func(t *testing.T) {
		entries, heads := sealedChain(t, 5, "p1", "p2")
		require.NoError(t, Verify(entries, heads, now))
	})

	t.Run("expired prefix is allowed", func(t *testing.T) {
		entries, heads := sealedChain(t, 5, "p1", "p2")
		require.NoError(t, Verify(entries[6:], heads, now))
	})

	t.Run("fully expired chain is allowed", func(t *testing.T) {
		_, heads := sealedChain(t, 3)
		require.NoError(t, Verify(nil, heads, chainStart.Add(time.Hour)))
	})

	t.Run("modified payload", func(t *testing.T) {
		entries, heads := sealedChain(t, 3)
		entries[1].Data[KeyToken] = "forged"
		require.ErrorIs(t, Verify(entries, heads, now), ErrChainBroken)
	})

	t.Run("relinked entry", func(t *testing.T) {
		entries, heads := sealedChain(t, 3)
		forged := entries[2]
		require.NoError(t, Seal(&forged, Head{ChainSeq: 1, Hash: "0000"}))
		entries[2] = forged
		heads["p1"] = HeadOf(&forged)
		require.ErrorIs(t, Verify(entries, heads, now), ErrChainBroken)
	})

	t.Run("out of order", func(t *testing.T) {
		entries, heads := sealedChain(t, 3)
		entries[0], entries[1] = entries[1], entries[0]
		require.ErrorIs(t, Verify(entries, heads, now), ErrChainBroken)
	})

	t.Run("deleted middle entry", func(t *testing.T) {
		entries, heads := sealedChain(t, 3)
		remaining := []Entry{entries[0], entries[2]}
		require.ErrorIs(t, Verify(remaining, heads, now), ErrChainBroken)
	})

	t.Run("deleted newest entry", func(t *testing.T) {
		entries, heads := sealedChain(t, 3)
		require.ErrorIs(t, Verify(entries[:2], heads, now), ErrChainBroken)
	})

	t.Run("deleted every unexpired entry", func(t *testing.T) {
		entries, heads := sealedChain(t, 3, "p1", "p2")
		var onlyP2 []Entry
		for _, e := range entries {
			if e.Data.PackageID() == "p2" {
				onlyP2 = append(onlyP2, e)
			}
		}
		require.ErrorIs(t, Verify(onlyP2, heads, now), ErrChainBroken)
	})

	t.Run("entries without a head", func(t *testing.T) {
		entries, heads := sealedChain(t, 2, "p1", "p2")
		delete(heads, "p2")
		require.ErrorIs(t, Verify(entries, heads, now), ErrChainBroken)
	})

	t.Run("unsealed entry", func(t *testing.T) {
		e := newTestEntry(t, ActionPackageCreated, "p1", chainStart, time.Minute)
		e.Seq = 1
		e.Hash, _ = computeHash(&e)
		require.ErrorIs(t, Verify([]Entry{e}, map[string]Head{"p1": {}}, now), ErrChainBroken)
	})
}
