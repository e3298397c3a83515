package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Each package has its own hash chain. Entries about different packages
// never share a link, so appends for different packages do not contend on
// a common row. The global Seq only orders storage and is not hashed.

// Head is the newest link of one package's chain.
type Head struct {
	ChainSeq uint64    `json:"chain_seq"`
	Hash     string    `json:"hash"`
	TTL      time.Time `json:"ttl"`
}

// HeadOf returns the head a sealed entry leaves behind.
func HeadOf(e *Entry) Head {
	return Head{ChainSeq: e.ChainSeq, Hash: e.Hash, TTL: e.TTL}
}

// Seal links e after prev, normalises the timestamps to UTC and computes
// the entry hash. A zero prev starts a new chain.
func Seal(e *Entry, prev Head) error {
	e.ChainSeq = prev.ChainSeq + 1
	e.PrevHash = prev.Hash
	e.CreatedAt = e.CreatedAt.UTC()
	e.TTL = e.TTL.UTC()

	h, err := computeHash(e)
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// computeHash is sha256 over the RFC 8785 canonical JSON of the entry with
// the hash and storage sequence cleared.
func computeHash(e *Entry) (string, error) {
	unsealed := *e
	unsealed.Hash = ""
	unsealed.Seq = 0

	raw, err := json.Marshal(unsealed)
	if err != nil {
		return "", fmt.Errorf("encoding entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalising entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks entries, ordered by Seq, against the stored chain heads.
//
// Retention is a fixed window, so within a chain entries expire oldest
// first and a sweep only ever removes a prefix. What remains of each chain
// must therefore be contiguous and end at its head. A chain with no
// remaining entries is only valid once its head has expired.
func Verify(entries []Entry, heads map[string]Head, now time.Time) error {
	last := make(map[string]*Entry, len(heads))
	for i := range entries {
		e := &entries[i]
		if i > 0 && e.Seq <= entries[i-1].Seq {
			return fmt.Errorf("%w: entry %d out of order after %d", ErrChainBroken, e.Seq, entries[i-1].Seq)
		}
		want, err := computeHash(e)
		if err != nil {
			return err
		}
		if want != e.Hash {
			return fmt.Errorf("%w: entry %d (%s) hash mismatch", ErrChainBroken, e.Seq, e.ID)
		}

		id := e.Data.PackageID()
		prev, seen := last[id]
		switch {
		case e.ChainSeq == 0:
			return fmt.Errorf("%w: entry %d is not sealed", ErrChainBroken, e.Seq)
		case !seen && e.ChainSeq == 1 && e.PrevHash != "":
			return fmt.Errorf("%w: package %s starts with a linked entry", ErrChainBroken, id)
		case !seen:
			// Older links may have expired.
		case e.ChainSeq != prev.ChainSeq+1:
			return fmt.Errorf("%w: package %s link %d follows %d", ErrChainBroken, id, e.ChainSeq, prev.ChainSeq)
		case e.PrevHash != prev.Hash:
			return fmt.Errorf("%w: package %s link %d does not match %d", ErrChainBroken, id, e.ChainSeq, prev.ChainSeq)
		}
		last[id] = e
	}

	for id, e := range last {
		h, ok := heads[id]
		if !ok {
			return fmt.Errorf("%w: package %s has entries but no head", ErrChainBroken, id)
		}
		if e.ChainSeq != h.ChainSeq || e.Hash != h.Hash {
			return fmt.Errorf("%w: package %s ends at link %d, head is %d", ErrChainBroken, id, e.ChainSeq, h.ChainSeq)
		}
	}
	for id, h := range heads {
		if _, ok := last[id]; ok {
			continue
		}
		if !h.TTL.Before(now) {
			return fmt.Errorf("%w: package %s lost unexpired link %d", ErrChainBroken, id, h.ChainSeq)
		}
	}
	return nil
}
