package gc

import (
	"context"
	"fmt"

	subatomic "github.com/FyraLabs/subatomic-ng"
)

// phaseScan lists stored blobs and returns those no package references.
func (m *Manager) phaseScan(ctx context.Context, result *Result) []subatomic.ObjectKey {
	m.logger.Debug("phase: scan artifacts")

	keys, err := m.blobs.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list artifacts: %v", err))
		m.logger.Error("failed to list artifacts", "error", err)
		return nil
	}

	var orphans []subatomic.ObjectKey
	for _, key := range keys {
		if ctx.Err() != nil {
			return nil
		}
		result.Scanned++

		referenced, err := m.refs.Referenced(ctx, key)
		if err != nil {
			// unknown is treated as referenced
			result.Errors = append(result.Errors, fmt.Sprintf("check references %s: %v", key, err))
			m.logger.Error("failed to check artifact references", "key", key, "error", err)
			continue
		}
		if !referenced {
			orphans = append(orphans, key)
		}
	}
	return orphans
}

// phaseCollect deletes orphans that were already candidates and marks the
// rest for the next run.
func (m *Manager) phaseCollect(ctx context.Context, orphans []subatomic.ObjectKey, result *Result) {
	m.logger.Debug("phase: collect orphans", "orphans", len(orphans))

	m.mu.Lock()
	prev := m.candidates
	m.mu.Unlock()

	next := make(map[subatomic.ObjectKey]struct{}, len(orphans))
	deleted := 0
	for _, key := range orphans {
		if ctx.Err() != nil {
			break
		}

		_, seen := prev[key]
		if !seen || m.config.DryRun || deleted >= m.config.BatchSize {
			next[key] = struct{}{}
			continue
		}

		size, err := m.blobs.Size(ctx, key)
		if err != nil {
			m.logger.Debug("could not size orphan", "key", key, "error", err)
			size = 0
		}
		if err := m.blobs.Delete(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan %s: %v", key, err))
			m.logger.Error("failed to delete orphan artifact", "key", key, "error", err)
			next[key] = struct{}{}
			continue
		}

		deleted++
		result.OrphansDeleted++
		result.BytesReclaimed += size
		m.logger.Debug("deleted orphan artifact", "key", key, "size", size)
	}

	result.Candidates = len(next)

	m.mu.Lock()
	m.candidates = next
	m.mu.Unlock()
}
