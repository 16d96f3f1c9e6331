package queue

import (
	"sort"
	"time"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
)

// normalize clamps fields a stored snapshot may hold out of range.
func normalize(snap *domain.Snapshot) {
	for _, j := range snap.Jobs {
		j.Progress = domain.ClampProgress(j.Progress)
		j.Priority = domain.ClampPriority(j.Priority)
	}
}

// applyRetention drops completed jobs whose completion is older than window.
// Other statuses are kept regardless of age. A non-positive window disables it.
func applyRetention(snap *domain.Snapshot, now time.Time, window time.Duration) int {
	if window <= 0 {
		return 0
	}
	cutoff := now.Add(-window)
	kept := snap.Jobs[:0]
	removed := 0
	for _, j := range snap.Jobs {
		if j.Status == domain.StatusCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	snap.Jobs = kept
	return removed
}

// evict keeps the max jobs with the most recent completedAt, falling back to
// createdAt, and preserves their stored order. On equal times the job stored
// later wins, so a job added in the same instant as older ones survives.
func evict(snap *domain.Snapshot, max int) int {
	if max <= 0 || len(snap.Jobs) <= max {
		return 0
	}
	idx := make([]int, len(snap.Jobs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ta, tb := snap.Jobs[idx[a]].RecencyTime(), snap.Jobs[idx[b]].RecencyTime()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return idx[a] > idx[b]
	})

	keep := make(map[int]struct{}, max)
	for _, i := range idx[:max] {
		keep[i] = struct{}{}
	}
	kept := make([]*domain.Job, 0, max)
	for i, j := range snap.Jobs {
		if _, ok := keep[i]; ok {
			kept = append(kept, j)
		}
	}
	removed := len(snap.Jobs) - len(kept)
	snap.Jobs = kept
	return removed
}
