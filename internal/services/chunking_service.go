package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/repository"
	"github.com/hashfleet/hashfleet/pkg/debug"
)

// ChunkingService sizes task slices from agent benchmarks and a target
// chunk duration, and finds the next unissued gap in an attack's
// keyspace.
type ChunkingService struct {
	benchmarkRepo *repository.BenchmarkRepository
	chunkDuration time.Duration
	defaultSpeed  int64
}

// NewChunkingService creates a new chunking service
func NewChunkingService(benchmarkRepo *repository.BenchmarkRepository, chunkDuration time.Duration, defaultSpeed int64) *ChunkingService {
	return &ChunkingService{
		benchmarkRepo: benchmarkRepo,
		chunkDuration: chunkDuration,
		defaultSpeed:  defaultSpeed,
	}
}

// ChunkResult is the slice the chunker picked for an agent.
type ChunkResult struct {
	Interval       models.Interval
	BenchmarkSpeed int64
	IsLastChunk    bool
}

// NextChunk computes the next unissued interval for the attack, sized
// by the agent's aggregate benchmark speed for the attack's hash type.
// Returns ErrNoWork when the attack has no unissued keyspace left.
//
// The issued set must be read under the allocator's per-attack lock;
// the chunker itself holds no locks.
func (s *ChunkingService) NextChunk(ctx context.Context, attack *models.Attack, agentID int, issued []models.Interval) (*ChunkResult, error) {
	if attack.Keyspace == nil {
		return nil, fmt.Errorf("attack %s has no computed keyspace", attack.ID)
	}

	speed, err := s.benchmarkRepo.AggregateSpeed(ctx, agentID, attack.HashType)
	if err != nil {
		return nil, fmt.Errorf("failed to look up benchmark: %w", err)
	}
	if speed <= 0 {
		debug.Log("No benchmark for agent, using default speed", map[string]interface{}{
			"agent_id":  agentID,
			"hash_type": attack.HashType,
			"default":   s.defaultSpeed,
		})
		speed = s.defaultSpeed
	}

	length := speed * int64(s.chunkDuration/time.Second)
	if length < 1 {
		// Progress must always be possible, however slow the agent
		length = 1
	}

	interval, ok := NextFreeInterval(*attack.Keyspace, issued, length)
	if !ok {
		return nil, ErrNoWork
	}

	isLast := interval.End >= *attack.Keyspace && RemainingAfter(*attack.Keyspace, issued, interval) == 0

	debug.Log("Chunked attack keyspace", map[string]interface{}{
		"attack_id":       attack.ID,
		"agent_id":        agentID,
		"offset":          interval.Start,
		"length":          interval.Length(),
		"benchmark_speed": speed,
		"is_last":         isLast,
	})

	return &ChunkResult{
		Interval:       interval,
		BenchmarkSpeed: speed,
		IsLastChunk:    isLast,
	}, nil
}

// NextFreeInterval scans the unissued gaps of [0, keyspace) in order
// and returns the first-fit interval of at most maxLength candidates.
// The final gap may yield a shorter interval. Returns false when the
// keyspace is fully issued.
func NextFreeInterval(keyspace int64, issued []models.Interval, maxLength int64) (models.Interval, bool) {
	if keyspace <= 0 || maxLength < 1 {
		return models.Interval{}, false
	}

	merged := MergeIntervals(issued)

	cursor := int64(0)
	for _, iv := range merged {
		if cursor < iv.Start {
			return clampInterval(cursor, iv.Start, maxLength), true
		}
		if iv.End > cursor {
			cursor = iv.End
		}
	}
	if cursor < keyspace {
		return clampInterval(cursor, keyspace, maxLength), true
	}
	return models.Interval{}, false
}

// MergeIntervals sorts and coalesces overlapping or adjacent
// intervals. Issued intervals are disjoint by invariant, but merging
// keeps the gap scan correct even over reclaimed-and-reissued history.
func MergeIntervals(intervals []models.Interval) []models.Interval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]models.Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []models.Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
		} else {
			merged = append(merged, iv)
		}
	}
	return merged
}

// RemainingAfter returns how much of [0, keyspace) would stay
// unissued once the candidate interval is handed out. Zero means the
// candidate is the final outstanding gap.
func RemainingAfter(keyspace int64, issued []models.Interval, candidate models.Interval) int64 {
	all := make([]models.Interval, 0, len(issued)+1)
	all = append(all, issued...)
	all = append(all, candidate)

	var covered int64
	for _, iv := range MergeIntervals(all) {
		start := iv.Start
		end := iv.End
		if start < 0 {
			start = 0
		}
		if end > keyspace {
			end = keyspace
		}
		if end > start {
			covered += end - start
		}
	}
	return keyspace - covered
}

func clampInterval(start, gapEnd, maxLength int64) models.Interval {
	end := start + maxLength
	if end > gapEnd {
		end = gapEnd
	}
	return models.Interval{Start: start, End: end}
}
