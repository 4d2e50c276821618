package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"taskledger/internal/domain"
	"taskledger/internal/metrics"
)

// Store is the slice of the repo the builder reads and writes.
type Store interface {
	ForEachTaskTrail(ctx context.Context, addresses []string, fn func(address string, trail []domain.RawEvent) error) error
	SideData(ctx context.Context, addresses []string) (map[string]domain.TaskData, error)
	UpsertHistoricalTasks(ctx context.Context, tasks []domain.HistoricalTask) error
}

// Builder recomputes historical_tasks from the event log. Rebuilds take no
// lock: the output is a pure function of the log, so concurrent runs write
// identical rows.
type Builder struct {
	Store   Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type RebuildResult struct {
	Tasks      int   `json:"tasks"`
	DurationMs int64 `json:"durationMs"`
}

// Rebuild projects every task in the log.
func (b Builder) Rebuild(ctx context.Context) (RebuildResult, error) {
	return b.rebuild(ctx, nil)
}

// RebuildTasks projects only the given addresses.
func (b Builder) RebuildTasks(ctx context.Context, addresses ...string) (RebuildResult, error) {
	seen := map[string]bool{}
	var uniq []string
	for _, a := range addresses {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		uniq = append(uniq, a)
	}
	if len(uniq) == 0 {
		return RebuildResult{}, nil
	}
	sort.Strings(uniq)
	return b.rebuild(ctx, uniq)
}

func (b Builder) rebuild(ctx context.Context, addresses []string) (RebuildResult, error) {
	start := time.Now()
	side, err := b.Store.SideData(ctx, addresses)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("load side data: %w", err)
	}
	var rows []domain.HistoricalTask
	err = b.Store.ForEachTaskTrail(ctx, addresses, func(address string, trail []domain.RawEvent) error {
		if t, ok := Project(address, trail, side[address]); ok {
			rows = append(rows, t)
		}
		return nil
	})
	if err != nil {
		return RebuildResult{}, fmt.Errorf("scan events: %w", err)
	}
	if len(rows) > 0 {
		if err := b.Store.UpsertHistoricalTasks(ctx, rows); err != nil {
			return RebuildResult{}, fmt.Errorf("write history: %w", err)
		}
	}
	took := time.Since(start)
	b.Metrics.Rebuild(len(rows), took)
	b.logger().InfoContext(ctx, "history rebuilt", "tasks", len(rows), "scoped", addresses != nil, "duration_ms", took.Milliseconds())
	return RebuildResult{Tasks: len(rows), DurationMs: took.Milliseconds()}, nil
}

func (b Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
