package repo

import (
	"context"
	"database/sql"

	"taskledger/internal/domain"
)

// IndexerStats counts the event log and the projection. lastEventTime is
// nil while the log is empty.
func (r Repo) IndexerStats(ctx context.Context) (domain.IndexerStats, error) {
	stats := domain.IndexerStats{ByStatus: map[string]int{}}
	var last sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), MAX(block_time) FROM raw_events`).Scan(&stats.TotalEvents, &last); err != nil {
		return stats, err
	}
	if last.Valid {
		v := last.Int64
		stats.LastEventTime = &v
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT final_status, COUNT(*) FROM historical_tasks GROUP BY final_status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.ByStatus[status] = n
		stats.TotalHistoricalTasks += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	stats.ApprovedCount = stats.ByStatus[domain.StatusApproved]
	stats.CancelledCount = stats.ByStatus[domain.StatusCancelled]
	stats.ExpiredCount = stats.ByStatus[domain.StatusExpired]
	stats.DisputeResolvedCount = stats.ByStatus[domain.StatusDisputeResolved]
	return stats, nil
}
