package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskledger/internal/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

const historyColumns = `address,title,description_hash,deliverable_hash,creator,task_index,bounty_lamports,deadline,final_status,agent,payout_lamports,fee_lamports,refunded_lamports,created_at,closed_at,updated_at`

// HistoryFilter selects closed tasks; empty fields match everything.
type HistoryFilter struct {
	Status  string
	Creator string
	Agent   string
	Limit   int
	Offset  int
}

// UpsertHistoricalTasks writes the rows in one transaction, replacing prior
// rows with the same address.
func (r Repo) UpsertHistoricalTasks(ctx context.Context, tasks []domain.HistoricalTask) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ts := now()
	for _, t := range tasks {
		if err := r.upsertHistoricalTask(ctx, tx, t, ts); err != nil {
			return fmt.Errorf("upsert task %s: %w", t.Address, err)
		}
	}
	return tx.Commit()
}

// UpsertHistoricalTask writes a single row outside any batch.
func (r Repo) UpsertHistoricalTask(ctx context.Context, t domain.HistoricalTask) error {
	return r.upsertHistoricalTask(ctx, r.DB, t, now())
}

func (r Repo) upsertHistoricalTask(ctx context.Context, db querier, t domain.HistoricalTask, ts string) error {
	_, err := db.ExecContext(ctx, r.q(`INSERT INTO historical_tasks(`+historyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(address) DO UPDATE SET title=excluded.title, description_hash=excluded.description_hash, deliverable_hash=excluded.deliverable_hash,
creator=excluded.creator, task_index=excluded.task_index, bounty_lamports=excluded.bounty_lamports, deadline=excluded.deadline,
final_status=excluded.final_status, agent=excluded.agent, payout_lamports=excluded.payout_lamports, fee_lamports=excluded.fee_lamports,
refunded_lamports=excluded.refunded_lamports, created_at=excluded.created_at, closed_at=excluded.closed_at, updated_at=excluded.updated_at`),
		t.Address, t.Title, t.DescriptionHash, t.DeliverableHash, t.Creator, t.TaskIndex, t.BountyLamports, t.Deadline,
		t.FinalStatus, t.Agent, t.PayoutLamports, t.FeeLamports, t.RefundedLamports, t.CreatedAt, t.ClosedAt, ts)
	return err
}

// ClampHistoryLimit applies the default and ceiling for history listings.
func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// QueryHistoricalTasks returns one page, most recently closed first, and the
// total number of matching rows.
func (r Repo) QueryHistoricalTasks(ctx context.Context, f HistoryFilter) ([]domain.HistoricalTask, int, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "final_status=?")
		args = append(args, f.Status)
	}
	if f.Creator != "" {
		clauses = append(clauses, "creator=?")
		args = append(args, f.Creator)
	}
	if f.Agent != "" {
		clauses = append(clauses, "agent=?")
		args = append(args, f.Agent)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM historical_tasks`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	pageArgs := append(append([]any{}, args...), ClampHistoryLimit(f.Limit), offset)
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+historyColumns+` FROM historical_tasks`+where+` ORDER BY closed_at DESC, address LIMIT ? OFFSET ?`), pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := []domain.HistoricalTask{}
	for rows.Next() {
		t, err := scanHistoricalTask(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, t)
	}
	return res, total, rows.Err()
}

func (r Repo) GetHistoricalTask(ctx context.Context, address string) (domain.HistoricalTask, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+historyColumns+` FROM historical_tasks WHERE address=?`), address)
	if err != nil {
		return domain.HistoricalTask{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.HistoricalTask{}, err
		}
		return domain.HistoricalTask{}, ErrNotFound
	}
	return scanHistoricalTask(rows)
}

func scanHistoricalTask(rows *sql.Rows) (domain.HistoricalTask, error) {
	var t domain.HistoricalTask
	err := rows.Scan(&t.Address, &t.Title, &t.DescriptionHash, &t.DeliverableHash, &t.Creator, &t.TaskIndex, &t.BountyLamports, &t.Deadline,
		&t.FinalStatus, &t.Agent, &t.PayoutLamports, &t.FeeLamports, &t.RefundedLamports, &t.CreatedAt, &t.ClosedAt, &t.UpdatedAt)
	return t, err
}
