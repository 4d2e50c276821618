package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"taskledger/internal/domain"
)

const (
	DefaultEventLimit = 50
	MaxEventLimit     = 200
)

const eventColumns = `id,signature,slot,block_time,event_name,data,COALESCE(task_address,'')`

// IngestEvents inserts each event unless its id is already stored and
// returns how many were new. Every insert is its own statement, so a failure
// leaves earlier events in place.
func (r Repo) IngestEvents(ctx context.Context, events []domain.RawEvent) (int, error) {
	inserted := 0
	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return inserted, fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO raw_events(id,signature,slot,block_time,event_name,data,task_address,created_at) VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`),
			ev.ID, ev.Signature, ev.Slot, ev.BlockTime, ev.EventName, string(data), nullable(ev.TaskAddress), now())
		if err != nil {
			return inserted, fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

// ClampEventLimit applies the default and ceiling for event listings.
func ClampEventLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventLimit
	}
	if limit > MaxEventLimit {
		return MaxEventLimit
	}
	return limit
}

// RecentEvents returns the newest events first.
func (r Repo) RecentEvents(ctx context.Context, limit int) ([]domain.RawEvent, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM raw_events ORDER BY block_time DESC, slot DESC, id DESC LIMIT ?`), ClampEventLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsByTask returns the address's trail in ledger order.
func (r Repo) EventsByTask(ctx context.Context, address string) ([]domain.RawEvent, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM raw_events WHERE task_address=? ORDER BY block_time, slot, id`), address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ForEachTaskTrail streams the log grouped by task address and calls fn once
// per address with its trail in ledger order. With addresses set only those
// tasks are read. fn must not write through r while the scan is open.
func (r Repo) ForEachTaskTrail(ctx context.Context, addresses []string, fn func(address string, trail []domain.RawEvent) error) error {
	query := `SELECT ` + eventColumns + ` FROM raw_events WHERE task_address IS NOT NULL`
	var args []any
	if addresses != nil {
		if len(addresses) == 0 {
			return nil
		}
		query += ` AND task_address IN (` + placeholders(len(addresses)) + `)`
		args = stringArgs(addresses)
	}
	query += ` ORDER BY task_address, block_time, slot, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	var current string
	var trail []domain.RawEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if ev.TaskAddress != current && len(trail) > 0 {
			if err := fn(current, trail); err != nil {
				return err
			}
			trail = nil
		}
		current = ev.TaskAddress
		trail = append(trail, ev)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(trail) > 0 {
		return fn(current, trail)
	}
	return nil
}

func scanEvent(rows *sql.Rows) (domain.RawEvent, error) {
	var ev domain.RawEvent
	var data string
	if err := rows.Scan(&ev.ID, &ev.Signature, &ev.Slot, &ev.BlockTime, &ev.EventName, &data, &ev.TaskAddress); err != nil {
		return ev, err
	}
	if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
		return ev, fmt.Errorf("decode event %s: %w", ev.ID, err)
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]domain.RawEvent, error) {
	res := []domain.RawEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
