package repo

import (
	"context"
	"database/sql"

	"taskledger/internal/domain"
)

// SetTaskData records a task's title and description hash. A description row
// created here has empty content; existing content is never replaced and a
// missing task address is filled in.
func (r Repo) SetTaskData(ctx context.Context, address, title, descriptionHash string) error {
	if address == "" {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ts := now()
	if title != "" {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO task_titles(task_address,title,created_at) VALUES (?,?,?)
ON CONFLICT(task_address) DO UPDATE SET title=excluded.title`), address, title, ts); err != nil {
			return err
		}
	}
	if descriptionHash != "" {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO task_descriptions(description_hash,content,task_address,creator,created_at) VALUES (?,'',?,NULL,?)
ON CONFLICT(description_hash) DO UPDATE SET task_address=COALESCE(task_descriptions.task_address, excluded.task_address)`), descriptionHash, address, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// StoreDescription saves description content under its hash. Known task
// address and creator are kept when the new row leaves them empty.
func (r Repo) StoreDescription(ctx context.Context, d domain.TaskDescription) (domain.TaskDescription, error) {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO task_descriptions(description_hash,content,task_address,creator,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(description_hash) DO UPDATE SET content=excluded.content,
task_address=COALESCE(excluded.task_address, task_descriptions.task_address),
creator=COALESCE(excluded.creator, task_descriptions.creator)`),
		d.DescriptionHash, d.Content, nullableStringPtr(d.TaskAddress), nullableStringPtr(d.Creator), now())
	if err != nil {
		return domain.TaskDescription{}, err
	}
	return r.GetDescription(ctx, d.DescriptionHash)
}

func (r Repo) GetDescription(ctx context.Context, hash string) (domain.TaskDescription, error) {
	var d domain.TaskDescription
	var taskAddress, creator sql.NullString
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT description_hash,content,task_address,creator FROM task_descriptions WHERE description_hash=?`), hash).
		Scan(&d.DescriptionHash, &d.Content, &taskAddress, &creator)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if taskAddress.Valid {
		d.TaskAddress = &taskAddress.String
	}
	if creator.Valid {
		d.Creator = &creator.String
	}
	return d, nil
}

// StoreDeliverable saves deliverable content under its hash. Known task
// address and agent are kept when the new row leaves them empty.
func (r Repo) StoreDeliverable(ctx context.Context, d domain.Deliverable) (domain.Deliverable, error) {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO deliverable_descriptions(deliverable_hash,content,task_address,agent,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(deliverable_hash) DO UPDATE SET content=excluded.content,
task_address=COALESCE(excluded.task_address, deliverable_descriptions.task_address),
agent=COALESCE(excluded.agent, deliverable_descriptions.agent)`),
		d.DeliverableHash, d.Content, nullableStringPtr(d.TaskAddress), nullableStringPtr(d.Agent), now())
	if err != nil {
		return domain.Deliverable{}, err
	}
	return r.GetDeliverable(ctx, d.DeliverableHash)
}

func (r Repo) GetDeliverable(ctx context.Context, hash string) (domain.Deliverable, error) {
	var d domain.Deliverable
	var taskAddress, agent sql.NullString
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT deliverable_hash,content,task_address,agent FROM deliverable_descriptions WHERE deliverable_hash=?`), hash).
		Scan(&d.DeliverableHash, &d.Content, &taskAddress, &agent)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if taskAddress.Valid {
		d.TaskAddress = &taskAddress.String
	}
	if agent.Valid {
		d.Agent = &agent.String
	}
	return d, nil
}

// SideData returns recovered titles and description hashes keyed by task
// address. A nil addresses slice loads every task.
func (r Repo) SideData(ctx context.Context, addresses []string) (map[string]domain.TaskData, error) {
	titles, err := r.TaskTitles(ctx, addresses)
	if err != nil {
		return nil, err
	}
	hashes, err := r.DescriptionHashes(ctx, addresses)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.TaskData, len(titles))
	for addr, title := range titles {
		out[addr] = domain.TaskData{Title: title}
	}
	for addr, hash := range hashes {
		td := out[addr]
		td.DescriptionHash = hash
		out[addr] = td
	}
	return out, nil
}

// TaskTitles maps task address to title.
func (r Repo) TaskTitles(ctx context.Context, addresses []string) (map[string]string, error) {
	return r.addressMap(ctx, `SELECT task_address,title FROM task_titles WHERE 1=1`, addresses, "")
}

// DescriptionHashes maps task address to its description hash. When several
// descriptions name one task the smallest hash wins.
func (r Repo) DescriptionHashes(ctx context.Context, addresses []string) (map[string]string, error) {
	return r.addressMap(ctx, `SELECT task_address,description_hash FROM task_descriptions WHERE task_address IS NOT NULL`,
		addresses, ` ORDER BY task_address, description_hash`)
}

func (r Repo) addressMap(ctx context.Context, query string, addresses []string, order string) (map[string]string, error) {
	out := map[string]string{}
	if addresses != nil && len(addresses) == 0 {
		return out, nil
	}
	var args []any
	if addresses != nil {
		query += ` AND task_address IN (` + placeholders(len(addresses)) + `)`
		args = stringArgs(addresses)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query+order), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var addr, v string
		if err := rows.Scan(&addr, &v); err != nil {
			return nil, err
		}
		if _, seen := out[addr]; !seen {
			out[addr] = v
		}
	}
	return out, rows.Err()
}
