package db

import (
	"context"
	"database/sql"
)

const createRun = `INSERT INTO runs (id, mode, started_at) VALUES (?, ?, ?)`

type CreateRunParams struct {
	ID        string
	Mode      string
	StartedAt int64
}

func (q *Queries) CreateRun(ctx context.Context, arg CreateRunParams) error {
	_, err := q.db.ExecContext(ctx, createRun, arg.ID, arg.Mode, arg.StartedAt)
	return err
}

const finishRun = `UPDATE runs SET finished_at = ? WHERE id = ? AND finished_at IS NULL`

type FinishRunParams struct {
	FinishedAt sql.NullInt64
	ID         string
}

func (q *Queries) FinishRun(ctx context.Context, arg FinishRunParams) error {
	_, err := q.db.ExecContext(ctx, finishRun, arg.FinishedAt, arg.ID)
	return err
}

const getRun = `SELECT id, mode, started_at, finished_at FROM runs WHERE id = ?`

func (q *Queries) GetRun(ctx context.Context, id string) (Run, error) {
	row := q.db.QueryRowContext(ctx, getRun, id)
	var i Run
	err := row.Scan(
		&i.ID,
		&i.Mode,
		&i.StartedAt,
		&i.FinishedAt,
	)
	return i, err
}

const createSale = `INSERT INTO sales (id, url, title, start_at, end_at, first_seen_run)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

type CreateSaleParams struct {
	ID           int64
	Url          string
	Title        string
	StartAt      sql.NullInt64
	EndAt        sql.NullInt64
	FirstSeenRun string
}

func (q *Queries) CreateSale(ctx context.Context, arg CreateSaleParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, createSale,
		arg.ID,
		arg.Url,
		arg.Title,
		arg.StartAt,
		arg.EndAt,
		arg.FirstSeenRun,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getSale = `SELECT id, url, title, start_at, end_at, first_seen_run FROM sales WHERE id = ?`

func (q *Queries) GetSale(ctx context.Context, id int64) (Sale, error) {
	row := q.db.QueryRowContext(ctx, getSale, id)
	var i Sale
	err := row.Scan(
		&i.ID,
		&i.Url,
		&i.Title,
		&i.StartAt,
		&i.EndAt,
		&i.FirstSeenRun,
	)
	return i, err
}

const addSaleMember = `INSERT INTO sale_members (sale_id, position, item_url)
SELECT ?1, coalesce(max(position), -1) + 1, ?2 FROM sale_members WHERE sale_id = ?1
ON CONFLICT (sale_id, item_url) DO NOTHING`

type AddSaleMemberParams struct {
	SaleID  int64
	ItemUrl string
}

func (q *Queries) AddSaleMember(ctx context.Context, arg AddSaleMemberParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, addSaleMember, arg.SaleID, arg.ItemUrl)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listSaleMembers = `SELECT item_url FROM sale_members WHERE sale_id = ? ORDER BY position`

func (q *Queries) ListSaleMembers(ctx context.Context, saleID int64) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listSaleMembers, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var item_url string
		if err := rows.Scan(&item_url); err != nil {
			return nil, err
		}
		items = append(items, item_url)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const recordOutcome = `INSERT INTO claim_outcomes (run_id, item_url, resolved_url, reward_id, outcome, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

type RecordOutcomeParams struct {
	RunID       string
	ItemUrl     string
	ResolvedUrl string
	RewardID    int64
	Outcome     string
	Reason      string
	CreatedAt   int64
}

func (q *Queries) RecordOutcome(ctx context.Context, arg RecordOutcomeParams) error {
	_, err := q.db.ExecContext(ctx, recordOutcome,
		arg.RunID,
		arg.ItemUrl,
		arg.ResolvedUrl,
		arg.RewardID,
		arg.Outcome,
		arg.Reason,
		arg.CreatedAt,
	)
	return err
}

const listRunOutcomes = `SELECT id, run_id, item_url, resolved_url, reward_id, outcome, reason, created_at FROM claim_outcomes WHERE run_id = ? ORDER BY id`

func (q *Queries) ListRunOutcomes(ctx context.Context, runID string) ([]ClaimOutcome, error) {
	rows, err := q.db.QueryContext(ctx, listRunOutcomes, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ClaimOutcome
	for rows.Next() {
		var i ClaimOutcome
		if err := rows.Scan(
			&i.ID,
			&i.RunID,
			&i.ItemUrl,
			&i.ResolvedUrl,
			&i.RewardID,
			&i.Outcome,
			&i.Reason,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countOutcomes = `SELECT outcome, count(*) AS n FROM claim_outcomes WHERE run_id = ? GROUP BY outcome ORDER BY outcome`

type CountOutcomesRow struct {
	Outcome string
	N       int64
}

func (q *Queries) CountOutcomes(ctx context.Context, runID string) ([]CountOutcomesRow, error) {
	rows, err := q.db.QueryContext(ctx, countOutcomes, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CountOutcomesRow
	for rows.Next() {
		var i CountOutcomesRow
		if err := rows.Scan(&i.Outcome, &i.N); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
