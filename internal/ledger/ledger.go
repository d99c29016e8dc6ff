// Package ledger keeps an append-only history of the sales that were seen and
// of every claim attempt, one row per run, sale, member and outcome.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"itchclaim/internal/catalog"
	"itchclaim/internal/claim"
	"itchclaim/internal/components/assert"
	"itchclaim/internal/components/chrono"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/ledger/db"
	"itchclaim/internal/scrapers/itch"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("itchclaim/ledger")

const (
	report_ledger_record_sale    = "record-sale"
	report_ledger_record_outcome = "record-outcome"
)

var ErrRunFinished = errors.New("run already finished")

type Ledger struct {
	db    *sql.DB
	qry   *db.Queries
	clock chrono.TimeAPI
	tel   telemetry.API
}

func New(database *sql.DB, clock chrono.TimeAPI, tel telemetry.API) Ledger {
	assert.NotNil(database)
	assert.NotNil(clock)
	assert.NotNil(tel)
	return Ledger{
		db:    database,
		qry:   db.New(database),
		clock: clock,
		tel:   telemetry.NewScopedAPI("ledger", tel),
	}
}

// Run groups everything recorded by one invocation.
type Run struct {
	Id     string
	Mode   string
	ledger Ledger
	done   bool
}

func (l Ledger) StartRun(ctx context.Context, mode string) (*Run, error) {
	assert.NotEmptyStr(mode)
	run := &Run{Id: uuid.NewString(), Mode: mode, ledger: l}
	err := l.qry.CreateRun(ctx, db.CreateRunParams{
		ID:        run.Id,
		Mode:      mode,
		StartedAt: l.clock.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

func nullTime(sale itch.Sale, end bool) sql.NullInt64 {
	t := sale.Start
	if end {
		if !sale.HasEnd() {
			return sql.NullInt64{}
		}
		t = sale.End
	}
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// RecordSale stores a sale the first time it is seen and appends members that
// are new. Rows that already exist are never changed. The amount of members
// appended is returned.
func (r *Run) RecordSale(ctx context.Context, result catalog.SaleResult) (int, error) {
	ctx, span := tracer.Start(ctx, "RecordSale")
	defer span.End()
	span.SetAttributes(attribute.Int64("sale", result.Sale.Id))

	if r.done {
		return 0, ErrRunFinished
	}
	err := result.Sale.Validate()
	if err != nil {
		r.ledger.tel.ReportWarning(report_ledger_record_sale, err)
		return 0, err
	}

	tx, err := r.ledger.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	defer tx.Rollback()
	txqry := r.ledger.qry.WithTx(tx)

	_, err = txqry.CreateSale(ctx, db.CreateSaleParams{
		ID:           result.Sale.Id,
		Url:          result.Sale.Url,
		Title:        result.Title,
		StartAt:      nullTime(result.Sale, false),
		EndAt:        nullTime(result.Sale, true),
		FirstSeenRun: r.Id,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("sale %d: %w", result.Sale.Id, err)
	}

	appended := 0
	for _, item := range result.Sale.Items {
		n, err := txqry.AddSaleMember(ctx, db.AddSaleMemberParams{
			SaleID:  result.Sale.Id,
			ItemUrl: item,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, fmt.Errorf("sale %d member %s: %w", result.Sale.Id, item, err)
		}
		appended += int(n)
	}

	err = tx.Commit()
	if err != nil {
		return 0, err
	}
	return appended, nil
}

// RecordOutcome stores one claim attempt. Skipped attempts sent nothing and
// are not stored.
func (r *Run) RecordOutcome(ctx context.Context, result claim.Result, rewardId int64) error {
	if r.done {
		return ErrRunFinished
	}
	if result.Outcome == claim.OutcomeSkipped {
		return nil
	}
	err := r.ledger.qry.RecordOutcome(ctx, db.RecordOutcomeParams{
		RunID:       r.Id,
		ItemUrl:     result.Item,
		ResolvedUrl: result.ResolvedUrl,
		RewardID:    rewardId,
		Outcome:     result.Outcome.String(),
		Reason:      result.Reason,
		CreatedAt:   r.ledger.clock.Now().Unix(),
	})
	if err != nil {
		r.ledger.tel.ReportBroken(report_ledger_record_outcome, err, result.Item)
		return err
	}
	return nil
}

// RecordSummary stores every result of a batch of claims.
func (r *Run) RecordSummary(ctx context.Context, summary claim.Summary) error {
	for _, result := range summary.Results {
		err := r.RecordOutcome(ctx, result, 0)
		if err != nil {
			return err
		}
	}
	return nil
}

// Counts returns the amount of stored outcomes of this run by outcome name.
func (r *Run) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.ledger.qry.CountOutcomes(ctx, r.Id)
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, row := range rows {
		out[row.Outcome] = row.N
	}
	return out, nil
}

func (r *Run) Finish(ctx context.Context) error {
	if r.done {
		return nil
	}
	r.done = true
	return r.ledger.qry.FinishRun(ctx, db.FinishRunParams{
		FinishedAt: sql.NullInt64{Int64: r.ledger.clock.Now().Unix(), Valid: true},
		ID:         r.Id,
	})
}

// Sale reads back a stored sale with its members in the order they were
// appended.
func (l Ledger) Sale(ctx context.Context, id int64) (itch.Sale, error) {
	row, err := l.qry.GetSale(ctx, id)
	if err != nil {
		return itch.Sale{}, err
	}
	members, err := l.qry.ListSaleMembers(ctx, id)
	if err != nil {
		return itch.Sale{}, err
	}
	sale := itch.Sale{Id: row.ID, Url: row.Url, Items: members}
	if row.StartAt.Valid {
		sale.Start = unix(row.StartAt.Int64)
	}
	if row.EndAt.Valid {
		sale.End = unix(row.EndAt.Int64)
	}
	return sale, nil
}

func unix(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}
