package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"itchclaim/internal/catalog"
	"itchclaim/internal/checkpoint"
	"itchclaim/internal/claim"
	"itchclaim/internal/feed"
	"itchclaim/internal/ledger"
	"itchclaim/internal/report"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/internal/session"
	"itchclaim/pkg/urlset"
)

const (
	report_service_refresh = "refresh-sale-cache"
	report_service_sales   = "scrape-sales"
)

// ResumeCursor starts a sale scan where the previous one stopped.
const ResumeCursor int64 = -1

func (s Service) FeedFile() string {
	return filepath.Join(s.opts.DataDir, FeedPath)
}

// recordSale stores free sales in the ledger, failures are reported by the
// ledger and never stop a scan.
func (s Service) recordSale(ctx context.Context, run *ledger.Run, result catalog.SaleResult) {
	if result.Status != catalog.SaleActive && result.Status != catalog.SaleUpcoming {
		return
	}
	_, _ = run.RecordSale(ctx, result)
}

type RefreshOptions struct {
	// Sales limits the refresh to these sale ids, the resume index is left
	// untouched.
	Sales []int64
	// Step bounds the amount of ids looked at, 0 uses the configured step.
	Step int64
}

// RefreshSaleCache scans sales and category listings without logging in and
// rewrites the feed other accounts claim from. The scan resumes from the
// resume index in the data directory.
func (s Service) RefreshSaleCache(ctx context.Context, opts RefreshOptions) (summary Summary, err error) {
	ctx, span := tracer.Start(ctx, "RefreshSaleCache")
	defer span.End()

	run, err := s.startRun(ctx, ModeRefreshSaleCache, &summary)
	if err != nil {
		return summary, err
	}
	defer s.finishRun(ctx, run, &summary)

	builder := feed.NewBuilder(s.clock.Now())
	previous, err := os.ReadFile(s.FeedFile())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return summary, err
	default:
		entries, err := feed.Decode(previous)
		if err != nil {
			s.tel.ReportWarning(report_service_feed, err, s.FeedFile())
		}
		builder.Keep(entries)
	}

	visit := func(ctx context.Context, result catalog.SaleResult) error {
		summary.Sales++
		s.recordSale(ctx, run, result)
		builder.AddSale(result.Sale)
		return nil
	}

	if len(opts.Sales) > 0 {
		for _, id := range opts.Sales {
			result, err := s.catalog.ScanSale(ctx, id)
			if itch.IsFatal(err) {
				return summary, err
			}
			if err != nil {
				s.tel.ReportBroken(report_service_refresh, err, id)
				continue
			}
			if result.Status == catalog.SaleNotFound {
				continue
			}
			_ = visit(ctx, result)
		}
	} else {
		cursor, found, err := s.store.LoadCursorFile(checkpoint.FileResumeIndex)
		if err != nil {
			return summary, err
		}
		if !found {
			s.tel.ReportInfo(report_service_refresh, "no resume index, starting at the first sale")
			cursor = 1
		}
		step := opts.Step
		if step <= 0 {
			step = s.opts.SaleStep
		}
		cursor, err = s.catalog.ScanSales(ctx, cursor, catalog.SalesOptions{Step: step}, visit)
		summary.Cursor = cursor
		saveErr := s.store.SaveCursorFile(checkpoint.FileResumeIndex, cursor)
		if err != nil || saveErr != nil {
			return summary, errors.Join(err, saveErr)
		}
	}

	// listings catch items added to sales that were scanned before
	listed, err := s.catalog.ScanCategories(ctx, checkpoint.NewState(nil))
	for _, item := range listed {
		builder.AddListed(item)
	}
	if err != nil {
		return summary, err
	}

	err = builder.Resolve(ctx, s.client)
	if err != nil {
		return summary, err
	}
	summary.Items = builder.Len()
	err = feed.Write(s.FeedFile(), builder.Entries())
	if err != nil {
		return summary, fmt.Errorf("write feed: %w", err)
	}
	s.tel.ReportInfo(report_service_refresh, "sales", summary.Sales, "items", summary.Items)
	return summary, nil
}

type SalesOptions struct {
	// Cursor is the first sale id scanned, ResumeCursor continues from the
	// saved cursor or the published resume index.
	Cursor int64
	// Limit is the first id not scanned, 0 means no limit besides Step.
	Limit int64
	// Step bounds the amount of ids looked at, 0 uses the configured step.
	Step int64
}

// claimItem claims one item and keeps the state in line with the outcome.
func (s Service) claimItem(ctx context.Context, run *ledger.Run, sess *session.Session, state *checkpoint.State, req claim.Request) (claim.Result, error) {
	result, err := s.claims.Claim(ctx, sess, req)
	if err != nil {
		return result, err
	}
	// failures are reported by the ledger
	_ = run.RecordOutcome(ctx, result, req.RewardId)
	if result.Outcome == claim.OutcomeClaimed {
		state.MarkOwned(req.Item)
		state.MarkOwned(result.ResolvedUrl)
	}
	return result, nil
}

func (s Service) resolveCursor(ctx context.Context, explicit int64) (int64, error) {
	if explicit >= 0 {
		return explicit, nil
	}
	cursor, found, err := s.store.LoadCursor()
	if err != nil {
		return 0, err
	}
	if found {
		return cursor, nil
	}
	cursor, err = feed.FetchResumeIndex(ctx, s.client, s.opts.ResumeUrl)
	if err != nil {
		return 0, fmt.Errorf("no saved cursor: %w", err)
	}
	return cursor, nil
}

// ScrapeSales claims the free items of the category listings and then scans
// sale ids from the cursor on, claiming the members of running sales and
// noting upcoming ones. The cursor and the state are saved after every sale
// and once more when the scan stops for any reason.
func (s Service) ScrapeSales(ctx context.Context, opts SalesOptions) (summary Summary, err error) {
	ctx, span := tracer.Start(ctx, "ScrapeSales")
	defer span.End()

	sess, err := s.openSession(ctx)
	if err != nil {
		return summary, err
	}
	defer func() {
		s.closeSession(sess, err)
	}()

	state, err := s.loadState(sess)
	if err != nil {
		return summary, err
	}
	cursor, err := s.resolveCursor(ctx, opts.Cursor)
	if err != nil {
		return summary, err
	}
	state.Cursor = cursor

	run, err := s.startRun(ctx, ModeScrapeSales, &summary)
	if err != nil {
		return summary, err
	}
	defer s.finishRun(ctx, run, &summary)

	for _, name := range []string{report.LogActive, report.LogMiss, report.LogFuture} {
		err = s.reports.Reset(name)
		if err != nil {
			return summary, err
		}
	}

	reports := report.NewReports()
	defer func() {
		summary.Cursor = state.Cursor
		err = s.flush(state, err)
		writeErr := s.reports.WriteAll(reports)
		if writeErr != nil {
			s.tel.ReportBroken(report_service_sales, writeErr)
			err = errors.Join(err, writeErr)
		}
	}()

	// items that failed once are not tried again in this run
	missed := urlset.New()

	listed, err := s.catalog.ScanCategories(ctx, state)
	if err != nil {
		return summary, err
	}
	for _, item := range listed {
		summary.Items++
		result, err := s.claimItem(ctx, run, sess, state, claim.Request{Item: item.Url})
		if err != nil {
			return summary, err
		}
		if result.Outcome == claim.OutcomeMissed || result.Outcome == claim.OutcomeFailed {
			missed.Add(item.Url)
			s.reports.Log(report.LogActive, item.Url)
		}
	}

	visit := func(ctx context.Context, result catalog.SaleResult) error {
		summary.Sales++
		s.recordSale(ctx, run, result)

		switch result.Status {
		case catalog.SaleUpcoming:
			logged := false
			for _, item := range result.Sale.Items {
				if sess.Owns(item) || missed.Has(item) {
					continue
				}
				if !logged {
					s.reports.Log(report.LogFuture, result.Sale.Url)
					logged = true
				}
				reports.Upcoming.Add(result.Sale, item)
			}
		case catalog.SaleActive:
			for _, item := range result.Sale.Items {
				if sess.Owns(item) || missed.Has(item) {
					continue
				}
				summary.Items++
				claimed, err := s.claimItem(ctx, run, sess, state, claim.Request{Item: item})
				if err != nil {
					return err
				}
				switch claimed.Outcome {
				case claim.OutcomeClaimed:
					reports.Claimed.Add(result.Sale, item)
				case claim.OutcomeMissed, claim.OutcomeFailed:
					missed.Add(item)
					s.reports.Log(report.LogMiss, item)
					reports.Missed.Add(result.Sale, item)
				}
			}
		}

		state.Cursor = result.Sale.Id + 1
		return s.store.Checkpoint(state)
	}

	step := opts.Step
	if step <= 0 {
		step = s.opts.SaleStep
	}
	s.tel.ReportInfo(report_service_sales, "cursor", state.Cursor, "step", step)
	state.Cursor, err = s.catalog.ScanSales(ctx, state.Cursor, catalog.SalesOptions{
		Step:  step,
		Limit: opts.Limit,
	}, visit)
	return summary, err
}
