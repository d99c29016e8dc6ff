package catalog

import (
	"context"
	"fmt"
	"net/http"

	"itchclaim/internal/scrapers/itch"

	"go.opentelemetry.io/otel/attribute"
)

type SaleStatus int

const (
	// nothing was ever published at the id
	SaleNotFound SaleStatus = iota
	SaleEnded
	// the sale exists but does not discount to zero
	SaleNotFree
	SaleUpcoming
	SaleActive
)

func (s SaleStatus) String() string {
	switch s {
	case SaleNotFound:
		return "not-found"
	case SaleEnded:
		return "ended"
	case SaleNotFree:
		return "not-free"
	case SaleUpcoming:
		return "upcoming"
	default:
		return "active"
	}
}

type SaleResult struct {
	Status SaleStatus
	Title  string
	// Sale.Items is only filled for upcoming and active sales.
	Sale itch.Sale
}

// ScanSale reads the sale published at id. The short link only redirects when
// the sale exists, a 404 means the id was never used.
func (s Scraper) ScanSale(ctx context.Context, id int64) (SaleResult, error) {
	ctx, span := tracer.Start(ctx, "ScanSale")
	defer span.End()
	span.SetAttributes(attribute.Int64("id", id))

	res, err := s.client.Fetch(ctx, itch.Request{
		Method: http.MethodGet,
		Url:    itch.SaleUrl(id),
	})
	if err != nil {
		return SaleResult{}, err
	}
	if res.StatusCode == http.StatusNotFound {
		return SaleResult{Status: SaleNotFound, Sale: itch.Sale{Id: id}}, nil
	}

	saleUrl := s.client.Resolve(itch.SaleUrl(id))
	if res.Location != "" {
		saleUrl = s.client.Resolve(res.Location)
		res, err = s.client.Fetch(ctx, itch.Get(saleUrl))
		if err != nil {
			return SaleResult{}, err
		}
		saleUrl = res.Url
	}
	if res.StatusCode != http.StatusOK {
		return SaleResult{}, fmt.Errorf("sale %d: status %d", id, res.StatusCode)
	}

	page, err := itch.ParseSalePage(s.client.BaseUrl, res.Body)
	if err != nil {
		return SaleResult{}, fmt.Errorf("sale %d: %w", id, err)
	}

	result := SaleResult{
		Title: page.Title,
		Sale: itch.Sale{
			Id:    id,
			Url:   saleUrl,
			Start: page.Start,
			End:   page.End,
		},
	}
	switch {
	case page.Ended:
		result.Status = SaleEnded
	case page.NotFree:
		result.Status = SaleNotFree
	case page.Upcoming:
		result.Status = SaleUpcoming
	default:
		result.Status = SaleActive
	}
	if result.Status == SaleUpcoming || result.Status == SaleActive {
		result.Sale.Items = page.Items
	}
	span.SetAttributes(attribute.String("status", result.Status.String()))
	return result, nil
}

// MissesBeforeBackoff is the amount of consecutive unused ids after which a
// scan stops. Ids are not always allocated in order, so the cursor is moved
// back by the same amount to look at them again next run.
const MissesBeforeBackoff = 30

const DefaultSaleStep = 5000

type SalesOptions struct {
	// Step is the maximum amount of ids looked at, defaults to DefaultSaleStep.
	Step int64
	// Limit is the first id not looked at, defaults to cursor + Step.
	Limit int64
}

// VisitSale is called for every sale that exists. Returning an error stops the
// scan with the cursor left on the sale being visited.
type VisitSale func(ctx context.Context, result SaleResult) error

// ScanSales scans sale ids sequentially starting at cursor and returns the
// cursor to resume from. Sale 0 does not exist, a cursor of 0 starts at 1 and
// uses up one step.
//
// A sale that fails to load is reported and skipped. Fatal fetch errors stop
// the scan with the cursor on the failing id.
func (s Scraper) ScanSales(ctx context.Context, cursor int64, opts SalesOptions, visit VisitSale) (int64, error) {
	if opts.Step <= 0 {
		opts.Step = DefaultSaleStep
	}
	if opts.Limit <= 0 {
		opts.Limit = cursor + opts.Step
	}

	var visited int64
	if cursor == 0 {
		visited = 1
		cursor = 1
	}

	misses := 0
	for visited < opts.Step && cursor < opts.Limit {
		if ctx.Err() != nil {
			return cursor, ctx.Err()
		}

		id := cursor
		result, err := s.ScanSale(ctx, id)
		visited++
		cursor++

		if itch.IsFatal(err) {
			return id, err
		}
		if err != nil {
			s.tel.ReportBroken(report_catalog_scan_sale, err, id)
			continue
		}

		if result.Status == SaleNotFound {
			misses++
			if misses < MissesBeforeBackoff {
				continue
			}
			cursor -= MissesBeforeBackoff
			break
		}
		misses = 0

		if visit == nil {
			continue
		}
		err = visit(ctx, result)
		if err != nil {
			return id, err
		}
	}

	s.tel.ReportDebug(report_catalog_scan_sales, "visited", visited, "cursor", cursor)
	return cursor, nil
}
