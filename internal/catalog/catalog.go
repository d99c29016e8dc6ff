// Package catalog finds free items in the storefront's category listings and
// its numbered sale pages.
package catalog

import (
	"context"
	"fmt"
	"net/http"

	"itchclaim/internal/checkpoint"
	"itchclaim/internal/components/assert"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/scrapers/itch"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("itchclaim/catalog")

const (
	report_catalog_scan_category = "scan-category"
	report_catalog_scan_sale     = "scan-sale"
	report_catalog_scan_sales    = "scan-sales"
)

// a category whose pages keep failing is given up on after this many in a row
const maxConsecutivePageFailures = 5

type Scraper struct {
	client *itch.Client
	tel    telemetry.API
}

func NewScraper(client *itch.Client, tel telemetry.API) Scraper {
	assert.NotNil(client)
	assert.NotNil(tel)
	return Scraper{
		client: client,
		tel:    telemetry.NewScopedAPI("catalog", tel),
	}
}

type CategoryPage struct {
	// Items priced zero that are not owned yet, in page order.
	Items      []itch.Item
	IsLastPage bool
}

// ScanCategoryPage reads one page of a category's newest on sale listing.
func (s Scraper) ScanCategoryPage(ctx context.Context, state *checkpoint.State, category string, page int) (CategoryPage, error) {
	listing, status, err := s.client.FetchListing(ctx, itch.CategorySaleUrl(category), page)
	if err != nil {
		return CategoryPage{}, err
	}
	if status == http.StatusNotFound {
		return CategoryPage{IsLastPage: true}, nil
	}
	if status != http.StatusOK {
		return CategoryPage{}, fmt.Errorf("%s page %d: status %d", category, page, status)
	}

	cells, err := itch.ParseGameCells(s.client.BaseUrl, []byte(listing.Content))
	if err != nil {
		return CategoryPage{}, err
	}

	result := CategoryPage{IsLastPage: len(cells) == 0 && listing.NumItems == 0}
	for _, item := range cells {
		if item.Price != 0 || state.Owned.Has(item.Url) || state.Ignored.Has(item.Url) {
			continue
		}
		item.Status = itch.StatusClaimable
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// ScanCategory walks every page of a category until the last one. A page that
// fails is reported and skipped.
func (s Scraper) ScanCategory(ctx context.Context, state *checkpoint.State, category string) ([]itch.Item, error) {
	ctx, span := tracer.Start(ctx, "ScanCategory")
	defer span.End()

	var items []itch.Item
	failures := 0
	for page := 1; ; page++ {
		result, err := s.ScanCategoryPage(ctx, state, category, page)
		if itch.IsFatal(err) {
			return items, err
		}
		if err != nil {
			s.tel.ReportBroken(report_catalog_scan_category, err, category, page)
			failures++
			if failures >= maxConsecutivePageFailures {
				return items, nil
			}
			continue
		}
		failures = 0
		if result.IsLastPage {
			break
		}
		items = append(items, result.Items...)
	}

	s.tel.ReportDebug(report_catalog_scan_category, category, "free", len(items))
	return items, nil
}

// ScanCategories scans every category, an item listed in several categories
// is only returned once.
func (s Scraper) ScanCategories(ctx context.Context, state *checkpoint.State) ([]itch.Item, error) {
	seen := map[string]struct{}{}
	var out []itch.Item
	for _, category := range itch.Categories {
		items, err := s.ScanCategory(ctx, state, category)
		for _, item := range items {
			if _, ok := seen[item.Url]; ok {
				continue
			}
			seen[item.Url] = struct{}{}
			out = append(out, item)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
