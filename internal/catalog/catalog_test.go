package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"itchclaim/internal/checkpoint"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/lib/testutil"
	"itchclaim/pkg/urlset"

	"github.com/stretchr/testify/require"
)

func setup(t testing.TB) (Scraper, *testutil.Site, *telemetry.Recorder) {
	site := testutil.NewSite(t)
	tel := &telemetry.Recorder{}
	client, err := itch.NewClient(itch.ClientOptions{
		Transport:   site.Transport(),
		RetryBudget: time.Second,
	}, tel)
	if err != nil {
		t.Fatal(err)
	}
	return NewScraper(client, tel), site, tel
}

type cell struct {
	url   string
	price string
}

func listing(cells ...cell) map[string]any {
	var content strings.Builder
	for _, c := range cells {
		fmt.Fprintf(
			&content,
			`<div class="game_cell"><a class="title game_link" href="%s">game</a><div class="price_value">%s</div></div>`,
			c.url, c.price,
		)
	}
	return map[string]any{"content": content.String(), "num_items": len(cells)}
}

// serveCategory serves pages in order, any page past the end is empty.
func serveCategory(site *testutil.Site, category string, pages ...map[string]any) {
	site.Handle("https://itch.io/"+category+"/newest/on-sale", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var page int
		fmt.Sscan(r.URL.Query().Get("page"), &page)
		if page < 1 || page > len(pages) {
			testutil.WriteJSON(w, listing())
			return
		}
		if pages[page-1] == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		testutil.WriteJSON(w, pages[page-1])
	})
}

func TestScanCategoryPage(t *testing.T) {
	scraper, site, _ := setup(t)
	state := checkpoint.NewState(urlset.New("https://a.itch.io/owned"))
	state.Ignore("https://a.itch.io/ignored")

	serveCategory(site, "games", listing(
		cell{url: "https://a.itch.io/free", price: "$0.00"},
		cell{url: "https://a.itch.io/owned", price: "$0.00"},
		cell{url: "https://a.itch.io/ignored", price: "$0.00"},
		cell{url: "https://b.itch.io/paid", price: "$2.00"},
	))

	page, err := scraper.ScanCategoryPage(context.Background(), state, "games", 1)
	require.NoError(t, err)
	require.False(t, page.IsLastPage)
	require.Len(t, page.Items, 1)
	require.Equal(t, "https://a.itch.io/free", page.Items[0].Url)
	require.Equal(t, itch.StatusClaimable, page.Items[0].Status)

	page, err = scraper.ScanCategoryPage(context.Background(), state, "games", 2)
	require.NoError(t, err)
	require.True(t, page.IsLastPage)
	require.Empty(t, page.Items)

	page, err = scraper.ScanCategoryPage(context.Background(), state, "tools", 1)
	require.NoError(t, err)
	require.True(t, page.IsLastPage)
}

func TestScanCategorySkipsFailedPages(t *testing.T) {
	scraper, site, tel := setup(t)
	state := checkpoint.NewState(nil)

	serveCategory(site, "comics",
		listing(cell{url: "https://a.itch.io/one", price: "$0.00"}),
		nil,
		listing(cell{url: "https://b.itch.io/two", price: "Free"}, cell{url: "https://b.itch.io/three", price: "$1.00"}),
	)

	items, err := scraper.ScanCategory(context.Background(), state, "comics")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "https://a.itch.io/one", items[0].Url)
	require.Equal(t, "https://b.itch.io/two", items[1].Url)
	require.Len(t, tel.Broken(), 1)
}

func saleHtml(title string, markers string, items ...string) string {
	var out strings.Builder
	fmt.Fprintf(&out, `<html><body><h1>%s</h1>%s`, title, markers)
	out.WriteString(`<script>{"start_date":"2024-06-01T00:00:00Z","end_date":"2024-06-08T00:00:00Z"}</script>`)
	for _, item := range items {
		fmt.Fprintf(&out, `<div class="game_cell"><div class="game_cell_data"><a href="%s">x</a></div></div>`, item)
	}
	out.WriteString(`</body></html>`)
	return out.String()
}

func serveSale(site *testutil.Site, id int64, body string) {
	named := fmt.Sprintf("https://itch.io/s/%d/sale-%d", id, id)
	site.Redirect(fmt.Sprintf("https://itch.io/s/%d", id), named)
	site.HTML(named, body)
}

func TestScanSale(t *testing.T) {
	scraper, site, _ := setup(t)

	serveSale(site, 1, saleHtml("Active", "<b>100%</strong> off</b>", "https://a.itch.io/x", "https://b.itch.io/y"))
	serveSale(site, 2, saleHtml("Ended", "This sale ended 1 day ago. 100%</strong> off", "https://a.itch.io/x"))
	serveSale(site, 3, saleHtml("Half", "50%</strong> off", "https://a.itch.io/x"))
	serveSale(site, 4, saleHtml("Soon", `100%</strong> off <div class="not_active_notification">Come back later</div>`, "https://c.itch.io/z"))

	result, err := scraper.ScanSale(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, SaleActive, result.Status)
	require.Equal(t, "Active", result.Title)
	require.Equal(t, "https://itch.io/s/1/sale-1", result.Sale.Url)
	require.Equal(t, []string{"https://a.itch.io/x", "https://b.itch.io/y"}, result.Sale.Items)
	require.Equal(t, time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC), result.Sale.End)

	result, err = scraper.ScanSale(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, SaleEnded, result.Status)
	require.Empty(t, result.Sale.Items)

	result, err = scraper.ScanSale(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, SaleNotFree, result.Status)

	result, err = scraper.ScanSale(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, SaleUpcoming, result.Status)
	require.Equal(t, []string{"https://c.itch.io/z"}, result.Sale.Items)

	result, err = scraper.ScanSale(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, SaleNotFound, result.Status)
	require.Equal(t, 0, site.Hits("https://itch.io/s/5/sale-5"))
}

func TestScanSalesBacksOffAfterMisses(t *testing.T) {
	scraper, site, _ := setup(t)

	cursor, err := scraper.ScanSales(context.Background(), 100, SalesOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(100), cursor)
	require.Len(t, site.Requests(), MissesBeforeBackoff)
}

func TestScanSalesResumesAtFirstMiss(t *testing.T) {
	scraper, site, _ := setup(t)
	for id := int64(1); id <= 5; id++ {
		serveSale(site, id, saleHtml("Sale", "100%</strong> off", fmt.Sprintf("https://a.itch.io/game-%d", id)))
	}
	// a gap shorter than the backoff does not stop the scan
	serveSale(site, 20, saleHtml("Late", "100%</strong> off", "https://b.itch.io/late"))

	var visited []int64
	cursor, err := scraper.ScanSales(context.Background(), 0, SalesOptions{}, func(_ context.Context, result SaleResult) error {
		visited = append(visited, result.Sale.Id)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4, 5, 20}, visited)
	require.Equal(t, int64(21), cursor)
}

func TestScanSalesSkipsFailedSale(t *testing.T) {
	scraper, site, tel := setup(t)
	serveSale(site, 10, saleHtml("Sale", "100%</strong> off"))
	site.Status("https://itch.io/s/11", http.StatusInternalServerError)
	serveSale(site, 12, saleHtml("Sale", "100%</strong> off"))

	var visited []int64
	cursor, err := scraper.ScanSales(context.Background(), 10, SalesOptions{Step: 3}, func(_ context.Context, result SaleResult) error {
		visited = append(visited, result.Sale.Id)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{10, 12}, visited)
	require.Equal(t, int64(13), cursor)
	require.Len(t, tel.Broken(), 1)
}

func TestScanSalesBounds(t *testing.T) {
	scraper, site, _ := setup(t)
	for id := int64(1); id <= 10; id++ {
		serveSale(site, id, saleHtml("Sale", "100%</strong> off"))
	}

	// sale 0 does not exist and uses up one step
	cursor, err := scraper.ScanSales(context.Background(), 0, SalesOptions{Step: 4}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), cursor)

	cursor, err = scraper.ScanSales(context.Background(), 4, SalesOptions{Step: 100, Limit: 7}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(7), cursor)
}

func TestScanSalesStopsOnVisitError(t *testing.T) {
	scraper, site, _ := setup(t)
	serveSale(site, 1, saleHtml("Sale", "100%</strong> off"))
	serveSale(site, 2, saleHtml("Sale", "100%</strong> off"))

	cursor, err := scraper.ScanSales(context.Background(), 1, SalesOptions{}, func(_ context.Context, result SaleResult) error {
		if result.Sale.Id == 2 {
			return itch.ErrNotLoggedIn
		}
		return nil
	})
	require.ErrorIs(t, err, itch.ErrNotLoggedIn)
	require.Equal(t, int64(2), cursor)
}
