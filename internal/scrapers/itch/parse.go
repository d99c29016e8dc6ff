package itch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"itchclaim/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// ListingPage is the json envelope returned by every paginated listing
// (category sales, collections, the purchase library) when asked for
// `format=json`.
type ListingPage struct {
	Content  string `json:"content"`
	NumItems int    `json:"num_items"`
}

func ParseListingPage(body []byte) (ListingPage, error) {
	var page ListingPage
	err := json.Unmarshal(body, &page)
	if err != nil {
		return ListingPage{}, fmt.Errorf("parse listing: %w", err)
	}
	return page, nil
}

func parseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ParseGameCells extracts every game cell in the given markup, relative
// links are resolved against base. Cells without a link are skipped.
func ParseGameCells(base *url.URL, markup []byte) ([]Item, error) {
	doc, err := parseDocument(markup)
	if err != nil {
		return nil, err
	}

	var items []Item
	doc.Find(selectorGameCell).Each(func(_ int, cell *goquery.Selection) {
		item, ok := parseGameCell(base, cell)
		if !ok {
			return
		}
		items = append(items, item)
	})
	return items, nil
}

func parseGameCell(base *url.URL, cell *goquery.Selection) (Item, bool) {
	anchors := htmlutil.GetAnchors(base, cell.Find(selectorGameTitle).First())
	if len(anchors) == 0 {
		anchors = htmlutil.GetAnchors(base, cell.Find(selectorGameLink).First())
	}
	if len(anchors) == 0 {
		return Item{}, false
	}

	item := Item{
		Url:   CanonicalUrl(anchors[0].Url.String()),
		Name:  anchors[0].Name,
		Price: -1,
	}
	item.Author = AuthorFromUrl(item.Url)

	if id, ok := cell.Attr(attrGameId); ok {
		parsed, err := strconv.ParseInt(id, 10, 64)
		if err == nil {
			item.Id = parsed
		}
	}
	if price := cell.Find(selectorGamePrice); price.Length() > 0 {
		item.Price = ParsePrice(price.First().Text())
	}
	if author := cell.Find(selectorGameAuthor); author.Length() > 0 {
		name := htmlutil.CleanText(author.First().Text())
		if name != "" && item.Author == "" {
			item.Author = name
		}
	}
	return item, true
}

// ParsePrice reads a rendered price like "$4.99" or "€0.00". "Free" is zero,
// anything that holds no number is -1.
func ParsePrice(text string) float64 {
	text = htmlutil.CleanText(text)
	if strings.EqualFold(text, "free") {
		return 0
	}
	idx := strings.IndexFunc(text, func(c rune) bool {
		return c >= '0' && c <= '9'
	})
	if idx < 0 {
		return -1
	}
	end := strings.IndexFunc(text[idx:], func(c rune) bool {
		return (c < '0' || c > '9') && c != '.' && c != ','
	})
	number := text[idx:]
	if end >= 0 {
		number = text[idx : idx+end]
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(number, ",", ""), 64)
	if err != nil {
		return -1
	}
	return value
}

// CanonicalUrl drops the query, fragment and trailing slash so an item is
// always known by the same string.
func CanonicalUrl(link string) string {
	parsed, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return link
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String()
}

// SalePage is everything read off a named sale page.
type SalePage struct {
	Ended    bool
	NotFree  bool
	Upcoming bool
	Title    string
	Start    time.Time
	End      time.Time
	Items    []string
}

var (
	saleStartDate = regexp.MustCompile(`"start_date":"([^"]+)"`)
	saleEndDate   = regexp.MustCompile(`"end_date":"([^"]+)"`)
)

var saleDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseSaleDate(body []byte, pattern *regexp.Regexp) time.Time {
	match := pattern.FindSubmatch(body)
	if match == nil {
		return time.Time{}
	}
	t, _ := ParseTime(string(match[1]))
	return t
}

// ParseTime reads a timestamp in any of the formats the site and the feed
// use, naive timestamps are taken as UTC.
func ParseTime(raw string) (time.Time, bool) {
	for _, layout := range saleDateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func ParseSalePage(base *url.URL, body []byte) (SalePage, error) {
	page := SalePage{
		Ended:   bytes.Contains(body, []byte(MarkerSaleEnded)),
		NotFree: !bytes.Contains(body, []byte(MarkerFullDiscount)),
		Start:   parseSaleDate(body, saleStartDate),
		End:     parseSaleDate(body, saleEndDate),
	}

	doc, err := parseDocument(body)
	if err != nil {
		return SalePage{}, err
	}
	page.Upcoming = doc.Find(selectorSaleInactive).Length() > 0
	page.Title = htmlutil.CleanText(doc.Find("h1").First().Text())

	seen := map[string]struct{}{}
	doc.Find(selectorGameCellData).Each(func(_ int, cell *goquery.Selection) {
		anchors := htmlutil.GetAnchors(base, cell.Find("a[href]").First())
		if len(anchors) == 0 {
			return
		}
		link := CanonicalUrl(anchors[0].Url.String())
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		page.Items = append(page.Items, link)
	})

	return page, nil
}

// ParseClaimFormAction returns the action of the claim form on a download
// page, found is false when the page has no claim step.
func ParseClaimFormAction(base *url.URL, body []byte) (action string, found bool, err error) {
	doc, err := parseDocument(body)
	if err != nil {
		return "", false, err
	}
	form := doc.Find(selectorClaimForm).First()
	if form.Length() == 0 {
		return "", false, nil
	}
	raw, ok := form.Attr("action")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", false, nil
	}
	link, err := base.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false, fmt.Errorf("parse claim action: %w", err)
	}
	return link.String(), true, nil
}

type DownloadUrlResponse struct {
	Url    string   `json:"url"`
	Errors []string `json:"errors"`
}

func (r DownloadUrlResponse) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0]
}

type itemAuthor struct {
	Name string `json:"name"`
	Url  string `json:"url"`
}

// ItemData is the payload of an item's data endpoint. Rewards is nil when the
// endpoint carries no rewards field at all, which is different from an empty
// list of tiers.
type ItemData struct {
	Id      int64        `json:"id"`
	Title   string       `json:"title"`
	Price   string       `json:"price"`
	Authors []itemAuthor `json:"authors"`
	Rewards *[]Reward    `json:"rewards"`
}

func ParseItemData(body []byte) (ItemData, error) {
	var data ItemData
	err := json.Unmarshal(body, &data)
	if err != nil {
		return ItemData{}, fmt.Errorf("parse item data: %w", err)
	}
	return data, nil
}

// ParseCsrfToken reads the token every logged in page carries in its head.
func ParseCsrfToken(body []byte) (string, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return "", err
	}
	if token, ok := doc.Find(selectorCsrfMeta).First().Attr("value"); ok && token != "" {
		return token, nil
	}
	if token, ok := doc.Find(selectorCsrfMeta).First().Attr("content"); ok && token != "" {
		return token, nil
	}
	if token, ok := doc.Find(selectorCsrfInput).First().Attr("value"); ok && token != "" {
		return token, nil
	}
	return "", fmt.Errorf("csrf token not found")
}

// Form is an html form with its prefilled fields.
type Form struct {
	Action string
	Fields map[string]string
}

// ParseForm reads the first form matching selector, inputs without a name are
// ignored.
func ParseForm(base *url.URL, body []byte, selector string) (Form, bool, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return Form{}, false, err
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return Form{}, false, nil
	}

	form := Form{Fields: map[string]string{}}
	action, _ := sel.Attr("action")
	link, err := base.Parse(strings.TrimSpace(action))
	if err != nil {
		return Form{}, false, fmt.Errorf("parse form action: %w", err)
	}
	form.Action = link.String()

	sel.Find("input[name]").Each(func(_ int, input *goquery.Selection) {
		name, _ := input.Attr("name")
		value, _ := input.Attr("value")
		form.Fields[name] = value
	})
	return form, true, nil
}

// ParseFormErrors returns the messages of a rejected form submission.
func ParseFormErrors(body []byte) []string {
	doc, err := parseDocument(body)
	if err != nil {
		return nil
	}
	var out []string
	doc.Find(selectorFormErrors).Each(func(_ int, s *goquery.Selection) {
		text := htmlutil.CleanText(s.Text())
		if text != "" {
			out = append(out, text)
		}
	})
	return out
}
