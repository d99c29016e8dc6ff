package itch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	report_api_fetch_item = "api.fetch-item"
)

// ItemDataUrl is where the item's json metadata lives.
func ItemDataUrl(itemUrl string) string {
	return strings.TrimSuffix(itemUrl, "/") + pathItemData
}

// FetchItemData fetches an item's data endpoint.
func (c *Client) FetchItemData(ctx context.Context, itemUrl string) (ItemData, error) {
	res, err := c.Fetch(ctx, Get(ItemDataUrl(itemUrl)))
	if err != nil {
		return ItemData{}, err
	}
	if res.StatusCode != http.StatusOK {
		return ItemData{}, fmt.Errorf("fetch item data %s: status %d", itemUrl, res.StatusCode)
	}
	return ParseItemData(res.Body)
}

// FetchItem resolves the metadata of a bare item url. The returned item keeps
// the url it was asked for even if the data endpoint names another one.
// Results are cached for the lifetime of the client since the same item
// shows up in many sales.
func (c *Client) FetchItem(ctx context.Context, itemUrl string) (Item, error) {
	itemUrl = CanonicalUrl(itemUrl)
	if item, ok := c.items.Get(itemUrl); ok {
		return item, nil
	}
	data, err := c.FetchItemData(ctx, itemUrl)
	if err != nil {
		c.tel.ReportWarning(report_api_fetch_item, err, itemUrl)
		return Item{}, err
	}

	item := Item{
		Id:     data.Id,
		Url:    itemUrl,
		Name:   data.Title,
		Price:  ParsePrice(data.Price),
		Author: AuthorFromUrl(itemUrl),
	}
	if data.Price == "" {
		item.Price = -1
	}
	if len(data.Authors) > 0 && data.Authors[0].Name != "" {
		item.Author = data.Authors[0].Name
	}
	c.items.Add(itemUrl, item)
	return item, nil
}

// ResolveRedirect follows every redirect of an item url and returns where it
// ended up, this is how renamed items are found.
func (c *Client) ResolveRedirect(ctx context.Context, itemUrl string) (string, error) {
	res, err := c.Fetch(ctx, Get(itemUrl))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve redirect %s: status %d", itemUrl, res.StatusCode)
	}
	return CanonicalUrl(res.Url), nil
}

// RequestDownloadUrl asks for the download page of an item, rewardId is
// omitted when 0.
func (c *Client) RequestDownloadUrl(ctx context.Context, itemUrl, csrfToken string, rewardId int64) (DownloadUrlResponse, error) {
	query := url.Values{}
	query.Set(queryParamCsrfToken, csrfToken)
	if rewardId != 0 {
		query.Set(queryParamRewardId, fmt.Sprint(rewardId))
	}
	link := strings.TrimSuffix(itemUrl, "/") + pathItemDownloadUrl + "?" + query.Encode()

	res, err := c.Fetch(ctx, Post(link, nil))
	if err != nil {
		return DownloadUrlResponse{}, err
	}
	var out DownloadUrlResponse
	err = res.JSON(&out)
	if err != nil {
		return DownloadUrlResponse{}, fmt.Errorf("parse download url (status %d): %w", res.StatusCode, err)
	}
	return out, nil
}

// FetchListing fetches one page of a json listing. link may already carry a
// query string.
func (c *Client) FetchListing(ctx context.Context, link string, page int) (ListingPage, int, error) {
	parsed, err := c.BaseUrl.Parse(link)
	if err != nil {
		return ListingPage{}, 0, err
	}
	query := parsed.Query()
	query.Set(queryParamFormatJson, queryValueFormatJson)
	if page > 0 {
		query.Set(queryParamPage, fmt.Sprint(page))
	}
	parsed.RawQuery = query.Encode()

	res, err := c.Fetch(ctx, Get(parsed.String()))
	if err != nil {
		return ListingPage{}, 0, err
	}
	if res.StatusCode != http.StatusOK {
		return ListingPage{}, res.StatusCode, nil
	}
	listing, err := ParseListingPage(res.Body)
	if err != nil {
		return ListingPage{}, res.StatusCode, err
	}
	return listing, res.StatusCode, nil
}

// CategorySaleUrl is the newest on sale listing of a category.
func CategorySaleUrl(category string) string {
	return fmt.Sprintf(pathCategorySale, category)
}

// SaleUrl is the short link of a sale id, it redirects to the named page.
func SaleUrl(id int64) string {
	return fmt.Sprintf(pathSale, id)
}

// SaleLink is SaleUrl on the public storefront, used where a link leaves the
// client (reports, feeds).
func SaleLink(id int64) string {
	return DefaultBaseUrl + SaleUrl(id)
}

// MyPurchasesUrl lists the items owned by the logged in user.
func MyPurchasesUrl() string {
	return pathMyPurchases
}

// LoginUrl is the login form.
func LoginUrl() string {
	return pathLogin
}
