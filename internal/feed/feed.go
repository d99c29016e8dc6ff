// Package feed reads and writes the published list of claimable items and the
// published sale resume index.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"itchclaim/internal/claim"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/internal/session"
)

const (
	DefaultUrl       = "https://itchclaim.tmbpeter.com/api/active.json"
	DefaultResumeUrl = "https://itchclaim.tmbpeter.com/data/resume_index.txt"
)

type SaleRef struct {
	Id    int64  `json:"id"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Entry struct {
	Id        int64     `json:"id"`
	Url       string    `json:"url"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Claimable bool      `json:"claimable"`
	Sales     []SaleRef `json:"sales,omitempty"`
}

// Item converts the entry, sale dates that fail to parse are left zero.
func (e Entry) Item() itch.Item {
	item := itch.Item{
		Id:     e.Id,
		Url:    e.Url,
		Name:   e.Name,
		Price:  e.Price,
		Author: itch.AuthorFromUrl(e.Url),
		Status: itch.StatusNotClaimable,
	}
	if e.Claimable {
		item.Status = itch.StatusClaimable
	}
	for _, ref := range e.Sales {
		sale := itch.Sale{Id: ref.Id, Url: itch.SaleLink(ref.Id), Items: []string{e.Url}}
		sale.Start, _ = itch.ParseTime(ref.Start)
		sale.End, _ = itch.ParseTime(ref.End)
		item.Sales = append(item.Sales, sale)
	}
	return item
}

// FromItem is the inverse of Entry.Item.
func FromItem(item itch.Item) Entry {
	entry := Entry{
		Id:        item.Id,
		Url:       item.Url,
		Name:      item.Name,
		Price:     item.Price,
		Claimable: item.Status == itch.StatusClaimable,
	}
	for _, sale := range item.Sales {
		ref := SaleRef{Id: sale.Id}
		if !sale.Start.IsZero() {
			ref.Start = sale.Start.Format(time.RFC3339)
		}
		if sale.HasEnd() {
			ref.End = sale.End.Format(time.RFC3339)
		}
		entry.Sales = append(entry.Sales, ref)
	}
	return entry
}

func Decode(body []byte) ([]Entry, error) {
	var entries []Entry
	err := json.Unmarshal(body, &entries)
	if err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return entries, nil
}

// Fetch downloads the feed at link, the order of entries is kept.
func Fetch(ctx context.Context, client *itch.Client, link string) ([]Entry, error) {
	res, err := client.Fetch(ctx, itch.Get(link))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed %s: status %d", link, res.StatusCode)
	}
	return Decode(res.Body)
}

// FetchResumeIndex downloads the published sale cursor, used when no local
// cursor exists yet.
func FetchResumeIndex(ctx context.Context, client *itch.Client, link string) (int64, error) {
	res, err := client.Fetch(ctx, itch.Get(link))
	if err != nil {
		return 0, err
	}
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch resume index %s: status %d", link, res.StatusCode)
	}
	cursor, err := strconv.ParseInt(strings.TrimSpace(res.Text()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse resume index: %w", err)
	}
	if cursor < 0 {
		return 0, fmt.Errorf("negative resume index %d", cursor)
	}
	return cursor, nil
}

// Requests returns the claimable entries the session does not own yet.
func Requests(entries []Entry, sess *session.Session) []claim.Request {
	var out []claim.Request
	for _, entry := range entries {
		if !entry.Claimable || entry.Url == "" || sess.Owns(entry.Url) {
			continue
		}
		out = append(out, claim.Request{Item: entry.Url})
	}
	return out
}

// Write stores entries as a feed document other runs can read through Fetch.
func Write(path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	content, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0644)
}
