package feed

import (
	"context"
	"time"

	"itchclaim/internal/scrapers/itch"
)

type builderEntry struct {
	entry Entry
	// listed is set for items found free in a category listing
	listed   bool
	resolved bool
	sales    []itch.Sale
}

// Builder assembles a feed out of a previous feed, the sales found by a scan
// and the free items of the category listings. Entries keep the order they
// were first added in.
type Builder struct {
	now     time.Time
	order   []string
	entries map[string]*builderEntry
}

func NewBuilder(now time.Time) *Builder {
	return &Builder{now: now, entries: map[string]*builderEntry{}}
}

func (b *Builder) get(link string) *builderEntry {
	e, ok := b.entries[link]
	if !ok {
		e = &builderEntry{entry: Entry{Url: link}}
		b.entries[link] = e
		b.order = append(b.order, link)
	}
	return e
}

func (e *builderEntry) addSale(sale itch.Sale) {
	for _, existing := range e.sales {
		if existing.Id == sale.Id {
			return
		}
	}
	e.sales = append(e.sales, sale)
}

// Keep carries over the entries of a previous feed that still have a sale
// which did not end. Listing only entries are dropped, the listings are
// scanned again anyway.
func (b *Builder) Keep(entries []Entry) {
	for _, previous := range entries {
		if previous.Url == "" {
			continue
		}
		var live []itch.Sale
		for _, sale := range previous.Item().Sales {
			if sale.State(b.now) != itch.SaleEnded {
				live = append(live, sale)
			}
		}
		if len(live) == 0 {
			continue
		}
		e := b.get(previous.Url)
		e.entry.Id = previous.Id
		e.entry.Name = previous.Name
		e.entry.Price = previous.Price
		e.resolved = previous.Id != 0
		for _, sale := range live {
			e.addSale(sale)
		}
	}
}

// AddSale adds every member of a sale, ended sales are ignored.
func (b *Builder) AddSale(sale itch.Sale) {
	if sale.State(b.now) == itch.SaleEnded {
		return
	}
	for _, item := range sale.Items {
		b.get(item).addSale(sale)
	}
}

// AddListed adds an item found free in a category listing.
func (b *Builder) AddListed(item itch.Item) {
	e := b.get(item.Url)
	e.listed = true
	if e.entry.Name == "" {
		e.entry.Name = item.Name
	}
	if item.Id != 0 {
		e.entry.Id = item.Id
	}
	e.entry.Price = item.Price
}

// Resolve fills in the metadata of entries that only have a url. Items that
// fail to resolve stay in the feed with what is known, only fatal errors are
// returned.
func (b *Builder) Resolve(ctx context.Context, client *itch.Client) error {
	for _, link := range b.order {
		e := b.entries[link]
		if e.resolved || e.entry.Id != 0 {
			continue
		}
		item, err := client.FetchItem(ctx, link)
		if itch.IsFatal(err) {
			return err
		}
		if err != nil {
			continue
		}
		e.resolved = true
		e.entry.Id = item.Id
		e.entry.Name = item.Name
		if !e.listed && item.Price >= 0 {
			e.entry.Price = item.Price
		}
	}
	return nil
}

func (b *Builder) Len() int {
	return len(b.order)
}

// Entries renders the feed. An entry is claimable when it was listed free or
// one of its sales is running now.
func (b *Builder) Entries() []Entry {
	out := make([]Entry, 0, len(b.order))
	for _, link := range b.order {
		e := b.entries[link]
		entry := e.entry
		entry.Claimable = e.listed
		item := itch.Item{Url: link}
		for _, sale := range e.sales {
			if sale.State(b.now) == itch.SaleActive {
				entry.Claimable = true
			}
			item.Sales = append(item.Sales, sale)
		}
		entry.Sales = FromItem(item).Sales
		out = append(out, entry)
	}
	return out
}
