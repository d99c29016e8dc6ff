package itch

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type ClaimStatus int

const (
	StatusUnknown ClaimStatus = iota
	StatusClaimable
	StatusNotClaimable
	StatusClaimed
	StatusMissed
)

func (s ClaimStatus) String() string {
	switch s {
	case StatusClaimable:
		return "claimable"
	case StatusNotClaimable:
		return "not-claimable"
	case StatusClaimed:
		return "claimed"
	case StatusMissed:
		return "missed"
	default:
		return "unknown"
	}
}

// Item is a single product listing. Url is the identity used by every set in
// a checkpoint, Id is only known once the item's data endpoint was fetched.
type Item struct {
	Id     int64
	Url    string
	Name   string
	Price  float64
	Author string
	Sales  []Sale
	Status ClaimStatus
}

// ProfileUrl is the creator page that lists this item.
func (i Item) ProfileUrl() string {
	return ProfileUrl(i.Url)
}

// ProfileUrl strips the path off an item url, `https://a.itch.io/x` becomes
// `https://a.itch.io`.
func ProfileUrl(itemUrl string) string {
	parsed, err := url.Parse(itemUrl)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}

// AuthorFromUrl returns the subdomain of an item or profile url.
func AuthorFromUrl(itemUrl string) string {
	parsed, err := url.Parse(itemUrl)
	if err != nil {
		return ""
	}
	host := parsed.Hostname()
	author, _, found := strings.Cut(host, ".")
	if !found {
		return ""
	}
	return author
}

type SaleState int

const (
	SaleUpcoming SaleState = iota
	SaleActive
	SaleEnded
)

func (s SaleState) String() string {
	switch s {
	case SaleUpcoming:
		return "upcoming"
	case SaleActive:
		return "active"
	default:
		return "ended"
	}
}

// Sale is a storewide discount event. End is the zero time for open ended sales.
type Sale struct {
	Id    int64
	Url   string
	Start time.Time
	End   time.Time
	Items []string
}

func (s Sale) HasEnd() bool {
	return !s.End.IsZero()
}

func (s Sale) Validate() error {
	if s.HasEnd() && s.End.Before(s.Start) {
		return fmt.Errorf("sale %d ends (%s) before it starts (%s)", s.Id, s.End, s.Start)
	}
	return nil
}

// State is derived from now against [Start, End).
func (s Sale) State(now time.Time) SaleState {
	if now.Before(s.Start) {
		return SaleUpcoming
	}
	if s.HasEnd() && !now.Before(s.End) {
		return SaleEnded
	}
	return SaleActive
}

// Reward is a community copy tier listed in an item's data endpoint.
type Reward struct {
	Id        int64  `json:"id"`
	Title     string `json:"title"`
	Price     string `json:"price"`
	Available bool   `json:"available"`
}

// ZeroPriced reports whether the tier costs exactly 0.00. The price is read the
// way the site renders it, a currency prefix followed by a fixed two decimal
// amount. Anything else (no digits, "0", "0.0") is treated as not free.
func (r Reward) ZeroPriced() bool {
	idx := strings.IndexFunc(r.Price, func(c rune) bool {
		return c >= '0' && c <= '9'
	})
	if idx < 0 {
		return false
	}
	return r.Price[idx:] == rewardZeroPrice
}
