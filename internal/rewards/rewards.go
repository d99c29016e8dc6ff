// Package rewards looks for community copies: reward tiers priced at zero
// that creators attach to their items. It walks creator profiles and curated
// collections, evaluates every unknown item it meets and claims the first
// free tier that is still available.
package rewards

import (
	"context"
	"fmt"
	"net/http"

	"itchclaim/internal/checkpoint"
	"itchclaim/internal/claim"
	"itchclaim/internal/components/assert"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/internal/session"
	"itchclaim/pkg/urlset"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("itchclaim/rewards")

const (
	report_rewards_evaluate   = "evaluate"
	report_rewards_profile    = "scan-profile"
	report_rewards_collection = "scan-collection"
	report_rewards_frontier   = "frontier"
)

// DefaultBudget bounds the amount of reward checks of one run.
const DefaultBudget = 750

type Options struct {
	// Budget is the amount of reward checks after which no new profile is
	// scanned, defaults to DefaultBudget.
	Budget int
	// Collections lists collection pages whose items point at creators worth
	// scanning.
	Collections []string
}

type Scraper struct {
	client *itch.Client
	claims claim.Engine
	opts   Options
	tel    telemetry.API
}

func NewScraper(client *itch.Client, claims claim.Engine, opts Options, tel telemetry.API) Scraper {
	assert.NotNil(client)
	assert.NotNil(tel)
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	return Scraper{
		client: client,
		claims: claims,
		opts:   opts,
		tel:    telemetry.NewScopedAPI("rewards", tel),
	}
}

// Run holds what one reward scrape accumulates besides the durable state.
// It is not safe for concurrent use.
type Run struct {
	scraper Scraper
	state   *checkpoint.State
	sess    *session.Session
	// Checkpoint is called after every scanned profile when set.
	Checkpoint func(state *checkpoint.State) error

	checks     int
	discovered urlset.Set
	results    []claim.Result
}

func (s Scraper) NewRun(state *checkpoint.State, sess *session.Session) *Run {
	assert.NotNil(state)
	assert.NotNil(sess)
	return &Run{
		scraper:    s,
		state:      state,
		sess:       sess,
		discovered: urlset.New(),
	}
}

// Checks is the amount of reward checks made so far.
func (r *Run) Checks() int {
	return r.checks
}

func (r *Run) BudgetReached() bool {
	return r.checks >= r.scraper.opts.Budget
}

// Discovered returns the profiles first seen during this run.
func (r *Run) Discovered() urlset.Set {
	return r.discovered
}

// Results returns every claim attempted during this run.
func (r *Run) Results() []claim.Result {
	return r.results
}

type Evaluation struct {
	Item string
	// HasRewards is false when the item carries no reward field at all.
	HasRewards bool
	// Claimable is true when any tier is priced zero, available or not.
	Claimable bool
	// Claim is set when a tier was claimed.
	Claim *claim.Result
}

// EvaluateRewards checks the reward tiers of an item. Items without rewards
// are ignored for good, items with a zero priced tier become active and the
// first available one is claimed.
func (r *Run) EvaluateRewards(ctx context.Context, item string) (Evaluation, error) {
	r.checks++
	eval := Evaluation{Item: item}

	data, err := r.scraper.client.FetchItemData(ctx, item)
	if err != nil {
		return eval, err
	}
	if data.Rewards == nil {
		r.state.Ignore(item)
		return eval, nil
	}
	eval.HasRewards = true

	for _, reward := range *data.Rewards {
		if !reward.ZeroPriced() {
			continue
		}
		eval.Claimable = true
		if !reward.Available || eval.Claim != nil {
			continue
		}

		result, err := r.scraper.claims.Claim(ctx, r.sess, claim.Request{
			Item:     item,
			RewardId: reward.Id,
		})
		if err != nil {
			return eval, err
		}
		r.results = append(r.results, result)
		eval.Claim = &result
	}

	if !eval.Claimable {
		return eval, nil
	}
	r.state.MarkActive(item)
	if eval.Claim != nil && eval.Claim.Outcome == claim.OutcomeClaimed {
		r.state.MarkOwned(item)
		r.state.MarkOwned(eval.Claim.ResolvedUrl)
	}
	return eval, nil
}

type ProfileResult struct {
	// Items that were evaluated.
	Items []string
	// Profiles of the authors of those items.
	Profiles []string
	// Skipped is true when the budget ran out before the scan started.
	Skipped bool
}

// ScanProfile evaluates every unknown item listed on a creator page.
func (r *Run) ScanProfile(ctx context.Context, profile string) (ProfileResult, error) {
	r.state.AddProfile(profile)
	if r.BudgetReached() {
		return ProfileResult{Skipped: true}, nil
	}
	r.state.ProfilesChecked.Add(profile)

	ctx, span := tracer.Start(ctx, "ScanProfile")
	defer span.End()
	span.SetAttributes(attribute.String("profile", profile))

	res, err := r.scraper.client.Fetch(ctx, itch.Get(profile))
	if err != nil {
		return ProfileResult{}, err
	}
	if res.StatusCode != http.StatusOK {
		return ProfileResult{}, fmt.Errorf("profile %s: status %d", profile, res.StatusCode)
	}
	cells, err := itch.ParseGameCells(r.scraper.client.BaseUrl, res.Body)
	if err != nil {
		return ProfileResult{}, fmt.Errorf("profile %s: %w", profile, err)
	}

	var result ProfileResult
	for _, cell := range cells {
		if r.state.Known(cell.Url) {
			continue
		}
		author := cell.ProfileUrl()
		r.discover(author)
		result.Items = append(result.Items, cell.Url)
		result.Profiles = append(result.Profiles, author)

		eval, err := r.EvaluateRewards(ctx, cell.Url)
		if itch.IsFatal(err) {
			return result, err
		}
		if err != nil {
			r.scraper.tel.ReportBroken(report_rewards_evaluate, err, cell.Url)
			continue
		}
		if eval.Claimable {
			r.state.MarkProfileActive(author)
		}
	}
	span.SetAttributes(attribute.Int("items", len(result.Items)))
	return result, nil
}

func (r *Run) discover(profile string) {
	if profile == "" {
		return
	}
	if !r.state.Profiles.Has(profile) {
		r.discovered.Add(profile)
	}
	r.state.AddProfile(profile)
}

// scanUnchecked scans a profile unless it was already scanned this run. Non
// fatal failures are reported and swallowed.
func (r *Run) scanUnchecked(ctx context.Context, profile string) error {
	if r.state.ProfilesChecked.Has(profile) {
		return nil
	}
	_, err := r.ScanProfile(ctx, profile)
	if itch.IsFatal(err) {
		return err
	}
	if err != nil {
		r.scraper.tel.ReportBroken(report_rewards_profile, err, profile)
	}
	if r.Checkpoint != nil {
		err = r.Checkpoint(r.state)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	return nil
}

func (r *Run) scanAll(ctx context.Context, frontier string, profiles []string) error {
	r.scraper.tel.ReportInfo(report_rewards_frontier, frontier, len(profiles))
	for _, profile := range profiles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.scanUnchecked(ctx, profile)
		if err != nil {
			return err
		}
	}
	return nil
}

// ScanCollection pages through a collection and scans the author of every
// item in it right away.
func (r *Run) ScanCollection(ctx context.Context, collection string) error {
	for page := 1; ; page++ {
		listing, status, err := r.scraper.client.FetchListing(ctx, collection, page)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("collection %s page %d: status %d", collection, page, status)
		}
		if listing.NumItems == 0 {
			return nil
		}

		cells, err := itch.ParseGameCells(r.scraper.client.BaseUrl, []byte(listing.Content))
		if err != nil {
			return fmt.Errorf("collection %s page %d: %w", collection, page, err)
		}
		for _, cell := range cells {
			profile := cell.ProfileUrl()
			if profile == "" {
				continue
			}
			r.discover(profile)
			err = r.scanUnchecked(ctx, profile)
			if err != nil {
				return err
			}
		}
	}
}

// Traverse drains the frontiers one after another: previously active
// profiles, collections, profiles discovered so far in this run and finally
// every known profile. Each frontier is a sorted snapshot taken when it
// starts.
func (r *Run) Traverse(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Traverse")
	defer span.End()

	err := r.scanAll(ctx, "active profiles", r.state.ProfilesActive.Sorted())
	if err != nil {
		return err
	}

	r.scraper.tel.ReportInfo(report_rewards_frontier, "collections", len(r.scraper.opts.Collections))
	for _, collection := range r.scraper.opts.Collections {
		err = r.ScanCollection(ctx, collection)
		if itch.IsFatal(err) {
			return err
		}
		if err != nil {
			r.scraper.tel.ReportBroken(report_rewards_collection, err, collection)
		}
	}

	err = r.scanAll(ctx, "new profiles", r.discovered.Sorted())
	if err != nil {
		return err
	}
	err = r.scanAll(ctx, "all profiles", r.state.Profiles.Sorted())
	if err != nil {
		return err
	}

	r.scraper.tel.ReportInfo(report_rewards_frontier, "checks", r.checks, "budget", r.scraper.opts.Budget)
	return nil
}

// ScanOwnedAuthors scans the profile of every author the account already owns
// something from.
func (r *Run) ScanOwnedAuthors(ctx context.Context) error {
	profiles := urlset.New()
	for item := range r.state.Owned {
		profile := itch.ProfileUrl(item)
		if profile != "" {
			profiles.Add(profile)
		}
	}
	return r.scanAll(ctx, "owned authors", profiles.Sorted())
}

// ClaimActive evaluates every active item again, claiming the tiers that
// became available since they were found.
func (r *Run) ClaimActive(ctx context.Context) error {
	items := r.state.Active.Sorted()
	r.scraper.tel.ReportInfo(report_rewards_frontier, "active items", len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.sess.Owns(item) {
			r.state.MarkOwned(item)
			continue
		}
		_, err := r.EvaluateRewards(ctx, item)
		if itch.IsFatal(err) {
			return err
		}
		if err != nil {
			r.scraper.tel.ReportBroken(report_rewards_evaluate, err, item)
		}
	}
	return nil
}
