package rewards

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"itchclaim/internal/checkpoint"
	"itchclaim/internal/claim"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/internal/session"
	"itchclaim/lib/testutil"
	"itchclaim/pkg/urlset"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	scraper Scraper
	state   *checkpoint.State
	sess    *session.Session
	site    *testutil.Site
	tel     *telemetry.Recorder
}

func setup(t testing.TB, opts Options) fixture {
	site := testutil.NewSite(t)
	tel := &telemetry.Recorder{}
	client, err := itch.NewClient(itch.ClientOptions{
		Transport:   site.Transport(),
		RetryBudget: time.Second,
	}, tel)
	if err != nil {
		t.Fatal(err)
	}
	owned := urlset.New()
	return fixture{
		scraper: NewScraper(client, claim.NewEngine(client, tel), opts, tel),
		state:   checkpoint.NewState(owned),
		sess:    &session.Session{Username: "alice", CsrfToken: "tok", Owned: owned},
		site:    site,
		tel:     tel,
	}
}

func cells(items ...string) string {
	var out strings.Builder
	for _, item := range items {
		fmt.Fprintf(&out, `<div class="game_cell"><a class="title game_link" href="%s">game</a></div>`, item)
	}
	return out.String()
}

func serveProfile(site *testutil.Site, profile string, items ...string) {
	site.HTML(profile, "<html><body>"+cells(items...)+"</body></html>")
}

func serveRewards(site *testutil.Site, item string, rewards ...itch.Reward) {
	site.JSON(item+"/data.json", map[string]any{"id": 1, "title": "game", "rewards": rewards})
}

func serveNoRewards(site *testutil.Site, item string) {
	site.JSON(item+"/data.json", map[string]any{"id": 1, "title": "game"})
}

func serveClaim(site *testutil.Site, item string) {
	site.JSON(item+"/download_url", map[string]string{"url": item + "/download/abc"})
	site.HTML(item+"/download/abc", fmt.Sprintf(
		`<div class="claim_to_download_box warning_box"><form method="post" action="%s/claim"></form></div>`,
		item,
	))
	site.Redirect(item+"/claim", item+"/download/abc/claimed")
	site.HTML(item+"/download/abc/claimed", "enjoy")
}

func TestEvaluateRewardsWithoutRewardsField(t *testing.T) {
	f := setup(t, Options{})
	serveNoRewards(f.site, "https://a.itch.io/x")
	serveProfile(f.site, "https://a.itch.io", "https://a.itch.io/x")

	run := f.scraper.NewRun(f.state, f.sess)
	eval, err := run.EvaluateRewards(context.Background(), "https://a.itch.io/x")
	require.NoError(t, err)
	require.False(t, eval.HasRewards)
	require.True(t, f.state.Ignored.Has("https://a.itch.io/x"))

	// ignored items are never looked at again
	result, err := run.ScanProfile(context.Background(), "https://a.itch.io")
	require.NoError(t, err)
	require.Empty(t, result.Items)
	require.Equal(t, 1, f.site.Hits("https://a.itch.io/x/data.json"))
}

func TestEvaluateRewardsPrice(t *testing.T) {
	f := setup(t, Options{})
	serveRewards(f.site, "https://a.itch.io/paid", itch.Reward{Id: 1, Price: "$1.00", Available: true})
	serveRewards(f.site, "https://a.itch.io/gone", itch.Reward{Id: 2, Price: "$0.00", Available: false})

	run := f.scraper.NewRun(f.state, f.sess)
	eval, err := run.EvaluateRewards(context.Background(), "https://a.itch.io/paid")
	require.NoError(t, err)
	require.True(t, eval.HasRewards)
	require.False(t, eval.Claimable)
	require.False(t, f.state.Known("https://a.itch.io/paid"))

	eval, err = run.EvaluateRewards(context.Background(), "https://a.itch.io/gone")
	require.NoError(t, err)
	require.True(t, eval.Claimable)
	require.Nil(t, eval.Claim)
	require.True(t, f.state.Active.Has("https://a.itch.io/gone"))
	require.Equal(t, 2, run.Checks())
}

func TestScanProfile(t *testing.T) {
	f := setup(t, Options{})
	serveProfile(f.site, "https://a.itch.io",
		"https://a.itch.io/free",
		"https://a.itch.io/plain",
		"https://b.itch.io/paid",
		"https://a.itch.io/owned",
	)
	serveRewards(f.site, "https://a.itch.io/free",
		itch.Reward{Id: 7, Price: "$3.00", Available: true},
		itch.Reward{Id: 8, Price: "$0.00", Available: true},
	)
	serveClaim(f.site, "https://a.itch.io/free")
	serveNoRewards(f.site, "https://a.itch.io/plain")
	serveRewards(f.site, "https://b.itch.io/paid", itch.Reward{Id: 9, Price: "$1.00", Available: true})
	f.state.MarkOwned("https://a.itch.io/owned")

	run := f.scraper.NewRun(f.state, f.sess)
	result, err := run.ScanProfile(context.Background(), "https://a.itch.io")
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.itch.io/free", "https://a.itch.io/plain", "https://b.itch.io/paid"}, result.Items)

	require.True(t, f.sess.Owns("https://a.itch.io/free"))
	require.False(t, f.state.Active.Has("https://a.itch.io/free"))
	require.True(t, f.state.Ignored.Has("https://a.itch.io/plain"))
	require.True(t, f.state.ProfilesActive.Has("https://a.itch.io"))
	require.False(t, f.state.ProfilesActive.Has("https://b.itch.io"))
	require.True(t, f.state.Profiles.Has("https://b.itch.io"))
	require.True(t, f.state.ProfilesChecked.Has("https://a.itch.io"))
	// the scanned profile itself was known before its items were read
	require.Equal(t, []string{"https://b.itch.io"}, run.Discovered().Sorted())

	require.Len(t, run.Results(), 1)
	require.Equal(t, claim.OutcomeClaimed, run.Results()[0].Outcome)
	require.Equal(t, 0, f.site.Hits("https://a.itch.io/owned/data.json"))
}

func TestScanProfileMissedClaimKeepsItemActive(t *testing.T) {
	f := setup(t, Options{})
	serveProfile(f.site, "https://a.itch.io", "https://a.itch.io/x")
	serveRewards(f.site, "https://a.itch.io/x", itch.Reward{Id: 1, Price: "$0.00", Available: true})
	f.site.JSON("https://a.itch.io/x/download_url", map[string]string{"url": "https://a.itch.io/x/download/abc"})
	f.site.HTML("https://a.itch.io/x/download/abc", "files")

	run := f.scraper.NewRun(f.state, f.sess)
	_, err := run.ScanProfile(context.Background(), "https://a.itch.io")
	require.NoError(t, err)
	require.True(t, f.state.Active.Has("https://a.itch.io/x"))
	require.Equal(t, claim.OutcomeMissed, run.Results()[0].Outcome)
	require.Empty(t, f.tel.Broken())
}

func TestBudgetSkipsProfiles(t *testing.T) {
	f := setup(t, Options{Budget: 1})
	serveProfile(f.site, "https://a.itch.io", "https://a.itch.io/x")
	serveRewards(f.site, "https://a.itch.io/x", itch.Reward{Id: 1, Price: "$2.00"})
	serveProfile(f.site, "https://b.itch.io", "https://b.itch.io/y")
	f.state.MarkProfileActive("https://a.itch.io")
	f.state.MarkProfileActive("https://b.itch.io")

	run := f.scraper.NewRun(f.state, f.sess)
	require.NoError(t, run.Traverse(context.Background()))
	require.True(t, run.BudgetReached())
	require.Equal(t, 0, f.site.Hits("https://b.itch.io"))
	require.True(t, f.state.Profiles.Has("https://b.itch.io"))
	require.False(t, f.state.ProfilesChecked.Has("https://b.itch.io"))
}

func TestTraverseCollections(t *testing.T) {
	f := setup(t, Options{Collections: []string{"https://itch.io/c/1/freebies"}})
	f.site.Handle("https://itch.io/c/1/freebies", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			testutil.WriteJSON(w, map[string]any{"content": cells("https://c.itch.io/z"), "num_items": 1})
			return
		}
		testutil.WriteJSON(w, map[string]any{"content": "", "num_items": 0})
	})
	serveProfile(f.site, "https://c.itch.io", "https://c.itch.io/z", "https://d.itch.io/w")
	serveRewards(f.site, "https://c.itch.io/z", itch.Reward{Id: 1, Price: "$0.00"})
	serveNoRewards(f.site, "https://d.itch.io/w")
	serveProfile(f.site, "https://d.itch.io")

	var checkpoints int
	run := f.scraper.NewRun(f.state, f.sess)
	run.Checkpoint = func(*checkpoint.State) error {
		checkpoints++
		return nil
	}
	require.NoError(t, run.Traverse(context.Background()))

	require.True(t, f.state.Active.Has("https://c.itch.io/z"))
	require.True(t, f.state.ProfilesActive.Has("https://c.itch.io"))
	require.True(t, f.state.Ignored.Has("https://d.itch.io/w"))
	// every profile is scanned once per run even though it sits in several frontiers
	require.Equal(t, 1, f.site.Hits("https://c.itch.io"))
	require.Equal(t, 1, f.site.Hits("https://d.itch.io"))
	require.Equal(t, 2, checkpoints)
}

func TestTraverseStopsOnLogout(t *testing.T) {
	f := setup(t, Options{})
	f.site.Redirect("https://a.itch.io", "https://itch.io/login")
	f.site.HTML("https://itch.io/login", "<form></form>")
	f.state.MarkProfileActive("https://a.itch.io")

	run := f.scraper.NewRun(f.state, f.sess)
	err := run.Traverse(context.Background())
	require.ErrorIs(t, err, itch.ErrNotLoggedIn)
}

func TestScanOwnedAuthors(t *testing.T) {
	f := setup(t, Options{})
	f.state.MarkOwned("https://a.itch.io/one")
	f.state.MarkOwned("https://a.itch.io/two")
	serveProfile(f.site, "https://a.itch.io", "https://a.itch.io/one", "https://a.itch.io/three")
	serveNoRewards(f.site, "https://a.itch.io/three")

	run := f.scraper.NewRun(f.state, f.sess)
	require.NoError(t, run.ScanOwnedAuthors(context.Background()))
	require.Equal(t, 1, f.site.Hits("https://a.itch.io"))
	require.True(t, f.state.Ignored.Has("https://a.itch.io/three"))
}

func TestClaimActive(t *testing.T) {
	f := setup(t, Options{})
	f.state.MarkActive("https://a.itch.io/x")
	f.state.MarkActive("https://a.itch.io/y")
	serveRewards(f.site, "https://a.itch.io/x", itch.Reward{Id: 1, Price: "$0.00", Available: true})
	serveClaim(f.site, "https://a.itch.io/x")
	f.site.Status("https://a.itch.io/y/data.json", http.StatusNotFound)

	run := f.scraper.NewRun(f.state, f.sess)
	require.NoError(t, run.ClaimActive(context.Background()))
	require.True(t, f.sess.Owns("https://a.itch.io/x"))
	require.Equal(t, []string{"https://a.itch.io/y"}, f.state.Active.Sorted())
	require.Len(t, f.tel.Broken(), 1)
}
