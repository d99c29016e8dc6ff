package claim

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/internal/session"
	"itchclaim/lib/testutil"
	"itchclaim/pkg/urlset"

	"github.com/stretchr/testify/require"
)

func setup(t testing.TB) (Engine, *session.Session, *testutil.Site, *telemetry.Recorder) {
	site := testutil.NewSite(t)
	tel := &telemetry.Recorder{}
	client, err := itch.NewClient(itch.ClientOptions{
		Transport:   site.Transport(),
		RetryBudget: time.Second,
	}, tel)
	if err != nil {
		t.Fatal(err)
	}
	sess := &session.Session{Username: "alice", CsrfToken: "tok", Owned: urlset.New()}
	return NewEngine(client, tel), sess, site, tel
}

const claimPage = `<div class="claim_to_download_box warning_box">
	<form method="post" action="%s"><input type="hidden" name="csrf_token"></form>
</div>`

// serveItem sets up the happy path of an item, landing decides where the
// claim form submission redirects to.
func serveItem(site *testutil.Site, item, landing string) {
	site.JSON(item+"/download_url", map[string]string{"url": item + "/download/abc"})
	site.HTML(item+"/download/abc", fmt.Sprintf(claimPage, item+"/claim"))
	site.Handle(item+"/claim", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.FormValue("csrf_token") != "tok" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, landing, http.StatusFound)
	})
	site.HTML(item+"/download/abc/claimed", "enjoy")
}

func TestClaimSkipsOwned(t *testing.T) {
	engine, sess, site, _ := setup(t)
	sess.MarkOwned("https://a.itch.io/x")

	result, err := engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/x"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, result.Outcome)
	require.Empty(t, site.Requests())
}

func TestClaimSuccess(t *testing.T) {
	engine, sess, site, _ := setup(t)
	serveItem(site, "https://a.itch.io/x", "https://a.itch.io/x/download/abc/claimed")

	result, err := engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/x"})
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, result.Outcome, result.Reason)
	require.True(t, sess.Owns("https://a.itch.io/x"))

	// owned now, a second attempt sends nothing
	before := len(site.Requests())
	result, err = engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/x"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, result.Outcome)
	require.Len(t, site.Requests(), before)
}

func TestClaimWithReward(t *testing.T) {
	engine, sess, site, _ := setup(t)
	serveItem(site, "https://a.itch.io/x", "https://a.itch.io/x/download/abc/claimed")
	site.Handle("https://a.itch.io/x/download_url", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("reward_id") != "12" {
			fmt.Fprint(w, `{"errors": ["missing reward"]}`)
			return
		}
		fmt.Fprint(w, `{"url": "https://a.itch.io/x/download/abc"}`)
	})

	result, err := engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/x", RewardId: 12})
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, result.Outcome, result.Reason)
}

func TestClaimMissingForm(t *testing.T) {
	engine, sess, site, tel := setup(t)
	site.JSON("https://a.itch.io/x/download_url", map[string]string{"url": "https://a.itch.io/x/download/abc"})
	site.HTML("https://a.itch.io/x/download/abc", `<div class="upload_list">files</div>`)

	result, err := engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/x"})
	require.NoError(t, err)
	require.Equal(t, OutcomeMissed, result.Outcome)
	require.False(t, sess.Owns("https://a.itch.io/x"))
	require.Empty(t, tel.Broken())
}

func TestClaimPromotionInactive(t *testing.T) {
	engine, sess, site, tel := setup(t)
	serveItem(site, "https://a.itch.io/x", "https://itch.io/")
	site.HTML("https://itch.io", `<div class="flash">This promotion is no longer active</div>`)

	result, err := engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/x"})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, ReasonPromotionInactive, result.Reason)
	require.False(t, sess.Owns("https://a.itch.io/x"))
	require.Len(t, tel.Broken(), 1)
}

func TestClaimRedirectedToRoot(t *testing.T) {
	engine, sess, site, _ := setup(t)
	serveItem(site, "https://a.itch.io/x", "https://itch.io/")
	site.HTML("https://itch.io", `<div class="flash">Something went wrong</div>`)

	result, err := engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/x"})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, reasonRedirectedToRoot, result.Reason)
}

func TestClaimFollowsMovedItemOnce(t *testing.T) {
	engine, sess, site, _ := setup(t)
	site.JSON("https://a.itch.io/old/download_url", map[string]any{"errors": []string{"invalid game"}})
	site.Redirect("https://a.itch.io/old", "https://b.itch.io/new")
	site.HTML("https://b.itch.io/new", "new home")
	serveItem(site, "https://b.itch.io/new", "https://b.itch.io/new/download/abc/claimed")

	result, err := engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/old"})
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, result.Outcome, result.Reason)
	require.Equal(t, "https://b.itch.io/new", result.ResolvedUrl)
	require.True(t, sess.Owns("https://a.itch.io/old"))
	require.True(t, sess.Owns("https://b.itch.io/new"))
}

func TestClaimRedirectRetryIsBounded(t *testing.T) {
	engine, sess, site, _ := setup(t)
	site.JSON("https://a.itch.io/old/download_url", map[string]any{"errors": []string{"invalid user"}})
	site.JSON("https://b.itch.io/new/download_url", map[string]any{"errors": []string{"invalid user"}})
	site.Redirect("https://a.itch.io/old", "https://b.itch.io/new")
	site.HTML("https://b.itch.io/new", "x")

	result, err := engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/old"})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, "invalid user", result.Reason)
	require.Equal(t, 1, site.Hits("https://a.itch.io/old/download_url"))
	require.Equal(t, 1, site.Hits("https://b.itch.io/new/download_url"))
}

func TestClaimPropagatesLogout(t *testing.T) {
	engine, sess, site, _ := setup(t)
	site.Redirect("https://a.itch.io/x/download_url", "https://itch.io/login")
	site.HTML("https://itch.io/login", "<form></form>")

	_, err := engine.Claim(context.Background(), sess, Request{Item: "https://a.itch.io/x"})
	require.ErrorIs(t, err, itch.ErrNotLoggedIn)

	summary, err := engine.ClaimAll(context.Background(), sess, []Request{
		{Item: "https://a.itch.io/x"},
		{Item: "https://b.itch.io/y"},
	}, nil)
	require.ErrorIs(t, err, itch.ErrNotLoggedIn)
	require.Empty(t, summary.Results)
	require.Equal(t, 0, site.Hits("https://b.itch.io/y/download_url"))
}

func TestClaimAll(t *testing.T) {
	engine, sess, site, _ := setup(t)
	serveItem(site, "https://a.itch.io/x", "https://a.itch.io/x/download/abc/claimed")
	site.JSON("https://b.itch.io/y/download_url", map[string]any{"errors": []string{"not for sale"}})
	site.JSON("https://c.itch.io/z/download_url", map[string]string{"url": "https://c.itch.io/z/download/abc"})
	site.HTML("https://c.itch.io/z/download/abc", "direct download")
	sess.MarkOwned("https://d.itch.io/owned")

	var done []string
	summary, err := engine.ClaimAll(context.Background(), sess, []Request{
		{Item: "https://a.itch.io/x"},
		{Item: "https://b.itch.io/y"},
		{Item: "https://c.itch.io/z"},
		{Item: "https://d.itch.io/owned"},
	}, func(req Request, result Result) {
		done = append(done, req.Item+" "+result.Outcome.String())
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Claimed)
	require.Len(t, summary.Results, 4)
	require.Equal(t, OutcomeFailed, summary.Results[1].Outcome)
	require.Equal(t, "not for sale", summary.Results[1].Reason)
	require.Equal(t, []string{"https://c.itch.io/z"}, summary.Missed())
	require.Equal(t, OutcomeSkipped, summary.Results[3].Outcome)
	require.Equal(t, []string{
		"https://a.itch.io/x claimed",
		"https://b.itch.io/y failed",
		"https://c.itch.io/z missed",
		"https://d.itch.io/owned skipped",
	}, done)
}
