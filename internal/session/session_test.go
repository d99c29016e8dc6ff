package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"itchclaim/internal/components/chrono"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/lib/testutil"
	"itchclaim/pkg/urlset"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setup(t testing.TB) (Provider, *itch.Client, *testutil.Site) {
	site := testutil.NewSite(t)
	tel := &telemetry.Recorder{}
	client, err := itch.NewClient(itch.ClientOptions{
		Transport:   site.Transport(),
		RetryBudget: time.Second,
	}, tel)
	if err != nil {
		t.Fatal(err)
	}
	provider := NewProvider(t.TempDir(), client, chrono.FixedTime{T: testNow}, tel)
	return provider, client, site
}

func serveLibrary(site *testutil.Site, pages ...[]string) {
	site.Handle("https://itch.io/my-purchases", func(w http.ResponseWriter, r *http.Request) {
		var page int
		fmt.Sscan(r.URL.Query().Get("page"), &page)
		if page < 1 || page > len(pages) {
			fmt.Fprint(w, `{"content": "", "num_items": 0}`)
			return
		}
		content := ""
		for _, item := range pages[page-1] {
			content += fmt.Sprintf(`<div class="game_cell"><a class="title" href="%s">item</a></div>`, item)
		}
		testutil.WriteJSON(w, map[string]any{"content": content, "num_items": len(pages[page-1])})
	})
}

func TestSaveLoad(t *testing.T) {
	provider, client, site := setup(t)

	site.Handle("https://itch.io/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "itchio", Value: "secret", Path: "/"})
	})
	_, err := client.Fetch(context.Background(), itch.Get("/set"))
	require.NoError(t, err)

	s := &Session{Username: "Alice", CsrfToken: "tok", Owned: urlset.New("https://a.itch.io/x")}
	require.NoError(t, provider.Save(s))

	// a second client starts with an empty jar
	other, err := itch.NewClient(itch.ClientOptions{Transport: site.Transport()}, &telemetry.Recorder{})
	require.NoError(t, err)
	reloaded := NewProvider(provider.dir, other, chrono.FixedTime{T: testNow}, &telemetry.Recorder{})

	loaded, err := reloaded.Load("alice")
	require.NoError(t, err)
	require.Equal(t, "tok", loaded.CsrfToken)
	require.True(t, loaded.Owns("https://a.itch.io/x"))

	site.Handle("https://a.itch.io/x/download_url", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("itchio")
		if err != nil {
			return
		}
		fmt.Fprint(w, cookie.Value)
	})
	res, err := other.Fetch(context.Background(), itch.Post("https://a.itch.io/x/download_url", nil))
	require.NoError(t, err)
	require.Equal(t, "secret", res.Text())

	_, err = provider.Load("bob")
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, provider.Discard("alice"))
	_, err = provider.Load("alice")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSaveKeepsCookieAttributes(t *testing.T) {
	provider, client, site := setup(t)

	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	site.Handle("https://itch.io/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     "itchio",
			Value:    "secret",
			Path:     "/",
			Expires:  expires,
			Secure:   true,
			HttpOnly: true,
		})
		http.SetCookie(w, &http.Cookie{Name: "short", Value: "lived", Path: "/", MaxAge: 60})
	})
	_, err := client.Fetch(context.Background(), itch.Get("/set"))
	require.NoError(t, err)

	require.NoError(t, provider.Save(&Session{Username: "alice", CsrfToken: "tok", Owned: urlset.New()}))

	contents, err := os.ReadFile(provider.path("alice"))
	require.NoError(t, err)
	var saved savedSession
	require.NoError(t, json.Unmarshal(contents, &saved))

	cookies := map[string]savedCookie{}
	for _, c := range saved.Cookies {
		cookies[c.Name] = c
	}
	require.Len(t, cookies, 2)
	require.Equal(t, "secret", cookies["itchio"].Value)
	require.Equal(t, "/", cookies["itchio"].Path)
	require.True(t, cookies["itchio"].Expires.Equal(expires))
	require.True(t, cookies["itchio"].Secure)
	require.True(t, cookies["itchio"].HttpOnly)
	require.WithinDuration(t, time.Now().Add(time.Minute), cookies["short"].Expires, 10*time.Second)

	entries, err := os.ReadDir(provider.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestOpenReusesValidSession(t *testing.T) {
	provider, _, site := setup(t)

	require.NoError(t, provider.Save(&Session{Username: "alice", CsrfToken: "old", Owned: urlset.New("https://a.itch.io/x")}))
	site.HTML("https://itch.io", `<meta name="csrf_token" value="fresh">`)

	s, err := provider.Open(context.Background(), Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "fresh", s.CsrfToken)
	require.True(t, s.Owns("https://a.itch.io/x"))
	require.Equal(t, 0, site.Hits("https://itch.io/login"))
}

func TestOpenLogsInWhenSessionExpired(t *testing.T) {
	provider, _, site := setup(t)

	require.NoError(t, provider.Save(&Session{Username: "alice", CsrfToken: "old", Owned: urlset.New()}))
	var loggedIn atomic.Bool
	site.Handle("https://itch.io", func(w http.ResponseWriter, r *http.Request) {
		if !loggedIn.Load() {
			http.Redirect(w, r, "https://itch.io/login", http.StatusFound)
			return
		}
		fmt.Fprint(w, `<meta name="csrf_token" value="fresh">`)
	})
	site.Handle("https://itch.io/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<form class="login_form" action="/login"><input type="hidden" name="csrf_token" value="x"></form>`)
			return
		}
		loggedIn.Store(true)
		http.Redirect(w, r, "https://itch.io/", http.StatusFound)
	})
	serveLibrary(site, []string{"https://a.itch.io/x", "https://b.itch.io/y"}, []string{"https://c.itch.io/z"})

	s, err := provider.Open(context.Background(), Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "fresh", s.CsrfToken)
	require.Equal(t, []string{"https://a.itch.io/x", "https://b.itch.io/y", "https://c.itch.io/z"}, s.Owned.Sorted())

	saved, err := provider.Load("alice")
	require.NoError(t, err)
	require.Equal(t, s.Owned.Sorted(), saved.Owned.Sorted())
}

func TestRefreshLibraryKeepsOwned(t *testing.T) {
	provider, _, site := setup(t)
	serveLibrary(site, []string{"https://b.itch.io/y"})

	s := &Session{Username: "alice", Owned: urlset.New("https://a.itch.io/x")}
	require.NoError(t, provider.RefreshLibrary(context.Background(), s))
	require.Equal(t, []string{"https://a.itch.io/x", "https://b.itch.io/y"}, s.Owned.Sorted())
	require.Equal(t, 2, site.Hits("https://itch.io/my-purchases"))
}

func TestRefreshLibraryFailsOnServerError(t *testing.T) {
	provider, _, site := setup(t)
	site.Handle("https://itch.io/my-purchases", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			testutil.WriteJSON(w, map[string]any{
				"content":   `<div class="game_cell"><a class="title" href="https://b.itch.io/y">item</a></div>`,
				"num_items": 1,
			})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	s := &Session{Username: "alice", Owned: urlset.New("https://a.itch.io/x")}
	err := provider.RefreshLibrary(context.Background(), s)
	require.ErrorContains(t, err, "library page 2")
	// a partial library is not merged
	require.Equal(t, []string{"https://a.itch.io/x"}, s.Owned.Sorted())
}

func TestRefreshLibraryStopsOnNotFound(t *testing.T) {
	provider, _, site := setup(t)
	site.Handle("https://itch.io/my-purchases", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			http.NotFound(w, r)
			return
		}
		testutil.WriteJSON(w, map[string]any{
			"content":   `<div class="game_cell"><a class="title" href="https://b.itch.io/y">item</a></div>`,
			"num_items": 1,
		})
	})

	s := &Session{Username: "alice", Owned: urlset.New()}
	require.NoError(t, provider.RefreshLibrary(context.Background(), s))
	require.Equal(t, []string{"https://b.itch.io/y"}, s.Owned.Sorted())
}

func TestTotpCode(t *testing.T) {
	code, err := TotpCode(" 123456 ", testNow)
	require.NoError(t, err)
	require.Equal(t, "123456", code)

	secret := "JBSWY3DPEHPK3PXP"
	expected, err := totp.GenerateCode(secret, testNow)
	require.NoError(t, err)

	code, err = TotpCode("jbsw y3dp ehpk 3pxp", testNow)
	require.NoError(t, err)
	require.Equal(t, expected, code)
	require.Len(t, code, 6)
}
