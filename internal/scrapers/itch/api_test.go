package itch

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"itchclaim/lib/testutil"

	"github.com/stretchr/testify/require"
)

func TestFetchItem(t *testing.T) {
	site := testutil.NewSite(t)
	client, _ := newTestClient(t, site, time.Second)

	site.JSON("https://a.itch.io/x/data.json", map[string]any{
		"id":      42,
		"title":   "X",
		"price":   "$0.00",
		"authors": []map[string]string{{"name": "Alice", "url": "https://a.itch.io"}},
	})

	item, err := client.FetchItem(context.Background(), "https://a.itch.io/x/")
	require.NoError(t, err)
	require.Equal(t, Item{Id: 42, Url: "https://a.itch.io/x", Name: "X", Price: 0, Author: "Alice"}, item)

	_, err = client.FetchItem(context.Background(), "https://a.itch.io/x")
	require.NoError(t, err)
	require.Equal(t, 1, site.Hits("https://a.itch.io/x/data.json"))

	_, err = client.FetchItem(context.Background(), "https://a.itch.io/gone")
	require.Error(t, err)
}

func TestResolveRedirect(t *testing.T) {
	site := testutil.NewSite(t)
	client, _ := newTestClient(t, site, time.Second)

	site.Redirect("https://a.itch.io/old-name", "https://b.itch.io/new-name/")
	site.HTML("https://b.itch.io/new-name", "<html></html>")

	resolved, err := client.ResolveRedirect(context.Background(), "https://a.itch.io/old-name")
	require.NoError(t, err)
	require.Equal(t, "https://b.itch.io/new-name", resolved)
}

func TestRequestDownloadUrl(t *testing.T) {
	site := testutil.NewSite(t)
	client, _ := newTestClient(t, site, time.Second)

	site.Handle("https://a.itch.io/x/download_url", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "tok", r.URL.Query().Get("csrf_token"))
		if r.URL.Query().Get("reward_id") == "9" {
			fmt.Fprint(w, `{"errors": ["invalid user"]}`)
			return
		}
		fmt.Fprint(w, `{"url": "https://a.itch.io/x/download/abc"}`)
	})

	res, err := client.RequestDownloadUrl(context.Background(), "https://a.itch.io/x", "tok", 0)
	require.NoError(t, err)
	require.Equal(t, "https://a.itch.io/x/download/abc", res.Url)
	require.Empty(t, res.FirstError())

	res, err = client.RequestDownloadUrl(context.Background(), "https://a.itch.io/x", "tok", 9)
	require.NoError(t, err)
	require.Equal(t, DownloadErrorInvalidUser, res.FirstError())
}

const testLoginPage = `<html><body>
<form class="login_form" method="post" action="/login">
	<input type="hidden" name="csrf_token" value="pre-login">
	<input name="username"><input name="password" type="password">
</form></body></html>`

const testTotpPage = `<html><body>
<form class="totp_form" method="post" action="/totp/verify/abc">
	<input type="hidden" name="csrf_token" value="pre-login">
	<input type="hidden" name="user_id" value="77">
	<input name="code">
</form></body></html>`

func TestLogin(t *testing.T) {
	site := testutil.NewSite(t)
	client, _ := newTestClient(t, site, time.Second)

	site.Handle("https://itch.io/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, testLoginPage)
			return
		}
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("password") != "hunter2" {
			fmt.Fprint(w, `<div class="form_errors"><ul><li>Incorrect username or password</li></ul></div>`+testLoginPage)
			return
		}
		require.Equal(t, "alice", r.PostForm.Get("username"))
		require.Equal(t, "pre-login", r.PostForm.Get("csrf_token"))
		fmt.Fprint(w, testTotpPage)
	})
	site.Handle("https://itch.io/totp/verify/abc", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "123456", r.PostForm.Get("code"))
		require.Equal(t, "77", r.PostForm.Get("user_id"))
		http.SetCookie(w, &http.Cookie{Name: "itchio", Value: "session", Path: "/"})
		http.Redirect(w, r, "https://itch.io/dashboard", http.StatusFound)
	})
	site.HTML("https://itch.io/dashboard", `<html><head><meta name="csrf_token" value="logged-in"></head></html>`)

	token, err := client.Login(context.Background(), "alice", "hunter2", func() (string, error) {
		return "123456", nil
	})
	require.NoError(t, err)
	require.Equal(t, "logged-in", token)

	_, err = client.Login(context.Background(), "alice", "wrong", nil)
	require.ErrorIs(t, err, ErrLoginRejected)

	_, err = client.Login(context.Background(), "alice", "hunter2", nil)
	require.ErrorIs(t, err, ErrLoginRejected)
}
