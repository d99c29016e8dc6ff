package testutil

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"
)

// OpenSqlite opens an in memory database with schema applied, it is closed
// when the test ends.
func OpenSqlite(t testing.TB, schema string) *sql.DB {
	sqlite, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// every connection to :memory: is its own database
	sqlite.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlite.Close() })

	if schema != "" {
		_, err = sqlite.Exec(schema)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			t.Fatal(err)
		}
	}
	return sqlite
}

// Site is a fake storefront served by an httptest server. Routes are keyed by
// host and path of the real urls (`itch.io/s/1`, `a.itch.io/x`), requests
// made through Transport() are sent to the server while the client keeps
// seeing the real urls, cookies and redirects included.
type Site struct {
	Server *httptest.Server

	mutex    sync.Mutex
	routes   map[string]http.HandlerFunc
	requests []string
}

func NewSite(t testing.TB) *Site {
	s := &Site{routes: map[string]http.HandlerFunc{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

func routeKey(host, path string) string {
	return host + strings.TrimSuffix(path, "/")
}

func (s *Site) serve(w http.ResponseWriter, r *http.Request) {
	key := routeKey(r.Host, r.URL.Path)

	s.mutex.Lock()
	s.requests = append(s.requests, fmt.Sprintf("%s %s", r.Method, key))
	handler, ok := s.routes[key]
	s.mutex.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	handler(w, r)
}

// Handle registers a handler for an absolute url, the query is ignored when
// routing.
func (s *Site) Handle(link string, handler http.HandlerFunc) {
	parsed, err := url.Parse(link)
	if err != nil {
		panic(err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.routes[routeKey(parsed.Host, parsed.Path)] = handler
}

func (s *Site) HTML(link, body string) {
	s.Handle(link, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("content-type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	})
}

func (s *Site) JSON(link string, v any) {
	s.Handle(link, func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, v)
	})
}

func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Site) Status(link string, status int) {
	s.Handle(link, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
}

func (s *Site) Redirect(link, to string) {
	s.Handle(link, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, to, http.StatusFound)
	})
}

// Requests returns "METHOD host/path" for every request served so far.
func (s *Site) Requests() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.requests...)
}

// Hits counts the requests made to link with any method.
func (s *Site) Hits(link string) int {
	parsed, err := url.Parse(link)
	if err != nil {
		panic(err)
	}
	key := routeKey(parsed.Host, parsed.Path)

	count := 0
	for _, r := range s.Requests() {
		_, target, _ := strings.Cut(r, " ")
		if target == key {
			count++
		}
	}
	return count
}

func (s *Site) Transport() http.RoundTripper {
	target, err := url.Parse(s.Server.URL)
	if err != nil {
		panic(err)
	}
	return rewriteTransport{target: target, base: http.DefaultTransport}
}

type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = t.target.Scheme
	out.URL.Host = t.target.Host
	out.Host = req.URL.Host

	res, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	res.Request = req
	return res, nil
}
