// Package session owns the logged in identity of a run: the cookie jar, the
// csrf token and the set of items the account already owns.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"itchclaim/internal/components/assert"
	"itchclaim/internal/components/chrono"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/lib/osutil"
	"itchclaim/pkg/urlset"

	"github.com/pquerna/otp/totp"
)

const (
	report_session_load    = "load"
	report_session_verify  = "verify"
	report_session_library = "refresh-library"
)

var ErrNoSession = errors.New("no saved session")

type Credentials struct {
	Username string
	Password string
	// Either a base32 totp secret or a one-off 6 digit code.
	Totp string
}

// Session is exclusively owned by one run.
type Session struct {
	Username  string
	CsrfToken string
	Owned     urlset.Set
}

func (s *Session) Owns(item string) bool {
	return s.Owned.Has(item)
}

func (s *Session) MarkOwned(item string) {
	s.Owned.Add(item)
}

type savedCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
}

type savedSession struct {
	Username  string        `json:"username"`
	CsrfToken string        `json:"csrf_token"`
	Cookies   []savedCookie `json:"cookies"`
	Owned     []string      `json:"owned"`
	SavedAt   time.Time     `json:"saved_at"`
}

// Provider loads, saves and creates sessions for a client. Session files live
// in `<dir>/<username>.json`.
type Provider struct {
	dir    string
	client *itch.Client
	time   chrono.TimeAPI
	tel    telemetry.API
}

func NewProvider(dir string, client *itch.Client, clock chrono.TimeAPI, tel telemetry.API) Provider {
	assert.NotEmptyStr(dir)
	assert.NotNil(client)
	assert.NotNil(clock)
	assert.NotNil(tel)
	return Provider{
		dir:    dir,
		client: client,
		time:   clock,
		tel:    telemetry.NewScopedAPI("session", tel),
	}
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func (p Provider) path(username string) string {
	name := unsafeFilename.ReplaceAllString(strings.ToLower(username), "_")
	return filepath.Join(p.dir, name+".json")
}

// Load restores a saved session into the client's cookie jar.
func (p Provider) Load(username string) (*Session, error) {
	contents, err := os.ReadFile(p.path(username))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}

	var saved savedSession
	err = json.Unmarshal(contents, &saved)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", p.path(username), err)
	}

	cookies := make([]*http.Cookie, 0, len(saved.Cookies))
	for _, c := range saved.Cookies {
		cookies = append(cookies, &http.Cookie{
			Name:  c.Name,
			Value: c.Value,
			Path:  c.Path,
			// domain cookies so item subdomains see the session too
			Domain:   p.client.BaseUrl.Hostname(),
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	p.client.Jar.SetCookies(p.client.BaseUrl, cookies)

	return &Session{
		Username:  saved.Username,
		CsrfToken: saved.CsrfToken,
		Owned:     urlset.New(saved.Owned...),
	}, nil
}

// Save writes the session next to the other saved sessions, replacing the
// previous file atomically.
func (p Provider) Save(s *Session) error {
	saved := savedSession{
		Username:  s.Username,
		CsrfToken: s.CsrfToken,
		Owned:     s.Owned.Sorted(),
		SavedAt:   p.time.Now(),
	}
	for _, c := range p.client.SessionCookies() {
		saved.Cookies = append(saved.Cookies, savedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}

	contents, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(p.path(s.Username), contents, 0600)
}

// Discard deletes the saved session, the next Open logs in again.
func (p Provider) Discard(username string) error {
	err := os.Remove(p.path(username))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Login signs in and returns a session with an empty owned set, callers
// usually follow up with RefreshLibrary.
func (p Provider) Login(ctx context.Context, creds Credentials) (*Session, error) {
	assert.NotEmptyStr(creds.Username)

	var source itch.TotpSource
	if creds.Totp != "" {
		source = func() (string, error) {
			return TotpCode(creds.Totp, p.time.Now())
		}
	}
	token, err := p.client.Login(ctx, creds.Username, creds.Password, source)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", creds.Username, err)
	}
	return &Session{
		Username:  creds.Username,
		CsrfToken: token,
		Owned:     urlset.New(),
	}, nil
}

var plainTotpCode = regexp.MustCompile(`^\d{6,8}$`)

// TotpCode turns the configured totp value into a code, plain codes are used
// as they are and anything else is treated as the account's secret.
func TotpCode(value string, now time.Time) (string, error) {
	value = strings.TrimSpace(value)
	if plainTotpCode.MatchString(value) {
		return value, nil
	}
	secret := strings.ToUpper(strings.ReplaceAll(value, " ", ""))
	return totp.GenerateCode(secret, now)
}

// Open returns a usable session: the saved one when it still works, a fresh
// login otherwise. A freshly logged in session gets its library loaded and
// is saved right away.
func (p Provider) Open(ctx context.Context, creds Credentials) (*Session, error) {
	s, err := p.Load(creds.Username)
	if err == nil {
		token, verifyErr := p.client.FetchCsrfToken(ctx)
		if verifyErr == nil {
			s.CsrfToken = token
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.tel.ReportWarning(report_session_verify, verifyErr, creds.Username)
		err = p.Discard(creds.Username)
		if err != nil {
			return nil, err
		}
	} else if !errors.Is(err, ErrNoSession) {
		p.tel.ReportWarning(report_session_load, err, creds.Username)
	}

	s, err = p.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	err = p.RefreshLibrary(ctx, s)
	if err != nil {
		return nil, err
	}
	return s, p.Save(s)
}

// RefreshLibrary reloads the owned set from the purchase library, every
// page is walked until an empty one or a 404. Any other failed page fails the
// whole refresh and leaves the owned set as it was.
func (p Provider) RefreshLibrary(ctx context.Context, s *Session) error {
	owned := urlset.New()
	for page := 1; ; page++ {
		listing, status, err := p.client.FetchListing(ctx, itch.MyPurchasesUrl(), page)
		if err != nil {
			return fmt.Errorf("library page %d: %w", page, err)
		}
		if status == http.StatusNotFound {
			break
		}
		if status != http.StatusOK {
			return fmt.Errorf("library page %d: status %d", page, status)
		}
		if listing.NumItems == 0 {
			break
		}
		items, err := itch.ParseGameCells(p.client.BaseUrl, []byte(listing.Content))
		if err != nil {
			return fmt.Errorf("library page %d: %w", page, err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			owned.Add(item.Url)
		}
	}

	for item := range owned {
		s.Owned.Add(item)
	}
	p.tel.ReportCount(report_session_library, int64(s.Owned.Len()))
	return nil
}
