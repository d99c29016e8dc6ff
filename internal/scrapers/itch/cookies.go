package itch

import (
	"net/http"
	"net/url"
	"sync"
	"time"
)

// recordingJar remembers the attributes of every cookie it was given. The
// wrapped jar only hands back names and values, which is not enough to
// persist a session.
type recordingJar struct {
	http.CookieJar

	mutex sync.Mutex
	seen  map[string]http.Cookie
}

func newRecordingJar(inner http.CookieJar) *recordingJar {
	return &recordingJar{CookieJar: inner, seen: map[string]http.Cookie{}}
}

func (j *recordingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mutex.Lock()
	for _, c := range cookies {
		if c.MaxAge < 0 {
			delete(j.seen, c.Name)
			continue
		}
		recorded := *c
		if c.MaxAge > 0 {
			recorded.Expires = time.Now().Add(time.Duration(c.MaxAge) * time.Second)
			recorded.MaxAge = 0
		}
		if recorded.Path == "" {
			recorded.Path = "/"
		}
		j.seen[c.Name] = recorded
	}
	j.mutex.Unlock()
	j.CookieJar.SetCookies(u, cookies)
}

// SessionCookies returns the cookies the jar would send to the base url with
// the path, expiry and flags they were set with.
func (c *Client) SessionCookies() []*http.Cookie {
	current := c.Jar.Cookies(c.BaseUrl)

	c.jar.mutex.Lock()
	defer c.jar.mutex.Unlock()

	out := make([]*http.Cookie, 0, len(current))
	for _, cookie := range current {
		full := http.Cookie{Name: cookie.Name, Value: cookie.Value, Path: "/"}
		if seen, ok := c.jar.seen[cookie.Name]; ok {
			full.Path = seen.Path
			full.Expires = seen.Expires
			full.Secure = seen.Secure
			full.HttpOnly = seen.HttpOnly
		}
		out = append(out, &full)
	}
	return out
}
