// client.go is the fetch layer, every request made to the storefront goes through
// Client.Fetch which owns retrying, rate limiting and redirect handling.

package itch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"itchclaim/internal/components/assert"
	"itchclaim/internal/components/telemetry"
	"itchclaim/lib/restyutil"
	libtelemetry "itchclaim/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	report_client_fetch        = "client.fetch"
	report_client_server_error = "client.server-error"
)

var (
	// ErrRetryBudgetExhausted is returned when a request kept getting rate limited
	// or kept failing at the network level for longer than the retry budget.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrNotLoggedIn is returned when a request got redirected to the login page.
	ErrNotLoggedIn = errors.New("not logged in")
)

const itemCacheSize = 1024

var errTooManyRequests = errors.New("429 too many requests")

type ClientOptions struct {
	BaseUrl string
	// Defaults to 5 minutes.
	RetryBudget time.Duration
	// Defaults to 250ms.
	InitialBackoff time.Duration
	// Defaults to 10s.
	MaxBackoff time.Duration
	// Per request timeout, defaults to 10s.
	Timeout time.Duration
	// 0 disables rate limiting.
	RequestsPerSecond float64
	// Overrides the transport, mainly for tests.
	Transport http.RoundTripper
	// Dump receives a copy of every failed exchange when set.
	Dump restyutil.Output
}

func (o *ClientOptions) setDefaults() {
	if o.BaseUrl == "" {
		o.BaseUrl = DefaultBaseUrl
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 5 * time.Minute
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
}

// Client talks to the storefront. It is not safe to share a Client between runs
// of different accounts since it owns the cookie jar of the session.
type Client struct {
	BaseUrl *url.URL
	Jar     http.CookieJar

	jar        *recordingJar
	follow     *resty.Client
	noRedirect *resty.Client
	items      *lru.Cache[string, Item]
	opts       ClientOptions
	tel        telemetry.API
}

func NewClient(opts ClientOptions, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	opts.setDefaults()

	tel = telemetry.NewScopedAPI("itch", tel)

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	jar := newRecordingJar(inner)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		// burst of 1 keeps requests evenly spaced
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	newHttp := func() *resty.Client {
		httpClient := resty.New()
		httpClient.SetBaseURL(strings.TrimSuffix(opts.BaseUrl, "/"))
		httpClient.SetCookieJar(jar)
		if opts.Transport != nil {
			httpClient.SetTransport(opts.Transport)
		} else {
			httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
		}
		httpClient.SetHeader("user-agent", defaultUserAgent)
		httpClient.SetTimeout(opts.Timeout)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context())
		})
		telemetry.InstrumentResty(httpClient, tel)
		libtelemetry.TraceResty(httpClient, "itchclaim/itch")
		if opts.Dump != nil {
			restyutil.DumpFailures(httpClient, opts.Dump)
		}
		return httpClient
	}

	items, err := lru.New[string, Item](itemCacheSize)
	if err != nil {
		return nil, err
	}

	noRedirect := newHttp()
	noRedirect.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))

	return &Client{
		BaseUrl:    baseUrl,
		Jar:        jar,
		jar:        jar,
		follow:     newHttp(),
		noRedirect: noRedirect,
		items:      items,
		opts:       opts,
		tel:        tel,
	}, nil
}

type Request struct {
	Method string
	// Absolute, or relative to the base url.
	Url             string
	Form            map[string]string
	FollowRedirects bool
}

func Get(link string) Request {
	return Request{Method: http.MethodGet, Url: link, FollowRedirects: true}
}

func Post(link string, form map[string]string) Request {
	return Request{Method: http.MethodPost, Url: link, Form: form, FollowRedirects: true}
}

type Response struct {
	StatusCode int
	// The url of the last request made, after redirects.
	Url string
	// The Location header, only interesting when redirects are not followed.
	Location string
	Body     []byte
}

func (r Response) Text() string {
	return string(r.Body)
}

func (r Response) JSON(out any) error {
	return json.Unmarshal(r.Body, out)
}

// Fetch makes a request, retrying 429s and network errors with capped
// exponential backoff until the retry budget runs out. 200/301/302/404 and every
// other status are handed back as they are, 5xx additionally get reported.
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = c.opts.RetryBudget

	var res Response
	attempts := 0
	operation := func() error {
		attempts++
		r, err := c.do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if r.StatusCode == http.StatusTooManyRequests {
			return errTooManyRequests
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.tel.ReportDebug(report_client_fetch, "retrying", req.Method, req.Url, err, wait.String())
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf(
			"%w: %s %s after %d attempts: %w",
			ErrRetryBudgetExhausted, req.Method, req.Url, attempts, err,
		)
	}

	if res.StatusCode >= 500 {
		c.tel.ReportWarning(report_client_server_error, res.StatusCode, req.Method, req.Url)
	}
	if c.isLoginRedirect(req, res) {
		return res, fmt.Errorf("%s %s: %w", req.Method, req.Url, ErrNotLoggedIn)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	httpClient := c.follow
	if !req.FollowRedirects {
		httpClient = c.noRedirect
	}

	r := httpClient.R().SetContext(ctx)
	if req.Form != nil {
		r.SetFormData(req.Form)
	}
	res, err := r.Execute(req.Method, req.Url)
	if err != nil {
		return Response{}, err
	}

	finalUrl := res.Request.URL
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		finalUrl = res.RawResponse.Request.URL.String()
	}
	return Response{
		StatusCode: res.StatusCode(),
		Url:        finalUrl,
		Location:   res.Header().Get("Location"),
		Body:       res.Body(),
	}, nil
}

func (c *Client) isLoginRedirect(req Request, res Response) bool {
	if c.hasPathPrefix(req.Url, pathLogin) {
		return false
	}
	if c.hasPathPrefix(res.Url, pathLogin) {
		return true
	}
	return res.Location != "" && c.hasPathPrefix(res.Location, pathLogin)
}

func (c *Client) hasPathPrefix(link, prefix string) bool {
	parsed, err := c.BaseUrl.Parse(link)
	if err != nil {
		return false
	}
	return parsed.Host == c.BaseUrl.Host && strings.HasPrefix(parsed.Path, prefix)
}

// IsSiteRoot reports whether link is the storefront's front page, which is
// where failed claims get redirected to.
func (c *Client) IsSiteRoot(link string) bool {
	parsed, err := c.BaseUrl.Parse(link)
	if err != nil {
		return false
	}
	return parsed.Host == c.BaseUrl.Host && (parsed.Path == "" || parsed.Path == "/")
}

// Resolve makes link absolute against the base url.
func (c *Client) Resolve(link string) string {
	parsed, err := c.BaseUrl.Parse(link)
	if err != nil {
		return link
	}
	return parsed.String()
}

// IsFatal reports errors that should stop a whole run instead of only the
// page or item being worked on.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotLoggedIn) ||
		errors.Is(err, ErrRetryBudgetExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
