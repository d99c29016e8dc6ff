package itch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	report_login = "login"
)

var ErrLoginRejected = errors.New("login rejected")

// TotpSource returns a fresh two factor code, it is only called when the
// account asks for one.
type TotpSource func() (string, error)

// Login signs in with a username and password. The session cookies end up in
// the client's jar, the returned value is the csrf token of the session.
func (c *Client) Login(ctx context.Context, username, password string, totp TotpSource) (string, error) {
	res, err := c.Fetch(ctx, Get(LoginUrl()))
	if err != nil {
		return "", fmt.Errorf("fetch login page: %w", err)
	}
	form, found, err := ParseForm(c.BaseUrl, res.Body, selectorLoginForm)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("login form not found on %s", res.Url)
	}
	form.Fields[formFieldUsername] = username
	form.Fields[formFieldPassword] = password

	res, err = c.Fetch(ctx, Post(form.Action, form.Fields))
	if err != nil {
		return "", fmt.Errorf("submit login: %w", err)
	}
	if messages := ParseFormErrors(res.Body); len(messages) > 0 {
		return "", fmt.Errorf("%w: %s", ErrLoginRejected, strings.Join(messages, "; "))
	}

	totpForm, needsTotp, err := ParseForm(c.BaseUrl, res.Body, selectorTotpForm)
	if err != nil {
		return "", err
	}
	if needsTotp {
		if totp == nil {
			return "", fmt.Errorf("%w: account requires a two factor code", ErrLoginRejected)
		}
		code, err := totp()
		if err != nil {
			return "", fmt.Errorf("totp: %w", err)
		}
		totpForm.Fields[formFieldTotpCode] = code

		res, err = c.Fetch(ctx, Post(totpForm.Action, totpForm.Fields))
		if err != nil {
			return "", fmt.Errorf("submit totp: %w", err)
		}
		if messages := ParseFormErrors(res.Body); len(messages) > 0 {
			return "", fmt.Errorf("%w: %s", ErrLoginRejected, strings.Join(messages, "; "))
		}
	}

	if c.hasPathPrefix(res.Url, pathLogin) {
		return "", fmt.Errorf("%w: still on the login page", ErrLoginRejected)
	}

	token, err := ParseCsrfToken(res.Body)
	if err == nil {
		return token, nil
	}
	c.tel.ReportDebug(report_login, "no csrf token on landing page", res.Url)
	return c.FetchCsrfToken(ctx)
}

// FetchCsrfToken reads the csrf token off the front page, this also checks
// that the session in the jar is still valid.
func (c *Client) FetchCsrfToken(ctx context.Context) (string, error) {
	res, err := c.Fetch(ctx, Get("/"))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch front page: status %d", res.StatusCode)
	}
	return ParseCsrfToken(res.Body)
}

// SubmitClaim posts the claim form found on a download page.
func (c *Client) SubmitClaim(ctx context.Context, action, csrfToken string) (Response, error) {
	return c.Fetch(ctx, Post(action, map[string]string{
		formFieldCsrfToken: csrfToken,
	}))
}
