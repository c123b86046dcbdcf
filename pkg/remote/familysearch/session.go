package familysearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/OFFIS-RIT/kinfetch/internal/util"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"
)

type loginResponse struct {
	LoginError  string `json:"loginError"`
	RedirectURL string `json:"redirectUrl"`
}

// Login authenticates the session and loads the current user. It returns
// remote.ErrAuthRejected when the credentials are refused. Other failures
// are retried until ctx ends.
func (c *Client) Login(ctx context.Context) error {
	if err := c.relogin(ctx, c.generation.Load()); err != nil {
		return err
	}

	var resp remote.CurrentUserResponse
	ok, err := c.get(ctx, "/platform/users/current", acceptGedcomx, &resp)
	if err != nil {
		return fmt.Errorf("familysearch: failed to load current user: %w", err)
	}
	if ok && len(resp.Users) > 0 {
		c.mu.Lock()
		c.user = resp.Users[0]
		c.mu.Unlock()
	}
	logger.Info("[Remote] Logged in", "user", c.User().DisplayName, "person_id", c.User().PersonID)
	return nil
}

// relogin authenticates once for all callers that observed session
// generation gen. Callers arriving after a newer session exists return
// immediately.
func (c *Client) relogin(ctx context.Context, gen uint64) error {
	_, err, _ := c.loginGroup.Do("login", func() (any, error) {
		if c.generation.Load() != gen {
			return nil, nil
		}
		_, err := util.RetryTransient(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.loginOnce(ctx)
		})
		if err != nil {
			return nil, err
		}
		c.generation.Add(1)
		return nil, nil
	})
	return err
}

func (c *Client) loginOnce(ctx context.Context) error {
	logger.Debug("[Remote] Downloading", "url", c.loginURL)
	if err := c.fetchAndDiscard(ctx, c.loginURL); err != nil {
		return err
	}
	xsrf := c.cookie(c.loginURL, xsrfCookie)
	if xsrf == "" {
		logger.Warn("[Remote] Login page set no XSRF token")
		return util.Transient(errors.New("familysearch: missing xsrf token"), c.retryDelay)
	}

	form := url.Values{
		"_csrf":    {xsrf},
		"username": {c.username},
		"password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.identURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	logger.Debug("[Remote] Downloading", "url", c.identURL)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, c.identURL, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return c.transportError(ctx, c.identURL, err)
	}

	var login loginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		logger.Warn("[Remote] Invalid auth response", "status", resp.StatusCode)
		return util.Transient(fmt.Errorf("familysearch: invalid auth response: %w", err), c.retryDelay)
	}
	if login.LoginError != "" {
		logger.Error("[Remote] Login rejected", "reason", login.LoginError)
		return fmt.Errorf("%w: %s", remote.ErrAuthRejected, login.LoginError)
	}
	if login.RedirectURL == "" {
		logger.Warn("[Remote] Auth response without redirect", "status", resp.StatusCode)
		return util.Transient(errors.New("familysearch: auth response without redirect"), c.retryDelay)
	}

	logger.Debug("[Remote] Downloading", "url", login.RedirectURL)
	if err := c.fetchAndDiscard(ctx, login.RedirectURL); err != nil {
		return err
	}
	if c.cookie(c.baseURL.String(), sessionCookie) == "" {
		logger.Warn("[Remote] No session cookie after login")
		return util.Transient(errors.New("familysearch: no session cookie"), c.retryDelay)
	}
	return nil
}

func (c *Client) fetchAndDiscard(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, target, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return c.transportError(ctx, target, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		logger.Warn("[Remote] Login step failed", "url", target, "status", resp.StatusCode)
		return util.Transient(fmt.Errorf("familysearch: status %d from %s", resp.StatusCode, target), c.retryDelay)
	}
	return nil
}

func (c *Client) cookie(target, name string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}
