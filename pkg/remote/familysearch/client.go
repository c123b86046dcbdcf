// Package familysearch implements remote.Client on top of an authenticated
// FamilySearch web session.
package familysearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/kinfetch/pkg/remote"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL  = "https://familysearch.org"
	DefaultLoginURL = "https://www.familysearch.org/auth/familysearch/login"
	DefaultIdentURL = "https://ident.familysearch.org/login"

	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

	acceptGedcomx = "application/x-gedcomx-v1+json"
	acceptAtom    = "application/x-gedcomx-atom+json"

	sessionCookie = "fssessionid"
	xsrfCookie    = "XSRF-TOKEN"
)

// Client is an authenticated FamilySearch session. It is safe for
// concurrent use; all callers share the session and its re-login.
type Client struct {
	httpClient *http.Client
	jar        http.CookieJar
	baseURL    *url.URL
	loginURL   string
	identURL   string
	username   string
	password   string
	userAgent  string
	retryDelay time.Duration
	limiter    *rate.Limiter

	loginGroup singleflight.Group
	generation atomic.Uint64
	requests   atomic.Int64

	mu   sync.RWMutex
	user remote.User
}

// NewClientParams configures a Client.
//
// Timeout bounds a single request. RetryDelay is the pause before a failed
// request is tried again. RequestsPerSecond paces all requests of the
// session; zero disables pacing.
type NewClientParams struct {
	Username          string
	Password          string
	BaseURL           string
	LoginURL          string
	IdentURL          string
	UserAgent         string
	Timeout           time.Duration
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewClient creates an unauthenticated client. Call Login before use.
func NewClient(params NewClientParams) (*Client, error) {
	if params.Username == "" || params.Password == "" {
		return nil, errors.New("familysearch: username and password are required")
	}
	base := params.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("familysearch: invalid base url: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("familysearch: failed to create cookie jar: %w", err)
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retryDelay := params.RetryDelay
	if retryDelay <= 0 {
		retryDelay = timeout
	}
	limit := rate.Inf
	if params.RequestsPerSecond > 0 {
		limit = rate.Limit(params.RequestsPerSecond)
	}
	burst := params.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		jar:        jar,
		baseURL:    baseURL,
		loginURL:   orDefault(params.LoginURL, DefaultLoginURL),
		identURL:   orDefault(params.IdentURL, DefaultIdentURL),
		username:   params.Username,
		password:   params.Password,
		userAgent:  orDefault(params.UserAgent, defaultUserAgent),
		retryDelay: retryDelay,
		limiter:    rate.NewLimiter(limit, burst),
	}
	return c, nil
}

// User returns the account the session belongs to.
func (c *Client) User() remote.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Requests returns the number of API requests issued so far.
func (c *Client) Requests() int64 {
	return c.requests.Load()
}

// Persons implements remote.Client.
func (c *Client) Persons(ctx context.Context, ids []string) (*remote.PersonsResponse, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var resp remote.PersonsResponse
	ok, err := c.get(ctx, "/platform/tree/persons?pids="+strings.Join(ids, ","), acceptGedcomx, &resp)
	if err != nil || !ok {
		return nil, err
	}
	return &resp, nil
}

// Detail implements remote.Client.
func (c *Client) Detail(ctx context.Context, kind remote.DetailKind, id string, out any) (bool, error) {
	path, accept, err := detailPath(kind, id)
	if err != nil {
		return false, err
	}
	return c.get(ctx, path, accept, out)
}

// CheckOrdinanceAccess probes the ordinance resource of the current user.
// It returns remote.ErrForbidden when the account has no access.
func (c *Client) CheckOrdinanceAccess(ctx context.Context) error {
	user := c.User()
	if user.PersonID == "" {
		return errors.New("familysearch: current user has no person id")
	}
	var resp remote.OrdinancesResponse
	ok, err := c.Detail(ctx, remote.PersonOrdinances, user.PersonID, &resp)
	if err != nil {
		return err
	}
	if !ok || resp.Status != "OK" {
		return remote.ErrForbidden
	}
	return nil
}

func detailPath(kind remote.DetailKind, id string) (string, string, error) {
	id = url.PathEscape(id)
	switch kind {
	case remote.PersonSources:
		return "/platform/tree/persons/" + id + "/sources", acceptGedcomx, nil
	case remote.PersonMemories:
		return "/platform/tree/persons/" + id + "/memories", acceptGedcomx, nil
	case remote.PersonNotes:
		return "/platform/tree/persons/" + id + "/notes", acceptGedcomx, nil
	case remote.PersonChanges:
		return "/platform/tree/persons/" + id + "/changes", acceptAtom, nil
	case remote.PersonOrdinances:
		return "/service/tree/tree-data/reservations/person/" + id + "/ordinances", "", nil
	case remote.Couple:
		return "/platform/tree/couple-relationships/" + id, acceptGedcomx, nil
	case remote.CoupleSources:
		return "/platform/tree/couple-relationships/" + id + "/sources", acceptGedcomx, nil
	case remote.CoupleNotes:
		return "/platform/tree/couple-relationships/" + id + "/notes", acceptGedcomx, nil
	case remote.CoupleChanges:
		return "/platform/tree/couple-relationships/" + id + "/changes", acceptAtom, nil
	}
	return "", "", fmt.Errorf("familysearch: unsupported detail kind %d", kind)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
