package familysearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/OFFIS-RIT/kinfetch/internal/util"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"
)

const ordinancesForbidden = "Unable to get ordinances."

var errSessionExpired = errors.New("familysearch: session expired")

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// get fetches path and decodes the JSON body into out. It reports false
// with a nil error when the resource has no data. Retries count as one
// request.
func (c *Client) get(ctx context.Context, path string, accept string, out any) (bool, error) {
	target := c.baseURL.String() + path
	c.requests.Add(1)
	return util.RetryTransient(ctx, func(ctx context.Context) (bool, error) {
		gen := c.generation.Load()
		if err := c.limiter.Wait(ctx); err != nil {
			return false, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return false, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}

		logger.Debug("[Remote] Downloading", "url", path)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return false, c.transportError(ctx, path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, c.transportError(ctx, path, err)
		}
		logger.Debug("[Remote] Status code", "url", path, "status", resp.StatusCode)

		switch resp.StatusCode {
		case http.StatusNoContent:
			return false, nil
		case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusGone, http.StatusInternalServerError:
			logger.Warn("[Remote] No data", "url", path, "status", resp.StatusCode)
			return false, nil
		case http.StatusUnauthorized:
			logger.Info("[Remote] Session expired, logging in again")
			if err := c.relogin(ctx, gen); err != nil {
				return false, err
			}
			return false, util.Transient(errSessionExpired, 0)
		case http.StatusForbidden:
			return false, forbidden(path, body)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			logger.Warn("[Remote] Request failed, retrying", "url", path, "status", resp.StatusCode, "delay", c.retryDelay)
			return false, util.Transient(fmt.Errorf("familysearch: status %d from %s", resp.StatusCode, path), c.retryDelay)
		}

		if err := json.Unmarshal(body, out); err != nil {
			logger.Warn("[Remote] Corrupted payload", "url", path, "err", err)
			return false, nil
		}
		return true, nil
	})
}

// transportError classifies a failed round trip. Timeouts are retried at
// once, other connection failures after the retry delay.
func (c *Client) transportError(ctx context.Context, target string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Warn("[Remote] Read timed out", "url", target)
		return util.Transient(err, 0)
	}
	logger.Warn("[Remote] Connection aborted", "url", target, "err", err, "delay", c.retryDelay)
	return util.Transient(err, c.retryDelay)
}

func forbidden(path string, body []byte) error {
	var resp errorResponse
	message := ""
	if err := json.Unmarshal(body, &resp); err == nil && len(resp.Errors) > 0 {
		message = resp.Errors[0].Message
	}
	if message == ordinancesForbidden {
		logger.Warn("[Remote] Unable to get ordinances, the account needs ordinance access")
		return remote.ErrForbidden
	}
	logger.Warn("[Remote] Access denied", "url", path, "message", message)
	return nil
}
