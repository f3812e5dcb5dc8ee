package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound: the panel has no such user. Expected outcome, drives the
	// create-vs-extend branch, never logged as a failure.
	ErrNotFound = errors.New("marzban: user not found")
	// ErrAlreadyExists: concurrent creation lost the race; caller re-fetches.
	ErrAlreadyExists = errors.New("marzban: user already exists")
)

// APIError is a fatal remote failure: repeated 5xx, auth failure after a
// token refresh, or any other unexpected status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marzban: api error (status %d): %s", e.StatusCode, e.Body)
}

type Options struct {
	BaseURL       string
	APIKey        string
	AdminUser     string
	AdminPassword string
	ProxyProfile  string
	Flow          string
}

// Client wraps the Marzban user-management API. With a static APIKey the
// key is attached directly; otherwise the admin credential pair is
// exchanged for a bearer token on first use, cached, and re-exchanged at
// most once per call on an authorization failure.
type Client struct {
	opts       Options
	HTTPClient *http.Client
	log        *zap.Logger

	mu    sync.Mutex
	token string
}

func NewClient(opts Options, log *zap.Logger) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts: opts,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.Named("marzban"),
	}
}

func (c *Client) bearerToken(ctx context.Context, force bool) (string, error) {
	if c.opts.APIKey != "" {
		return c.opts.APIKey, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !force {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.opts.AdminUser)
	form.Set("password", c.opts.AdminPassword)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.BaseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("marzban: failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("marzban: token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("marzban: failed to read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("marzban: failed to unmarshal token response: %w", err)
	}
	c.token = tr.AccessToken
	return c.token, nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, reqBody interface{}) ([]byte, error) {
	var jsonBody []byte
	if reqBody != nil {
		var err error
		jsonBody, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marzban: failed to marshal request body: %w", err)
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.bearerToken(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}

		var bodyReader io.Reader
		if jsonBody != nil {
			bodyReader = bytes.NewReader(jsonBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+endpoint, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("marzban: failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("marzban: request failed: %w", err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("marzban: failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && c.opts.APIKey == "" && attempt == 0 {
			// Cached token expired; exchange the credentials once more.
			c.log.Debug("bearer token rejected, re-exchanging credentials")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
			return nil, ErrAlreadyExists
		case resp.StatusCode >= 400:
			return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return respBody, nil
	}

	return nil, &APIError{StatusCode: http.StatusUnauthorized, Body: "token refresh failed"}
}

// GetUser fetches the panel user. A single 5xx is retried once; a repeated
// server error surfaces as *APIError so "service down" is never mistaken
// for "user absent".
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/user/"+username, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
		c.log.Warn("panel returned server error on get user, retrying once",
			zap.String("username", username),
			zap.Int("status", apiErr.StatusCode),
		)
		body, err = c.doRequest(ctx, http.MethodGet, "/api/user/"+username, nil)
	}
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("marzban: failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (c *Client) CreateUser(ctx context.Context, username string, expireAt time.Time, trafficGB float64) (*User, error) {
	req := createUserRequest{
		Username: username,
		Status:   "active",
		Expire:   expireAt.Unix(),
	}
	if trafficGB > 0 {
		req.DataLimit = int64(trafficGB * bytesPerGB)
	}
	if c.opts.ProxyProfile != "" {
		profile := map[string]string{}
		if c.opts.Flow != "" {
			profile["flow"] = c.opts.Flow
		}
		req.Proxies = map[string]map[string]string{c.opts.ProxyProfile: profile}
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/user", req)
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("marzban: failed to unmarshal user: %w", err)
	}
	return &user, nil
}

// UpdateUserExpire moves the user's expiry to an absolute timestamp. The
// panel applies it as-is, so callers must never pass a value earlier than
// the current expiry.
func (c *Client) UpdateUserExpire(ctx context.Context, username string, expireAt time.Time) error {
	req := modifyUserRequest{Expire: expireAt.Unix()}
	_, err := c.doRequest(ctx, http.MethodPut, "/api/user/"+username, req)
	return err
}

func (c *Client) SubscriptionLink(ctx context.Context, username string) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/user/"+username+"/subscription", nil)
	if err != nil {
		return "", err
	}

	var sub subscriptionResponse
	if err := json.Unmarshal(body, &sub); err != nil {
		return "", fmt.Errorf("marzban: failed to unmarshal subscription: %w", err)
	}
	return sub.URL, nil
}
