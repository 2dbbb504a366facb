// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/retryafter"
)

// DefaultBaseURL is the versioned API root.
const DefaultBaseURL = "https://discord.com/api/v10"

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 8 << 20

// Config configures a Client. Zero values select defaults.
type Config struct {
	BaseURL    string
	Token      string
	UserAgent  string
	HTTPClient *http.Client

	// Timeout bounds one HTTP exchange. Time spent waiting on rate limits
	// does not count against it.
	Timeout time.Duration
	// MaxRetries is how many times network failures and 5xx responses
	// are retried before the call fails as unavailable.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	GlobalRate  float64
	GlobalBurst int
}

// Client issues rate-limited REST calls.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration

	limiter *RateLimiter
	log     zerolog.Logger
}

// NewClient creates a client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	log = log.With().Str("component", "rest").Logger()
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "DiscordBot (https://github.com/aiku/cordbridge, 1.0)"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50
		cfg.GlobalBurst = 50
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		userAgent:  cfg.UserAgent,
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBaseDelay,
		retryMax:   cfg.RetryMaxDelay,
		limiter:    NewRateLimiter(cfg.GlobalRate, cfg.GlobalBurst, log),
		log:        log,
	}
}

// Limiter exposes the client's rate limiter.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.retryBase),
		backoff.WithMaxInterval(c.retryMax),
		backoff.WithMaxElapsedTime(0),
	)
}

// Do performs the call, decoding a successful response into result when
// it is non-nil. A 429 is retried once after the server's retry-after;
// network errors and 5xx responses are retried with backoff.
func (c *Client) Do(ctx context.Context, route Route, payload, result any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", route, err)
		}
	}

	bo := c.newBackOff()
	failures := 0
	rateLimited := false
	for {
		if err := c.limiter.Acquire(ctx, route); err != nil {
			return err
		}
		status, header, respBody, err := c.send(ctx, route, body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures > c.maxRetries {
				c.log.Error().Err(err).Str("route", route.String()).Int("attempts", failures).Msg("Request failed, giving up")
				return &APIError{Kind: KindUnavailable, Method: route.Method, Path: route.Path, Err: err}
			}
			delay := bo.NextBackOff()
			c.log.Warn().Err(err).Str("route", route.String()).Dur("delay", delay).Msg("Request failed, retrying")
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
			continue
		}
		c.limiter.Update(route, header)

		switch {
		case status >= 200 && status < 300:
			if result != nil && len(respBody) > 0 && status != http.StatusNoContent {
				if err := json.Unmarshal(respBody, result); err != nil {
					return fmt.Errorf("failed to decode %s response: %w", route, err)
				}
			}
			return nil

		case status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(header, respBody)
			global := header.Get(headerGlobal) == "true" || gjson.GetBytes(respBody, "global").Bool()
			c.limiter.Limited(route, retryAfter, global)
			if rateLimited {
				return &APIError{
					Kind:       KindRateLimited,
					Method:     route.Method,
					Path:       route.Path,
					StatusCode: status,
					Message:    gjson.GetBytes(respBody, "message").String(),
					RetryAfter: retryAfter,
					Global:     global,
				}
			}
			rateLimited = true
			c.log.Debug().
				Str("route", route.String()).
				Str("scope", header.Get(headerScope)).
				Dur("retry_after", retryAfter).
				Bool("global", global).
				Msg("Rate limited, retrying once")

		case status >= 500:
			failures++
			if failures > c.maxRetries {
				c.log.Error().Int("status", status).Str("route", route.String()).Int("attempts", failures).Msg("Server error, giving up")
				return &APIError{
					Kind:       KindUnavailable,
					Method:     route.Method,
					Path:       route.Path,
					StatusCode: status,
					Message:    http.StatusText(status),
				}
			}
			delay := bo.NextBackOff()
			c.log.Warn().Int("status", status).Str("route", route.String()).Dur("delay", delay).Msg("Server error, retrying")
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}

		default:
			return parseRejection(route, status, respBody)
		}
	}
}

func (c *Client) send(ctx context.Context, route Route, body []byte) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, route.Method, route.URL(c.baseURL), reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%s: %w", route, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read %s response: %w", route, err)
	}
	c.log.Trace().
		Str("route", route.String()).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("REST call finished")
	return resp.StatusCode, resp.Header, respBody, nil
}

// parseRetryAfter prefers the body's retry_after (float seconds) and falls
// back to the Retry-After header.
func parseRetryAfter(header http.Header, body []byte) time.Duration {
	if value := gjson.GetBytes(body, "retry_after"); value.Exists() && value.Float() > 0 {
		return time.Duration(value.Float() * float64(time.Second))
	}
	return retryafter.Parse(header.Get("Retry-After"), time.Second)
}

func parseRejection(route Route, status int, body []byte) error {
	message := gjson.GetBytes(body, "message").String()
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{
		Kind:       KindRejected,
		Method:     route.Method,
		Path:       route.Path,
		StatusCode: status,
		Code:       int(gjson.GetBytes(body, "code").Int()),
		Message:    message,
	}
}

// StatusCode returns the HTTP status of an APIError, or zero.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
