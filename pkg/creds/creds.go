// Package creds obtains the short-lived transcription API key from the
// hosting application's token endpoint. The endpoint itself is an external
// collaborator; this package only consumes it.
package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxpipe/voxpipe/pkg/errorsx"
	"github.com/voxpipe/voxpipe/pkg/logging"
	"github.com/voxpipe/voxpipe/pkg/resilience"
)

// AuthenticationError reports a credential fetch that stayed unauthorized
// after the one-shot bearer refresh.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return "credential fetch unauthorized"
	}
	return fmt.Sprintf("credential fetch unauthorized: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// BearerProvider supplies the hosting application's own bearer token and
// can refresh it once when the endpoint rejects it as expired.
type BearerProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticBearer is a fixed token that cannot be refreshed.
type StaticBearer string

func (s StaticBearer) Token(ctx context.Context) (string, error) { return string(s), nil }

func (s StaticBearer) Refresh(ctx context.Context) (string, error) {
	return "", errors.New("static bearer token cannot be refreshed")
}

// Static is a fixed API key source for providers configured with a
// long-lived key instead of the token endpoint.
type Static string

func (s Static) APIKey(ctx context.Context) (string, error) {
	if s == "" {
		return "", errorsx.Wrap(&AuthenticationError{Err: errors.New("api key not configured")}, errorsx.ReasonAuth)
	}
	return string(s), nil
}

// Config tunes the endpoint client.
type Config struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retry      resilience.RetryPolicy
	// Breaker stops hitting the token endpoint after repeated failures.
	Breaker *resilience.CircuitBreaker
}

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry = resilience.NewRetryPolicy(2, 200*time.Millisecond)
	}
	if c.Breaker == nil {
		c.Breaker = resilience.NewCircuitBreaker(5, 30*time.Second)
	}
	return c
}

// Client fetches one short-lived API key per call. A 401 triggers exactly
// one silent bearer refresh and one retried fetch before failing with
// AuthenticationError. Transient failures go through the retry policy.
type Client struct {
	cfg    Config
	bearer BearerProvider
	logger *slog.Logger
}

func NewClient(cfg Config, bearer BearerProvider, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errorsx.Errorf(errorsx.ReasonValidation, "credential endpoint is required")
	}
	if bearer == nil {
		return nil, errorsx.Errorf(errorsx.ReasonValidation, "bearer provider is required")
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		bearer: bearer,
		logger: logging.NewComponentLogger(logger, "creds"),
	}, nil
}

type keyResponse struct {
	APIKey    string `json:"api_key"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// APIKey implements stt.CredentialSource.
func (c *Client) APIKey(ctx context.Context) (string, error) {
	if !c.cfg.Breaker.Allow() {
		return "", errorsx.Errorf(errorsx.ReasonCredsFetch, "credential endpoint circuit open")
	}

	token, err := c.bearer.Token(ctx)
	if err != nil {
		return "", errorsx.Wrap(&AuthenticationError{Err: err}, errorsx.ReasonAuth)
	}

	key, unauthorized, err := c.fetch(ctx, token)
	if err != nil {
		return "", err
	}
	if !unauthorized {
		return key, nil
	}

	// Expired bearer: refresh once, retry the fetch once.
	c.logger.Info("bearer_rejected_refreshing")
	token, err = c.bearer.Refresh(ctx)
	if err != nil {
		return "", errorsx.Wrap(&AuthenticationError{Err: err}, errorsx.ReasonCredsRefresh)
	}
	key, unauthorized, err = c.fetch(ctx, token)
	if err != nil {
		return "", err
	}
	if unauthorized {
		return "", errorsx.Wrap(&AuthenticationError{Err: errors.New("rejected after token refresh")}, errorsx.ReasonAuth)
	}
	return key, nil
}

func (c *Client) fetch(ctx context.Context, bearer string) (key string, unauthorized bool, err error) {
	err = c.cfg.Retry.DoCtx(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(nil))
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonCredsFetch)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonCredsFetch)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var kr keyResponse
			if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
				return errorsx.Wrap(fmt.Errorf("decode credential response: %w", err), errorsx.ReasonCredsFetch)
			}
			if kr.APIKey == "" {
				return errorsx.Errorf(errorsx.ReasonCredsFetch, "credential response missing api_key")
			}
			key = kr.APIKey
			unauthorized = false
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			// Not transient; handled by the refresh path, never retried
			// here.
			unauthorized = true
			return nil
		default:
			return errorsx.Wrap(fmt.Errorf("credential endpoint returned %d", resp.StatusCode), errorsx.ReasonCredsFetch)
		}
	})
	if err != nil {
		c.cfg.Breaker.OnError()
	} else {
		c.cfg.Breaker.OnSuccess()
	}
	return key, unauthorized, err
}
