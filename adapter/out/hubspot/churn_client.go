// Package hubspot reads support tickets from the HubSpot CRM API.
package hubspot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"churn_server/core/domain"
	"churn_server/pkg/resilience"
)

const DefaultBaseURL = "https://api.hubapi.com"

// APIError is a non-2xx answer from HubSpot.
type APIError struct {
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hubspot api %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

func classifyStatus(status int) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return domain.ErrTransientRemote
	}
	return domain.ErrPermanentRemote
}

// client is the low-level JSON transport shared by every tenant source.
// The breaker and limiter are per application, since HubSpot rate limits apps.
type client struct {
	http    *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func (c *client) post(ctx context.Context, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, path, data, result)
	})
	if resilience.IsOpen(err) {
		return fmt.Errorf("%w: circuit open", domain.ErrTransientRemote)
	}
	return err
}

func (c *client) do(ctx context.Context, path string, data []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.baseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return fmt.Errorf("%w: token refresh: %v", domain.ErrPermanentRemote, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrTransientRemote, err)
	}
	defer resp.Body.Close()

	// 207 is returned by batch endpoints when some inputs had no match.
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Message string `json:"message"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Err: classifyStatus(resp.StatusCode)}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrPermanentRemote, err)
	}
	return nil
}
