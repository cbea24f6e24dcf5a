package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"storefront-payments/internal/config"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrRailUnavailable marks failures where the rail could not be reached or answered
// with a server error: timeouts, transport errors, 5xx, open breaker.
var ErrRailUnavailable = errors.New("payment rail unavailable")

// StatusError is a non-2xx response from a rail.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rail responded %d: %s", e.StatusCode, e.Body)
}

// railHTTP performs bounded, breaker-guarded HTTP calls against one rail.
type railHTTP struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	timeout    time.Duration
}

func newRailHTTP(name string, cfg config.Rail, log *zap.Logger) *railHTTP {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// 4xx means the rail is up and rejected our input
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("rail circuit breaker state changed",
				zap.String("rail", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &railHTTP{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		timeout: cfg.Timeout,
	}
}

// do sends the request built by build and returns the response body of a 2xx answer.
func (r *railHTTP) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := r.breaker.Execute(func() ([]byte, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRailUnavailable, err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrRailUnavailable, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
			if resp.StatusCode >= http.StatusInternalServerError {
				return nil, fmt.Errorf("%w: %w", ErrRailUnavailable, statusErr)
			}
			return nil, statusErr
		}
		return b, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}
	return body, err
}

func (r *railHTTP) postJSON(ctx context.Context, url, bearer string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal req payload: %w", err)
	}

	body, err := r.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

func (r *railHTTP) getJSON(ctx context.Context, url, bearer string, out any) error {
	body, err := r.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		return req, nil
	})
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

func decodeInto(body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode rail response: %w", err)
	}
	return nil
}
