package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultTimeout = 3 * time.Second
	maxRetries     = 3
	retryDelay     = 100 * time.Millisecond
)

// ErrUnknownPeer is returned when no address is known for the destination.
var ErrUnknownPeer = errors.New("unknown peer")

// StatusError is a non-2xx answer of a peer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// poster sends JSON bodies with a bounded number of attempts.
type poster struct {
	client  *http.Client
	retries int
	delay   time.Duration
}

func newPoster(timeout time.Duration) poster {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return poster{
		client:  &http.Client{Timeout: timeout},
		retries: maxRetries,
		delay:   retryDelay,
	}
}

// postJSON marshals v and posts it to url, retrying on transport and 5xx errors with a
// linear backoff. 4xx answers are not retried.
func (p poster) postJSON(ctx context.Context, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		err := p.send(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
			return err
		}
		slog.Debug("post failed, retrying", "attempt", attempt+1, "url", url, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay * time.Duration(attempt+1)):
		}
	}

	return fmt.Errorf("failed to send after %d retries: %w", p.retries, lastErr)
}

func (p poster) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
