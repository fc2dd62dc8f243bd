package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPClient is the subset of *http.Client the transports use.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FlushRequest is the body posted by a producer flush. Batches are
// addressed by lecture and email; the server resolves the student's
// sub-session from the pair.
type FlushRequest struct {
	Email         string          `json:"email"`
	SessionNumber uint            `json:"sessionNumber"`
	Changes       []PendingChange `json:"changes"`
}

// FlushResponse acknowledges a flush with the server's next expected
// change number.
type FlushResponse struct {
	CommittedVersion int `json:"committedVersion"`
}

// HTTPFlusher posts pending changes to a record endpoint. Transient
// failures are retried with exponential backoff inside a single Flush call;
// a flush that still fails is simply retried wholesale on the producer's
// next tick.
type HTTPFlusher struct {
	Client        HTTPClient
	URL           string // e.g. http://host/api/record-typealong-changes
	Email         string
	SessionNumber uint // lecture session id
}

// Flush implements Flusher.
func (f *HTTPFlusher) Flush(ctx context.Context, pending []PendingChange) (int, error) {
	body, err := json.Marshal(FlushRequest{Email: f.Email, SessionNumber: f.SessionNumber, Changes: pending})
	if err != nil {
		return 0, fmt.Errorf("encode flush: %w", err)
	}

	var resp FlushResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return doJSON(f.Client, req, &resp)
	}
	if err := backoff.Retry(op, newPolicy(ctx)); err != nil {
		return 0, fmt.Errorf("flush %d change(s): %w", len(pending), err)
	}
	return resp.CommittedVersion, nil
}

// HTTPSuffixFetcher reads the committed change-log suffix over HTTP.
type HTTPSuffixFetcher struct {
	Client    HTTPClient
	BaseURL   string // e.g. http://host/api/instructor-changes
	SessionID uint
}

// ChangesSince implements SuffixFetcher.
func (f *HTTPSuffixFetcher) ChangesSince(ctx context.Context, from int) ([]LoggedChange, error) {
	u := fmt.Sprintf("%s/%d/%d", f.BaseURL, f.SessionID, from)
	if _, err := url.Parse(u); err != nil {
		return nil, fmt.Errorf("suffix url: %w", err)
	}

	var body struct {
		Changes []LoggedChange `json:"changes"`
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return doJSON(f.Client, req, &body)
	}
	if err := backoff.Retry(op, newPolicy(ctx)); err != nil {
		return nil, fmt.Errorf("fetch changes since #%d: %w", from, err)
	}
	return body.Changes, nil
}

// newPolicy builds the shared retry policy: exponential backoff, capped,
// bounded by both an attempt count and the caller's context.
func newPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx)
}

// doJSON executes req and decodes a 2xx JSON body into out. Client errors
// (4xx) are permanent; everything else is retryable.
func doJSON(client HTTPClient, req *http.Request, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg)))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
