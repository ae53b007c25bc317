package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Retry policy, matching the teacher's architecture-doc budget for its own
// HTTP collaborator: base 1s, factor 2x, max 60s, +/-25% jitter, 5 retries.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Client is the hand-rolled net/http implementation of Replicator. It
// speaks enough of the CouchDB HTTP API (root ping, PUT/DELETE database,
// _all_docs, _bulk_docs, _local documents for the salt) to satisfy the
// core's needs without a dedicated SDK, none being available anywhere in
// the retrieval pack.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error

	onDocuments OnDocuments
	flags       Flags

	liveCancel context.CancelFunc
}

// New constructs a Client. httpClient and logger may be nil to get
// sensible defaults (http.DefaultClient, slog.Default()).
func New(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// SetOnDocuments registers the callback invoked when replicated documents
// arrive, whether from a one-shot pull or the live feed.
func (c *Client) SetOnDocuments(fn OnDocuments) { c.onDocuments = fn }

// Flags returns the replicator-owned flags the core reads before every
// start_sync and one-shot operation.
func (c *Client) Flags() Flags { return c.flags }

func dbURL(settings Settings, suffix string) string {
	base := strings.TrimRight(settings.URI, "/")

	return fmt.Sprintf("%s/%s%s", base, settings.DBName, suffix)
}

// doRetry executes an authenticated HTTP request with retry on transient
// network errors and retryable HTTP statuses, grounded on the teacher's
// graph.Client.doRetry.
func (c *Client) doRetry(ctx context.Context, settings Settings, method, url string, body io.Reader) (*http.Response, error) {
	var attempt int

	for {
		resp, err := c.doOnce(ctx, settings, method, url, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("replicator: request canceled: %w", ctx.Err())
			}

			if attempt >= maxRetries {
				return nil, fmt.Errorf("%w: %s %s failed after %d retries: %v", ErrNetwork, method, url, maxRetries, err)
			}

			backoff := c.calcBackoff(attempt)
			c.logger.Warn("retrying after network error",
				"method", method, "url", url, "attempt", attempt+1, "backoff", backoff, "error", err)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("replicator: request canceled: %w", sleepErr)
			}

			attempt++

			continue
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				"method", method, "url", url, "status", resp.StatusCode, "attempt", attempt+1, "backoff", backoff)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("replicator: request canceled: %w", sleepErr)
			}

			attempt++

			continue
		}

		return nil, &ServerError{StatusCode: resp.StatusCode, Message: string(errBody), Err: classifyStatus(resp.StatusCode)}
	}
}

func (c *Client) doOnce(ctx context.Context, settings Settings, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("replicator: creating request: %w", err)
	}

	if settings.User != "" {
		req.SetBasicAuth(settings.User, settings.Password)
	}

	if settings.UserAgent != "" {
		req.Header.Set("User-Agent", settings.UserAgent)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// wireDoc is the wire representation of a CouchDB document as delivered by
// _all_docs/_bulk_docs, narrowed to the fields the core's MetaEntry needs.
type wireDoc struct {
	ID        string   `json:"_id"`
	Rev       string   `json:"_rev"`
	Path      string   `json:"path"`
	MtimeMs   int64    `json:"mtime"`
	CtimeMs   int64    `json:"ctime"`
	Size      int64    `json:"size"`
	Type      string   `json:"type"`
	Children  []string `json:"children"`
	Deleted   bool     `json:"deleted,omitempty"`
	Conflicts []string `json:"_conflicts,omitempty"`
}

func decodeWireDocs(r io.Reader) ([]wireDoc, error) {
	var envelope struct {
		Rows []struct {
			Doc wireDoc `json:"doc"`
		} `json:"rows"`
	}

	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("replicator: decoding document batch: %w", err)
	}

	docs := make([]wireDoc, 0, len(envelope.Rows))
	for _, row := range envelope.Rows {
		docs = append(docs, row.Doc)
	}

	return docs, nil
}
