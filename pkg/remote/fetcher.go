package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chazu/decisionloader/pkg/loader"
	"github.com/chazu/decisionloader/pkg/metrics"
)

// errorBodyLimit bounds how much of an unexpected response is kept for the error message
const errorBodyLimit = 4 << 10

// Outcome classifies a single fetch attempt
type Outcome int

const (
	// OutcomeSuccess means the document was fetched
	OutcomeSuccess Outcome = iota

	// OutcomeRetryable means the attempt failed transiently and may be retried
	OutcomeRetryable

	// OutcomeTerminal means the attempt failed and must not be retried
	OutcomeTerminal
)

// String returns the outcome name for logs
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Result is the classified outcome of one fetch attempt
type Result struct {
	Outcome Outcome

	// Content is the response body on success
	Content []byte

	// StatusCode is zero when no response was received
	StatusCode int

	// Kind classifies the failure; unset on success
	Kind loader.Kind

	// Err describes the failure
	Err error
}

func failure(outcome Outcome, kind loader.Kind, status int, err error) Result {
	return Result{Outcome: outcome, Kind: kind, StatusCode: status, Err: err}
}

// Fetcher issues single GET requests for documents and classifies the
// response. It never retries.
type Fetcher struct {
	name         string
	baseURL      string
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
}

// NewFetcher creates a fetcher for documents under baseURL. name labels
// metrics; a non-positive maxBodyBytes disables the size limit.
func NewFetcher(name, baseURL string, client *http.Client, timeout time.Duration, maxBodyBytes int64) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		name:         name,
		baseURL:      baseURL,
		client:       client,
		timeout:      timeout,
		maxBodyBytes: maxBodyBytes,
	}
}

// URL returns the address of key. The key is escaped as a single path
// segment, so "/" and "?" in a key cannot change the request path or query.
func (f *Fetcher) URL(key string) string {
	return f.baseURL + "/" + url.PathEscape(key)
}

// Fetch performs one attempt for key with the given headers
func (f *Fetcher) Fetch(ctx context.Context, key string, header http.Header) Result {
	if key == "" {
		return failure(OutcomeTerminal, loader.KindRequestRejected, 0, fmt.Errorf("document key is empty"))
	}
	if err := ctx.Err(); err != nil {
		return failure(OutcomeTerminal, loader.KindCanceled, 0, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, f.URL(key), nil)
	if err != nil {
		return failure(OutcomeTerminal, loader.KindRequestRejected, 0, fmt.Errorf("failed to build request: %w", err))
	}
	for name, values := range header {
		req.Header[name] = values
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.RecordFetch(f.name, "error", time.Since(start).Seconds())
		return f.transportFailure(ctx, err)
	}
	defer resp.Body.Close()

	result := f.classify(ctx, resp)
	metrics.RecordFetch(f.name, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	return result
}

// transportFailure classifies an error with no usable response. The caller's
// own cancellation is terminal; anything else, including the attempt
// timeout, is worth retrying.
func (f *Fetcher) transportFailure(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return failure(OutcomeTerminal, loader.KindCanceled, 0, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %v: %w", f.timeout, err)
	}
	return failure(OutcomeRetryable, loader.KindServerUnavailable, 0, err)
}

func (f *Fetcher) classify(ctx context.Context, resp *http.Response) Result {
	status := resp.StatusCode

	switch {
	case status == http.StatusOK:
		var body io.Reader = resp.Body
		if f.maxBodyBytes > 0 {
			body = io.LimitReader(resp.Body, f.maxBodyBytes+1)
		}
		content, err := io.ReadAll(body)
		if err != nil {
			r := f.transportFailure(ctx, fmt.Errorf("failed to read body: %w", err))
			r.StatusCode = status
			return r
		}
		if f.maxBodyBytes > 0 && int64(len(content)) > f.maxBodyBytes {
			return failure(OutcomeTerminal, loader.KindTooLarge, status,
				fmt.Errorf("document exceeds %d bytes", f.maxBodyBytes))
		}
		return Result{Outcome: OutcomeSuccess, Content: content, StatusCode: status}

	case status >= 500:
		return failure(OutcomeRetryable, loader.KindServerUnavailable, status, statusError(resp))

	case status == http.StatusNotFound:
		return failure(OutcomeTerminal, loader.KindNotFound, status, statusError(resp))

	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		return failure(OutcomeTerminal, loader.KindRequestRejected, status, statusError(resp))

	default:
		return failure(OutcomeTerminal, loader.KindHTTP, status, statusError(resp))
	}
}

// statusError describes a non-200 response, including the start of its body
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if len(body) == 0 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return fmt.Errorf("unexpected status %s: %s", resp.Status, body)
}
