// Package provider is the client for the external try-on generation
// service. It owns the wire contract ({id, status, output[], error}),
// transient-failure retry on submission, and the two polling styles the
// orchestrator and tooling need: a single non-blocking status check
// (PollOnce) driven by stateless per-request invocations, and a bounded
// blocking loop (AwaitCompletion) for synchronous callers.
//
// Failure classification is the point of this package: a fatal
// provider rejection (bad input, auth) must look different from a
// transient outage, because the orchestrator charges quota only for
// jobs the provider actually accepted.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jteoh/virtual-tryon/internal/apperr"
)

const (
	// defaultTimeout is the HTTP client timeout for provider calls.
	defaultTimeout = 30 * time.Second

	// Submission retry settings: base delay doubles per attempt.
	maxSubmitAttempts      = 3
	defaultSubmitBaseDelay = 500 * time.Millisecond

	// Poll settings for AwaitCompletion.
	defaultPollInterval    = 3 * time.Second
	defaultMaxPollAttempts = 60

	// maxDetailLen bounds provider-supplied diagnostics before they
	// are stored or surfaced.
	maxDetailLen = 500
)

// JobStatus is a generation job's state as reported by the provider,
// normalised from the wire statuses.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCanceled   JobStatus = "canceled"
)

// PollResult is the outcome of a single status check.
type PollResult struct {
	Status      JobStatus
	ResultRef   string // set when Status == JobCompleted
	ErrorDetail string // set when Status == JobFailed or JobCanceled
}

// Client talks to the try-on generation API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	submitBaseDelay time.Duration
	pollInterval    time.Duration
	maxPollAttempts int
}

// NewClient creates a provider client. baseURL is the API root
// (e.g. https://api.example.com); apiKey is sent as a bearer token.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: defaultTimeout},
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		submitBaseDelay: defaultSubmitBaseDelay,
		pollInterval:    defaultPollInterval,
		maxPollAttempts: defaultMaxPollAttempts,
	}
}

// --- Wire types ---

// jobRequest is the creation payload. Both refs are publicly fetchable
// URLs (presigned S3 GET URLs in production).
type jobRequest struct {
	PersonImage  string `json:"personImage"`
	GarmentImage string `json:"garmentImage"`
}

// jobResponse is the provider's job representation, returned by both
// creation and status endpoints.
type jobResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"` // starting, processing, succeeded, failed, canceled
	Output []string `json:"output,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// normalizeStatus maps wire statuses onto JobStatus. Unknown statuses
// are reported as an error so a provider contract change is noticed
// instead of silently treated as progress.
func normalizeStatus(wire string) (JobStatus, error) {
	switch wire {
	case "starting", "processing":
		return JobProcessing, nil
	case "succeeded":
		return JobCompleted, nil
	case "failed":
		return JobFailed, nil
	case "canceled":
		return JobCanceled, nil
	default:
		return "", fmt.Errorf("unknown job status %q", wire)
	}
}

// --- Submission ---

// Submit creates a generation job and returns its id.
//
// Transport failures and 408/429/5xx responses are retried with
// exponential backoff up to maxSubmitAttempts; any other decoded
// response ends the loop immediately: a 2xx means the job exists, and
// a fatal 4xx means retrying would just be rejected again. Duplicate
// provider-side jobs are only possible when the transport gave us no
// response at all.
func (c *Client) Submit(ctx context.Context, personRef, garmentRef string) (string, error) {
	if err := validateRef("person image", personRef); err != nil {
		return "", err
	}
	if err := validateRef("garment image", garmentRef); err != nil {
		return "", err
	}

	body, err := json.Marshal(jobRequest{PersonImage: personRef, GarmentImage: garmentRef})
	if err != nil {
		return "", fmt.Errorf("marshal job request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxSubmitAttempts; attempt++ {
		if attempt > 0 {
			delay := c.submitBaseDelay << (attempt - 1)
			log.Debug().Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying job submission")
			select {
			case <-ctx.Done():
				return "", apperr.Wrap(apperr.KindProviderTransient, "submission canceled", ctx.Err())
			case <-time.After(delay):
			}
		}

		job, retryable, reqErr := c.doSubmit(ctx, body)
		if reqErr == nil {
			log.Info().Str("jobId", job.ID).Msg("Generation job submitted")
			return job.ID, nil
		}
		if !retryable {
			return "", reqErr
		}
		lastErr = reqErr
	}

	return "", apperr.Wrap(apperr.KindProviderTransient,
		fmt.Sprintf("submission failed after %d attempts", maxSubmitAttempts), lastErr)
}

// doSubmit performs one submission request. The second return value
// reports whether the failure is retryable.
func (c *Client) doSubmit(ctx context.Context, body []byte) (*jobResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tryon", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// No response at all: the request may or may not have been
		// received, but the allow-list treats transport failure as
		// unacknowledged and retries.
		log.Debug().Err(err).Dur("duration", time.Since(start)).Msg("Submission transport failure")
		return nil, true, err
	}
	defer resp.Body.Close()

	log.Debug().Int("statusCode", resp.StatusCode).Dur("duration", time.Since(start)).Msg("Provider submit response")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if transientHTTPStatus(resp.StatusCode) {
		return nil, true, fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Fatal rejection: bad input or auth. Never retried, and the
		// orchestrator will not charge quota for it.
		detail := rejectionDetail(raw, resp.StatusCode)
		return nil, false, apperr.New(apperr.KindProviderRejected, detail)
	}

	var job jobResponse
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, false, apperr.Wrap(apperr.KindProviderTransient, "undecodable provider response", err)
	}
	if job.ID == "" {
		return nil, false, apperr.New(apperr.KindProviderTransient, "provider response missing job id")
	}
	return &job, false, nil
}

// --- Polling ---

// PollOnce performs a single status check for the job. Transport
// failures are retried at most once; callers drive their own loops,
// so aggressive retry here would just stack delays.
func (c *Client) PollOnce(ctx context.Context, jobID string) (*PollResult, error) {
	result, err := c.doPoll(ctx, jobID)
	if err == nil {
		return result, nil
	}
	if apperr.KindOf(err) == apperr.KindProviderRejected {
		return nil, err
	}

	log.Debug().Err(err).Str("jobId", jobID).Msg("Status poll failed, retrying once")
	result, err2 := c.doPoll(ctx, jobID)
	if err2 != nil {
		if apperr.KindOf(err2) == apperr.KindProviderRejected {
			return nil, err2
		}
		return nil, apperr.Wrap(apperr.KindProviderTransient, "status poll failed", err2)
	}
	return result, nil
}

func (c *Client) doPoll(ctx context.Context, jobID string) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tryon/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.Newf(apperr.KindProviderRejected, "job %s not known to provider", jobID)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	var job jobResponse
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	status, err := normalizeStatus(job.Status)
	if err != nil {
		return nil, err
	}

	result := &PollResult{Status: status}
	switch status {
	case JobCompleted:
		if len(job.Output) == 0 || job.Output[0] == "" {
			return nil, fmt.Errorf("job %s completed without output", jobID)
		}
		result.ResultRef = job.Output[0]
	case JobFailed, JobCanceled:
		result.ErrorDetail = truncate(job.Error, maxDetailLen)
	}
	return result, nil
}

// ProgressFunc is called once per completed poll attempt.
type ProgressFunc func(attempt int, status JobStatus)

// AwaitCompletion polls the job at a fixed interval until it reaches a
// terminal state, the attempt budget runs out (apperr.KindTimeout), or
// ctx is done. failed/canceled jobs surface as KindProviderRejected
// carrying the provider's detail; the message is always prefixed with
// "generation <status>" so callers can tell a job that failed after
// acceptance (quota already charged) apart from a rejected submission
// (never charged), which shares the kind.
//
// This is the blocking path for CLI and script callers; the production
// status endpoint drives PollOnce itself so an invocation never holds
// a connection open for the job's full duration.
func (c *Client) AwaitCompletion(ctx context.Context, jobID string, onProgress ProgressFunc) (string, error) {
	for attempt := 1; attempt <= c.maxPollAttempts; attempt++ {
		result, err := c.PollOnce(ctx, jobID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindProviderRejected {
				return "", err
			}
			// Transient poll failure: spend the attempt and keep going.
			log.Warn().Err(err).Str("jobId", jobID).Int("attempt", attempt).Msg("Poll attempt failed")
		} else {
			if onProgress != nil {
				onProgress(attempt, result.Status)
			}
			switch result.Status {
			case JobCompleted:
				return result.ResultRef, nil
			case JobFailed, JobCanceled:
				detail := result.ErrorDetail
				if detail == "" {
					detail = string(result.Status)
				}
				return "", apperr.Newf(apperr.KindProviderRejected, "generation %s: %s", result.Status, detail)
			}
		}

		if attempt == c.maxPollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", apperr.Wrap(apperr.KindTimeout, "wait canceled", ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}

	return "", apperr.Newf(apperr.KindTimeout, "job %s not done after %d polls", jobID, c.maxPollAttempts)
}

// --- Helpers ---

// validateRef checks that an image reference is a fetchable URL before
// any network call is made.
func validateRef(label, ref string) error {
	if ref == "" {
		return apperr.Newf(apperr.KindProviderRejected, "%s reference is empty", label)
	}
	if !strings.HasPrefix(ref, "https://") && !strings.HasPrefix(ref, "http://") {
		return apperr.Newf(apperr.KindProviderRejected, "%s reference is not a fetchable URL", label)
	}
	return nil
}

// transientHTTPStatus is the retry allow-list: request timeout,
// rate-limited, and server errors.
func transientHTTPStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// rejectionDetail builds a bounded, scrubbed message from a fatal 4xx
// body. Only the provider's error field is surfaced, never the raw
// payload.
func rejectionDetail(raw []byte, statusCode int) string {
	var job jobResponse
	if err := json.Unmarshal(raw, &job); err == nil && job.Error != "" {
		return truncate(job.Error, maxDetailLen)
	}
	return fmt.Sprintf("provider rejected request (%d)", statusCode)
}

// truncate returns the first n bytes of s.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
