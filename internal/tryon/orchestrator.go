// Package tryon coordinates the try-on flow across the session store,
// the media bucket, the image validator and the generation provider.
//
// The ordering rules live here and nowhere else: a generation job is
// submitted to the provider before quota is charged, so a failed or
// rejected submission never costs the client a try, and a transient
// provider hiccup during a status check never moves a session
// backwards. The store's conditional writes make the commits safe to
// race; this package just has to call them in the right order.
package tryon

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jteoh/virtual-tryon/internal/apperr"
	"github.com/jteoh/virtual-tryon/internal/metrics"
	"github.com/jteoh/virtual-tryon/internal/provider"
	"github.com/jteoh/virtual-tryon/internal/store"
)

// ImageValidator judges an uploaded person image.
type ImageValidator interface {
	Check(data []byte) (store.ValidationResult, error)
}

// ValidatorFunc adapts a plain function to ImageValidator.
type ValidatorFunc func(data []byte) (store.ValidationResult, error)

func (f ValidatorFunc) Check(data []byte) (store.ValidationResult, error) { return f(data) }

// ObjectStore is the slice of the media bucket the orchestrator needs:
// raw bytes for validation and fetchable URLs for the provider.
type ObjectStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	DownloadURL(ctx context.Context, key string) (string, error)
}

// GenerationClient is the provider surface used here. AwaitCompletion
// is deliberately absent: per-request invocations poll once and return.
type GenerationClient interface {
	Submit(ctx context.Context, personRef, garmentRef string) (string, error)
	PollOnce(ctx context.Context, jobID string) (*provider.PollResult, error)
}

// Orchestrator runs the session lifecycle and try-on flows.
type Orchestrator struct {
	Store     store.SessionStore
	Media     ObjectStore
	Generator GenerationClient
	Validator ImageValidator

	// NewRecorder creates the per-operation metrics recorder. Tests
	// point it at a buffer.
	NewRecorder func() *metrics.Recorder
}

// New wires an Orchestrator with stdout metrics.
func New(sessions store.SessionStore, media ObjectStore, generator GenerationClient, validator ImageValidator) *Orchestrator {
	return &Orchestrator{
		Store:       sessions,
		Media:       media,
		Generator:   generator,
		Validator:   validator,
		NewRecorder: metrics.New,
	}
}

// TryOnResult is the outcome of a successful submission.
type TryOnResult struct {
	Session *store.Session
	JobID   string

	// TriesLeft is the quota remaining after this submission.
	TriesLeft int

	// Warning is set when the job was submitted but quota could not be
	// charged because a concurrent submission won the race. The job
	// still runs; the response tells the client which state won.
	Warning string
}

// StartSession returns the caller's current session, creating a fresh
// one when none is live.
func (o *Orchestrator) StartSession(ctx context.Context, ownerKey string) (*store.Session, error) {
	session, err := o.Store.GetOrCreate(ctx, ownerKey)
	if err != nil {
		return nil, err
	}
	log.Info().Str("sessionId", session.ID).Str("status", string(session.Status)).
		Int("triesLeft", session.TriesLeft).Msg("Session resolved")
	return session, nil
}

// Validate fetches the uploaded person image, runs the quality gate
// and records the outcome on the session.
//
// A missing object is recorded as a failed validation rather than an
// error: from the client's point of view "you have not uploaded the
// image yet" is feedback to act on, same as "image too small".
func (o *Orchestrator) Validate(ctx context.Context, sessionID, ownerKey, imageKey string) (*store.Session, error) {
	var result store.ValidationResult

	data, err := o.Media.Fetch(ctx, imageKey)
	switch {
	case err == nil:
		result, err = o.Validator.Check(data)
		if err != nil {
			return nil, err
		}
	case apperr.Is(err, apperr.KindNotFound):
		result = store.ValidationResult{Valid: false, Detail: "uploaded image not found, upload it first"}
	default:
		return nil, err
	}

	session, err := o.Store.RecordValidation(ctx, sessionID, ownerKey, result, imageKey)
	if err != nil {
		return nil, err
	}

	log.Info().Str("sessionId", sessionID).Bool("valid", result.Valid).
		Str("detail", result.Detail).Msg("Validation recorded")
	return session, nil
}

// StartTryOn submits a generation job for a validated session and
// charges one try.
//
// Order matters: the provider accepts the job first, quota is charged
// second. A rejected or failed submission therefore never consumes a
// try. The inverse race (quota consumed by a concurrent submission
// between our submit and our charge) is tolerated: the session record
// already reflects a winning submission, so this one is reported with
// a warning instead of unwinding a job the provider is running.
func (o *Orchestrator) StartTryOn(ctx context.Context, sessionID, ownerKey, garmentKey string) (*TryOnResult, error) {
	rec := o.NewRecorder()
	defer rec.Flush()
	rec.Property("sessionId", sessionID)

	session, err := o.Store.Get(ctx, sessionID, ownerKey)
	if err != nil {
		return nil, err
	}

	// Advisory prechecks. The authoritative check is the conditional
	// write in ConsumeQuota; these just avoid submitting jobs that are
	// certain to be unchargeable.
	if session.TriesLeft <= 0 {
		return nil, apperr.New(apperr.KindQuotaExceeded, "no tries left").
			WithRetryAfter(session.RetryAfter(time.Now()))
	}
	if session.Status != store.StatusValidated {
		return nil, apperr.Newf(apperr.KindInvalidState,
			"try-on requires a validated session (status %s)", session.Status)
	}

	personRef, err := o.Media.DownloadURL(ctx, session.PersonImageRef)
	if err != nil {
		return nil, err
	}
	garmentRef, err := o.Media.DownloadURL(ctx, garmentKey)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	jobID, err := o.Generator.Submit(ctx, personRef, garmentRef)
	rec.Duration("SubmitLatency", time.Since(start))
	if err != nil {
		// Nothing was accepted, nothing is charged.
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Submission failed before quota charge")
		return nil, err
	}
	rec.Count("TryOnSubmitted")

	result := &TryOnResult{JobID: jobID}

	triesLeft, err := o.Store.ConsumeQuota(ctx, sessionID, ownerKey)
	switch {
	case err == nil:
		rec.Count("QuotaConsumed")
		result.TriesLeft = triesLeft
	case apperr.Is(err, apperr.KindQuotaExceeded) || apperr.Is(err, apperr.KindInvalidState):
		// Lost the race to a concurrent submission after the provider
		// accepted this job. Keep the job, surface a warning.
		log.Warn().Err(err).Str("sessionId", sessionID).Str("jobId", jobID).
			Msg("Job submitted but quota charge lost a concurrent race")
		result.Warning = "a concurrent try-on was already in flight for this session"
	default:
		return nil, err
	}

	attached, attachErr := o.Store.AttachJob(ctx, sessionID, ownerKey, jobID)
	if attachErr != nil {
		// Bookkeeping only. The job id is still returned to the caller,
		// but the response must still reflect the real session state, so
		// fall back to a plain read.
		log.Warn().Err(attachErr).Str("sessionId", sessionID).Str("jobId", jobID).Msg("Could not attach job id")
		if attached, attachErr = o.Store.Get(ctx, sessionID, ownerKey); attachErr != nil {
			log.Warn().Err(attachErr).Str("sessionId", sessionID).Msg("Could not re-read session after attach failure")
			attached = nil
		}
	}
	if attached != nil {
		result.Session = attached
		if result.Warning != "" {
			result.TriesLeft = attached.TriesLeft
		}
	}

	log.Info().Str("sessionId", sessionID).Str("jobId", jobID).
		Int("triesLeft", result.TriesLeft).Msg("Try-on started")
	return result, nil
}

// Status returns the session's current state, refreshing it from the
// provider when a job is in flight.
//
// A transient poll failure returns the cached record unchanged: the
// job may still be running and a blip must not look like a failure.
// Terminal commits are conditional in the store, so overlapping status
// checks settle on exactly one outcome.
func (o *Orchestrator) Status(ctx context.Context, sessionID, ownerKey string) (*store.Session, error) {
	session, err := o.Store.Get(ctx, sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	if session.Status != store.StatusProcessing || session.JobID == "" {
		return session, nil
	}

	rec := o.NewRecorder()
	defer rec.Flush()
	rec.Property("sessionId", sessionID)
	rec.Property("jobId", session.JobID)

	poll, err := o.Generator.PollOnce(ctx, session.JobID)
	if err != nil {
		if apperr.Is(err, apperr.KindProviderRejected) {
			// The provider does not know the job. It will never
			// complete; fail the session so the try is not stranded.
			return o.commitFailure(ctx, rec, session, "generation job lost by provider")
		}
		log.Warn().Err(err).Str("sessionId", sessionID).Str("jobId", session.JobID).
			Msg("Status poll failed, returning cached state")
		return session, nil
	}

	switch poll.Status {
	case provider.JobCompleted:
		updated, err := o.Store.CommitResult(ctx, sessionID, ownerKey, poll.ResultRef)
		if apperr.Is(err, apperr.KindInvalidState) {
			// Another poller committed first. Re-read and return the
			// settled record.
			return o.Store.Get(ctx, sessionID, ownerKey)
		}
		if err != nil {
			return nil, err
		}
		rec.Count("TryOnCompleted")
		log.Info().Str("sessionId", sessionID).Str("jobId", session.JobID).Msg("Try-on completed")
		return updated, nil

	case provider.JobFailed, provider.JobCanceled:
		detail := poll.ErrorDetail
		if detail == "" {
			detail = "generation " + string(poll.Status)
		}
		return o.commitFailure(ctx, rec, session, detail)

	default:
		return session, nil
	}
}

func (o *Orchestrator) commitFailure(ctx context.Context, rec *metrics.Recorder, session *store.Session, detail string) (*store.Session, error) {
	updated, err := o.Store.CommitFailure(ctx, session.ID, session.OwnerKey, detail)
	if err != nil {
		return nil, err
	}
	rec.Count("TryOnFailed")
	log.Info().Str("sessionId", session.ID).Str("jobId", session.JobID).
		Str("detail", detail).Msg("Try-on failed")
	return updated, nil
}
