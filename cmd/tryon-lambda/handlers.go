package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jteoh/virtual-tryon/internal/store"
)

// --- Input Validation ---

// uuidRegex matches UUID v4 format: 8-4-4-4-12 lowercase hex with dashes.
var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// uploadKeyRegex matches keys minted by handleGetUploadURL. Anything
// else is rejected before it reaches S3.
var uploadKeyRegex = regexp.MustCompile(`^uploads/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.(jpg|png|webp)$`)

// allowedUploadTypes maps the accepted upload content types to the
// object key extension they are stored under.
var allowedUploadTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

func validateSessionID(id string) error {
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid sessionId: must be a UUID")
	}
	return nil
}

func validateUploadKey(key string) error {
	if strings.Contains(key, "..") || !uploadKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid key format: expected uploads/<uuid>.<ext>")
	}
	return nil
}

// sessionResponse is the client-facing view of a session.
type sessionResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	TriesLeft        int    `json:"triesLeft"`
	ValidationDetail string `json:"validationDetail,omitempty"`
	JobID            string `json:"jobId,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ResultURL        string `json:"resultUrl,omitempty"`
	Warning          string `json:"warning,omitempty"`
	ExpiresAt        int64  `json:"expiresAt"`
}

// toSessionResponse shapes a session for the client, minting a result
// URL for completed sessions. Provider-hosted results are passed
// through; bucket-hosted results are presigned fresh on every read.
func toSessionResponse(r *http.Request, s *store.Session) sessionResponse {
	resp := sessionResponse{
		ID:               s.ID,
		Status:           string(s.Status),
		TriesLeft:        s.TriesLeft,
		ValidationDetail: s.ValidationDetail,
		JobID:            s.JobID,
		ErrorMessage:     s.ErrorMessage,
		ExpiresAt:        s.ExpiresAt,
	}
	if s.Status == store.StatusCompleted && s.ResultRef != "" {
		if strings.HasPrefix(s.ResultRef, "https://") {
			resp.ResultURL = s.ResultRef
		} else if url, err := media.DownloadURL(r.Context(), s.ResultRef); err == nil {
			resp.ResultURL = url
		} else {
			log.Error().Err(err).Str("resultRef", s.ResultRef).Msg("Failed to presign result URL")
		}
	}
	return resp
}

// --- Health ---

func handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "virtual-tryon",
	})
}

// --- Presigned Upload URL ---

// POST /api/get-upload-url {"fileType": "image/jpeg"}
// Returns a presigned S3 PUT URL so the browser uploads directly to S3.
// The object key is minted server-side; clients never choose keys.
func handleGetUploadURL(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Handler entry: handleGetUploadURL")

	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		FileType string `json:"fileType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ext, ok := allowedUploadTypes[req.FileType]
	if !ok {
		log.Warn().Str("fileType", req.FileType).Msg("Unsupported upload content type")
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s, use JPEG, PNG or WebP", req.FileType))
		return
	}

	key := "uploads/" + uuid.NewString() + ext
	url, err := media.UploadURL(r.Context(), key, req.FileType)
	if err != nil {
		writeAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"uploadUrl": url,
		"key":       key,
	})
}

// --- Session ---

// POST /api/session
// Returns the caller's live session, creating one when none exists.
func handleSession(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Handler entry: handleSession")

	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	session, err := orch.StartSession(r.Context(), ownerKeyFor(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toSessionResponse(r, session))
}

// --- Validation ---

// POST /api/validate {"sessionId": "...", "key": "uploads/<uuid>.jpg"}
// Runs the image quality gate over the uploaded object and records the
// outcome on the session. A rejected image is a 200 with
// status=validation_failed, not an error: the client acts on the detail.
func handleValidate(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Handler entry: handleValidate")

	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
		Key       string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateSessionID(req.SessionID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateUploadKey(req.Key); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := orch.Validate(r.Context(), req.SessionID, ownerKeyFor(r), req.Key)
	if err != nil {
		writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toSessionResponse(r, session))
}

// --- Try-On ---

// POST /api/tryon {"sessionId": "...", "garmentKey": "uploads/<uuid>.jpg"}
// Submits a generation job for a validated session and charges one try.
func handleTryOn(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Handler entry: handleTryOn")

	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SessionID  string `json:"sessionId"`
		GarmentKey string `json:"garmentKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateSessionID(req.SessionID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateUploadKey(req.GarmentKey); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := orch.StartTryOn(r.Context(), req.SessionID, ownerKeyFor(r), req.GarmentKey)
	if err != nil {
		writeAppError(w, err)
		return
	}

	resp := map[string]interface{}{
		"jobId":     result.JobID,
		"triesLeft": result.TriesLeft,
	}
	if result.Warning != "" {
		resp["warning"] = result.Warning
	}
	if result.Session != nil {
		resp["status"] = string(result.Session.Status)
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// --- Status ---

// GET /api/status?sessionId=...
// Returns the session's current state. When a job is in flight the
// provider is polled once; a transient poll failure returns the cached
// processing state rather than an error.
func handleStatus(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Handler entry: handleStatus")

	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if err := validateSessionID(sessionID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := orch.Status(r.Context(), sessionID, ownerKeyFor(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toSessionResponse(r, session))
}
