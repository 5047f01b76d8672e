package main

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/jteoh/virtual-tryon/internal/apperr"
)

// --- JSON Helpers ---

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// httpError sends a JSON error response. The clientMsg is returned to the
// caller. Optional internalDetails are logged server-side but never sent
// to the client, so S3 paths, ARNs and provider payloads stay out of
// responses.
func httpError(w http.ResponseWriter, status int, clientMsg string, internalDetails ...string) {
	if len(internalDetails) > 0 {
		log.Error().
			Int("status", status).
			Str("clientMsg", clientMsg).
			Strs("internalDetails", internalDetails).
			Msg("HTTP error with internal details")
	}
	respondJSON(w, status, map[string]string{"error": clientMsg})
}

// kindStatus maps the closed error-kind set onto HTTP statuses.
func kindStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.KindProviderRejected:
		return http.StatusUnprocessableEntity
	case apperr.KindProviderTransient:
		return http.StatusBadGateway
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError translates a core error into an HTTP response. Known
// kinds carry bounded, caller-safe messages; anything else is logged
// and masked. Quota errors get a Retry-After header from the session's
// remaining lifetime.
func writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		httpError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}

	status := kindStatus(appErr.Kind)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	} else {
		log.Info().Int("status", status).Str("kind", appErr.Kind.String()).Str("msg", appErr.Msg).Msg("Request rejected")
	}

	if appErr.Kind == apperr.KindQuotaExceeded && appErr.RetryAfter > 0 {
		seconds := int64(math.Ceil(appErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}

	msg := appErr.Msg
	if appErr.Kind == apperr.KindStorage || appErr.Kind == apperr.KindUnknown {
		msg = "internal error"
	}
	respondJSON(w, status, map[string]string{
		"error": msg,
		"kind":  appErr.Kind.String(),
	})
}
