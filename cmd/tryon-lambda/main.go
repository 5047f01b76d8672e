// Package main provides the Lambda entry point for the virtual try-on API.
//
// It fronts the session lifecycle and try-on orchestration behind API
// Gateway, with S3 for media and DynamoDB for session state.
//
// Security:
//   - Origin-verify middleware blocks direct API Gateway access (CloudFront-only)
//   - Input validation on sessionId (UUID) and S3 object keys
//   - Content-type allowlist for uploads
//   - Callers are identified by a salted hash of the client IP; the raw
//     address is never persisted
//
// Endpoints:
//
//	GET  /api/health          health check (no auth required)
//	POST /api/get-upload-url  presigned S3 PUT URL for browser upload
//	POST /api/session         get-or-create the caller's session
//	POST /api/validate        validate an uploaded person image
//	POST /api/tryon           submit a try-on generation (charges one try)
//	GET  /api/status          session status; polls the provider when a job is in flight
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/jteoh/virtual-tryon/internal/imagecheck"
	"github.com/jteoh/virtual-tryon/internal/lambdaboot"
	"github.com/jteoh/virtual-tryon/internal/logging"
	"github.com/jteoh/virtual-tryon/internal/ownerkey"
	"github.com/jteoh/virtual-tryon/internal/provider"
	"github.com/jteoh/virtual-tryon/internal/store"
	"github.com/jteoh/virtual-tryon/internal/tryon"
)

// mediaAPI is the slice of s3util.Media the handlers call directly.
type mediaAPI interface {
	UploadURL(ctx context.Context, key, contentType string) (string, error)
	DownloadURL(ctx context.Context, key string) (string, error)
}

// Initialized at cold start.
var (
	orch               *tryon.Orchestrator
	media              mediaAPI
	originVerifySecret string
	ownerSalt          string
)

func init() {
	logging.Init()
}

// withOriginVerify rejects requests lacking the correct x-origin-verify
// header. CloudFront injects the header via a custom origin header, so
// direct API Gateway access is blocked.
func withOriginVerify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if originVerifySecret == "" {
			// Secret not configured. Allow through (dev/initial deploy).
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path != "/api/health" && r.Header.Get("x-origin-verify") != originVerifySecret {
			log.Warn().Str("path", r.URL.Path).Msg("Blocked request: missing or invalid x-origin-verify header")
			httpError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ownerKeyFor derives the caller's stable anonymous identity for this
// request. API Gateway appends the source address to X-Forwarded-For.
func ownerKeyFor(r *http.Request) string {
	return ownerkey.Derive(ownerkey.FromForwardedFor(r.Header.Get("X-Forwarded-For"), r.RemoteAddr), ownerSalt)
}

func newMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handleHealth)
	mux.HandleFunc("/api/get-upload-url", handleGetUploadURL)
	mux.HandleFunc("/api/session", handleSession)
	mux.HandleFunc("/api/validate", handleValidate)
	mux.HandleFunc("/api/tryon", handleTryOn)
	mux.HandleFunc("/api/status", handleStatus)
	return withOriginVerify(mux)
}

func main() {
	initStart := time.Now()

	aws := lambdaboot.InitAWS()
	sessions := lambdaboot.InitDynamo(aws.Config, "SESSION_TABLE_NAME")
	bucket := lambdaboot.InitMedia(aws.Config, "MEDIA_BUCKET_NAME")

	providerURL := os.Getenv("TRYON_API_URL")
	if providerURL == "" {
		log.Fatal().Msg("TRYON_API_URL environment variable is required")
	}
	generator := provider.NewClient(providerURL, lambdaboot.LoadProviderKey(aws.SSM))

	originVerifySecret = os.Getenv("ORIGIN_VERIFY_SECRET")
	if originVerifySecret == "" {
		log.Warn().Msg("ORIGIN_VERIFY_SECRET not set, origin verification disabled")
	}
	ownerSalt = os.Getenv("OWNER_KEY_SALT")
	if ownerSalt == "" {
		log.Warn().Msg("OWNER_KEY_SALT not set, owner keys derived from unsalted addresses")
	}

	validator := tryon.ValidatorFunc(func(data []byte) (store.ValidationResult, error) {
		result, err := imagecheck.Check(data)
		if err != nil {
			return store.ValidationResult{}, err
		}
		return store.ValidationResult{Valid: result.Valid, Detail: result.Detail}, nil
	})

	media = bucket
	orch = tryon.New(sessions, bucket, generator, validator)

	logging.LogStartup("tryon-lambda", time.Since(initStart), map[string]string{
		"sessionTable": os.Getenv("SESSION_TABLE_NAME"),
		"mediaBucket":  os.Getenv("MEDIA_BUCKET_NAME"),
		"providerUrl":  providerURL,
	})

	adapter := httpadapter.NewV2(newMux())
	lambda.Start(adapter.ProxyWithContext)
}
