package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jteoh/virtual-tryon/internal/apperr"
	"github.com/jteoh/virtual-tryon/internal/metrics"
	"github.com/jteoh/virtual-tryon/internal/ownerkey"
	"github.com/jteoh/virtual-tryon/internal/provider"
	"github.com/jteoh/virtual-tryon/internal/store"
	"github.com/jteoh/virtual-tryon/internal/tryon"
)

type fakeMedia struct {
	objects map[string][]byte
}

func (f *fakeMedia) UploadURL(ctx context.Context, key, contentType string) (string, error) {
	return "https://bucket.test/put/" + key, nil
}

func (f *fakeMedia) DownloadURL(ctx context.Context, key string) (string, error) {
	return "https://bucket.test/get/" + key, nil
}

func (f *fakeMedia) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "object %s not found", key)
	}
	return data, nil
}

type fakeGenerator struct {
	submitFn func(ctx context.Context, personRef, garmentRef string) (string, error)
	pollFn   func(ctx context.Context, jobID string) (*provider.PollResult, error)
}

func (f *fakeGenerator) Submit(ctx context.Context, personRef, garmentRef string) (string, error) {
	return f.submitFn(ctx, personRef, garmentRef)
}

func (f *fakeGenerator) PollOnce(ctx context.Context, jobID string) (*provider.PollResult, error) {
	return f.pollFn(ctx, jobID)
}

// newTestServer wires the handler globals over a MemoryStore and fakes
// and returns the assembled mux plus the owner key httptest requests
// resolve to.
func newTestServer(t *testing.T) (http.Handler, *store.MemoryStore, *fakeMedia, *fakeGenerator, string) {
	t.Helper()

	ms := store.NewMemoryStore()
	fm := &fakeMedia{objects: map[string][]byte{}}
	gen := &fakeGenerator{
		submitFn: func(ctx context.Context, personRef, garmentRef string) (string, error) {
			return "job-1", nil
		},
		pollFn: func(ctx context.Context, jobID string) (*provider.PollResult, error) {
			return &provider.PollResult{Status: provider.JobProcessing}, nil
		},
	}

	validator := tryon.ValidatorFunc(func(data []byte) (store.ValidationResult, error) {
		if string(data) == "bad" {
			return store.ValidationResult{Valid: false, Detail: "image too small"}, nil
		}
		return store.ValidationResult{Valid: true, Detail: "ok"}, nil
	})

	originVerifySecret = ""
	ownerSalt = "test-salt"
	media = fm
	orch = tryon.New(ms, fm, gen, validator)
	orch.NewRecorder = func() *metrics.Recorder { return metrics.NewTo(io.Discard) }

	// httptest.NewRequest always uses this RemoteAddr.
	owner := ownerkey.Derive(ownerkey.FromForwardedFor("", "192.0.2.1:1234"), ownerSalt)
	return newMux(), ms, fm, gen, owner
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
		}
	}
	return w, decoded
}

func TestHealthEndpoint(t *testing.T) {
	h, _, _, _, _ := newTestServer(t)
	w, body := doJSON(t, h, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestOriginVerifyBlocksDirectAccess(t *testing.T) {
	h, _, _, _, _ := newTestServer(t)
	originVerifySecret = "shared-secret"

	w, _ := doJSON(t, h, http.MethodPost, "/api/session", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 without origin header", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	req.Header.Set("x-origin-verify", "shared-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d with valid origin header", rec.Code)
	}

	// Health stays open for monitors.
	w, _ = doJSON(t, h, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}

func TestSessionEndpointCreates(t *testing.T) {
	h, _, _, _, _ := newTestServer(t)
	w, body := doJSON(t, h, http.MethodPost, "/api/session", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", w.Code, body)
	}
	if body["status"] != "created" {
		t.Errorf("session status = %v", body["status"])
	}
	if body["triesLeft"] != float64(store.MaxTries) {
		t.Errorf("triesLeft = %v", body["triesLeft"])
	}
	if !uuidRegex.MatchString(body["id"].(string)) {
		t.Errorf("id = %v", body["id"])
	}

	// Second call resolves to the same session.
	_, again := doJSON(t, h, http.MethodPost, "/api/session", "")
	if again["id"] != body["id"] {
		t.Errorf("second call created a new session: %v != %v", again["id"], body["id"])
	}
}

func TestSessionIdentityIgnoresForgedForwardedFor(t *testing.T) {
	h, _, _, _, _ := newTestServer(t)

	post := func(forwardedFor string) map[string]interface{} {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		var body map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
		return body
	}

	// The gateway appends the real source address last; the prefix is
	// whatever the caller chose to send. Varying it must not create
	// fresh sessions with fresh quota.
	first := post("10.0.0.1, 203.0.113.9")
	for _, forged := range []string{"10.0.0.2, 203.0.113.9", "10.0.0.3, 203.0.113.9"} {
		if again := post(forged); again["id"] != first["id"] {
			t.Errorf("forged header %q minted a new session %v (want %v)", forged, again["id"], first["id"])
		}
	}

	// A different gateway-appended address is a different caller.
	if other := post("10.0.0.1, 198.51.100.20"); other["id"] == first["id"] {
		t.Error("distinct source addresses must not share a session")
	}
}

func TestGetUploadURLEndpoint(t *testing.T) {
	h, _, _, _, _ := newTestServer(t)

	w, body := doJSON(t, h, http.MethodPost, "/api/get-upload-url", `{"fileType":"image/png"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", w.Code, body)
	}
	key, _ := body["key"].(string)
	if err := validateUploadKey(key); err != nil {
		t.Errorf("minted key %q fails validation: %v", key, err)
	}
	if !strings.HasPrefix(body["uploadUrl"].(string), "https://") {
		t.Errorf("uploadUrl = %v", body["uploadUrl"])
	}

	w, _ = doJSON(t, h, http.MethodPost, "/api/get-upload-url", `{"fileType":"application/pdf"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d for disallowed type", w.Code)
	}
}

// walkToValidated drives a session through upload and validation via
// the HTTP surface and returns its id.
func walkToValidated(t *testing.T, h http.Handler, fm *fakeMedia) string {
	t.Helper()
	_, body := doJSON(t, h, http.MethodPost, "/api/session", "")
	id := body["id"].(string)

	_, up := doJSON(t, h, http.MethodPost, "/api/get-upload-url", `{"fileType":"image/jpeg"}`)
	key := up["key"].(string)
	fm.objects[key] = []byte("good-image")

	w, body := doJSON(t, h, http.MethodPost, "/api/validate", `{"sessionId":"`+id+`","key":"`+key+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("validate status = %d: %v", w.Code, body)
	}
	if body["status"] != "validated" {
		t.Fatalf("status = %v after validation", body["status"])
	}
	return id
}

func TestValidateEndpointRejectsBadImage(t *testing.T) {
	h, _, fm, _, _ := newTestServer(t)
	_, body := doJSON(t, h, http.MethodPost, "/api/session", "")
	id := body["id"].(string)

	_, up := doJSON(t, h, http.MethodPost, "/api/get-upload-url", `{"fileType":"image/jpeg"}`)
	key := up["key"].(string)
	fm.objects[key] = []byte("bad")

	w, body := doJSON(t, h, http.MethodPost, "/api/validate", `{"sessionId":"`+id+`","key":"`+key+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, rejection is not an HTTP error", w.Code)
	}
	if body["status"] != "validation_failed" {
		t.Errorf("status = %v", body["status"])
	}
	if !strings.Contains(body["validationDetail"].(string), "too small") {
		t.Errorf("validationDetail = %v", body["validationDetail"])
	}
}

func TestTryOnFlowEndToEnd(t *testing.T) {
	h, _, fm, gen, _ := newTestServer(t)
	id := walkToValidated(t, h, fm)

	w, body := doJSON(t, h, http.MethodPost, "/api/tryon",
		`{"sessionId":"`+id+`","garmentKey":"uploads/a1b2c3d4-e5f6-7890-abcd-ef1234567890.jpg"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("tryon status = %d: %v", w.Code, body)
	}
	if body["jobId"] != "job-1" {
		t.Errorf("jobId = %v", body["jobId"])
	}
	if body["triesLeft"] != float64(store.MaxTries-1) {
		t.Errorf("triesLeft = %v", body["triesLeft"])
	}

	gen.pollFn = func(ctx context.Context, jobID string) (*provider.PollResult, error) {
		return &provider.PollResult{Status: provider.JobCompleted, ResultRef: "https://cdn.test/out.jpg"}, nil
	}

	w, body = doJSON(t, h, http.MethodGet, "/api/status?sessionId="+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d: %v", w.Code, body)
	}
	if body["status"] != "completed" {
		t.Errorf("status = %v", body["status"])
	}
	if body["resultUrl"] != "https://cdn.test/out.jpg" {
		t.Errorf("resultUrl = %v", body["resultUrl"])
	}
}

func TestTryOnUnvalidatedSessionIsConflict(t *testing.T) {
	h, _, _, _, _ := newTestServer(t)
	_, body := doJSON(t, h, http.MethodPost, "/api/session", "")
	id := body["id"].(string)

	w, body := doJSON(t, h, http.MethodPost, "/api/tryon",
		`{"sessionId":"`+id+`","garmentKey":"uploads/a1b2c3d4-e5f6-7890-abcd-ef1234567890.jpg"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if body["kind"] != "invalid_state" {
		t.Errorf("kind = %v", body["kind"])
	}
}

func TestStatusUnknownSessionIsNotFound(t *testing.T) {
	h, _, _, _, _ := newTestServer(t)
	w, body := doJSON(t, h, http.MethodGet, "/api/status?sessionId=a1b2c3d4-e5f6-7890-abcd-ef1234567890", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if body["kind"] != "not_found" {
		t.Errorf("kind = %v", body["kind"])
	}
}

func TestQuotaExhaustionIsTooManyRequests(t *testing.T) {
	h, ms, fm, _, owner := newTestServer(t)
	id := walkToValidated(t, h, fm)
	ctx := context.Background()

	// Burn the full quota through the store, re-validating after each
	// failed attempt so the session ends validated with zero tries.
	for i := 0; i < store.MaxTries; i++ {
		if _, err := ms.ConsumeQuota(ctx, id, owner); err != nil {
			t.Fatalf("ConsumeQuota() #%d error = %v", i+1, err)
		}
		if _, err := ms.CommitFailure(ctx, id, owner, "generation failed"); err != nil {
			t.Fatalf("CommitFailure() error = %v", err)
		}
		if _, err := ms.RecordValidation(ctx, id, owner, store.ValidationResult{Valid: true, Detail: "ok"}, "uploads/p.jpg"); err != nil {
			t.Fatalf("RecordValidation() error = %v", err)
		}
	}

	w, body := doJSON(t, h, http.MethodPost, "/api/tryon",
		`{"sessionId":"`+id+`","garmentKey":"uploads/a1b2c3d4-e5f6-7890-abcd-ef1234567890.jpg"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %v", w.Code, body)
	}
	if body["kind"] != "quota_exceeded" {
		t.Errorf("kind = %v", body["kind"])
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestInputValidation(t *testing.T) {
	h, _, _, _, _ := newTestServer(t)

	w, _ := doJSON(t, h, http.MethodPost, "/api/validate", `{"sessionId":"not-a-uuid","key":"uploads/a1b2c3d4-e5f6-7890-abcd-ef1234567890.jpg"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad sessionId status = %d", w.Code)
	}

	w, _ = doJSON(t, h, http.MethodPost, "/api/validate", `{"sessionId":"a1b2c3d4-e5f6-7890-abcd-ef1234567890","key":"../etc/passwd"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad key status = %d", w.Code)
	}

	w, _ = doJSON(t, h, http.MethodGet, "/api/session", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("wrong method status = %d", w.Code)
	}
}
