package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/llm"
	"github.com/bookforge/bookforge/internal/metrics"
	"github.com/bookforge/bookforge/internal/orchestrator"
	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/internal/queue"
	"github.com/bookforge/bookforge/internal/store"
	"github.com/bookforge/bookforge/pkg/models"
)

// scriptedText answers each pipeline prompt with canned output keyed on the
// default template wording
type scriptedText struct{}

func (scriptedText) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	switch {
	case strings.Contains(req.Prompt, "development editor"):
		return &llm.GenerateResponse{Text: `{"title":"T","premise":"A premise that holds.","themes":["x"],"tone":"dry"}`}, nil
	case strings.Contains(req.Prompt, "style director"):
		return &llm.GenerateResponse{Text: `{"voice":"plain","pointOfView":"third-limited","tense":"past","styleRules":["short"]}`}, nil
	case strings.Contains(req.Prompt, "story architect"):
		return &llm.GenerateResponse{Text: `{"title":"T","blurb":"B","chapters":[{"title":"C1","scenes":[{"title":"S1","summary":"s","targetWords":30}]}]}`}, nil
	case strings.Contains(req.Prompt, "author writing one scene"):
		return &llm.GenerateResponse{Text: strings.Repeat("word ", 40)}, nil
	default:
		return &llm.GenerateResponse{Text: "a brief"}, nil
	}
}

type readyCover struct{}

func (readyCover) Render(_ context.Context, job *models.Job, _ *phase.CoverInput) (*models.CoverArtifact, models.Usage, error) {
	return &models.CoverArtifact{Status: models.CoverReady, ImageURL: "/artifacts/jobs/" + job.ID + "/cover.png", Attempts: 1}, models.Usage{}, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.AuthTokens = map[string]string{
		"token-alice": "alice",
		"token-bob":   "bob",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &phase.Env{Text: scriptedText{}, Cover: readyCover{}, Templates: cfg.Templates}
	controller := orchestrator.NewController(store.NewMemory(), queue.NewMemory(), env, cfg, metrics.NewCollector(), logger)
	srv := New(controller, cfg, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func request(t *testing.T, ts *httptest.Server, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

const validCreate = `{"prompt":"A lighthouse keeper receives letters from the sea","targetLengthWords":10000}`

func createJob(t *testing.T, ts *httptest.Server, token string) string {
	t.Helper()
	resp, body := request(t, ts, http.MethodPost, "/jobs", token, validCreate)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}
	var out struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
		Mode   string `json:"mode"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "queued" || out.Mode != "draft" || out.JobID == "" {
		t.Fatalf("create body = %+v", out)
	}
	return out.JobID
}

func TestAuthentication(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := request(t, ts, http.MethodPost, "/jobs", "", validCreate)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}
	var eb struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &eb)
	if eb.Code != "UNAUTHORIZED" {
		t.Errorf("code = %q", eb.Code)
	}

	resp, _ = request(t, ts, http.MethodPost, "/jobs", "token-wrong", validCreate)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d", resp.StatusCode)
	}
}

func TestCreateAndStatus(t *testing.T) {
	_, ts := newTestServer(t)
	jobID := createJob(t, ts, "token-alice")

	resp, body := request(t, ts, http.MethodGet, "/jobs/"+jobID, "token-alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap map[string]json.RawMessage
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	// step and error are explicit nulls in the snapshot shape
	for _, field := range []string{"jobId", "status", "progress", "step", "error", "createdAt", "updatedAt"} {
		if _, ok := snap[field]; !ok {
			t.Errorf("snapshot missing field %q", field)
		}
	}
	if string(snap["status"]) != `"queued"` {
		t.Errorf("status field = %s", snap["status"])
	}
}

func TestCreateValidationError(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := request(t, ts, http.MethodPost, "/jobs", "token-alice", `{"prompt":"short"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var eb struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	_ = json.Unmarshal(body, &eb)
	if eb.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q, body %s", eb.Code, body)
	}
	if eb.Details["Prompt"] == "" {
		t.Errorf("details missing failed field, body %s", body)
	}

	resp, _ = request(t, ts, http.MethodPost, "/jobs", "token-alice", `{"prompt":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", resp.StatusCode)
	}
}

func TestOwnerScoping(t *testing.T) {
	_, ts := newTestServer(t)
	jobID := createJob(t, ts, "token-alice")

	resp, body := request(t, ts, http.MethodGet, "/jobs/"+jobID, "token-bob", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign job: status = %d, body %s", resp.StatusCode, body)
	}
	resp, _ = request(t, ts, http.MethodPost, "/jobs/"+jobID+"/cancel", "token-bob", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign cancel: status = %d", resp.StatusCode)
	}
}

func TestUnknownJob(t *testing.T) {
	_, ts := newTestServer(t)
	resp, body := request(t, ts, http.MethodGet, "/jobs/nope", "token-alice", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var eb struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &eb)
	if eb.Code != "NOT_FOUND" {
		t.Errorf("code = %q", eb.Code)
	}
}

func TestManuscriptConflictBeforeTerminal(t *testing.T) {
	_, ts := newTestServer(t)
	jobID := createJob(t, ts, "token-alice")

	resp, body := request(t, ts, http.MethodGet, "/jobs/"+jobID+"/manuscript", "token-alice", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Error    string `json:"error"`
		Status   string `json:"status"`
		Progress *int   `json:"progress"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error == "" || out.Status != "queued" || out.Progress == nil || out.Message == "" {
		t.Errorf("conflict body = %s", body)
	}
}

func TestTickDrivesJobToManuscript(t *testing.T) {
	_, ts := newTestServer(t)
	jobID := createJob(t, ts, "token-alice")

	var status string
	for i := 0; i < 10; i++ {
		resp, body := request(t, ts, http.MethodPost, "/jobs/"+jobID+"/tick", "token-alice", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("tick status = %d, body %s", resp.StatusCode, body)
		}
		var snap struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &snap); err != nil {
			t.Fatal(err)
		}
		status = snap.Status
		if status == "complete" || status == "failed" {
			break
		}
	}
	if status != "complete" {
		t.Fatalf("job ended %q", status)
	}

	resp, body := request(t, ts, http.MethodGet, "/jobs/"+jobID+"/manuscript", "token-alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manuscript status = %d", resp.StatusCode)
	}
	var ms struct {
		Title    string `json:"title"`
		Chapters []struct {
			Sections []struct {
				Text string `json:"text"`
			} `json:"sections"`
		} `json:"chapters"`
		Cover string `json:"cover"`
	}
	if err := json.Unmarshal(body, &ms); err != nil {
		t.Fatal(err)
	}
	if ms.Title != "T" || len(ms.Chapters) != 1 || len(ms.Chapters[0].Sections) != 1 {
		t.Errorf("manuscript shape = %s", body)
	}
	if ms.Cover == "" {
		t.Error("manuscript has no cover url")
	}

	resp, body = request(t, ts, http.MethodGet, "/jobs/"+jobID+"/checkpoints", "token-alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkpoints status = %d", resp.StatusCode)
	}
	var cps []struct {
		Phase     string `json:"phase"`
		Index     int    `json:"index"`
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(body, &cps); err != nil {
		t.Fatal(err)
	}
	if len(cps) != 6 {
		t.Errorf("checkpoint count = %d, body %s", len(cps), body)
	}
	for _, cp := range cps {
		if cp.Phase == "" || cp.CreatedAt == "" {
			t.Errorf("checkpoint entry = %+v", cp)
		}
	}
}

func TestCancelFlow(t *testing.T) {
	_, ts := newTestServer(t)
	jobID := createJob(t, ts, "token-alice")

	resp, body := request(t, ts, http.MethodPost, "/jobs/"+jobID+"/cancel", "token-alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	var snap struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != "cancelled" {
		t.Errorf("status = %q", snap.Status)
	}

	resp, body = request(t, ts, http.MethodPost, "/jobs/"+jobID+"/cancel", "token-alice", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel: status = %d", resp.StatusCode)
	}
	var eb struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &eb)
	if eb.Code != "CONFLICT" {
		t.Errorf("code = %q", eb.Code)
	}
}

func TestCreateRateLimit(t *testing.T) {
	srv, ts := newTestServer(t)
	// Exhaust the burst without refill
	srv.createLimiter.SetLimit(0)
	srv.createLimiter.SetBurst(1)

	resp, _ := request(t, ts, http.MethodPost, "/jobs", "token-alice", validCreate)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status = %d", resp.StatusCode)
	}
	resp, body := request(t, ts, http.MethodPost, "/jobs", "token-alice", validCreate)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second create: status = %d", resp.StatusCode)
	}
	var eb struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &eb)
	if eb.Code != "RATE_LIMITED" {
		t.Errorf("code = %q", eb.Code)
	}
}
