package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"BlogToVideo-server/models"
	"BlogToVideo-server/service"

	"github.com/gin-gonic/gin"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	runs    []string
	results []service.SegmentResultPayload
}

func (d *recordingDispatcher) EnqueueRun(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs = append(d.runs, jobID)
	return nil
}

func (d *recordingDispatcher) EnqueueSegmentResult(ctx context.Context, p service.SegmentResultPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, p)
	return nil
}

type testServer struct {
	engine     *gin.Engine
	handler    *ConversionHandler
	store      *models.MemoryStore
	dispatcher *recordingDispatcher
	handles    *service.MemoryHandleIndex
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := &testServer{
		store:      models.NewMemoryStore(),
		dispatcher: &recordingDispatcher{},
		handles:    service.NewMemoryHandleIndex(),
	}
	orch := service.NewOrchestrator(ts.store, nil, nil, nil, nil, ts.dispatcher, ts.handles, service.OrchestratorConfig{SegmentCount: 3})
	h := NewConversionHandler(orch, service.NewReconciler(orch))

	r := gin.New()
	v1 := r.Group("/v1/api")
	v1.POST("/conversions", h.CreateConversion)
	v1.GET("/conversions/:job_id", h.GetConversion)
	v1.POST("/webhooks/clips", h.ClipWebhook)
	v1.POST("/admin/conversions/:job_id/resume", h.ResumeConversion)
	v1.GET("/admin/conversions/stale", h.ListStaleConversions)
	ts.engine = r
	ts.handler = h
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreateConversion(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/v1/api/conversions", `{"source_url":"https://blog.example.com/post"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	jobID, _ := body["job_id"].(string)
	if jobID == "" || body["status"] != "pending" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(ts.dispatcher.runs) != 1 || ts.dispatcher.runs[0] != jobID {
		t.Fatalf("run not enqueued: %v", ts.dispatcher.runs)
	}

	for _, bad := range []string{`{}`, `not json`, `{"source_url":"ftp://x/y"}`, `{"source_url":"just text"}`} {
		if w := ts.do(http.MethodPost, "/v1/api/conversions", bad); w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d", bad, w.Code)
		}
	}
}

func TestGetConversion(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if w := ts.do(http.MethodGet, "/v1/api/conversions/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown job: status = %d", w.Code)
	}

	job, _ := ts.store.Create(ctx, "https://blog.example.com/post")
	w := ts.do(http.MethodGet, "/v1/api/conversions/"+job.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["jobId"] != job.ID || body["status"] != "pending" || body["progress"] != float64(0) || body["currentStepLabel"] != "Queued" {
		t.Fatalf("unexpected snapshot %v", body)
	}
	if _, ok := body["result"]; ok {
		t.Fatalf("pending job should not expose a result")
	}
	if _, ok := body["updatedAt"]; !ok {
		t.Fatalf("snapshot missing updatedAt")
	}

	// 失败任务返回 200 与失败原因，而不是错误码
	if _, err := ts.store.Update(ctx, job.ID, models.Patch{Status: models.StatusFetching}, models.Always()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := ts.store.Update(ctx, job.ID, models.Patch{Status: models.StatusFailed, FailureReason: "fetch failed: 404"}, models.Always()); err != nil {
		t.Fatalf("update: %v", err)
	}
	w = ts.do(http.MethodGet, "/v1/api/conversions/"+job.ID, "")
	body = decode(t, w)
	if w.Code != http.StatusOK || body["status"] != "failed" || body["failureReason"] != "fetch failed: 404" {
		t.Fatalf("failed snapshot: %d %v", w.Code, body)
	}
}

func TestClipWebhook(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_ = ts.handles.Put(ctx, "task-9", service.SegmentRef{JobID: "job-from-index", Segment: 2})

	cases := []struct {
		name     string
		query    string
		body     string
		want     int
		wantJob  string
		wantSeg  int
		wantSucc bool
	}{
		{"query params", "?job=job-1&segment=0", `{"taskHandle":"task-0","success":true,"resultUrl":"https://cdn/0.mp4"}`, http.StatusAccepted, "job-1", 0, true},
		{"handle index", "", `{"taskHandle":"task-9","success":false,"permanentFailureCode":"nsfw"}`, http.StatusAccepted, "job-from-index", 2, false},
		{"unknown handle", "", `{"taskHandle":"task-x","success":true,"resultUrl":"https://cdn/x.mp4"}`, http.StatusNotFound, "", 0, false},
		{"success without url", "?job=job-1&segment=0", `{"taskHandle":"task-0","success":true}`, http.StatusBadRequest, "", 0, false},
		{"missing success", "?job=job-1&segment=0", `{"taskHandle":"task-0"}`, http.StatusBadRequest, "", 0, false},
		{"missing handle", "?job=job-1&segment=0", `{"success":true,"resultUrl":"u"}`, http.StatusBadRequest, "", 0, false},
		{"bad segment", "?job=job-1&segment=abc", `{"taskHandle":"task-0","success":true,"resultUrl":"u"}`, http.StatusBadRequest, "", 0, false},
		{"bad json", "?job=job-1&segment=0", `{`, http.StatusBadRequest, "", 0, false},
	}
	for _, tc := range cases {
		before := len(ts.dispatcher.results)
		w := ts.do(http.MethodPost, "/v1/api/webhooks/clips"+tc.query, tc.body)
		if w.Code != tc.want {
			t.Fatalf("%s: status = %d body=%s", tc.name, w.Code, w.Body.String())
		}
		if tc.want != http.StatusAccepted {
			if len(ts.dispatcher.results) != before {
				t.Fatalf("%s: rejected webhook was enqueued", tc.name)
			}
			continue
		}
		p := ts.dispatcher.results[len(ts.dispatcher.results)-1]
		if p.JobID != tc.wantJob || p.Segment != tc.wantSeg || p.Success != tc.wantSucc {
			t.Fatalf("%s: enqueued %+v", tc.name, p)
		}
	}
}

func TestResumeConversion(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if w := ts.do(http.MethodPost, "/v1/api/admin/conversions/nope/resume", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown job: status = %d", w.Code)
	}
	job, _ := ts.store.Create(ctx, "https://blog.example.com/post")
	if w := ts.do(http.MethodPost, "/v1/api/admin/conversions/"+job.ID+"/resume", ""); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if len(ts.dispatcher.runs) != 1 || ts.dispatcher.runs[0] != job.ID {
		t.Fatalf("resume not enqueued: %v", ts.dispatcher.runs)
	}

	_, _ = ts.store.Update(ctx, job.ID, models.Patch{Status: models.StatusFetching}, models.Always())
	_, _ = ts.store.Update(ctx, job.ID, models.Patch{Status: models.StatusFailed}, models.Always())
	if w := ts.do(http.MethodPost, "/v1/api/admin/conversions/"+job.ID+"/resume", ""); w.Code != http.StatusConflict {
		t.Fatalf("terminal job: status = %d", w.Code)
	}
}

func TestListStaleConversions(t *testing.T) {
	ts := newTestServer(t)
	_, _ = ts.store.Create(context.Background(), "https://blog.example.com/post")

	w := ts.do(http.MethodGet, "/v1/api/admin/conversions/stale?minutes=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"jobs":[]`) {
		t.Fatalf("fresh job should not be stale: %s", w.Body.String())
	}
	if w := ts.do(http.MethodGet, "/v1/api/admin/conversions/stale?minutes=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("negative minutes: status = %d", w.Code)
	}
}
