package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"BlogToVideo-server/models"
	"BlogToVideo-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestConversionProgressWebSocket(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	job, _ := ts.store.Create(ctx, "https://blog.example.com/post")

	h := ts.handler
	h.PollInterval = 10 * time.Millisecond
	r := gin.New()
	r.GET("/v1/api/conversions/:job_id/wss", h.ConversionProgressWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/api/conversions/" + job.ID + "/wss"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first JobSnapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.JobID != job.ID || first.Status != models.StatusPending {
		t.Fatalf("first snapshot = %+v", first)
	}

	_, _ = ts.store.Update(ctx, job.ID, models.Patch{Status: models.StatusFetching}, models.Always())
	var second JobSnapshot
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if second.Status != models.StatusFetching || second.Progress != 5 {
		t.Fatalf("second snapshot = %+v", second)
	}

	_, _ = ts.store.Update(ctx, job.ID, models.Patch{Status: models.StatusFailed, FailureReason: "fetch failed"}, models.Always())
	var last JobSnapshot
	if err := conn.ReadJSON(&last); err != nil {
		t.Fatalf("read last: %v", err)
	}
	if last.Status != models.StatusFailed || last.FailureReason != "fetch failed" {
		t.Fatalf("last snapshot = %+v", last)
	}
	// 终态后服务端关闭连接
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close after terminal state")
	}
}

// countingClips 只统计状态查询次数，片段一直未完成
type countingClips struct {
	mu    sync.Mutex
	polls int
}

func (c *countingClips) RequestInitialClip(ctx context.Context, req service.InitialClipRequest) (service.TaskHandle, error) {
	return "", service.ErrInvalidRequest
}

func (c *countingClips) ExtendClip(ctx context.Context, previous service.TaskHandle, req service.ExtendClipRequest) (service.TaskHandle, error) {
	return "", service.ErrInvalidRequest
}

func (c *countingClips) PollStatus(ctx context.Context, handle service.TaskHandle) (service.ClipStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	return service.ClipStatus{}, nil
}

func (c *countingClips) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

func TestConversionProgressWebSocket_StopsPollingAfterClientCloses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	store := models.NewMemoryStore()
	clips := &countingClips{}
	orch := service.NewOrchestrator(store, nil, nil, clips, nil, &recordingDispatcher{}, service.NewMemoryHandleIndex(),
		service.OrchestratorConfig{SegmentCount: 1})
	h := NewConversionHandler(orch, service.NewReconciler(orch))
	h.PollInterval = 5 * time.Millisecond
	h.ReconcileInterval = 50 * time.Millisecond

	job, _ := store.Create(ctx, "https://blog.example.com/post")
	script := &models.Script{Segments: []models.Segment{{Order: 0, VideoPrompt: "p", DurationSeconds: 8}}}
	for _, patch := range []models.Patch{
		{Status: models.StatusFetching},
		{Status: models.StatusPlanning},
		{Status: models.StatusGenerating, Script: script},
		{Handle: &models.IndexedValue{Index: 0, Value: "task-0"}},
	} {
		if _, err := store.Update(ctx, job.ID, patch, models.Always()); err != nil {
			t.Fatalf("seed %+v: %v", patch, err)
		}
	}

	r := gin.New()
	r.GET("/v1/api/conversions/:job_id/wss", h.ConversionProgressWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/api/conversions/" + job.ID + "/wss"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first JobSnapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.Status != models.StatusGenerating {
		t.Fatalf("first snapshot = %+v", first)
	}

	// 连接期间按 ReconcileInterval 低频查询，而不是每个 tick 一次
	time.Sleep(200 * time.Millisecond)
	open := clips.count()
	if open > 15 {
		t.Fatalf("generation service polled %d times in 200ms", open)
	}

	_ = conn.Close()
	time.Sleep(100 * time.Millisecond)
	closed := clips.count()
	time.Sleep(300 * time.Millisecond)
	if after := clips.count(); after != closed {
		t.Fatalf("polling continued after client closed: %d -> %d", closed, after)
	}
}
