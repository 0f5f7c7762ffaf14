package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"BlogToVideo-server/models"

	"github.com/hibiken/asynq"
)

func TestProcessor_HandleRunConversion(t *testing.T) {
	p := newPipeline(t)
	d := &recordingDispatcher{}
	p.orch.Dispatcher = d
	job, err := p.orch.Start(context.Background(), "https://blog.example.com/post")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	proc := NewProcessor(p.orch, p.rec)

	payload, _ := json.Marshal(RunPayload{JobID: job.ID})
	if err := proc.HandleRunConversion(context.Background(), asynq.NewTask(TypeRunConversion, payload)); err != nil {
		t.Fatalf("handle run: %v", err)
	}
	if got := p.get(t, job.ID); got.Status != models.StatusGenerating {
		t.Fatalf("status = %s, want generating", got.Status)
	}

	err = proc.HandleRunConversion(context.Background(), asynq.NewTask(TypeRunConversion, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("bad payload should skip retry, got %v", err)
	}
	missing, _ := json.Marshal(RunPayload{JobID: "missing"})
	err = proc.HandleRunConversion(context.Background(), asynq.NewTask(TypeRunConversion, missing))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("unknown job should skip retry, got %v", err)
	}
}

func TestProcessor_HandleSegmentResult(t *testing.T) {
	p := newPipeline(t)
	job := p.start(t)
	proc := NewProcessor(p.orch, p.rec)

	payload, _ := json.Marshal(SegmentResultPayload{JobID: job.ID, Segment: 0, Handle: "task-0", Success: true, URL: clipURL(0)})
	task := asynq.NewTask(TypeSegmentResult, payload)
	for i := 0; i < 2; i++ {
		if err := proc.HandleSegmentResult(context.Background(), task); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if n := len(p.clips.extendCalls()); n != 1 {
		t.Fatalf("expected one extend after duplicate deliveries, got %d", n)
	}
}
