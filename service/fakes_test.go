package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"BlogToVideo-server/models"
)

type extendCall struct {
	Previous TaskHandle
	Prompt   string
}

// fakeClips 生成服务替身，handle 命名为 task-<segment>
type fakeClips struct {
	mu          sync.Mutex
	initial     []InitialClipRequest
	extends     []extendCall
	initialErrs []error
	extendErrs  map[int]error
	statuses    map[TaskHandle]ClipStatus
	polls       int
}

func newFakeClips() *fakeClips {
	return &fakeClips{
		extendErrs: map[int]error{},
		statuses:   map[TaskHandle]ClipStatus{},
	}
}

func (f *fakeClips) RequestInitialClip(ctx context.Context, req InitialClipRequest) (TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initial = append(f.initial, req)
	if len(f.initialErrs) > 0 {
		err := f.initialErrs[0]
		f.initialErrs = f.initialErrs[1:]
		return "", err
	}
	return "task-0", nil
}

func (f *fakeClips) ExtendClip(ctx context.Context, previous TaskHandle, req ExtendClipRequest) (TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extends = append(f.extends, extendCall{Previous: previous, Prompt: req.Prompt})
	var seg int
	if _, err := fmt.Sscanf(string(previous), "task-%d", &seg); err != nil {
		return "", &ClipError{Kind: ClipUnknownPreviousHandle, Op: "extend"}
	}
	seg++
	if err, ok := f.extendErrs[seg]; ok {
		return "", err
	}
	return TaskHandle(fmt.Sprintf("task-%d", seg)), nil
}

func (f *fakeClips) PollStatus(ctx context.Context, handle TaskHandle) (ClipStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.statuses[handle], nil
}

func (f *fakeClips) setReady(handle TaskHandle, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[handle] = ClipStatus{Ready: true, URL: url}
}

func (f *fakeClips) extendCalls() []extendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]extendCall(nil), f.extends...)
}

func (f *fakeClips) initialCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.initial)
}

type fakeFetcher struct {
	src *Source
	err error
}

func (f *fakeFetcher) Fetch(ctx context.Context, sourceURL string) (*Source, error) {
	if f.err != nil {
		return nil, &FetchError{URL: sourceURL, Err: f.err}
	}
	return f.src, nil
}

type fakePlanner struct {
	mu     sync.Mutex
	script *models.Script
	err    error
	calls  int
}

func (p *fakePlanner) Plan(ctx context.Context, title, text string) (*models.Script, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, &PlanError{Err: p.err}
	}
	return p.script, nil
}

func testScript(n int) *models.Script {
	s := &models.Script{NarrationSummary: "summary"}
	for i := 0; i < n; i++ {
		s.Segments = append(s.Segments, models.Segment{
			Order:           i,
			NarrationText:   fmt.Sprintf("narration %d", i),
			VideoPrompt:     fmt.Sprintf("prompt %d", i),
			DurationSeconds: 8,
		})
	}
	return s
}

type fakeAssembler struct {
	mu    sync.Mutex
	calls [][]string
	err   error
	// during 在第一次合成过程中执行一次
	during func()
}

func (a *fakeAssembler) Assemble(ctx context.Context, jobID string, clipURLs []string, plannedSeconds int) (*Artifact, error) {
	a.mu.Lock()
	hook := a.during
	a.during = nil
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, append([]string(nil), clipURLs...))
	if a.err != nil {
		return nil, &AssemblyError{Step: "concat", Err: a.err}
	}
	return &Artifact{URL: "https://artifacts.example.com/" + jobID + ".mp4", DurationSeconds: plannedSeconds}, nil
}

// inlineDispatcher 同步执行投递的任务
type inlineDispatcher struct {
	orch *Orchestrator
	rec  *Reconciler
}

func (d *inlineDispatcher) EnqueueRun(ctx context.Context, jobID string) error {
	return d.orch.Resume(ctx, jobID)
}

func (d *inlineDispatcher) EnqueueSegmentResult(ctx context.Context, p SegmentResultPayload) error {
	_, err := d.rec.RecordSegmentResult(ctx, p.JobID, p.Segment, p.Outcome())
	return err
}

// recordingDispatcher 只记录不执行
type recordingDispatcher struct {
	mu      sync.Mutex
	runs    []string
	results []SegmentResultPayload
}

func (d *recordingDispatcher) EnqueueRun(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs = append(d.runs, jobID)
	return nil
}

func (d *recordingDispatcher) EnqueueSegmentResult(ctx context.Context, p SegmentResultPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, p)
	return nil
}

type pipeline struct {
	store     *models.MemoryStore
	clips     *fakeClips
	fetcher   *fakeFetcher
	planner   *fakePlanner
	assembler *fakeAssembler
	handles   *MemoryHandleIndex
	orch      *Orchestrator
	rec       *Reconciler
}

func testConfig() OrchestratorConfig {
	return OrchestratorConfig{
		AspectRatio:    "9:16",
		SegmentCount:   3,
		SegmentSeconds: 8,
		CallTimeout:    time.Second,
		MaxRetries:     2,
		LeaseDuration:  time.Minute,
		CallbackURL: func(jobID string, segment int) string {
			return fmt.Sprintf("https://hooks.example.com/clips?job=%s&segment=%d", jobID, segment)
		},
	}
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		store:     models.NewMemoryStore(),
		clips:     newFakeClips(),
		fetcher:   &fakeFetcher{src: &Source{Title: "Knee pain", Text: "Para one.\n\nPara two.", Images: []string{"https://img/1.png"}}},
		planner:   &fakePlanner{script: testScript(3)},
		assembler: &fakeAssembler{},
		handles:   NewMemoryHandleIndex(),
	}
	p.orch = NewOrchestrator(p.store, p.fetcher, p.planner, p.clips, p.assembler, nil, p.handles, testConfig())
	p.rec = NewReconciler(p.orch)
	p.orch.Dispatcher = &inlineDispatcher{orch: p.orch, rec: p.rec}
	return p
}

func (p *pipeline) start(t *testing.T) *models.ConversionJob {
	t.Helper()
	job, err := p.orch.Start(context.Background(), "https://blog.example.com/knee-pain")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return p.get(t, job.ID)
}

func (p *pipeline) get(t *testing.T, id string) *models.ConversionJob {
	t.Helper()
	job, err := p.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}

func clipURL(k int) string {
	return fmt.Sprintf("https://cdn.example.com/clip-%d.mp4", k)
}

func handleFor(k int) TaskHandle {
	return TaskHandle(fmt.Sprintf("task-%d", k))
}
