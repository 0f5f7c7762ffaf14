package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"BlogToVideo-server/models"
)

// ErrInvalidSourceURL 创建任务时的入参错误
var ErrInvalidSourceURL = errors.New("source url must be an absolute http(s) url")

// errLostLease 重试期间任务被其他执行者接手
var errLostLease = errors.New("segment taken over by another worker")

type OrchestratorConfig struct {
	AspectRatio    string
	SegmentCount   int
	SegmentSeconds int
	CallTimeout    time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	LeaseDuration  time.Duration
	// AssemblyLease 合成阶段的租约，需覆盖整个下载+拼接+上传过程；为 0 时沿用 LeaseDuration
	AssemblyLease time.Duration
	// CallbackURL 为片段生成回调地址，nil 表示只靠轮询
	CallbackURL func(jobID string, segment int) string
}

// Orchestrator 任务状态机。不持有任何内存状态，每一步都从存储读取并以条件写推进。
type Orchestrator struct {
	Store      models.JobStore
	Fetcher    SourceFetcher
	Planner    ScriptPlanner
	Clips      ClipGenerator
	Assembler  Assembler
	Dispatcher Dispatcher
	Handles    HandleIndex
	Config     OrchestratorConfig
	Now        func() time.Time
}

func NewOrchestrator(store models.JobStore, fetcher SourceFetcher, planner ScriptPlanner, clips ClipGenerator,
	assembler Assembler, dispatcher Dispatcher, handles HandleIndex, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		Store:      store,
		Fetcher:    fetcher,
		Planner:    planner,
		Clips:      clips,
		Assembler:  assembler,
		Dispatcher: dispatcher,
		Handles:    handles,
		Config:     cfg,
		Now:        time.Now,
	}
}

// Start 创建 pending 任务并投递后台执行，立即返回
func (o *Orchestrator) Start(ctx context.Context, sourceURL string) (*models.ConversionJob, error) {
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidSourceURL
	}
	job, err := o.Store.Create(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	log.Printf("[Orchestrator] Job %s created for %s", job.ID, job.SourceURL)
	if err := o.Dispatcher.EnqueueRun(ctx, job.ID); err != nil {
		// 任务已落库，重启时 ResumeActive 会接手
		return job, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return job, nil
}

// ResumeActive 启动时为所有未结束的任务重新投递
func (o *Orchestrator) ResumeActive(ctx context.Context) (int, error) {
	jobs, err := o.Store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := o.Dispatcher.EnqueueRun(ctx, j.ID); err != nil {
			log.Printf("[Orchestrator] resume enqueue failed for %s: %v", j.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

const maxResumeSteps = 32

// Resume 根据持久化状态决定下一步，一直推进到需要等待外部信号或进入终态。
// 只有基础设施错误（存储不可用、ctx 取消）才会返回 error，业务失败都落为 failed。
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	return o.drive(ctx, jobID, true)
}

// drive inlineAssembly=false 时合成交给队列，用于 HTTP 触发的路径
func (o *Orchestrator) drive(ctx context.Context, jobID string, inlineAssembly bool) error {
	for step := 0; step < maxResumeSteps; step++ {
		job, err := o.Store.Get(ctx, jobID)
		if err != nil {
			return err
		}

		var again bool
		switch job.Status {
		case models.StatusPending:
			again, err = o.beginFetch(ctx, job)
		case models.StatusFetching:
			again, err = o.fetch(ctx, job)
		case models.StatusPlanning:
			again, err = o.plan(ctx, job)
		case models.StatusGenerating:
			again, err = o.advanceGeneration(ctx, job)
		case models.StatusAssembling:
			if !inlineAssembly {
				return o.Dispatcher.EnqueueRun(ctx, jobID)
			}
			again, err = o.assemble(ctx, job)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
	log.Printf("[Orchestrator] Job %s: step limit reached, will continue on next trigger", jobID)
	return nil
}

func (o *Orchestrator) beginFetch(ctx context.Context, job *models.ConversionJob) (bool, error) {
	_, err := o.Store.Update(ctx, job.ID, models.Patch{Status: models.StatusFetching}, models.WhenStatus(models.StatusPending))
	return afterWrite(err)
}

func (o *Orchestrator) fetch(ctx context.Context, job *models.ConversionJob) (bool, error) {
	cctx, cancel := o.callContext(ctx)
	src, err := o.Fetcher.Fetch(cctx, job.SourceURL)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return o.fail(ctx, job.ID, fmt.Sprintf("fetch failed: %v", err))
	}
	_, err = o.Store.Update(ctx, job.ID, models.Patch{
		Status: models.StatusPlanning,
		Source: &models.SourceFields{Title: src.Title, Text: src.Text, Images: src.Images},
	}, models.WhenStatus(models.StatusFetching))
	return afterWrite(err)
}

func (o *Orchestrator) plan(ctx context.Context, job *models.ConversionJob) (bool, error) {
	if o.Clips == nil || o.Planner == nil || o.Config.SegmentCount <= 0 {
		return o.fail(ctx, job.ID, "plan failed: missing upstream config (clip generator or planner not configured)")
	}
	cctx, cancel := o.callContext(ctx)
	script, err := o.Planner.Plan(cctx, job.SourceTitle, job.SourceText)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return o.fail(ctx, job.ID, fmt.Sprintf("plan failed: %v", err))
	}
	if err := script.Validate(o.Config.SegmentCount); err != nil {
		return o.fail(ctx, job.ID, fmt.Sprintf("plan failed: malformed script: %v", err))
	}
	_, err = o.Store.Update(ctx, job.ID, models.Patch{
		Status: models.StatusGenerating,
		Script: script,
	}, models.WhenStatus(models.StatusPlanning))
	if err == nil {
		log.Printf("[Orchestrator] Job %s planned %d segments (%ds)", job.ID, len(script.Segments), script.TotalSeconds())
	}
	return afterWrite(err)
}

// advanceGeneration 找到最小的未完成片段：无 handle 则发起调用；全部完成则进入 assembling
func (o *Orchestrator) advanceGeneration(ctx context.Context, job *models.ConversionJob) (bool, error) {
	if job.SegmentCount() == 0 {
		return o.fail(ctx, job.ID, "generation failed: job has no script")
	}
	k := job.NextPendingSegment()
	if k < 0 {
		_, err := o.Store.Update(ctx, job.ID, models.Patch{Status: models.StatusAssembling}, models.WhenStatus(models.StatusGenerating))
		return afterWrite(err)
	}
	if job.SegmentHandles.Has(k) {
		// 已发起，等待回调或轮询
		return false, nil
	}
	return o.issueSegment(ctx, job, k)
}

// issueSegment 先占租约，再调用生成服务，拿到 handle 立即落库
func (o *Orchestrator) issueSegment(ctx context.Context, job *models.ConversionJob, k int) (bool, error) {
	now := o.Now()
	leased, err := o.Store.Update(ctx, job.ID,
		models.Patch{Lease: &models.Lease{Segment: k, ExpiresAt: now.Add(o.Config.LeaseDuration)}},
		models.WhenStatus(models.StatusGenerating).HandleMissing(k).ClipMissing(k).LeaseAvailable(now))
	if err != nil {
		if isLostRace(err) {
			return false, nil
		}
		return false, err
	}
	if k > 0 && !leased.SegmentClipURLs.Has(k-1) {
		// 链式约束：上一段结果未确认前不能续写
		_, err := o.Store.Update(ctx, job.ID, models.Patch{ReleaseLease: true}, models.WhenStatus(models.StatusGenerating))
		return false, ignoreLostRace(err)
	}

	seg := leased.Script.Segments[k]
	callback := ""
	if o.Config.CallbackURL != nil {
		callback = o.Config.CallbackURL(job.ID, k)
	}
	call := func(cctx context.Context) (TaskHandle, error) {
		if k == 0 {
			return o.Clips.RequestInitialClip(cctx, InitialClipRequest{
				Prompt:          seg.VideoPrompt,
				AspectRatio:     o.Config.AspectRatio,
				DurationSeconds: seg.DurationSeconds,
				CallbackURL:     callback,
			})
		}
		prev := TaskHandle(leased.SegmentHandles[k-1])
		return o.Clips.ExtendClip(cctx, prev, ExtendClipRequest{
			Prompt:      seg.VideoPrompt,
			CallbackURL: callback,
		})
	}

	handle, err := o.callWithRetry(ctx, leased, k, call)
	if err != nil {
		if errors.Is(err, errLostLease) {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// 租约过期后其他执行者可能已拿到 handle，此时本次失败作废
		return o.failIf(ctx, job.ID, fmt.Sprintf("segment %d generation failed: %v", k, err),
			models.WhenStatus(models.StatusGenerating).HandleMissing(k))
	}

	// 拿到 handle 后立即持久化，再做任何其它事情
	_, err = o.Store.Update(ctx, job.ID,
		models.Patch{Handle: &models.IndexedValue{Index: k, Value: string(handle)}, ReleaseLease: true},
		models.WhenStatus(models.StatusGenerating).HandleMissing(k))
	if err != nil {
		if isLostRace(err) {
			log.Printf("[Orchestrator] Job %s: handle %s for segment %d discarded: %v", job.ID, handle, k, err)
			return false, nil
		}
		return false, err
	}
	log.Printf("[Orchestrator] Job %s: segment %d/%d requested, handle=%s", job.ID, k+1, job.SegmentCount(), handle)

	if o.Handles != nil {
		if err := o.Handles.Put(ctx, handle, SegmentRef{JobID: job.ID, Segment: k}); err != nil {
			log.Printf("[Orchestrator] index handle %s failed: %v", handle, err)
		}
	}
	return false, nil
}

// callWithRetry ServiceUnavailable 有界重试；重试次数落库，跨重启也有上限
func (o *Orchestrator) callWithRetry(ctx context.Context, job *models.ConversionJob, k int,
	call func(context.Context) (TaskHandle, error)) (TaskHandle, error) {
	retries := job.GenerationRetries
	for {
		cctx, cancel := o.callContext(ctx)
		handle, err := call(cctx)
		timedOut := cctx.Err() == context.DeadlineExceeded
		cancel()
		if err == nil {
			return handle, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var ce *ClipError
		if !errors.As(err, &ce) && timedOut {
			err = &ClipError{Kind: ClipServiceUnavailable, Op: "call", Err: err}
		}
		if !isRetryableClipError(err) || retries >= o.Config.MaxRetries {
			return "", err
		}

		retries++
		log.Printf("[Orchestrator] Job %s: segment %d call failed (retry %d/%d): %v", job.ID, k, retries, o.Config.MaxRetries, err)
		r := retries
		_, uerr := o.Store.Update(ctx, job.ID, models.Patch{
			GenerationRetries: &r,
			Lease:             &models.Lease{Segment: k, ExpiresAt: o.Now().Add(o.Config.LeaseDuration)},
		}, models.WhenStatus(models.StatusGenerating).HandleMissing(k))
		if uerr != nil {
			if isLostRace(uerr) {
				return "", errLostLease
			}
			return "", uerr
		}
		if err := sleepContext(ctx, o.Config.RetryBackoff); err != nil {
			return "", err
		}
	}
}

func (o *Orchestrator) assemble(ctx context.Context, job *models.ConversionJob) (bool, error) {
	n := job.SegmentCount()
	now := o.Now()
	ttl := o.Config.AssemblyLease
	if ttl <= 0 {
		ttl = o.Config.LeaseDuration
	}
	leased, err := o.Store.Update(ctx, job.ID,
		models.Patch{Lease: &models.Lease{Segment: n, ExpiresAt: now.Add(ttl)}},
		models.WhenStatus(models.StatusAssembling).LeaseAvailable(now))
	if err != nil {
		if isLostRace(err) {
			return false, nil
		}
		return false, err
	}
	urls, ok := leased.OrderedClipURLs()
	if !ok {
		return o.fail(ctx, job.ID, "assembly failed: missing segment clips")
	}

	artifact, err := o.Assembler.Assemble(ctx, job.ID, urls, leased.Script.TotalSeconds())
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return o.fail(ctx, job.ID, fmt.Sprintf("assembly failed: %v", err))
	}
	_, err = o.Store.Update(ctx, job.ID, models.Patch{
		Status:               models.StatusCompleted,
		FinalArtifactURL:     artifact.URL,
		TotalDurationSeconds: artifact.DurationSeconds,
	}, models.WhenStatus(models.StatusAssembling))
	if err == nil {
		log.Printf("[Orchestrator] Job %s completed: %s (%ds)", job.ID, artifact.URL, artifact.DurationSeconds)
	}
	return afterWrite(err)
}

// fail 落为 failed；已终态时忽略
func (o *Orchestrator) fail(ctx context.Context, jobID, reason string) (bool, error) {
	return o.failIf(ctx, jobID, reason, models.Always())
}

// failIf 条件不满足时放弃失败写入，由调用方重新读取
func (o *Orchestrator) failIf(ctx context.Context, jobID, reason string, cond models.Condition) (bool, error) {
	_, err := o.Store.Update(ctx, jobID, models.Patch{
		Status:        models.StatusFailed,
		FailureReason: reason,
	}, cond)
	if err != nil {
		if isLostRace(err) {
			return true, nil
		}
		return false, err
	}
	log.Printf("[Orchestrator] Job %s failed: %s", jobID, reason)
	return true, nil
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Config.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Config.CallTimeout)
}

// afterWrite 条件写的结果：成功或输给并发写者都需要重新读取
func afterWrite(err error) (bool, error) {
	if err == nil || isLostRace(err) {
		return true, nil
	}
	return false, err
}

func isLostRace(err error) bool {
	return errors.Is(err, models.ErrConditionFailed) || errors.Is(err, models.ErrJobTerminal)
}

func ignoreLostRace(err error) error {
	if err == nil || isLostRace(err) {
		return nil
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
