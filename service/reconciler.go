package service

import (
	"context"
	"fmt"
	"log"

	"BlogToVideo-server/models"
)

// SegmentOutcome 某个片段的完成信号
type SegmentOutcome struct {
	Handle      TaskHandle // 为空时不校验
	Success     bool
	URL         string
	FailureCode string
}

// Reconciler 合并回调（push）与轮询（pull）两条路径。
// 唯一的串行化点是对 segmentClipUrls[k] 的条件写：谁写成功谁推进下一步，其余皆为 no-op。
type Reconciler struct {
	Orchestrator *Orchestrator
}

func NewReconciler(o *Orchestrator) *Reconciler {
	return &Reconciler{Orchestrator: o}
}

// RecordSegmentResult push 路径入口（后台任务中执行），赢得写入后就地推进链条
func (r *Reconciler) RecordSegmentResult(ctx context.Context, jobID string, k int, outcome SegmentOutcome) (bool, error) {
	return r.record(ctx, jobID, k, outcome, true)
}

// Reconcile pull 路径：generating 时主动查一次当前片段，返回最新快照
func (r *Reconciler) Reconcile(ctx context.Context, jobID string) (*models.ConversionJob, error) {
	o := r.Orchestrator
	job, err := o.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusGenerating || o.Clips == nil {
		return job, nil
	}
	k := job.NextPendingSegment()
	if k < 0 || !job.SegmentHandles.Has(k) {
		// 上一段已记录但链条没有推进（推进时存储出错或投递失败），无人持租约时补投一次
		if !job.LeaseHeld(o.Now()) {
			if err := o.Dispatcher.EnqueueRun(ctx, jobID); err != nil {
				log.Printf("[Reconciler] enqueue advance for job %s failed: %v", jobID, err)
			}
		}
		return job, nil
	}
	handle := TaskHandle(job.SegmentHandles[k])

	cctx, cancel := o.callContext(ctx)
	st, err := o.Clips.PollStatus(cctx, handle)
	cancel()
	if err != nil {
		log.Printf("[Reconciler] poll %s (job %s segment %d) failed: %v", handle, jobID, k, err)
		return job, nil
	}

	var outcome *SegmentOutcome
	switch {
	case st.Ready:
		outcome = &SegmentOutcome{Handle: handle, Success: true, URL: st.URL}
	case st.PermanentFailure:
		outcome = &SegmentOutcome{Handle: handle, FailureCode: st.FailureCode}
	}
	if outcome == nil {
		return job, nil
	}
	if _, err := r.record(ctx, jobID, k, *outcome, false); err != nil {
		log.Printf("[Reconciler] record segment %d for job %s failed: %v", k, jobID, err)
	}
	fresh, err := o.Store.Get(ctx, jobID)
	if err != nil {
		return job, nil
	}
	return fresh, nil
}

// record inline=false 时下一步交给队列，保证 HTTP 调用方快速返回
func (r *Reconciler) record(ctx context.Context, jobID string, k int, outcome SegmentOutcome, inline bool) (bool, error) {
	o := r.Orchestrator
	job, err := o.Store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	if k < 0 || k >= job.SegmentCount() {
		log.Printf("[Reconciler] job %s: segment %d out of range, ignored", jobID, k)
		return false, nil
	}
	if job.SegmentClipURLs.Has(k) {
		// 重复投递或轮询与回调竞争。上次的赢家可能没推进成功，这里再推进一次，
		// 租约与 HandleMissing 条件保证不会重复发起调用
		if job.Status == models.StatusGenerating {
			return false, r.advance(ctx, jobID, inline)
		}
		return false, nil
	}
	recorded, ok := job.SegmentHandles[k]
	if !ok {
		log.Printf("[Reconciler] job %s: segment %d has no handle yet, ignored", jobID, k)
		return false, nil
	}
	if outcome.Handle != "" && string(outcome.Handle) != recorded {
		log.Printf("[Reconciler] job %s: stale handle %s for segment %d (current %s), ignored", jobID, outcome.Handle, k, recorded)
		return false, nil
	}

	if !outcome.Success || outcome.URL == "" {
		code := outcome.FailureCode
		if code == "" {
			code = "no result url"
		}
		_, err := o.Store.Update(ctx, jobID, models.Patch{
			Status:        models.StatusFailed,
			FailureReason: fmt.Sprintf("segment %d generation failed permanently: %s", k, code),
		}, models.WhenStatus(models.StatusGenerating).ClipMissing(k))
		if err != nil {
			return false, ignoreLostRace(err)
		}
		log.Printf("[Reconciler] Job %s failed at segment %d: %s", jobID, k, code)
		return true, nil
	}

	_, err = o.Store.Update(ctx, jobID,
		models.Patch{ClipURL: &models.IndexedValue{Index: k, Value: outcome.URL}},
		models.WhenStatus(models.StatusGenerating).ClipMissing(k))
	if err != nil {
		return false, ignoreLostRace(err)
	}
	log.Printf("[Reconciler] Job %s: segment %d/%d ready", jobID, k+1, job.SegmentCount())

	// 赢家负责推进：续写 k+1 或进入 assembling
	return true, r.advance(ctx, jobID, inline)
}

// advance push 路径就地推进，出错时由队列重试；pull 路径只投递
func (r *Reconciler) advance(ctx context.Context, jobID string, inline bool) error {
	o := r.Orchestrator
	if inline {
		return o.drive(ctx, jobID, true)
	}
	if err := o.Dispatcher.EnqueueRun(ctx, jobID); err != nil {
		return fmt.Errorf("enqueue advance for job %s: %w", jobID, err)
	}
	return nil
}
