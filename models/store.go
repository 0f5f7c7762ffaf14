package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound       = errors.New("conversion job not found")
	ErrConditionFailed   = errors.New("condition failed")
	ErrJobTerminal       = errors.New("conversion job is terminal")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidPatch      = errors.New("invalid job patch")
)

// JobStore 任务记录存储。所有协调都归结为对单行的条件写。
type JobStore interface {
	Create(ctx context.Context, sourceURL string) (*ConversionJob, error)
	Get(ctx context.Context, id string) (*ConversionJob, error)
	// Update 在 cond 成立时应用 patch，返回写入后的快照
	Update(ctx context.Context, id string, patch Patch, cond Condition) (*ConversionJob, error)
	ListActive(ctx context.Context) ([]*ConversionJob, error)
	ListStale(ctx context.Context, before time.Time) ([]*ConversionJob, error)
}

// SourceFields 抓取阶段结果
type SourceFields struct {
	Title  string
	Text   string
	Images []string
}

// IndexedValue 单个片段下标上的写入
type IndexedValue struct {
	Index int
	Value string
}

// Lease 发起外部调用前的短期占用
type Lease struct {
	Segment   int
	ExpiresAt time.Time
}

// Patch 部分字段更新；零值字段保持不变
type Patch struct {
	Status               JobStatus
	Progress             *int
	CurrentStep          *string
	Source               *SourceFields
	Script               *Script
	Handle               *IndexedValue
	ClipURL              *IndexedValue
	FinalArtifactURL     string
	TotalDurationSeconds int
	FailureReason        string
	GenerationRetries    *int
	Lease                *Lease
	ReleaseLease         bool
}

// Condition 写入前置条件，全部满足才写
type Condition struct {
	statuses     []JobStatus
	clipAbsent   []int
	handleAbsent []int
	leaseFree    bool
	leaseNow     time.Time
}

// Always 无条件
func Always() Condition {
	return Condition{}
}

// WhenStatus 仅当当前状态属于 statuses 之一
func WhenStatus(statuses ...JobStatus) Condition {
	return Condition{statuses: statuses}
}

// ClipMissing 追加 "segmentClipUrls[k] 不存在"
func (c Condition) ClipMissing(k int) Condition {
	c.clipAbsent = append(append([]int(nil), c.clipAbsent...), k)
	return c
}

// HandleMissing 追加 "segmentTaskHandles[k] 不存在"
func (c Condition) HandleMissing(k int) Condition {
	c.handleAbsent = append(append([]int(nil), c.handleAbsent...), k)
	return c
}

// LeaseAvailable 追加 "租约空闲或已过期"
func (c Condition) LeaseAvailable(now time.Time) Condition {
	c.leaseFree = true
	c.leaseNow = now
	return c
}

// Check 对当前快照求值
func (c Condition) Check(job *ConversionJob) error {
	if len(c.statuses) > 0 {
		ok := false
		for _, s := range c.statuses {
			if job.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: status is %s", ErrConditionFailed, job.Status)
		}
	}
	for _, k := range c.clipAbsent {
		if job.SegmentClipURLs.Has(k) {
			return fmt.Errorf("%w: clip %d already recorded", ErrConditionFailed, k)
		}
	}
	for _, k := range c.handleAbsent {
		if job.SegmentHandles.Has(k) {
			return fmt.Errorf("%w: handle %d already recorded", ErrConditionFailed, k)
		}
	}
	if c.leaseFree && job.LeaseHeld(c.leaseNow) {
		return fmt.Errorf("%w: lease held for segment %d", ErrConditionFailed, job.LeaseSegment)
	}
	return nil
}

// LeaseHeld 租约仍有效
func (j *ConversionJob) LeaseHeld(now time.Time) bool {
	if j.LeaseSegment == NoLease || j.LeaseExpiresAt == nil {
		return false
	}
	return now.Before(*j.LeaseExpiresAt)
}

// ApplyPatch 把 patch 应用到 job 上并校验所有行级不变量。
// 各存储实现共用这一个函数，保证状态图/进度/只增映射的约束一致。
func ApplyPatch(job *ConversionJob, p Patch, now time.Time) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job already %s", ErrJobTerminal, job.Status)
	}

	next := job.Status
	if p.Status != "" {
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, p.Status)
		}
		if err := ValidateTransition(job.Status, p.Status); err != nil {
			return err
		}
		next = p.Status
	}

	if p.Source != nil {
		if job.SourceText != "" || job.SourceTitle != "" {
			return fmt.Errorf("%w: source already fetched", ErrInvalidPatch)
		}
		job.SourceTitle = p.Source.Title
		job.SourceText = p.Source.Text
		job.SourceImages = append(job.SourceImages[:0:0], p.Source.Images...)
	}
	if p.Script != nil {
		if !job.Script.Empty() {
			return fmt.Errorf("%w: script already planned", ErrInvalidPatch)
		}
		job.Script = Script{
			NarrationSummary: p.Script.NarrationSummary,
			Segments:         append([]Segment(nil), p.Script.Segments...),
		}
	}

	n := job.SegmentCount()
	if p.Handle != nil {
		if err := checkIndex(p.Handle, n); err != nil {
			return err
		}
		if job.SegmentHandles.Has(p.Handle.Index) {
			return fmt.Errorf("%w: handle %d already recorded", ErrConditionFailed, p.Handle.Index)
		}
		if job.SegmentHandles == nil {
			job.SegmentHandles = IndexedValues{}
		}
		job.SegmentHandles[p.Handle.Index] = p.Handle.Value
	}
	if p.ClipURL != nil {
		if err := checkIndex(p.ClipURL, n); err != nil {
			return err
		}
		if job.SegmentClipURLs.Has(p.ClipURL.Index) {
			return fmt.Errorf("%w: clip %d already recorded", ErrConditionFailed, p.ClipURL.Index)
		}
		if job.SegmentClipURLs == nil {
			job.SegmentClipURLs = IndexedValues{}
		}
		job.SegmentClipURLs[p.ClipURL.Index] = p.ClipURL.Value
	}

	if next == StatusAssembling || next == StatusCompleted {
		if n == 0 || job.CompletedSegments() != n {
			return fmt.Errorf("%w: %s requires all %d clips, have %d", ErrInvalidPatch, next, n, job.CompletedSegments())
		}
	}
	if p.FinalArtifactURL != "" || p.TotalDurationSeconds != 0 {
		if next != StatusCompleted {
			return fmt.Errorf("%w: artifact only allowed on completed", ErrInvalidPatch)
		}
		job.FinalArtifactURL = p.FinalArtifactURL
		job.TotalDurationSeconds = p.TotalDurationSeconds
	}
	if next == StatusCompleted && job.FinalArtifactURL == "" {
		return fmt.Errorf("%w: completed requires an artifact url", ErrInvalidPatch)
	}
	if p.FailureReason != "" {
		if next != StatusFailed {
			return fmt.Errorf("%w: failure reason only allowed on failed", ErrInvalidPatch)
		}
		job.FailureReason = p.FailureReason
	}
	if next == StatusFailed && job.FailureReason == "" {
		job.FailureReason = "unknown failure"
	}

	if p.GenerationRetries != nil {
		job.GenerationRetries = *p.GenerationRetries
	}
	if p.Lease != nil {
		job.LeaseSegment = p.Lease.Segment
		exp := p.Lease.ExpiresAt
		job.LeaseExpiresAt = &exp
	}
	if p.ReleaseLease || next.IsTerminal() {
		job.LeaseSegment = NoLease
		job.LeaseExpiresAt = nil
	}

	job.Status = next
	job.Progress = nextProgress(job, p.Progress)
	if p.CurrentStep != nil {
		job.CurrentStep = *p.CurrentStep
	} else {
		job.CurrentStep = StepLabel(next, job.CompletedSegments(), n)
	}
	job.Version++
	job.UpdatedAt = now
	return nil
}

func checkIndex(v *IndexedValue, n int) error {
	if n == 0 {
		return fmt.Errorf("%w: no script planned", ErrInvalidPatch)
	}
	if v.Index < 0 || v.Index >= n {
		return fmt.Errorf("%w: segment %d out of range [0,%d)", ErrInvalidPatch, v.Index, n)
	}
	if v.Value == "" {
		return fmt.Errorf("%w: empty value for segment %d", ErrInvalidPatch, v.Index)
	}
	return nil
}

// 进度只增不减，且只有 completed 才能到 100
func nextProgress(job *ConversionJob, explicit *int) int {
	switch job.Status {
	case StatusCompleted:
		return 100
	case StatusFailed:
		return job.Progress
	}
	p := ProgressFor(job.Status, job.CompletedSegments(), job.SegmentCount())
	if explicit != nil {
		p = *explicit
	}
	if p > 99 {
		p = 99
	}
	if p < job.Progress {
		p = job.Progress
	}
	return p
}

const maxVersionRetries = 8

// versionedUpdate 乐观锁条件写：读 -> 校验条件 -> 应用 -> 按版本号写回，版本冲突则重读重试
func versionedUpdate(
	load func() (*ConversionJob, error),
	save func(prevVersion int64, next *ConversionJob) (bool, error),
	patch Patch,
	cond Condition,
) (*ConversionJob, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		cur, err := load()
		if err != nil {
			return nil, err
		}
		if err := cond.Check(cur); err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := ApplyPatch(next, patch, time.Now()); err != nil {
			return nil, err
		}
		ok, err := save(cur.Version, next)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: too many concurrent writers", ErrConditionFailed)
}
