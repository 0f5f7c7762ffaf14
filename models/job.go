package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// JobStatus 转换任务状态
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusFetching   JobStatus = "fetching"
	StatusPlanning   JobStatus = "planning"
	StatusGenerating JobStatus = "generating"
	StatusAssembling JobStatus = "assembling"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// NoLease 表示当前没有任何片段/合成持有租约
const NoLease = -1

// ConversionJob 一次 "博客 -> 短视频" 转换
type ConversionJob struct {
	ID                   string                     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SourceURL            string                     `gorm:"type:varchar(2048)" json:"sourceUrl"`
	Status               JobStatus                  `gorm:"type:varchar(16);index" json:"status"`
	Progress             int                        `json:"progress"`
	CurrentStep          string                     `gorm:"type:varchar(255)" json:"currentStepLabel"`
	SourceTitle          string                     `gorm:"type:varchar(512)" json:"sourceTitle,omitempty"`
	SourceText           string                     `gorm:"type:longtext" json:"sourceText,omitempty"`
	SourceImages         datatypes.JSONSlice[string] `gorm:"type:json" json:"sourceImages,omitempty"`
	Script               Script                     `gorm:"type:json" json:"script"`
	SegmentHandles       IndexedValues              `gorm:"type:json" json:"segmentTaskHandles"`
	SegmentClipURLs      IndexedValues              `gorm:"type:json;column:segment_clip_urls" json:"segmentClipUrls"`
	FinalArtifactURL     string                     `gorm:"type:varchar(2048)" json:"finalArtifactUrl,omitempty"`
	TotalDurationSeconds int                        `json:"totalDurationSeconds,omitempty"`
	FailureReason        string                     `gorm:"type:text" json:"failureReason,omitempty"`
	GenerationRetries    int                        `json:"generationRetries"`
	LeaseSegment         int                        `gorm:"default:-1" json:"leaseSegment"`
	LeaseExpiresAt       *time.Time                 `json:"leaseExpiresAt,omitempty"`
	Version              int64                      `json:"version"`
	CreatedAt            time.Time                  `json:"createdAt"`
	UpdatedAt            time.Time                  `gorm:"index" json:"updatedAt"`
}

// 强制表名
func (ConversionJob) TableName() string {
	return "conversion_job"
}

// Segment 脚本中的一个固定时长片段
type Segment struct {
	Order           int    `json:"order"`
	NarrationText   string `json:"narration_text"`
	VideoPrompt     string `json:"video_prompt"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Script 规划阶段产出，规划成功后不可变
type Script struct {
	NarrationSummary string    `json:"narration_summary"`
	Segments         []Segment `json:"segments"`
}

func (s Script) Empty() bool {
	return len(s.Segments) == 0
}

// TotalSeconds 计划总时长
func (s Script) TotalSeconds() int {
	total := 0
	for _, seg := range s.Segments {
		total += seg.DurationSeconds
	}
	return total
}

// Validate 检查片段数量与顺序
func (s Script) Validate(expected int) error {
	if len(s.Segments) == 0 {
		return errors.New("script has no segments")
	}
	if expected > 0 && len(s.Segments) != expected {
		return fmt.Errorf("script has %d segments, want %d", len(s.Segments), expected)
	}
	for i, seg := range s.Segments {
		if seg.Order != i {
			return fmt.Errorf("segment %d has order %d", i, seg.Order)
		}
		if seg.VideoPrompt == "" {
			return fmt.Errorf("segment %d has empty video prompt", i)
		}
		if seg.DurationSeconds <= 0 {
			return fmt.Errorf("segment %d has non-positive duration", i)
		}
	}
	return nil
}

func (s Script) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *Script) Scan(value interface{}) error {
	return scanJSON(value, s)
}

// IndexedValues 片段下标 -> 值（task handle 或 clip url）
type IndexedValues map[int]string

func (v IndexedValues) Has(k int) bool {
	_, ok := v[k]
	return ok
}

func (v IndexedValues) Clone() IndexedValues {
	out := make(IndexedValues, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func (v IndexedValues) Value() (driver.Value, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (v *IndexedValues) Scan(value interface{}) error {
	return scanJSON(value, v)
}

func scanJSON(value interface{}, dst interface{}) error {
	var b []byte
	switch val := value.(type) {
	case nil:
		return nil
	case []byte:
		b = val
	case string:
		b = []byte(val)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

// SegmentCount N
func (j *ConversionJob) SegmentCount() int {
	return len(j.Script.Segments)
}

// CompletedSegments 已确认的片段数
func (j *ConversionJob) CompletedSegments() int {
	return len(j.SegmentClipURLs)
}

// NextPendingSegment 返回最小的尚未拿到 clip 的片段下标；全部完成返回 -1
func (j *ConversionJob) NextPendingSegment() int {
	for k := 0; k < j.SegmentCount(); k++ {
		if !j.SegmentClipURLs.Has(k) {
			return k
		}
	}
	return -1
}

// OrderedClipURLs 按片段顺序返回 clip 地址，缺失任意一个返回 false
func (j *ConversionJob) OrderedClipURLs() ([]string, bool) {
	n := j.SegmentCount()
	urls := make([]string, 0, n)
	for k := 0; k < n; k++ {
		u, ok := j.SegmentClipURLs[k]
		if !ok {
			return nil, false
		}
		urls = append(urls, u)
	}
	return urls, n > 0
}

// Clone 深拷贝，store 之间传递快照时使用
func (j *ConversionJob) Clone() *ConversionJob {
	c := *j
	if j.SourceImages != nil {
		c.SourceImages = append(datatypes.JSONSlice[string]{}, j.SourceImages...)
	}
	if j.Script.Segments != nil {
		c.Script.Segments = append([]Segment(nil), j.Script.Segments...)
	}
	c.SegmentHandles = j.SegmentHandles.Clone()
	c.SegmentClipURLs = j.SegmentClipURLs.Clone()
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

// NewConversionJob 构造 pending 状态的新任务
func NewConversionJob(id, sourceURL string, now time.Time) *ConversionJob {
	return &ConversionJob{
		ID:              id,
		SourceURL:       sourceURL,
		Status:          StatusPending,
		Progress:        ProgressFor(StatusPending, 0, 0),
		CurrentStep:     StepLabel(StatusPending, 0, 0),
		SegmentHandles:  IndexedValues{},
		SegmentClipURLs: IndexedValues{},
		LeaseSegment:    NoLease,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
