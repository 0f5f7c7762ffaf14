package models

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"
)

// SupabaseStore 基于 Supabase(PostgREST) 的 JobStore。
// 条件写同样依赖 version 列：UPDATE ... WHERE id=eq.X AND version=eq.V，返回行数为 0 即版本冲突。
type SupabaseStore struct {
	client *supabase.Client
	table  string
}

// supabaseRow 表列名为 snake_case，与 API 输出的 JSON 字段分开
type supabaseRow struct {
	ID                   string        `json:"id"`
	SourceURL            string        `json:"source_url"`
	Status               JobStatus     `json:"status"`
	Progress             int           `json:"progress"`
	CurrentStep          string        `json:"current_step"`
	SourceTitle          string        `json:"source_title"`
	SourceText           string        `json:"source_text"`
	SourceImages         []string      `json:"source_images"`
	Script               Script        `json:"script"`
	SegmentHandles       IndexedValues `json:"segment_handles"`
	SegmentClipURLs      IndexedValues `json:"segment_clip_urls"`
	FinalArtifactURL     string        `json:"final_artifact_url"`
	TotalDurationSeconds int           `json:"total_duration_seconds"`
	FailureReason        string        `json:"failure_reason"`
	GenerationRetries    int           `json:"generation_retries"`
	LeaseSegment         int           `json:"lease_segment"`
	LeaseExpiresAt       *time.Time    `json:"lease_expires_at"`
	Version              int64         `json:"version"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

func toRow(j *ConversionJob) supabaseRow {
	return supabaseRow{
		ID:                   j.ID,
		SourceURL:            j.SourceURL,
		Status:               j.Status,
		Progress:             j.Progress,
		CurrentStep:          j.CurrentStep,
		SourceTitle:          j.SourceTitle,
		SourceText:           j.SourceText,
		SourceImages:         []string(j.SourceImages),
		Script:               j.Script,
		SegmentHandles:       j.SegmentHandles,
		SegmentClipURLs:      j.SegmentClipURLs,
		FinalArtifactURL:     j.FinalArtifactURL,
		TotalDurationSeconds: j.TotalDurationSeconds,
		FailureReason:        j.FailureReason,
		GenerationRetries:    j.GenerationRetries,
		LeaseSegment:         j.LeaseSegment,
		LeaseExpiresAt:       j.LeaseExpiresAt,
		Version:              j.Version,
		CreatedAt:            j.CreatedAt,
		UpdatedAt:            j.UpdatedAt,
	}
}

func (r supabaseRow) toJob() *ConversionJob {
	j := &ConversionJob{
		ID:                   r.ID,
		SourceURL:            r.SourceURL,
		Status:               r.Status,
		Progress:             r.Progress,
		CurrentStep:          r.CurrentStep,
		SourceTitle:          r.SourceTitle,
		SourceText:           r.SourceText,
		SourceImages:         r.SourceImages,
		Script:               r.Script,
		SegmentHandles:       r.SegmentHandles,
		SegmentClipURLs:      r.SegmentClipURLs,
		FinalArtifactURL:     r.FinalArtifactURL,
		TotalDurationSeconds: r.TotalDurationSeconds,
		FailureReason:        r.FailureReason,
		GenerationRetries:    r.GenerationRetries,
		LeaseSegment:         r.LeaseSegment,
		LeaseExpiresAt:       r.LeaseExpiresAt,
		Version:              r.Version,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if j.SegmentHandles == nil {
		j.SegmentHandles = IndexedValues{}
	}
	if j.SegmentClipURLs == nil {
		j.SegmentClipURLs = IndexedValues{}
	}
	return j
}

// NewSupabaseStore 创建 Supabase 客户端
func NewSupabaseStore(url, serviceKey, table string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseStore{client: client, table: table}, nil
}

func (s *SupabaseStore) Create(ctx context.Context, sourceURL string) (*ConversionJob, error) {
	job := NewConversionJob(uuid.NewString(), sourceURL, time.Now())
	_, _, err := s.client.From(s.table).
		Insert(toRow(job), false, "", "", "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

func (s *SupabaseStore) Get(ctx context.Context, id string) (*ConversionJob, error) {
	data, _, err := s.client.From(s.table).
		Select("*", "exact", false).
		Eq("id", id).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to query Supabase: %w", err)
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrJobNotFound
	}
	return rows[0], nil
}

func (s *SupabaseStore) Update(ctx context.Context, id string, patch Patch, cond Condition) (*ConversionJob, error) {
	load := func() (*ConversionJob, error) {
		return s.Get(ctx, id)
	}
	save := func(prev int64, next *ConversionJob) (bool, error) {
		data, _, err := s.client.From(s.table).
			Update(toRow(next), "representation", "").
			Eq("id", id).
			Eq("version", strconv.FormatInt(prev, 10)).
			Execute()
		if err != nil {
			return false, fmt.Errorf("failed to update job: %w", err)
		}
		rows, err := decodeRows(data)
		if err != nil {
			return false, err
		}
		return len(rows) == 1, nil
	}
	return versionedUpdate(load, save, patch, cond)
}

func (s *SupabaseStore) ListActive(ctx context.Context) ([]*ConversionJob, error) {
	data, _, err := s.client.From(s.table).
		Select("*", "", false).
		In("status", activeStatuses()).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return decodeRows(data)
}

func (s *SupabaseStore) ListStale(ctx context.Context, before time.Time) ([]*ConversionJob, error) {
	data, _, err := s.client.From(s.table).
		Select("*", "", false).
		In("status", activeStatuses()).
		Lt("updated_at", before.UTC().Format(time.RFC3339)).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return decodeRows(data)
}

func activeStatuses() []string {
	return []string{
		string(StatusPending),
		string(StatusFetching),
		string(StatusPlanning),
		string(StatusGenerating),
		string(StatusAssembling),
	}
}

func decodeRows(data []byte) ([]*ConversionJob, error) {
	var rows []supabaseRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	jobs := make([]*ConversionJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}
