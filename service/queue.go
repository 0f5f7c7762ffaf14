package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"BlogToVideo-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypeRunConversion = "conversion:run"
	TypeSegmentResult = "conversion:segment_result"
)

// RunPayload 推进一个任务
type RunPayload struct {
	JobID string `json:"job_id"`
}

// SegmentResultPayload 回调结果，延后到后台处理
type SegmentResultPayload struct {
	JobID       string `json:"job_id"`
	Segment     int    `json:"segment"`
	Handle      string `json:"handle"`
	Success     bool   `json:"success"`
	URL         string `json:"url,omitempty"`
	FailureCode string `json:"failure_code,omitempty"`
}

// Outcome 转为对账使用的结构
func (p SegmentResultPayload) Outcome() SegmentOutcome {
	return SegmentOutcome{
		Handle:      TaskHandle(p.Handle),
		Success:     p.Success,
		URL:         p.URL,
		FailureCode: p.FailureCode,
	}
}

// Dispatcher 后台任务投递；HTTP 请求只负责投递，之后以持久化状态为准
type Dispatcher interface {
	EnqueueRun(ctx context.Context, jobID string) error
	EnqueueSegmentResult(ctx context.Context, p SegmentResultPayload) error
}

var QueueClient *asynq.Client

// RedisOpt asynq 的 Redis 连接参数
func RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
		DB:       config.AppConfig.Redis.DB,
	}
}

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(RedisOpt())
}

// AsynqDispatcher 基于 asynq 的投递实现
type AsynqDispatcher struct {
	Client *asynq.Client
}

func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{Client: client}
}

func (d *AsynqDispatcher) EnqueueRun(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(RunPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	task := asynq.NewTask(TypeRunConversion, payload,
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Minute), // 合成阶段可能较慢
		asynq.Retention(24*time.Hour),
	)
	info, err := d.Client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	log.Printf("[Queue] Task Enqueued: Type=%s, JobID=%s, TaskID=%s", TypeRunConversion, jobID, info.ID)
	return nil
}

func (d *AsynqDispatcher) EnqueueSegmentResult(ctx context.Context, p SegmentResultPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	// 同一回调重复投递时 TaskID 冲突，直接视为已入队
	taskID := fmt.Sprintf("seg:%s:%d:%s:%t", p.JobID, p.Segment, p.Handle, p.Success)
	task := asynq.NewTask(TypeSegmentResult, payload,
		asynq.TaskID(taskID),
		asynq.MaxRetry(5),
		asynq.Timeout(10*time.Minute),
		asynq.Retention(24*time.Hour),
	)
	info, err := d.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		log.Printf("[Queue] Duplicate segment result ignored: %s", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	log.Printf("[Queue] Task Enqueued: Type=%s, JobID=%s, Segment=%d, TaskID=%s", TypeSegmentResult, p.JobID, p.Segment, info.ID)
	return nil
}
