package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"BlogToVideo-server/models"

	"github.com/hibiken/asynq"
)

// Processor 消费队列任务
type Processor struct {
	Orchestrator *Orchestrator
	Reconciler   *Reconciler

	server *asynq.Server
}

func NewProcessor(o *Orchestrator, r *Reconciler) *Processor {
	return &Processor{Orchestrator: o, Reconciler: r}
}

// Mux 注册任务处理函数
func (p *Processor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRunConversion, p.HandleRunConversion)
	mux.HandleFunc(TypeSegmentResult, p.HandleSegmentResult)
	return mux
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	p.server = asynq.NewServer(
		RedisOpt(),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := p.Mux()

	log.Printf("Starting Task Processor with concurrency %d...", concurrency)
	go func() {
		if err := p.server.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

// Shutdown 等待进行中的任务结束
func (p *Processor) Shutdown() {
	if p.server != nil {
		p.server.Shutdown()
	}
}

// HandleRunConversion 推进任务直到需要等待外部信号
func (p *Processor) HandleRunConversion(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	log.Printf("Processing Job: %s", payload.JobID)
	if err := p.Orchestrator.Resume(ctx, payload.JobID); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}
		// 存储等基础设施错误，交给 asynq 重试
		return err
	}
	return nil
}

// HandleSegmentResult 处理回调（push 路径）
func (p *Processor) HandleSegmentResult(ctx context.Context, t *asynq.Task) error {
	var payload SegmentResultPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	_, err := p.Reconciler.RecordSegmentResult(ctx, payload.JobID, payload.Segment, payload.Outcome())
	if errors.Is(err, models.ErrJobNotFound) {
		return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return err
}
