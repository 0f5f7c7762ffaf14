package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"BlogToVideo-server/models"
	"BlogToVideo-server/service"

	"github.com/gin-gonic/gin"
)

// ConversionHandler 转换任务相关接口
type ConversionHandler struct {
	Store        models.JobStore
	Orchestrator *service.Orchestrator
	Reconciler   *service.Reconciler
	Dispatcher   service.Dispatcher
	Handles      service.HandleIndex
	// PollInterval websocket 推送读取存储的间隔
	PollInterval time.Duration
	// ReconcileInterval websocket 主动查询生成服务的间隔
	ReconcileInterval time.Duration
}

func NewConversionHandler(o *service.Orchestrator, r *service.Reconciler) *ConversionHandler {
	return &ConversionHandler{
		Store:             o.Store,
		Orchestrator:      o,
		Reconciler:        r,
		Dispatcher:        o.Dispatcher,
		Handles:           o.Handles,
		PollInterval:      time.Second,
		ReconcileInterval: 15 * time.Second,
	}
}

// JobResult 成片信息，仅 completed 时返回
type JobResult struct {
	ArtifactURL          string `json:"artifactUrl"`
	TotalDurationSeconds int    `json:"totalDurationSeconds"`
}

// JobSnapshot 对外的任务状态
type JobSnapshot struct {
	JobID            string           `json:"jobId"`
	Status           models.JobStatus `json:"status"`
	Progress         int              `json:"progress"`
	CurrentStepLabel string           `json:"currentStepLabel"`
	Result           *JobResult       `json:"result,omitempty"`
	FailureReason    string           `json:"failureReason,omitempty"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func snapshotOf(job *models.ConversionJob) JobSnapshot {
	s := JobSnapshot{
		JobID:            job.ID,
		Status:           job.Status,
		Progress:         job.Progress,
		CurrentStepLabel: job.CurrentStep,
		UpdatedAt:        job.UpdatedAt,
	}
	switch job.Status {
	case models.StatusCompleted:
		s.Result = &JobResult{ArtifactURL: job.FinalArtifactURL, TotalDurationSeconds: job.TotalDurationSeconds}
	case models.StatusFailed:
		s.FailureReason = job.FailureReason
	}
	return s
}

// 创建转换任务：POST /v1/api/conversions
func (h *ConversionHandler) CreateConversion(c *gin.Context) {
	var req struct {
		SourceURL string `json:"source_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_url is required"})
		return
	}

	job, err := h.Orchestrator.Start(c.Request.Context(), req.SourceURL)
	if errors.Is(err, service.ErrInvalidSourceURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}
	if err != nil {
		// 已落库，ResumeActive 会在重启时接手
		log.Printf("[API] job %s created but enqueue failed: %v", job.ID, err)
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// 查询任务状态：GET /v1/api/conversions/:job_id
// generating 时顺带查询一次当前片段，回调丢失也能推进
func (h *ConversionHandler) GetConversion(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := h.Reconciler.Reconcile(c.Request.Context(), jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshotOf(job))
}

// 恢复任务：POST /v1/api/admin/conversions/:job_id/resume
func (h *ConversionHandler) ResumeConversion(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := h.Store.Get(c.Request.Context(), jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "job already " + string(job.Status)})
		return
	}
	if err := h.Dispatcher.EnqueueRun(c.Request.Context(), jobID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "投递任务失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": job.Status})
}

// 长时间未更新的任务：GET /v1/api/admin/conversions/stale?minutes=30
func (h *ConversionHandler) ListStaleConversions(c *gin.Context) {
	minutes := 30
	if v := c.Query("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be a positive integer"})
			return
		}
		minutes = n
	}
	before := time.Now().Add(-time.Duration(minutes) * time.Minute)
	jobs, err := h.Store.ListStale(c.Request.Context(), before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, snapshotOf(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}
