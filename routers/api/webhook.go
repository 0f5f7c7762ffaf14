package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"BlogToVideo-server/service"

	"github.com/gin-gonic/gin"
)

// ClipWebhookRequest 生成服务回调体
type ClipWebhookRequest struct {
	TaskHandle           string `json:"taskHandle"`
	Success              *bool  `json:"success"`
	ResultURL            string `json:"resultUrl"`
	PermanentFailureCode string `json:"permanentFailureCode"`
}

// 片段生成回调：POST /v1/api/webhooks/clips?job=&segment=
// 只做校验和投递，立即返回 202，处理在后台完成
func (h *ConversionHandler) ClipWebhook(c *gin.Context) {
	var req ClipWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if req.TaskHandle == "" || req.Success == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskHandle and success are required"})
		return
	}
	if *req.Success && req.ResultURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resultUrl is required when success is true"})
		return
	}

	jobID := c.Query("job")
	segment := -1
	if v := c.Query("segment"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment"})
			return
		}
		segment = n
	}
	// 回调地址不带参数时，从 handle 索引反查
	if jobID == "" || segment < 0 {
		if h.Handles == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "job and segment are required"})
			return
		}
		ref, err := h.Handles.Lookup(c.Request.Context(), service.TaskHandle(req.TaskHandle))
		if errors.Is(err, service.ErrHandleUnknown) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task handle"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		jobID, segment = ref.JobID, ref.Segment
	}

	payload := service.SegmentResultPayload{
		JobID:       jobID,
		Segment:     segment,
		Handle:      req.TaskHandle,
		Success:     *req.Success,
		URL:         req.ResultURL,
		FailureCode: req.PermanentFailureCode,
	}
	if err := h.Dispatcher.EnqueueSegmentResult(c.Request.Context(), payload); err != nil {
		log.Printf("[Webhook] enqueue for job %s segment %d failed: %v", jobID, segment, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "暂时无法处理回调"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}
