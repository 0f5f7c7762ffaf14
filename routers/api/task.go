package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"BlogToVideo-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 任务进度 WebSocket 推送：GET /v1/api/conversions/:job_id/wss
// 以存储为来源，先推送当前快照，之后轮询，有变化才推送，终态后关闭。
// 生成服务只按 ReconcileInterval 低频查询，客户端断开后立即停止
func (h *ConversionHandler) ConversionProgressWebSocket(c *gin.Context) {
	jobID := c.Param("job_id")

	// 升级前先确认任务存在，否则直接返回 404
	job, err := h.Reconciler.Reconcile(c.Request.Context(), jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// 连接被接管后请求 ctx 不会随客户端断开而取消，由读循环负责
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(snapshotOf(job)); err != nil {
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevVersion := job.Version
	lastReconcile := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var cur *models.ConversionJob
		if h.ReconcileInterval > 0 && time.Since(lastReconcile) >= h.ReconcileInterval {
			lastReconcile = time.Now()
			cur, err = h.Reconciler.Reconcile(ctx, jobID)
		} else {
			cur, err = h.Store.Get(ctx, jobID)
		}
		if err != nil {
			// 查询失败继续重试
			continue
		}
		if cur.Version == prevVersion {
			continue
		}
		if err := conn.WriteJSON(snapshotOf(cur)); err != nil {
			return
		}
		prevVersion = cur.Version
		if cur.Status.IsTerminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(cur.Status)))
			return
		}
	}
}
