package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TaskHandle 生成服务返回的不透明任务标识
type TaskHandle string

type InitialClipRequest struct {
	Prompt          string
	AspectRatio     string
	DurationSeconds int
	CallbackURL     string
}

type ExtendClipRequest struct {
	Prompt      string
	CallbackURL string
}

// ClipStatus 单次状态查询结果
type ClipStatus struct {
	Ready            bool
	URL              string
	PermanentFailure bool
	FailureCode      string
}

// ClipGenerator 外部视频生成服务：首段生成 + 基于上一段的续写 + 非阻塞状态查询
type ClipGenerator interface {
	RequestInitialClip(ctx context.Context, req InitialClipRequest) (TaskHandle, error)
	ExtendClip(ctx context.Context, previous TaskHandle, req ExtendClipRequest) (TaskHandle, error)
	PollStatus(ctx context.Context, handle TaskHandle) (ClipStatus, error)
}

// HTTPClipGenerator REST 生成服务客户端。不做内部重试，重试由编排层决定。
type HTTPClipGenerator struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPClipGenerator(endpoint, apiKey string, timeout time.Duration) *HTTPClipGenerator {
	return &HTTPClipGenerator{
		Endpoint:   strings.TrimRight(endpoint, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
}

type taskStatusResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	VideoURL  string `json:"video_url"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type apiErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (c *HTTPClipGenerator) RequestInitialClip(ctx context.Context, req InitialClipRequest) (TaskHandle, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &ClipError{Kind: ClipInvalidRequest, Op: "generate", Err: errors.New("empty prompt")}
	}
	body := map[string]interface{}{
		"prompt":       req.Prompt,
		"aspect_ratio": req.AspectRatio,
		"duration":     req.DurationSeconds,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	return c.createTask(ctx, "generate", "/v1/videos/generations", body)
}

func (c *HTTPClipGenerator) ExtendClip(ctx context.Context, previous TaskHandle, req ExtendClipRequest) (TaskHandle, error) {
	if previous == "" {
		return "", &ClipError{Kind: ClipUnknownPreviousHandle, Op: "extend", Err: errors.New("empty previous handle")}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &ClipError{Kind: ClipInvalidRequest, Op: "extend", Err: errors.New("empty prompt")}
	}
	body := map[string]interface{}{
		"previous_task_id": string(previous),
		"prompt":           req.Prompt,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	return c.createTask(ctx, "extend", "/v1/videos/extensions", body)
}

func (c *HTTPClipGenerator) PollStatus(ctx context.Context, handle TaskHandle) (ClipStatus, error) {
	fullURL := fmt.Sprintf("%s/v1/videos/tasks/%s", c.Endpoint, url.PathEscape(string(handle)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return ClipStatus{}, &ClipError{Kind: ClipInvalidRequest, Op: "poll", Err: err}
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return ClipStatus{}, &ClipError{Kind: ClipServiceUnavailable, Op: "poll", Err: err}
	}
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return ClipStatus{}, classifyHTTPError("poll", resp.StatusCode, bodyBytes)
	}
	var st taskStatusResponse
	if err := json.Unmarshal(bodyBytes, &st); err != nil {
		return ClipStatus{}, &ClipError{Kind: ClipServiceUnavailable, Op: "poll", Err: fmt.Errorf("decode response failed: %w", err)}
	}

	switch strings.ToLower(st.Status) {
	case "succeeded", "success", "completed", "finished", "succeed":
		if st.VideoURL == "" {
			return ClipStatus{PermanentFailure: true, FailureCode: "missing_video_url"}, nil
		}
		return ClipStatus{Ready: true, URL: st.VideoURL}, nil
	case "failed", "error", "cancelled":
		code := st.ErrorCode
		if code == "" {
			code = st.Message
		}
		if code == "" {
			code = "generation_failed"
		}
		return ClipStatus{PermanentFailure: true, FailureCode: code}, nil
	}
	// queued / processing / submitted 等视为未完成
	return ClipStatus{}, nil
}

func (c *HTTPClipGenerator) createTask(ctx context.Context, op, path string, body map[string]interface{}) (TaskHandle, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", &ClipError{Kind: ClipInvalidRequest, Op: op, Err: fmt.Errorf("marshal request failed: %w", err)}
	}
	fullURL := c.Endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", &ClipError{Kind: ClipInvalidRequest, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	log.Printf("[ClipGen] POST %s", fullURL)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// 包括超时：统一视为 ServiceUnavailable
		return "", &ClipError{Kind: ClipServiceUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", classifyHTTPError(op, resp.StatusCode, bodyBytes)
	}

	var out createTaskResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return "", &ClipError{Kind: ClipServiceUnavailable, Op: op, Err: fmt.Errorf("decode response failed: %w", err)}
	}
	id := out.TaskID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", &ClipError{Kind: ClipServiceUnavailable, Op: op, Err: errors.New("response missing 'task_id'")}
	}
	return TaskHandle(id), nil
}

func (c *HTTPClipGenerator) authorize(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

func classifyHTTPError(op string, status int, body []byte) error {
	var apiErr apiErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	detail := fmt.Errorf("status %d: %s", status, truncate(string(body), 300))

	if apiErr.ErrorCode == "unknown_task" || apiErr.ErrorCode == "unknown_previous_task" {
		return &ClipError{Kind: ClipUnknownPreviousHandle, Op: op, Err: detail}
	}
	switch {
	case status == http.StatusNotFound && op == "extend":
		return &ClipError{Kind: ClipUnknownPreviousHandle, Op: op, Err: detail}
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests, status >= 500:
		return &ClipError{Kind: ClipServiceUnavailable, Op: op, Err: detail}
	case status >= 400:
		return &ClipError{Kind: ClipInvalidRequest, Op: op, Err: detail}
	}
	return &ClipError{Kind: ClipServiceUnavailable, Op: op, Err: detail}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
