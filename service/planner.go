package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"BlogToVideo-server/models"

	"google.golang.org/genai"
)

// ScriptPlanner 把文章变成固定 N 段的视频脚本
type ScriptPlanner interface {
	Plan(ctx context.Context, title, text string) (*models.Script, error)
}

const plannerSystemPrompt = `You write scripts for short vertical marketing videos for healthcare clinics.
Rules:
- Stay factual and compliant: no cure claims, no guarantees of results, no before/after promises.
- Every segment is one continuous shot; later segments continue the previous shot visually.
- Video prompts describe visuals only (subject, setting, camera, lighting). No on-screen text.
- Reply with JSON only.`

// GeminiPlanner 使用 Gemini 生成脚本
type GeminiPlanner struct {
	generate       func(ctx context.Context, prompt string) (string, error)
	segmentCount   int
	segmentSeconds int
	maxAttempts    int
	retryDelay     time.Duration
}

func NewGeminiPlanner(ctx context.Context, apiKey, model string, segmentCount, segmentSeconds int) (*GeminiPlanner, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(plannerSystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}
	generate := func(ctx context.Context, prompt string) (string, error) {
		result, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
		if err != nil {
			return "", err
		}
		return result.Text(), nil
	}
	return &GeminiPlanner{
		generate:       generate,
		segmentCount:   segmentCount,
		segmentSeconds: segmentSeconds,
		maxAttempts:    3,
		retryDelay:     2 * time.Second,
	}, nil
}

func (p *GeminiPlanner) Plan(ctx context.Context, title, text string) (*models.Script, error) {
	prompt := buildPlanPrompt(title, text, p.segmentCount, p.segmentSeconds)

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		raw, err := p.generate(ctx, prompt)
		if err == nil {
			script, perr := parseScript(raw, p.segmentCount, p.segmentSeconds)
			if perr != nil {
				return nil, &PlanError{Err: perr}
			}
			return script, nil
		}
		lastErr = err
		if !isRateLimited(err) {
			break
		}
		log.Printf("[Planner] Gemini rate limited (attempt %d/%d): %v", attempt, p.maxAttempts, err)
		if attempt < p.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, &PlanError{Err: ctx.Err()}
			case <-time.After(p.retryDelay):
			}
		}
	}
	return nil, &PlanError{Err: lastErr}
}

func buildPlanPrompt(title, text string, n, seconds int) string {
	return fmt.Sprintf(`Article title: %s

Article text:
%s

Write a %d-second video as exactly %d segments of %d seconds each.
Return JSON:
{"narration_summary": "...", "segments": [{"order": 0, "narration_text": "...", "video_prompt": "..."}]}
"order" starts at 0 and increases by 1.`, title, text, n*seconds, n, seconds)
}

// parseScript 解析模型输出并校验；模型偶尔会包一层 markdown 代码块
func parseScript(raw string, n, seconds int) (*models.Script, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty planner response")
	}

	var script models.Script
	if err := json.Unmarshal([]byte(raw), &script); err != nil {
		return nil, fmt.Errorf("malformed script json: %w", err)
	}
	for i := range script.Segments {
		if script.Segments[i].DurationSeconds == 0 {
			script.Segments[i].DurationSeconds = seconds
		}
	}
	if err := script.Validate(n); err != nil {
		return nil, err
	}
	return &script, nil
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota")
}

// StaticPlanner 无 LLM 配置时的开发用规划器：按段落均分文章
type StaticPlanner struct {
	SegmentCount   int
	SegmentSeconds int
}

func (p StaticPlanner) Plan(ctx context.Context, title, text string) (*models.Script, error) {
	paras := strings.FieldsFunc(text, func(r rune) bool { return r == '\n' })
	var chunks []string
	for _, para := range paras {
		if s := strings.TrimSpace(para); s != "" {
			chunks = append(chunks, s)
		}
	}
	if len(chunks) == 0 {
		return nil, &PlanError{Err: errors.New("article text is empty")}
	}

	script := &models.Script{NarrationSummary: title}
	for i := 0; i < p.SegmentCount; i++ {
		lo := i * len(chunks) / p.SegmentCount
		hi := (i + 1) * len(chunks) / p.SegmentCount
		if hi <= lo {
			hi = lo + 1
		}
		if lo >= len(chunks) {
			lo, hi = len(chunks)-1, len(chunks)
		}
		narration := truncateRunes(strings.Join(chunks[lo:hi], " "), 240)
		script.Segments = append(script.Segments, models.Segment{
			Order:           i,
			NarrationText:   narration,
			VideoPrompt:     fmt.Sprintf("Calm clinic b-roll illustrating: %s", truncateRunes(narration, 160)),
			DurationSeconds: p.SegmentSeconds,
		})
	}
	if err := script.Validate(p.SegmentCount); err != nil {
		return nil, &PlanError{Err: err}
	}
	return script, nil
}
