package service

import (
	"errors"
	"fmt"
)

// FetchError 源文章不可达或无法解析，任务直接失败
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PlanError 脚本规划失败或返回格式错误
type PlanError struct {
	Err error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan script: %v", e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }

// ClipErrorKind 生成服务错误分类
type ClipErrorKind int

const (
	ClipServiceUnavailable ClipErrorKind = iota + 1
	ClipInvalidRequest
	ClipUnknownPreviousHandle
)

func (k ClipErrorKind) String() string {
	switch k {
	case ClipServiceUnavailable:
		return "service unavailable"
	case ClipInvalidRequest:
		return "invalid request"
	case ClipUnknownPreviousHandle:
		return "unknown previous handle"
	}
	return "unknown"
}

var (
	ErrServiceUnavailable    = &ClipError{Kind: ClipServiceUnavailable}
	ErrInvalidRequest        = &ClipError{Kind: ClipInvalidRequest}
	ErrUnknownPreviousHandle = &ClipError{Kind: ClipUnknownPreviousHandle}
)

// ClipError 生成服务调用失败
type ClipError struct {
	Kind ClipErrorKind
	Op   string
	Err  error
}

func (e *ClipError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClipError) Unwrap() error { return e.Err }

// Is 按 Kind 比较，使 errors.Is(err, ErrServiceUnavailable) 可用
func (e *ClipError) Is(target error) bool {
	t, ok := target.(*ClipError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable 只有 ServiceUnavailable 可重试
func (e *ClipError) Retryable() bool {
	return e.Kind == ClipServiceUnavailable
}

func isRetryableClipError(err error) bool {
	var ce *ClipError
	return errors.As(err, &ce) && ce.Retryable()
}

// AssemblyError 合成任一步骤失败
type AssemblyError struct {
	Step string
	Err  error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly %s: %v", e.Step, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }
