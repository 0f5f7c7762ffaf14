package models

import "fmt"

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	StatusPending: {
		StatusFetching: true,
	},
	StatusFetching: {
		StatusPlanning: true,
		StatusFailed:   true,
	},
	StatusPlanning: {
		StatusGenerating: true,
		StatusFailed:     true,
	},
	StatusGenerating: {
		StatusGenerating: true,
		StatusAssembling: true,
		StatusFailed:     true,
	},
	StatusAssembling: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// CanTransition 状态只能沿状态图前进
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ValidateTransition 同 CanTransition，非法时返回 error
func ValidateTransition(from, to JobStatus) error {
	if from == to && from != StatusGenerating {
		// 非 generating 的同状态写入视为字段更新而非迁移
		if from.IsTerminal() {
			return fmt.Errorf("%w: job already %s", ErrJobTerminal, from)
		}
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// ProgressFor 状态 -> 进度映射
// generating 阶段按已完成片段数在 40..90 之间线性插值
func ProgressFor(status JobStatus, completed, total int) int {
	switch status {
	case StatusPending:
		return 0
	case StatusFetching:
		return 5
	case StatusPlanning:
		return 20
	case StatusGenerating:
		if total <= 0 {
			return 40
		}
		if completed > total {
			completed = total
		}
		return 40 + 50*completed/total
	case StatusAssembling:
		return 90
	case StatusCompleted:
		return 100
	}
	return 0
}

// StepLabel 仅用于展示
func StepLabel(status JobStatus, completed, total int) string {
	switch status {
	case StatusPending:
		return "Queued"
	case StatusFetching:
		return "Fetching source article"
	case StatusPlanning:
		return "Writing video script"
	case StatusGenerating:
		if total > 0 && completed < total {
			return fmt.Sprintf("Generating clip %d of %d", completed+1, total)
		}
		return "Generating clips"
	case StatusAssembling:
		return "Assembling final video"
	case StatusCompleted:
		return "Done"
	case StatusFailed:
		return "Failed"
	}
	return ""
}
