package saga

import (
	"errors"
	"fmt"
)

// 校验失败原因，写入 Failed 事件的 reason 字段
const (
	ReasonNovelNotFound = "novel not found"
	ReasonSelfVote      = "self-vote"
)

// 用于指标的失败分类
const (
	codeNovelNotFound     = "novel_not_found"
	codeSelfVote          = "self_vote"
	codeNovelLookupFailed = "novel_lookup_failed"
)

// ErrSagaBusy 同一saga正在被其他消费者处理，稍后重试
var ErrSagaBusy = errors.New("saga is being processed elsewhere")

// ValidationError 业务校验失败，不重试，以 Failed + CompensateYuan 结束saga
type ValidationError struct {
	Reason string
	Code   string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PublishError 投票写入后事件发送失败，消息会被重新投递
type PublishError struct {
	Event string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Event, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
