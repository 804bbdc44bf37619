package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// 事件类型，写入Kafka消息头 event_type
const (
	EventTypeVoteSagaStart        = "VoteSagaStart"
	EventTypeVoteSagaYuanReserved = "VoteSagaYuanReserved"
	EventTypeVoteSagaVoteCreated  = "VoteSagaVoteCreated"
	EventTypeVoteSagaFailed       = "VoteSagaFailed"
	EventTypeVoteSagaCompensate   = "VoteSagaCompensateYuan"
	EventTypeNovelVoteCountUpdate = "NovelVoteCountUpdate"
)

// localDateTimeLayout 不带时区的本地时间格式，与其他参与方的序列化格式一致
const localDateTimeLayout = "2006-01-02T15:04:05.999999999"

// Timestamp 事件时间戳，兼容 RFC3339 与不带时区的本地时间
type Timestamp struct {
	time.Time
}

// NewTimestamp 包装时间
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// LocalString 以不带时区的格式输出
func (ts Timestamp) LocalString() string {
	return ts.Time.UTC().Format(localDateTimeLayout)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.Time.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(ts.LocalString())), nil
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("时间戳格式错误: %s", data)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		ts.Time = t
		return nil
	}
	t, err := time.ParseInLocation(localDateTimeLayout, s, time.UTC)
	if err != nil {
		return fmt.Errorf("解析时间戳失败: %w", err)
	}
	ts.Time = t
	return nil
}

// VoteSagaStartEvent 投票saga开始
type VoteSagaStartEvent struct {
	SagaID    string    `json:"sagaId"`
	UserID    uuid.UUID `json:"userId"`
	NovelID   int64     `json:"novelId"`
	Timestamp Timestamp `json:"timestamp"`
}

// VoteSagaYuanReservedEvent 账本服务已预留元宝
type VoteSagaYuanReservedEvent struct {
	SagaID        string    `json:"sagaId"`
	UserID        uuid.UUID `json:"userId"`
	NovelID       int64     `json:"novelId"`
	ReservationID uuid.UUID `json:"reservationId"`
	Timestamp     Timestamp `json:"timestamp"`
}

// VoteSagaVoteCreatedEvent 投票已创建
type VoteSagaVoteCreatedEvent struct {
	SagaID        string    `json:"sagaId"`
	UserID        uuid.UUID `json:"userId"`
	NovelID       int64     `json:"novelId"`
	VoteID        int64     `json:"voteId"`
	ReservationID uuid.UUID `json:"reservationId"`
	Timestamp     Timestamp `json:"timestamp"`
}

// VoteSagaFailedEvent 投票saga失败
type VoteSagaFailedEvent struct {
	SagaID        string     `json:"sagaId"`
	UserID        uuid.UUID  `json:"userId"`
	NovelID       int64      `json:"novelId"`
	Reason        string     `json:"reason"`
	ReservationID *uuid.UUID `json:"reservationId,omitempty"`
	Timestamp     Timestamp  `json:"timestamp"`
}

// VoteSagaCompensateYuanEvent 请求账本服务释放预留
type VoteSagaCompensateYuanEvent struct {
	SagaID        string    `json:"sagaId"`
	UserID        uuid.UUID `json:"userId"`
	ReservationID uuid.UUID `json:"reservationId"`
	Reason        string    `json:"reason"`
	Timestamp     Timestamp `json:"timestamp"`
}

// NovelVoteCountUpdateEvent 小说票数更新
type NovelVoteCountUpdateEvent struct {
	NovelID        int64     `json:"novelId"`
	VoteCount      int64     `json:"voteCount"`
	Timestamp      Timestamp `json:"timestamp"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// NewNovelVoteCountUpdateEvent 幂等键为 novelId-timestamp
func NewNovelVoteCountUpdateEvent(novelID, voteCount int64, now time.Time) *NovelVoteCountUpdateEvent {
	ts := NewTimestamp(now)
	return &NovelVoteCountUpdateEvent{
		NovelID:        novelID,
		VoteCount:      voteCount,
		Timestamp:      ts,
		IdempotencyKey: fmt.Sprintf("%d-%s", novelID, ts.LocalString()),
	}
}

// DecodeEvent 解码事件负载，未知字段被忽略
func DecodeEvent(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("解析事件失败: %w", err)
	}
	return nil
}
