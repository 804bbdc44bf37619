// Package event 以固定的主题和路由键发送saga事件。
// saga事件以sagaId为键，票数事件以novelId为键。
package event

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lvdashuaibi/votesaga/config"
	intkafka "github.com/lvdashuaibi/votesaga/internal/kafka"
	"github.com/lvdashuaibi/votesaga/internal/model"
)

// Publisher 事件通道
type Publisher interface {
	Publish(ctx context.Context, envelopes ...intkafka.Envelope) error
}

type Producer struct {
	publisher Publisher
	topics    config.TopicsConfig
}

func NewProducer(publisher Publisher, topics config.TopicsConfig) *Producer {
	return &Producer{publisher: publisher, topics: topics}
}

// PublishVoteSagaStart 发送saga开始事件
func (p *Producer) PublishVoteSagaStart(ctx context.Context, ev *model.VoteSagaStartEvent) error {
	return p.publish(ctx, "VoteSagaStart", intkafka.Envelope{
		Topic:   p.topics.Start,
		Key:     ev.SagaID,
		Type:    model.EventTypeVoteSagaStart,
		SagaID:  ev.SagaID,
		Payload: ev,
	})
}

// PublishVoteCreated 发送投票已创建事件
func (p *Producer) PublishVoteCreated(ctx context.Context, ev *model.VoteSagaVoteCreatedEvent) error {
	return p.publish(ctx, "VoteCreated", intkafka.Envelope{
		Topic:   p.topics.VoteCreated,
		Key:     ev.SagaID,
		Type:    model.EventTypeVoteSagaVoteCreated,
		SagaID:  ev.SagaID,
		Payload: ev,
	})
}

// PublishSagaFailure 补偿请求与失败事件在同一批次写入，两者要么一起重试要么一起成功
func (p *Producer) PublishSagaFailure(ctx context.Context, failed *model.VoteSagaFailedEvent, compensate *model.VoteSagaCompensateYuanEvent) error {
	return p.publish(ctx, "Failed+CompensateYuan",
		intkafka.Envelope{
			Topic:   p.topics.CompensateYuan,
			Key:     compensate.SagaID,
			Type:    model.EventTypeVoteSagaCompensate,
			SagaID:  compensate.SagaID,
			Payload: compensate,
		},
		intkafka.Envelope{
			Topic:   p.topics.Failed,
			Key:     failed.SagaID,
			Type:    model.EventTypeVoteSagaFailed,
			SagaID:  failed.SagaID,
			Payload: failed,
		},
	)
}

// PublishNovelVoteCountUpdate 发送小说票数更新事件
func (p *Producer) PublishNovelVoteCountUpdate(ctx context.Context, ev *model.NovelVoteCountUpdateEvent) error {
	return p.publish(ctx, "NovelVoteCountUpdate", intkafka.Envelope{
		Topic:   p.topics.NovelVoteCounts,
		Key:     strconv.FormatInt(ev.NovelID, 10),
		Type:    model.EventTypeNovelVoteCountUpdate,
		Payload: ev,
	})
}

func (p *Producer) publish(ctx context.Context, name string, envelopes ...intkafka.Envelope) error {
	if err := p.publisher.Publish(ctx, envelopes...); err != nil {
		return fmt.Errorf("发送%s事件失败: %w", name, err)
	}
	return nil
}
