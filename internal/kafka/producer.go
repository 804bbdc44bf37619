package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/votesaga/config"
	"github.com/lvdashuaibi/votesaga/internal/metrics"
)

// 消息头
const (
	HeaderEventType = "event_type"
	HeaderSagaID    = "saga_id"
)

// Envelope 一条待发送的事件
type Envelope struct {
	Topic   string
	Key     string // 分区路由键
	Type    string // 写入 event_type 消息头
	SagaID  string // 非空时写入 saga_id 消息头
	Payload any    // JSON序列化
}

// Writer kafka.Writer 的最小接口
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer  Writer
	brokers []string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewProducer(cfg config.KafkaConfig, logger *zap.Logger, m *metrics.Metrics) *Producer {
	// 使用Hash分区器，相同Key进入同一分区；主题由每条消息指定
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
	}

	p := NewProducerWithWriter(writer, logger, m)
	p.brokers = cfg.Brokers
	return p
}

// NewProducerWithWriter 使用自定义Writer创建生产者
func NewProducerWithWriter(writer Writer, logger *zap.Logger, m *metrics.Metrics) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		writer:  writer,
		logger:  logger,
		metrics: m,
	}
}

// Publish 一次写入所有事件，任一失败返回错误
func (p *Producer) Publish(ctx context.Context, envelopes ...Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	now := time.Now()
	msgs := make([]kafka.Message, 0, len(envelopes))
	for _, env := range envelopes {
		data, err := json.Marshal(env.Payload)
		if err != nil {
			return fmt.Errorf("序列化事件 %s 失败: %w", env.Type, err)
		}

		headers := []kafka.Header{{Key: HeaderEventType, Value: []byte(env.Type)}}
		if env.SagaID != "" {
			headers = append(headers, kafka.Header{Key: HeaderSagaID, Value: []byte(env.SagaID)})
		}

		msgs = append(msgs, kafka.Message{
			Topic:   env.Topic,
			Key:     []byte(env.Key),
			Value:   data,
			Headers: headers,
			Time:    now,
		})
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	for _, env := range envelopes {
		p.metrics.RecordPublish(ctx, env.Topic, err)
	}
	if err != nil {
		return fmt.Errorf("发送事件失败: %w", err)
	}

	for _, env := range envelopes {
		p.logger.Debug("已发送事件",
			zap.String("topic", env.Topic), zap.String("key", env.Key), zap.String("type", env.Type))
	}
	return nil
}

// CheckTopics 检查主题是否存在并返回各主题的分区数量
func (p *Producer) CheckTopics(ctx context.Context, topics ...string) (map[string]int, error) {
	if len(p.brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}

	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topics...)
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	counts := make(map[string]int, len(topics))
	for _, part := range partitions {
		counts[part.Topic]++
	}
	for _, topic := range topics {
		if counts[topic] == 0 {
			p.logger.Warn("Kafka主题不存在或没有分区", zap.String("topic", topic))
			continue
		}
		p.logger.Info("检测到Kafka主题", zap.String("topic", topic), zap.Int("partitions", counts[topic]))
	}
	return counts, nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
