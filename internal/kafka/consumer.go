package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/votesaga/config"
	"github.com/lvdashuaibi/votesaga/internal/metrics"
	"github.com/lvdashuaibi/votesaga/internal/reliability"
)

// ErrDiscard 处理器返回包装了该错误的错误时，消息被记录并提交，不再重投
var ErrDiscard = errors.New("discard message")

// Message 交给处理器的消息
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// Handler 消息处理函数，返回错误时消息不会被提交
type Handler func(ctx context.Context, msg *Message) error

// Reader kafka.Reader 的最小接口
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory 为主题创建一个消费者组Reader，从组内已提交的位点开始消费
type ReaderFactory func(topic string) Reader

// 消费结果
const (
	consumeCommitted = "committed"
	consumeDiscarded = "discarded"
	consumeRewound   = "rewound"
)

type Consumer struct {
	newReader ReaderFactory
	workers   int
	retry     reliability.RetryPolicy
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	routes  map[string]Handler
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewConsumer(cfg config.KafkaConfig, logger *zap.Logger, m *metrics.Metrics) *Consumer {
	factory := func(topic string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.FirstOffset,
			// 同步提交，提交成功才处理下一条
			CommitInterval: 0,
		})
	}

	retry := reliability.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	return NewConsumerWithFactory(factory, cfg.Workers, retry, logger, m)
}

// NewConsumerWithFactory workers为每个主题的Reader数量
func NewConsumerWithFactory(factory ReaderFactory, workers int, retry reliability.RetryPolicy, logger *zap.Logger, m *metrics.Metrics) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, ErrDiscard) && !errors.Is(err, context.Canceled)
	}
	return &Consumer{
		newReader: factory,
		workers:   max(workers, 1),
		retry:     retry,
		logger:    logger,
		metrics:   m,
		routes:    make(map[string]Handler),
	}
}

// Register 注册主题处理器，必须在Start之前调用
func (c *Consumer) Register(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		panic("kafka: Register called after Start")
	}
	c.routes[topic] = handler
}

// Topics 已注册的主题
func (c *Consumer) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.routes))
	for topic := range c.routes {
		topics = append(topics, topic)
	}
	return topics
}

// Start 为每个主题启动 workers 个消费goroutine
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("消费者已启动")
	}
	if len(c.routes) == 0 {
		return errors.New("没有注册任何主题处理器")
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	for topic, handler := range c.routes {
		for i := 0; i < c.workers; i++ {
			c.wg.Add(1)
			go func(topic string, workerID int, handler Handler) {
				defer c.wg.Done()
				c.consume(ctx, topic, workerID, handler)
			}(topic, i, handler)
		}
		c.logger.Info("已启动Kafka消费者", zap.String("topic", topic), zap.Int("workers", c.workers))
	}
	return nil
}

// consume 单个消费者goroutine的消费逻辑
func (c *Consumer) consume(ctx context.Context, topic string, workerID int, handler Handler) {
	log := c.logger.With(zap.String("topic", topic), zap.Int("worker", workerID))
	reader := c.newReader(topic)
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn("关闭Reader失败", zap.Error(err))
		}
	}()

	fetchBackoff := c.retry.NewBackOff()
	rewindBackoff := c.retry.NewBackOff()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("读取消息失败", zap.Error(err))
			if reliability.SleepWithContext(ctx, max(fetchBackoff.NextBackOff(), 100*time.Millisecond)) != nil {
				return
			}
			continue
		}
		fetchBackoff.Reset()

		msgLog := log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))
		if err := c.dispatch(ctx, handler, m, msgLog); err != nil {
			if ctx.Err() != nil {
				return
			}
			// 未提交的消息只有重新加入消费者组才会被再次投递
			msgLog.Error("处理消息失败，重建Reader以便重新投递", zap.Error(err))
			c.metrics.RecordConsume(ctx, topic, consumeRewound)
			if err := reader.Close(); err != nil {
				msgLog.Warn("关闭Reader失败", zap.Error(err))
			}
			if reliability.SleepWithContext(ctx, max(rewindBackoff.NextBackOff(), 100*time.Millisecond)) != nil {
				reader = nopReader{}
				return
			}
			reader = c.newReader(topic)
			continue
		}
		rewindBackoff.Reset()

		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			// 提交失败时消息会被再次投递，由处理器的幂等保证正确性
			msgLog.Warn("提交位点失败", zap.Error(err))
		}
	}
}

// dispatch 原地重试，ErrDiscard视为处理完成
func (c *Consumer) dispatch(ctx context.Context, handler Handler, m kafka.Message, log *zap.Logger) error {
	msg := toMessage(m)
	err := c.retry.Do(ctx, func() error {
		return handler(ctx, msg)
	})

	switch {
	case err == nil:
		c.metrics.RecordConsume(ctx, m.Topic, consumeCommitted)
		return nil
	case errors.Is(err, ErrDiscard):
		log.Warn("丢弃无法处理的消息", zap.Error(err))
		c.metrics.RecordConsume(ctx, m.Topic, consumeDiscarded)
		return nil
	default:
		return fmt.Errorf("处理消息失败: %w", err)
	}
}

func toMessage(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Time:      m.Time,
	}
}

// Stop 停止消费并等待所有goroutine退出
func (c *Consumer) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	c.logger.Info("正在停止所有Kafka消费者...")
	cancel()
	c.wg.Wait()
	c.logger.Info("所有Kafka消费者已停止")
	return nil
}

// nopReader 替换已关闭的Reader，避免重复关闭
type nopReader struct{}

func (nopReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (nopReader) CommitMessages(context.Context, ...kafka.Message) error { return nil }
func (nopReader) Close() error                                          { return nil }
