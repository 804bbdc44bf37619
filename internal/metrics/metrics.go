// Package metrics saga处理相关的指标，通过 OpenTelemetry 记录并以 Prometheus 格式暴露。
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/lvdashuaibi/votesaga"

// saga处理结果
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
	OutcomeSkipped   = "skipped"
)

// Metrics 所有方法在接收者为 nil 时为空操作
type Metrics struct {
	sagaOutcomes  metric.Int64Counter
	sagaDuration  metric.Float64Histogram
	published     metric.Int64Counter
	consumed      metric.Int64Counter
	compensations metric.Int64Counter
}

func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	sagaOutcomes, err := meter.Int64Counter("vote_saga_outcomes",
		metric.WithDescription("Vote saga steps by handler and outcome"))
	if err != nil {
		return nil, fmt.Errorf("创建指标 vote_saga_outcomes 失败: %w", err)
	}

	sagaDuration, err := meter.Float64Histogram("vote_saga_handle_duration",
		metric.WithDescription("Time spent handling one saga event"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	if err != nil {
		return nil, fmt.Errorf("创建指标 vote_saga_handle_duration 失败: %w", err)
	}

	published, err := meter.Int64Counter("vote_saga_events_published",
		metric.WithDescription("Events written to Kafka by topic and result"))
	if err != nil {
		return nil, fmt.Errorf("创建指标 vote_saga_events_published 失败: %w", err)
	}

	consumed, err := meter.Int64Counter("vote_saga_messages_consumed",
		metric.WithDescription("Kafka messages consumed by topic and result"))
	if err != nil {
		return nil, fmt.Errorf("创建指标 vote_saga_messages_consumed 失败: %w", err)
	}

	compensations, err := meter.Int64Counter("vote_saga_compensations",
		metric.WithDescription("Compensation requests emitted by reason"))
	if err != nil {
		return nil, fmt.Errorf("创建指标 vote_saga_compensations 失败: %w", err)
	}

	return &Metrics{
		sagaOutcomes:  sagaOutcomes,
		sagaDuration:  sagaDuration,
		published:     published,
		consumed:      consumed,
		compensations: compensations,
	}, nil
}

// RecordSagaOutcome 记录一次saga步骤的结果和耗时
func (m *Metrics) RecordSagaOutcome(ctx context.Context, handler, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("outcome", outcome),
	)
	m.sagaOutcomes.Add(ctx, 1, attrs)
	m.sagaDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordPublish 记录事件发送结果
func (m *Metrics) RecordPublish(ctx context.Context, topic string, err error) {
	if m == nil {
		return
	}
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.Bool("success", err == nil),
	))
}

// RecordConsume 记录消息消费结果
func (m *Metrics) RecordConsume(ctx context.Context, topic, outcome string) {
	if m == nil {
		return
	}
	m.consumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}

// RecordCompensation 记录补偿请求
func (m *Metrics) RecordCompensation(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Setup 创建 Prometheus exporter 并注册为全局 MeterProvider，返回 /metrics 处理器
func Setup(ctx context.Context, serviceName string) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("创建 prometheus exporter 失败: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("创建 resource 失败: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
