package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/votesaga/config"
	"github.com/lvdashuaibi/votesaga/internal/api/graph"
	"github.com/lvdashuaibi/votesaga/internal/client"
	"github.com/lvdashuaibi/votesaga/internal/event"
	"github.com/lvdashuaibi/votesaga/internal/idempotency"
	intkafka "github.com/lvdashuaibi/votesaga/internal/kafka"
	"github.com/lvdashuaibi/votesaga/internal/lock"
	"github.com/lvdashuaibi/votesaga/internal/logging"
	"github.com/lvdashuaibi/votesaga/internal/metrics"
	"github.com/lvdashuaibi/votesaga/internal/repository"
	"github.com/lvdashuaibi/votesaga/internal/saga"
	"github.com/lvdashuaibi/votesaga/internal/service"
)

var configPath = flag.String("config", "config/config.yaml", "配置文件路径")

func main() {
	// 解析命令行参数
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 指标
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		provider, handler, err := metrics.Setup(ctx, cfg.Metrics.ServiceName)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Shutdown(context.Background()) }()
		metricsHandler = handler
	}
	m, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("初始化指标失败: %w", err)
	}

	// 创建数据库连接
	mysqlRepo, err := repository.NewMySQLRepository(cfg.MySQL, logger)
	if err != nil {
		return fmt.Errorf("初始化MySQL仓库失败: %w", err)
	}
	defer mysqlRepo.Close()
	if cfg.MySQL.AutoMigrate {
		if err := mysqlRepo.InitSchema(ctx); err != nil {
			return err
		}
	}
	logger.Info("MySQL仓库初始化成功")

	// 创建Redis连接
	redisRepo, err := repository.NewRedisRepository(cfg.Redis)
	if err != nil {
		return fmt.Errorf("初始化Redis仓库失败: %w", err)
	}
	defer redisRepo.Close()
	logger.Info("Redis仓库初始化成功")

	idem := idempotency.NewService(mysqlRepo, redisRepo, cfg.Redis.IdempotencyTTL, logger)

	// 创建分布式锁
	sagaLock, err := newLock(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sagaLock.ReleaseAllLocks(releaseCtx)
		_ = sagaLock.Close()
	}()
	logger.Info("分布式锁初始化成功", zap.String("backend", cfg.Lock.Backend))

	contentClient := client.NewContentClient(cfg.Content, nil, logger)

	// 创建Kafka生产者
	producer := intkafka.NewProducer(cfg.Kafka, logger, m)
	defer producer.Close()
	checkTopics(ctx, producer, cfg.Kafka.Topics, logger)

	events := event.NewProducer(producer, cfg.Kafka.Topics)

	listener := saga.NewVoteSagaListener(
		mysqlRepo, idem, contentClient, events, sagaLock,
		cfg.Saga, cfg.Kafka.Topics, logger, m,
	)

	// 创建Kafka消费者
	consumer := intkafka.NewConsumer(cfg.Kafka, logger, m)
	for topic, handler := range listener.Routes() {
		consumer.Register(topic, handler)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("启动Kafka消费者失败: %w", err)
	}
	defer consumer.Stop()
	logger.Info("Kafka消费者已启动", zap.Strings("topics", consumer.Topics()))

	voteService := service.NewVoteService(mysqlRepo, contentClient, events, logger)

	server := graph.NewServer(voteService, graph.Options{
		Port:            cfg.Server.Port,
		GraphQLPath:     cfg.GraphQL.Path,
		MetricsPath:     cfg.Metrics.Path,
		MetricsHandler:  metricsHandler,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		HealthChecks: map[string]graph.HealthCheck{
			"mysql": mysqlRepo.Ping,
			"redis": redisRepo.Ping,
		},
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// 等待中断信号
	select {
	case <-ctx.Done():
		logger.Info("正在关闭服务...")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Warn("关闭HTTP服务失败", zap.Error(err))
	}
	return nil
}

func newLock(cfg *config.Config, logger *zap.Logger) (lock.Lock, error) {
	switch cfg.Lock.Backend {
	case "etcd":
		l, err := lock.NewEtcdLock(cfg.ETCD, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化ETCD分布式锁失败: %w", err)
		}
		return l, nil
	case "redis":
		l, err := lock.NewRedLock(cfg.Redis, cfg.Lock.Retries, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化Redlock失败: %w", err)
		}
		return l, nil
	default:
		return lock.Noop{}, nil
	}
}

// checkTopics 主题缺失只记录日志，由运维创建
func checkTopics(ctx context.Context, producer *intkafka.Producer, topics config.TopicsConfig, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := producer.CheckTopics(ctx,
		topics.Start, topics.YuanReserved, topics.VoteCreated,
		topics.Failed, topics.CompensateYuan, topics.NovelVoteCounts,
	); err != nil {
		logger.Warn("检查Kafka主题失败", zap.Error(err))
	}
}
