package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 VOTESAGA_KAFKA_GROUP_ID 覆盖 kafka.group_id
const EnvPrefix = "VOTESAGA"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Content ContentConfig `mapstructure:"content"`
	Saga    SagaConfig    `mapstructure:"saga"`
	Lock    LockConfig    `mapstructure:"lock"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	// 启动时执行 CREATE TABLE IF NOT EXISTS
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	// 幂等标记缓存使用的Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// 幂等标记在Redis中的保留时间，MySQL中的记录永久保留
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers          []string      `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	Workers          int           `mapstructure:"workers"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	AutoCreateTopics bool          `mapstructure:"auto_create_topics"`
	Topics           TopicsConfig  `mapstructure:"topics"`
	Retry            RetryConfig   `mapstructure:"retry"`
}

// TopicsConfig saga相关的主题名称
type TopicsConfig struct {
	Start           string `mapstructure:"start"`
	YuanReserved    string `mapstructure:"yuan_reserved"`
	VoteCreated     string `mapstructure:"vote_created"`
	Failed          string `mapstructure:"failed"`
	CompensateYuan  string `mapstructure:"compensate_yuan"`
	NovelVoteCounts string `mapstructure:"novel_vote_counts"`
}

// RetryConfig 消息处理失败时的原地重试策略
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type ContentConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
}

type SagaConfig struct {
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	// 旧版 Failed 事件补偿监听器，默认关闭
	LegacyFailedListener bool `mapstructure:"legacy_failed_listener"`
}

type LockConfig struct {
	// etcd | redis | none
	Backend string `mapstructure:"backend"`
	Retries int    `mapstructure:"retries"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Path        string `mapstructure:"path"`
	ServiceName string `mapstructure:"service_name"`
}

// setDefaults 设置默认值，主题名称与其他saga参与方保持一致
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("redis.idempotency_ttl", 7*24*time.Hour)

	v.SetDefault("kafka.group_id", "engagement-service")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.topics.start", "vote-saga.start")
	v.SetDefault("kafka.topics.yuan_reserved", "vote-saga.yuan-reserved")
	v.SetDefault("kafka.topics.vote_created", "vote-saga.vote-created")
	v.SetDefault("kafka.topics.failed", "vote-saga.failed")
	v.SetDefault("kafka.topics.compensate_yuan", "vote-saga.compensate-yuan")
	v.SetDefault("kafka.topics.novel_vote_counts", "novel-vote-count-events")
	v.SetDefault("kafka.retry.max_attempts", 3)
	v.SetDefault("kafka.retry.base_delay", 200*time.Millisecond)
	v.SetDefault("kafka.retry.max_delay", 5*time.Second)

	v.SetDefault("content.timeout", 3*time.Second)
	v.SetDefault("content.max_attempts", 2)
	v.SetDefault("content.breaker_max_failures", 5)
	v.SetDefault("content.breaker_reset_timeout", 30*time.Second)

	v.SetDefault("saga.validation_timeout", 5*time.Second)
	v.SetDefault("saga.lock_ttl", 30*time.Second)
	v.SetDefault("saga.legacy_failed_listener", false)

	v.SetDefault("lock.backend", "none")
	v.SetDefault("lock.retries", 1)

	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("log.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.service_name", "engagement-service")
}

// LoadConfig 加载配置文件，环境变量优先于文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 检查必填项
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers 不能为空"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.group_id 不能为空"))
	}
	if c.MySQL.Master == "" {
		errs = append(errs, errors.New("mysql.master 不能为空"))
	}
	if c.Content.BaseURL == "" {
		errs = append(errs, errors.New("content.base_url 不能为空"))
	}
	switch c.Lock.Backend {
	case "none", "":
	case "etcd":
		if len(c.ETCD.Endpoints) == 0 {
			errs = append(errs, errors.New("lock.backend=etcd 时 etcd.endpoints 不能为空"))
		}
	case "redis":
		if len(c.Redis.LockAddresses) == 0 {
			errs = append(errs, errors.New("lock.backend=redis 时 redis.lock_addresses 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 lock.backend: %s", c.Lock.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置校验失败: %w", errors.Join(errs...))
	}
	return nil
}
