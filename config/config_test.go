package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
mysql:
  master: "root:pw@tcp(db:3306)/engagement"
kafka:
  brokers: ["kafka:9092"]
content:
  base_url: "http://content:8082"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "engagement-service", cfg.Kafka.GroupID)
	assert.Equal(t, "vote-saga.yuan-reserved", cfg.Kafka.Topics.YuanReserved)
	assert.Equal(t, "vote-saga.vote-created", cfg.Kafka.Topics.VoteCreated)
	assert.Equal(t, "vote-saga.failed", cfg.Kafka.Topics.Failed)
	assert.Equal(t, "vote-saga.compensate-yuan", cfg.Kafka.Topics.CompensateYuan)
	assert.Equal(t, "novel-vote-count-events", cfg.Kafka.Topics.NovelVoteCounts)
	assert.Equal(t, 5*time.Second, cfg.Saga.ValidationTimeout)
	assert.False(t, cfg.Saga.LegacyFailedListener)
	assert.Equal(t, "none", cfg.Lock.Backend)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("VOTESAGA_KAFKA_GROUP_ID", "engagement-canary")
	t.Setenv("VOTESAGA_SAGA_LEGACY_FAILED_LISTENER", "true")

	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "engagement-canary", cfg.Kafka.GroupID)
	assert.True(t, cfg.Saga.LegacyFailedListener)
}

func TestLoadConfigRejectsMissingRequired(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server:\n  port: 9000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.brokers")
	assert.Contains(t, err.Error(), "mysql.master")
	assert.Contains(t, err.Error(), "content.base_url")
}

func TestValidateLockBackend(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	cfg.Lock.Backend = "etcd"
	require.Error(t, cfg.Validate())

	cfg.ETCD.Endpoints = []string{"etcd:2379"}
	require.NoError(t, cfg.Validate())

	cfg.Lock.Backend = "zookeeper"
	require.Error(t, cfg.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
