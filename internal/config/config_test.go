package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":5555", cfg.ListenAddr)
	assert.Equal(t, 10<<20, cfg.MaxMessageBytes)
	assert.Equal(t, 64, cfg.OutboundQueue)
	assert.Equal(t, 2*time.Minute, cfg.OfferTimeout)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":6000"
offer_timeout: 30s
kafka_brokers: [k1:9092]
users_db: /var/lib/dispatch/users.db
`), 0o600))
	t.Setenv("LISTEN_ADDR", ":7000")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.OfferTimeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "/var/lib/dispatch/users.db", cfg.UsersDB)
	assert.True(t, cfg.RunMigrations)
}

func TestInvalidValuesAreJoined(t *testing.T) {
	t.Setenv("OFFER_TIMEOUT", "soon")
	t.Setenv("OUTBOUND_QUEUE", "0")
	_, err := LoadServerConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid OFFER_TIMEOUT")
	assert.Contains(t, err.Error(), "OUTBOUND_QUEUE must be > 0")
}

func TestMissingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP_ID", "projector-2")
	t.Setenv("CONSUMER_RETRY_BACKOFF", "1s")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "projector-2", cfg.KafkaGroupID)
	assert.Equal(t, time.Second, cfg.RetryBackoff)
	assert.Equal(t, 5, cfg.MaxRetries)
}
