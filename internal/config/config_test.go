package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("APP_ROLES", "notifier")
	t.Setenv("STORE_BACKEND", "memory")

	cfg := Load()
	assert.Equal(t, []string{RoleNotifier}, cfg.Roles)
	assert.False(t, cfg.HasRole(RoleAPI))
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, BackendMemory, cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Queue.Visibility)
	assert.Equal(t, 24*time.Hour, cfg.Dispatch.DedupWindow)
	assert.Equal(t, BackendFile, cfg.SenderBackend)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.NeedsRedis())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("APP_PORT", "9000")
	t.Setenv("APP_ROLES", "api, notifier")
	t.Setenv("STORE_BACKEND", "MySQL")
	t.Setenv("DB_USER", "app")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("DB_NAME", "bookings")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "7")
	t.Setenv("WORKER_DRAIN_TIMEOUT", "3s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("AMQP_URL", "amqp://u:p@mq:5672/")

	cfg := Load()
	assert.True(t, cfg.HasRole(RoleAPI))
	assert.True(t, cfg.HasRole(RoleNotifier))
	assert.Equal(t, BackendMySQL, cfg.StoreBackend)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Worker.DrainTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, "amqp://u:p@mq:5672/", cfg.Queue.RabbitURL)
	assert.True(t, cfg.NeedsRedis())
}

func TestLoad_DurableStoreDefaultsToRedisQueue(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("APP_ROLES", "notifier")
	t.Setenv("DB_USER", "app")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("DB_NAME", "bookings")

	cfg := Load()
	assert.Equal(t, BackendMySQL, cfg.StoreBackend)
	assert.Equal(t, BackendRedis, cfg.Queue.Backend)
	assert.True(t, cfg.NeedsRedis())
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		store, queue string
		wantErr      bool
	}{
		{BackendMemory, BackendMemory, false},
		{BackendMySQL, BackendRedis, false},
		{BackendMySQL, BackendRabbitMQ, false},
		{BackendMySQL, BackendMemory, true},
	} {
		cfg := Config{StoreBackend: tc.store, Queue: QueueConfig{Backend: tc.queue}}
		err := cfg.Validate()
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrVolatileQueue, "%s/%s", tc.store, tc.queue)
		} else {
			assert.NoError(t, err, "%s/%s", tc.store, tc.queue)
		}
	}
}

func TestEnvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "ten")
	t.Setenv("X_DUR", "soon")
	t.Setenv("X_BOOL", "maybe")
	assert.Equal(t, 3, envInt("X_INT", 3))
	assert.Equal(t, time.Second, envDur("X_DUR", time.Second))
	assert.True(t, envBool("X_BOOL", true))
	assert.Nil(t, envList("X_UNSET", nil))
}

func TestRateLimitConfig_Normalize(t *testing.T) {
	c := RateLimitConfig{Capacity: 0, RefillTokens: -1, RefillInterval: 0, TTL: time.Second}.normalize()
	assert.Equal(t, 1, c.Capacity)
	assert.Equal(t, 1, c.RefillTokens)
	assert.Equal(t, time.Second, c.RefillInterval)
	assert.Equal(t, 5*time.Second, c.TTL)
}
