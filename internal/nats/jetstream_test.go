package natsjs

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestStreamConfig(t *testing.T) {
	cfg := StreamConfig()

	assert.Equal(t, "MAIL_EVENTS", cfg.Name)
	assert.Equal(t, []string{"account.*.>"}, cfg.Subjects)
	assert.Equal(t, nats.FileStorage, cfg.Storage)
	assert.Equal(t, nats.LimitsPolicy, cfg.Retention)
	assert.Equal(t, 10*time.Minute, cfg.Duplicates)
}

func TestNewPublisherUnreachable(t *testing.T) {
	p, err := NewPublisher("nats://127.0.0.1:1", nil)
	assert.Error(t, err)
	assert.Nil(t, p)
}
