// SPDX-License-Identifier: MIT

// Package live fans out heartbeat samples over Redis pub/sub so dashboards
// and monitors can follow sessions in real time without touching the
// ingestion path.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulsegrid/pulsed/internal/log"
)

// ChannelPrefix is prepended to the device id to form the pub/sub channel.
const ChannelPrefix = "pulse:live:"

// Sample is the published payload, one message per accepted heartbeat.
type Sample struct {
	DeviceID  string `json:"device_id"`
	BPM       int    `json:"bpm"`
	IR        int    `json:"ir"`
	AC        int    `json:"ac"`
	Timestamp int64  `json:"ts_ms"`
}

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// RedisPublisher publishes samples to a per-device Redis channel.
// Publish failures are logged and dropped: live fan-out is best effort
// and must never stall ingestion.
type RedisPublisher struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(conf Config) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         conf.Addr,
		Password:     conf.Password,
		DB:           conf.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("live")
	logger.Info().Str("addr", conf.Addr).Int("db", conf.DB).Msg("connected to Redis for live fan-out")

	return &RedisPublisher{
		client: client,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Channel returns the pub/sub channel for a device.
func Channel(deviceID string) string {
	return ChannelPrefix + deviceID
}

// PublishHeartbeat implements session.Publisher.
func (p *RedisPublisher) PublishHeartbeat(ctx context.Context, deviceID string, bpm, ir, ac int) {
	payload, err := json.Marshal(Sample{
		DeviceID:  deviceID,
		BPM:       bpm,
		IR:        ir,
		AC:        ac,
		Timestamp: p.now().UnixMilli(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.client.Publish(ctx, Channel(deviceID), payload).Err(); err != nil {
		p.logger.Warn().Err(err).Str(log.FieldDeviceID, deviceID).Msg("live publish failed")
	}
}

// HealthCheck checks if Redis is reachable.
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NopPublisher discards samples. Used when live fan-out is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishHeartbeat(context.Context, string, int, int, int) {}
