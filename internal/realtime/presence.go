package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Presence tracks which members currently hold a live stream to a room,
// across all server instances. Each open stream refreshes a short-TTL
// Redis key; a key expiring means that member's connection is gone.
// Optional — a nil *Presence disables the feature.
type Presence struct {
	client *redis.Client
	logger *zap.Logger
}

const (
	// PresenceTTL must outlive one missed heartbeat.
	PresenceTTL       = 45 * time.Second
	HeartbeatInterval = 15 * time.Second
)

// NewPresence connects to Redis and verifies the connection.
func NewPresence(ctx context.Context, redisURL string, logger *zap.Logger) (*Presence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("presence tracker ready", zap.String("addr", opts.Addr))
	return &Presence{client: client, logger: logger}, nil
}

func presenceKey(roomID, uid string) string {
	return fmt.Sprintf("gymbro:presence:%s:%s", roomID, uid)
}

// Heartbeat marks uid online in roomID for PresenceTTL.
func (p *Presence) Heartbeat(ctx context.Context, roomID, uid string) error {
	if err := p.client.Set(ctx, presenceKey(roomID, uid), 1, PresenceTTL).Err(); err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	return nil
}

// Clear drops uid's presence immediately instead of waiting out the TTL.
func (p *Presence) Clear(ctx context.Context, roomID, uid string) error {
	if err := p.client.Del(ctx, presenceKey(roomID, uid)).Err(); err != nil {
		return fmt.Errorf("presence clear: %w", err)
	}
	return nil
}

// Online lists the uids currently streaming roomID.
func (p *Presence) Online(ctx context.Context, roomID string) ([]string, error) {
	prefix := fmt.Sprintf("gymbro:presence:%s:", roomID)
	var uids []string
	iter := p.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		uids = append(uids, key[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	return uids, nil
}

func (p *Presence) Close() {
	if err := p.client.Close(); err != nil {
		p.logger.Warn("close redis client", zap.Error(err))
	}
}
