package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// presence asserts name claims beyond this process, so several server
// instances behind one wildcard domain cannot hand out the same name. The
// control connection itself is only usable on the instance that accepted
// it, so lookups stay local; presence only guards claims.
type presence interface {
	claim(ctx context.Context, name string) error
	release(ctx context.Context, name string)
	heartbeat(ctx context.Context, names []string)
	close() error
}

// localPresence is the default single-instance backend.
type localPresence struct{}

func (localPresence) claim(context.Context, string) error { return nil }
func (localPresence) release(context.Context, string)     {}
func (localPresence) heartbeat(context.Context, []string) {}
func (localPresence) close() error                        { return nil }

// redisPresence records claims in Redis keyed by name, owned by an instance
// id, with a TTL refreshed by heartbeats so a crashed instance's names free
// up on their own.
type redisPresence struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
	log        *logrus.Logger
}

func newRedisPresence(addr, password string, db int, log *logrus.Logger) (*redisPresence, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisPresence{
		client:     rdb,
		instanceID: fmt.Sprintf("doorway-%d", time.Now().UnixNano()),
		keyTTL:     2 * time.Minute,
		log:        log,
	}, nil
}

func presenceKey(name string) string { return "doorway:name:" + name }

func (p *redisPresence) claim(ctx context.Context, name string) error {
	ok, err := p.client.SetNX(ctx, presenceKey(name), p.instanceID, p.keyTTL).Result()
	if err != nil {
		return fmt.Errorf("redis claim failed: %w", err)
	}
	if !ok {
		return ErrTaken
	}
	return nil
}

func (p *redisPresence) release(ctx context.Context, name string) {
	owner, err := p.client.Get(ctx, presenceKey(name)).Result()
	if err != nil {
		if err != redis.Nil {
			p.log.WithError(err).WithField("name", name).Error("redis release lookup failed")
		}
		return
	}
	// never delete another instance's claim
	if owner != p.instanceID {
		return
	}
	if err := p.client.Del(ctx, presenceKey(name)).Err(); err != nil {
		p.log.WithError(err).WithField("name", name).Error("redis release failed")
	}
}

func (p *redisPresence) heartbeat(ctx context.Context, names []string) {
	for _, name := range names {
		if err := p.client.Expire(ctx, presenceKey(name), p.keyTTL).Err(); err != nil {
			p.log.WithError(err).WithField("name", name).Error("redis heartbeat failed")
		}
	}
}

func (p *redisPresence) close() error { return p.client.Close() }
