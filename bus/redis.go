package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/types"
)

const defaultChannel = "devzarr-events"

// RedisBus shares one pub/sub channel between all server instances. A
// publication is handed to the local subscribers directly and travels to the
// peers over redis; the instance id in the envelope lets receivers drop the
// publisher's own echo, so every subscriber sees every event exactly once.
type RedisBus struct {
	rdb        *goredis.Client
	channel    string
	instanceId string

	mu     sync.Mutex
	cancel context.CancelFunc
	subs   []func(*types.Event)
}

type redisEnvelope struct {
	Instance string       `json:"instance"`
	Event    *types.Event `json:"event"`
}

// NewBus builds the bus selected by the configuration: redis when an
// address is configured, the in-process bus otherwise.
func NewBus(cfg *config.Config, instanceId string) (Bus, error) {
	if cfg.BusConfig.RedisAddr == "" {
		return NewLocalBus(), nil
	}
	return NewRedisBus(cfg, instanceId)
}

func NewRedisBus(cfg *config.Config, instanceId string) (*RedisBus, error) {
	channel := cfg.BusConfig.RedisChannel
	if channel == "" {
		channel = defaultChannel
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.BusConfig.RedisAddr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	b := &RedisBus{rdb: rdb, channel: channel, instanceId: instanceId}
	runCtx, runCancel := context.WithCancel(context.Background())
	b.cancel = runCancel

	sub := rdb.Subscribe(runCtx, channel)
	// make sure the subscription actually started before returning
	if _, err := sub.Receive(runCtx); err != nil {
		runCancel()
		_ = sub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	go b.forward(runCtx, sub)
	return b, nil
}

func (b *RedisBus) forward(ctx context.Context, sub *goredis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				_ = sub.Close()
				return
			}
			var env redisEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				globals.AppLogger.Error("could not unmarshal bus event", "error", err)
				continue
			}
			if env.Instance == b.instanceId || env.Event == nil {
				continue // our own echo
			}
			b.deliver(env.Event)
		}
	}
}

func (b *RedisBus) deliver(event *types.Event) {
	b.mu.Lock()
	subs := make([]func(*types.Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, onEvent := range subs {
		onEvent(event)
	}
}

func (b *RedisBus) Publish(ctx context.Context, event *types.Event) error {
	// local subscribers first: they never see the redis echo
	b.deliver(event)
	raw, err := json.Marshal(redisEnvelope{Instance: b.instanceId, Event: event})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBus) Subscribe(onEvent func(*types.Event)) (func(), error) {
	b.mu.Lock()
	b.subs = append(b.subs, onEvent)
	idx := len(b.subs) - 1
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		if idx < len(b.subs) {
			b.subs[idx] = func(*types.Event) {}
		}
		b.mu.Unlock()
	}, nil
}

func (b *RedisBus) Close() error {
	b.cancel()
	return b.rdb.Close()
}
