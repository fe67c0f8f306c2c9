package api

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// EventBroker fans delivery outcomes out to live stream subscribers.
type EventBroker interface {
	Subscribe(endpointID string) chan DeliveryEvent
	Unsubscribe(endpointID string, ch chan DeliveryEvent)
	Publish(endpointID string, evt DeliveryEvent)
}

// In-memory broker already implemented in broker.go and satisfies EventBroker

// RedisBroker implements EventBroker over Redis Pub/Sub, so multiple API
// replicas can serve the stream regardless of which one recorded the outcome.
type RedisBroker struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[chan DeliveryEvent]*redis.PubSub
}

func NewRedisBroker() (*RedisBroker, error) {
	url := os.Getenv("REDIS_URL")
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{
		rdb:  redis.NewClient(opt),
		subs: map[chan DeliveryEvent]*redis.PubSub{},
	}, nil
}

func (b *RedisBroker) Subscribe(endpointID string) chan DeliveryEvent {
	ch := make(chan DeliveryEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(endpointID))
	// initial consume to ensure subscription
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt DeliveryEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying Pub/Sub; the reader goroutine then closes
// the channel.
func (b *RedisBroker) Unsubscribe(endpointID string, ch chan DeliveryEvent) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(endpointID string, evt DeliveryEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, b.chanName(endpointID), data).Err()
}

func (b *RedisBroker) chanName(endpointID string) string {
	return "webhook:deliveries:" + endpointID
}
