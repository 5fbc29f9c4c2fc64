package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "events:"

// Event is a message on the bus
type Event struct {
	Topic       string         `json:"topic"`
	Type        string         `json:"type"`
	InstanceID  string         `json:"instanceId"` // source instance
	Payload     map[string]any `json:"payload"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// EventHandler is a callback for handling bus events
type EventHandler func(ctx context.Context, event Event)

type subscription struct {
	id      uint64
	pattern string
	handler EventHandler
}

// EventBus delivers approval and job events to local subscribers and, when
// Redis is configured, to every other instance through Redis pub/sub
type EventBus struct {
	redis      *RedisService
	pubsub     *redis.PubSub
	mu         sync.RWMutex
	subs       []subscription
	nextID     uint64
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewEventBus creates an event bus. redisService may be nil for a
// single-instance deployment.
func NewEventBus(redisService *RedisService, instanceID string) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventBus{
		redis:      redisService,
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe registers a handler for a topic pattern ("jobs", "*") and returns
// a function that removes it
func (b *EventBus) Subscribe(pattern string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	log.Printf("📡 [PUBSUB] Subscribed to pattern: %s", pattern)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event locally and forwards it to other instances
func (b *EventBus) Publish(ctx context.Context, topic, eventType string, payload map[string]any) error {
	event := Event{
		Topic:       topic,
		Type:        eventType,
		InstanceID:  b.instanceID,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}

	b.dispatch(event)

	if b.redis == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.redis.Client().Publish(ctx, channelPrefix+topic, data).Err()
}

// Start begins listening for events from other instances. It is a no-op
// without Redis.
func (b *EventBus) Start() error {
	if b.redis == nil {
		return nil
	}

	b.pubsub = b.redis.Client().PSubscribe(b.ctx, channelPrefix+"*")

	// Wait for subscription confirmation
	if _, err := b.pubsub.Receive(b.ctx); err != nil {
		return err
	}

	go b.processMessages()

	log.Printf("✅ [PUBSUB] Started listening for events (instance: %s)", b.instanceID)
	return nil
}

func (b *EventBus) processMessages() {
	ch := b.pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg)
		}
	}
}

func (b *EventBus) handleMessage(msg *redis.Message) {
	var event Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to unmarshal event: %v", err)
		return
	}

	// Local subscribers already saw our own events
	if event.InstanceID == b.instanceID {
		return
	}
	b.dispatch(event)
}

func (b *EventBus) dispatch(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if matchPattern(s.pattern, event.Topic) {
			go s.handler(b.ctx, event)
		}
	}
}

// Stop stops the event bus
func (b *EventBus) Stop() error {
	b.cancel()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

// matchPattern checks if a topic matches a pattern with "*" segments
func matchPattern(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}

	patternParts := strings.Split(pattern, ":")
	topicParts := strings.Split(topic, ":")
	if len(patternParts) != len(topicParts) {
		return false
	}

	for i, part := range patternParts {
		if part != "*" && part != topicParts[i] {
			return false
		}
	}
	return true
}
