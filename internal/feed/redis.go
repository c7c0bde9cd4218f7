// Package feed carries comment change events between API instances over
// Redis pub/sub.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix  = "agency:comments:"
	receiveBackoff = 250 * time.Millisecond
)

// RedisFeed publishes and subscribes to per-subject channels named
// <prefix><subjectID>. Events are JSON encoded thread.Event values.
type RedisFeed struct {
	client *redis.Client
	prefix string
}

// NewRedisFeed connects to redisURL and verifies the connection.
func NewRedisFeed(redisURL, prefix string) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisFeedWithClient(client, prefix), nil
}

// NewRedisFeedWithClient builds a feed on an existing client.
func NewRedisFeedWithClient(client *redis.Client, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisFeed{client: client, prefix: prefix}
}

func (f *RedisFeed) channel(subjectID string) string {
	return f.prefix + subjectID
}

// Publish sends ev to every subscriber of its subject.
func (f *RedisFeed) Publish(ctx context.Context, ev thread.Event) error {
	if ev.SubjectID == "" && ev.Comment != nil {
		ev.SubjectID = ev.Comment.SubjectID
	}
	if ev.SubjectID == "" {
		return errors.New("publish event: missing subject id")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(ev.SubjectID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe registers onEvent for the subject's channel and returns once
// Redis has confirmed the subscription. go-redis resubscribes on its own
// after a dropped connection; each confirmation after the first is reported
// through onReconnect, since events may have been lost in between.
func (f *RedisFeed) Subscribe(ctx context.Context, subjectID string, onEvent func(thread.Event), onReconnect func()) (thread.Subscription, error) {
	channel := f.channel(subjectID)
	pubsub := f.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{pubsub: pubsub, cancel: cancel}
	go sub.run(runCtx, channel, onEvent, onReconnect)
	return sub, nil
}

// Close releases the Redis client.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

// Ping checks if Redis is reachable
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.pubsub.Close()
	})
	return s.err
}

func (s *subscription) run(ctx context.Context, channel string, onEvent func(thread.Event), onReconnect func()) {
	for {
		msg, err := s.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Printf("feed: receive on %s: %v", channel, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" && onReconnect != nil {
				onReconnect()
			}
		case *redis.Message:
			var ev thread.Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				log.Printf("feed: drop malformed event on %s: %v", channel, err)
				continue
			}
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}
}
