// Package relay carries deliveries between service instances over Redis
// pub/sub, so a customer and an admin connected to different instances still
// reach each other. Presence is not relayed.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ironfuel/livechat/internal/constants"
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/metrics"
	"github.com/ironfuel/livechat/internal/util"
)

// Target selects which local connections receive a relayed frame.
type Target string

const (
	TargetAdmins   Target = "admins"
	TargetCustomer Target = "customer"
)

// ErrClosed is returned by Publish and Start after Close.
var ErrClosed = errors.New("relay is closed")

// Envelope is one relayed delivery.
type Envelope struct {
	Origin     string          `json:"origin"`
	Target     Target          `json:"target"`
	CustomerID string          `json:"customerId,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

// Handler receives envelopes published by other instances.
type Handler func(env Envelope)

// Bus publishes and receives envelopes on one Redis channel.
type Bus struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	logger     *logging.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
	closed bool
}

// New creates a Bus on channel with a fresh instance ID.
func New(client redis.UniversalClient, channel string, logger *logging.Logger) *Bus {
	if channel == "" {
		channel = constants.DefaultRedisChannel
	}
	return &Bus{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger.WithGroup("relay"),
	}
}

// InstanceID identifies this instance in published envelopes.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Publish sends frame to the matching connections on every other instance.
func (b *Bus) Publish(ctx context.Context, target Target, customerID string, frame []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := util.MarshalJSON(Envelope{
		Origin:     b.instanceID,
		Target:     target,
		CustomerID: customerID,
		Frame:      frame,
	})
	if err != nil {
		return fmt.Errorf("failed to encode relay envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.RelayPublishTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		metrics.RelayEnvelopes.WithLabelValues("publish_failed").Inc()
		return fmt.Errorf("failed to publish relay envelope: %w", err)
	}
	metrics.RelayEnvelopes.WithLabelValues("published").Inc()
	return nil
}

// Start subscribes to the channel and dispatches envelopes from other
// instances to handler until Close. It returns once the subscription is confirmed.
func (b *Bus) Start(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.pubsub != nil {
		return errors.New("relay already started")
	}

	ps := b.client.Subscribe(ctx, b.channel)
	// No else needed: early return pattern (guard clause)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.pubsub = ps
	b.done = make(chan struct{})
	ch := ps.Channel()
	done := b.done

	util.SafeGo(b.logger, "relay", func() {
		defer close(done)
		for msg := range ch {
			b.dispatch(msg.Payload, handler)
		}
	})

	b.logger.Info("Relay subscribed", "channel", b.channel, "instance_id", b.instanceID)
	return nil
}

func (b *Bus) dispatch(payload string, handler Handler) {
	var env Envelope
	if err := util.UnmarshalJSON([]byte(payload), &env); err != nil {
		metrics.RelayEnvelopes.WithLabelValues("malformed").Inc()
		b.logger.Warn("Discarding malformed relay envelope", "error", err)
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	if env.Target != TargetAdmins && env.Target != TargetCustomer {
		metrics.RelayEnvelopes.WithLabelValues("malformed").Inc()
		b.logger.Warn("Discarding relay envelope with unknown target", "target", env.Target)
		return
	}

	metrics.RelayEnvelopes.WithLabelValues("received").Inc()
	handler(env)
}

// Ping checks the Redis connection.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close unsubscribes and waits for the dispatch loop to finish.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps, done := b.pubsub, b.done
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	b.logger.Info("Relay closed", "channel", b.channel)
	return err
}
