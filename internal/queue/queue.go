// Package queue provides at-least-once publish/subscribe over named topics
// with manual acknowledgement. Each subscriber group gets its own durable
// queue named "<topic>.<group>", so several services can consume the same
// event independently.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrClosed is returned when the broker has been closed.
	ErrClosed = errors.New("queue: broker closed")

	// ErrNotConfirmed is returned when the broker refused a published message.
	ErrNotConfirmed = errors.New("queue: publish not confirmed by broker")

	// ErrAlreadySettled is returned by a second Ack or Nack of the same delivery.
	ErrAlreadySettled = errors.New("queue: delivery already settled")
)

// Publisher hands messages to the broker.
type Publisher interface {
	// Publish returns nil only once the broker has accepted the message.
	Publish(ctx context.Context, topic, key string, body []byte) error
}

// Subscriber consumes messages for a group.
type Subscriber interface {
	// Subscribe starts consuming topic as group. The returned channel is
	// closed when ctx is done or the underlying subscription is lost.
	Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error)
}

// Broker is a Publisher and Subscriber that owns a connection.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// QueueName returns the queue (or consumer group) name of topic for group.
func QueueName(topic, group string) string {
	return topic + "." + group
}

// Delivery is one received message. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Topic       string
	Key         string
	Body        []byte
	Redelivered bool

	settled *atomic.Bool
	ack     func() error
	nack    func(requeue bool) error
}

// NewDelivery builds a delivery settled through the given callbacks.
func NewDelivery(topic, key string, body []byte, redelivered bool, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{
		Topic:       topic,
		Key:         key,
		Body:        body,
		Redelivered: redelivered,
		settled:     new(atomic.Bool),
		ack:         ack,
		nack:        nack,
	}
}

// Ack removes the message from the queue.
func (d Delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.ack()
}

// Nack rejects the message. With requeue the message is delivered again.
func (d Delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.nack(requeue)
}
