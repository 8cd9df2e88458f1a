// Package broker provides at-least-once job delivery between submission and
// the worker pool.
//
// A dequeued reference stays durable until it is acked. Deliveries whose
// visibility window lapses without an ack are re-exposed by RequeueExpired,
// so a crashed worker loses its lease, never the job. Nack returns a
// delivery to the queue with an optional not-before delay for retry backoff.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vidforge/internal/config"
	"vidforge/internal/queue"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker is closed")

// ErrLeaseLost is returned by Extend when the delivery's lease already
// expired and was reclaimed or acked elsewhere.
var ErrLeaseLost = errors.New("delivery lease lost")

// Ref identifies a job waiting for delivery.
type Ref struct {
	JobKey   string `json:"job_key"`
	ClientID string `json:"client_id"`
}

// Delivery is one leased job reference. EntryID identifies the delivery for
// the sqlite backend, Receipt for the redis backend.
type Delivery struct {
	Ref
	EntryID  int64
	Receipt  string
	LeasedBy string
}

// Broker is the delivery contract the supervisor and ingest service use.
type Broker interface {
	// Enqueue makes the reference available for delivery.
	Enqueue(ctx context.Context, ref Ref) error
	// Dequeue blocks until a reference is available or the context ends.
	// The delivery is invisible to other consumers for the visibility
	// window.
	Dequeue(ctx context.Context, owner string, visibility time.Duration) (*Delivery, error)
	// Ack removes the delivery permanently.
	Ack(ctx context.Context, delivery *Delivery) error
	// Nack returns the delivery to the queue, hidden until now + delay.
	Nack(ctx context.Context, delivery *Delivery, delay time.Duration) error
	// Extend renews the delivery's lease for another visibility window,
	// so an attempt that runs longer than one window is not redelivered
	// while its worker is alive. Returns ErrLeaseLost when the lease is
	// no longer held.
	Extend(ctx context.Context, delivery *Delivery, visibility time.Duration) error
	// RequeueExpired re-exposes deliveries whose visibility lapsed before
	// the given instant. It returns how many were reclaimed.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error
	Close() error
}

// New builds the broker selected by the configuration.
func New(cfg *config.Config, store *queue.Store, pollInterval time.Duration) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Backend)) {
	case "", "sqlite":
		return NewSQLite(store, pollInterval), nil
	case "redis":
		return NewRedis(RedisOptions{
			Addr:         cfg.Broker.RedisAddr,
			Password:     cfg.Broker.RedisPassword,
			DB:           cfg.Broker.RedisDB,
			KeyPrefix:    cfg.Broker.RedisKeyPrefix,
			PollInterval: pollInterval,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}
