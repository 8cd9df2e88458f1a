package broker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"vidforge/internal/queue"
)

const minPollInterval = 10 * time.Millisecond

// sqliteBroker stores deliveries alongside the job store. Claims use an
// optimistic lease update so concurrent consumers never share a delivery.
type sqliteBroker struct {
	db           *sql.DB
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
}

// NewSQLite builds the default broker on the job store's database.
func NewSQLite(store *queue.Store, pollInterval time.Duration) Broker {
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	return &sqliteBroker{db: store.DB(), pollInterval: pollInterval}
}

func (b *sqliteBroker) Enqueue(ctx context.Context, ref Ref) error {
	if b.isClosed() {
		return ErrClosed
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO broker_entries (job_key, client_id, enqueued_at, not_before, leased_by, lease_expires_at)
		 VALUES (?, ?, ?, ?, '', NULL)`,
		ref.JobKey, ref.ClientID, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ref.JobKey, err)
	}
	return nil
}

func (b *sqliteBroker) Dequeue(ctx context.Context, owner string, visibility time.Duration) (*Delivery, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if b.isClosed() {
			return nil, ErrClosed
		}
		delivery, err := b.claim(ctx, owner, visibility)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// claim picks the oldest ready entry and takes its lease. A concurrent
// consumer winning the race leaves zero rows updated; the caller polls
// again.
func (b *sqliteBroker) claim(ctx context.Context, owner string, visibility time.Duration) (*Delivery, error) {
	now := time.Now().UTC()
	nowText := now.Format(time.RFC3339Nano)

	row := b.db.QueryRowContext(ctx,
		`SELECT id, job_key, client_id FROM broker_entries
		 WHERE leased_by = '' AND not_before <= ?
		 ORDER BY id LIMIT 1`,
		nowText,
	)
	var entryID int64
	var jobKey, clientID string
	if err := row.Scan(&entryID, &jobKey, &clientID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select ready entry: %w", err)
	}

	result, err := b.db.ExecContext(ctx,
		`UPDATE broker_entries SET leased_by = ?, lease_expires_at = ?
		 WHERE id = ? AND leased_by = ''`,
		owner, now.Add(visibility).Format(time.RFC3339Nano), entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("lease entry %d: %w", entryID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("lease entry %d: %w", entryID, err)
	}
	if affected == 0 {
		return nil, nil
	}
	return &Delivery{
		Ref:      Ref{JobKey: jobKey, ClientID: clientID},
		EntryID:  entryID,
		LeasedBy: owner,
	}, nil
}

func (b *sqliteBroker) Ack(ctx context.Context, delivery *Delivery) error {
	if delivery == nil {
		return fmt.Errorf("ack: delivery is required")
	}
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM broker_entries WHERE id = ?`, delivery.EntryID,
	); err != nil {
		return fmt.Errorf("ack entry %d: %w", delivery.EntryID, err)
	}
	return nil
}

func (b *sqliteBroker) Nack(ctx context.Context, delivery *Delivery, delay time.Duration) error {
	if delivery == nil {
		return fmt.Errorf("nack: delivery is required")
	}
	notBefore := time.Now().UTC().Add(delay).Format(time.RFC3339Nano)
	if _, err := b.db.ExecContext(ctx,
		`UPDATE broker_entries SET leased_by = '', lease_expires_at = NULL, not_before = ?
		 WHERE id = ?`,
		notBefore, delivery.EntryID,
	); err != nil {
		return fmt.Errorf("nack entry %d: %w", delivery.EntryID, err)
	}
	return nil
}

func (b *sqliteBroker) Extend(ctx context.Context, delivery *Delivery, visibility time.Duration) error {
	if delivery == nil {
		return fmt.Errorf("extend: delivery is required")
	}
	result, err := b.db.ExecContext(ctx,
		`UPDATE broker_entries SET lease_expires_at = ?
		 WHERE id = ? AND leased_by = ?`,
		time.Now().UTC().Add(visibility).Format(time.RFC3339Nano),
		delivery.EntryID, delivery.LeasedBy,
	)
	if err != nil {
		return fmt.Errorf("extend entry %d: %w", delivery.EntryID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend entry %d: %w", delivery.EntryID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: entry %d", ErrLeaseLost, delivery.EntryID)
	}
	return nil
}

func (b *sqliteBroker) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`UPDATE broker_entries SET leased_by = '', lease_expires_at = NULL
		 WHERE leased_by != '' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return int(affected), nil
}

func (b *sqliteBroker) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close marks the broker closed. The database handle belongs to the job
// store and stays open.
func (b *sqliteBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *sqliteBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
