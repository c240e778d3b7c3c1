package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Log is the sqlite-backed implementation of the message log.
type Log struct {
	db           *sql.DB
	partitions   int
	notify       []chan struct{}
	pollInterval time.Duration
}

func NewLog(db *sql.DB, partitions int) *Log {
	if partitions <= 0 {
		partitions = 1
	}
	notify := make([]chan struct{}, partitions)
	for i := range notify {
		notify[i] = make(chan struct{}, 1)
	}
	return &Log{
		db:           db,
		partitions:   partitions,
		notify:       notify,
		pollInterval: 5 * time.Second,
	}
}

// Execer is the subset of *sql.DB and *sql.Tx the log appends through.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Publish appends msg to its key's partition in its own transaction and wakes
// the partition's consumer.
func (l *Log) Publish(ctx context.Context, msg Message) error {
	p, err := l.append(ctx, l.db, msg)
	if err != nil {
		return err
	}
	l.wake(p)
	return nil
}

// PublishTx appends msg through the caller's open transaction, so the append
// commits or rolls back together with the caller's other writes. The database
// is single-writer: appending outside tx would block on tx's own lock.
// Consumers are not woken here; call Notify after the transaction commits.
func (l *Log) PublishTx(ctx context.Context, tx Execer, msg Message) error {
	_, err := l.append(ctx, tx, msg)
	return err
}

func (l *Log) append(ctx context.Context, db Execer, msg Message) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	p := partitionFor(msg.JobID, l.partitions)

	const query = `INSERT INTO queue_messages (partition, offset, key, payload)
		SELECT ?, COALESCE(MAX(offset), 0) + 1, ?, ? FROM queue_messages WHERE partition = ?`
	if _, err := db.ExecContext(ctx, query, p, msg.JobID, string(payload), p); err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return p, nil
}

// Notify wakes all partition consumers to check for new messages. Non-blocking.
func (l *Log) Notify() {
	for p := range l.notify {
		l.wake(p)
	}
}

func (l *Log) wake(p int) {
	select {
	case l.notify[p] <- struct{}{}:
	default:
	}
}

// Run consumes messages for group, one goroutine per partition, until ctx is
// cancelled. Within a partition messages are delivered in publish order; a
// message's offset is committed only after h returns.
func (l *Log) Run(ctx context.Context, group string, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < l.partitions; p++ {
		g.Go(func() error {
			l.consume(ctx, group, p, h)
			return nil
		})
	}
	return g.Wait()
}

func (l *Log) consume(ctx context.Context, group string, partition int, h Handler) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		l.drain(ctx, group, partition, h)

		select {
		case <-ctx.Done():
			return
		case <-l.notify[partition]:
		case <-ticker.C:
		}
	}
}

func (l *Log) drain(ctx context.Context, group string, partition int, h Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		offset, payload, err := l.next(ctx, group, partition)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue: fetch next message", "partition", partition, "error", err)
			return
		}
		if payload == "" {
			return // caught up
		}

		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			// Poison message: skip it or the partition stalls forever.
			slog.Error("queue: malformed payload, skipping", "partition", partition, "offset", offset, "error", err)
		} else if err := msg.Validate(); err != nil {
			slog.Error("queue: invalid message, skipping", "partition", partition, "offset", offset, "error", err)
		} else if err := h.Handle(ctx, msg); err != nil {
			// The handler owns failure semantics; the message still counts as
			// consumed.
			slog.Error("queue: handler error", "partition", partition, "offset", offset, "job", msg.JobID, "error", err)
		}

		if err := l.commit(ctx, group, partition, offset); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue: commit offset", "partition", partition, "offset", offset, "error", err)
			return
		}
	}
}

func (l *Log) next(ctx context.Context, group string, partition int) (int64, string, error) {
	const query = `SELECT offset, payload FROM queue_messages
		WHERE partition = ? AND offset > COALESCE(
			(SELECT committed FROM queue_offsets WHERE group_name = ? AND partition = ?), 0)
		ORDER BY offset ASC LIMIT 1`

	var offset int64
	var payload string
	err := l.db.QueryRowContext(ctx, query, partition, group, partition).Scan(&offset, &payload)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return offset, payload, nil
}

func (l *Log) commit(ctx context.Context, group string, partition int, offset int64) error {
	const query = `INSERT INTO queue_offsets (group_name, partition, committed) VALUES (?, ?, ?)
		ON CONFLICT (group_name, partition) DO UPDATE SET committed = excluded.committed`
	_, err := l.db.ExecContext(ctx, query, group, partition, offset)
	return err
}
