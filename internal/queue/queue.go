// Package queue implements a durable, partitioned, append-only message log on
// top of the job database. Messages are appended per partition with a
// monotonically increasing offset; a consumer group tracks one committed
// offset per partition. Offsets are committed only after a message has been
// handled, so delivery is at-least-once: a crash between handling and commit
// redelivers the message on restart.
package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// Message is the payload published for every created import job. It is keyed
// by JobID so redeliveries of one job land on the same partition.
type Message struct {
	JobID       string    `json:"job_id"`
	OwnerID     string    `json:"owner_id"`
	SourceType  string    `json:"source_type"`
	SourceRef   string    `json:"source_ref"`
	RequestedAt time.Time `json:"requested_at"`
}

// Validate rejects structurally incomplete payloads at the boundary, before
// any processing happens.
func (m Message) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("message missing job_id")
	}
	if m.OwnerID == "" {
		return fmt.Errorf("message missing owner_id")
	}
	if m.SourceType == "" || m.SourceRef == "" {
		return fmt.Errorf("message missing source")
	}
	return nil
}

// Publisher is the producing half of the log. PublishTx appends through a
// caller-owned transaction and defers consumer wakeup to Notify, so producers
// can sequence the append with their own writes without holding two
// connections against a single-writer database.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	PublishTx(ctx context.Context, tx Execer, msg Message) error
	Notify()
}

// Handler processes one delivered message. Returning an error does not block
// the partition: failures are terminal at the job level, not re-queued.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

func partitionFor(key string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}
