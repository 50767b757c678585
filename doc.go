// Package slotmq provides an embeddable, persistent, in-process message
// queue with at-least-once delivery.
//
// Producers enqueue typed messages; registered handlers consume them
// through per-type worker pools under lease-based exclusive ownership.
// Messages survive process crashes via a write-ahead journal plus
// periodic snapshots, and failed messages retry with backoff before
// landing in a bounded dead-letter store.
//
// # Basic Usage
//
//	opts := slotmq.DefaultOptions()
//	opts.Capacity = 1000
//	opts.PersistencePath = "/var/lib/myapp/queue"
//
//	q, err := slotmq.Open(opts)
//	if err != nil {
//	    // handle [ErrCorrupt] by inspecting the data directory
//	}
//	defer q.Stop(context.Background())
//
//	err = q.RegisterHandler("email.send", func() slotmq.Handler {
//	    return slotmq.HandlerFunc(sendEmail)
//	}, slotmq.HandlerOptions{MaxParallelism: 4})
//
//	q.Start()
//
//	id, err := q.Enqueue(payload, "email.send",
//	    slotmq.WithDedupKey("user-42"))
//
// # Delivery Semantics
//
// Delivery is at-least-once. A handler that exceeds its lease without
// heartbeating loses the message to the lease monitor; the message is
// requeued and may execute again. Handlers must be idempotent or use
// dedup keys to collapse logical duplicates.
//
// Checkout order across messages of the same type is not FIFO; workers
// pick any eligible Ready message.
//
// # Concurrency
//
// A Queue is safe for concurrent use. Slot state is published through
// atomic compare-and-swap of immutable envelope snapshots; readers
// observe either the pre- or post-transition snapshot, never a torn
// intermediate.
//
// # Error Handling
//
// Errors fall into two categories:
//
// Caller errors ([ErrQueueFull], [ErrInvalidInput],
// [ErrHandlerNotRegistered]): the operation was rejected; retry or fix
// the input.
//
// Data errors ([ErrCorrupt]): the snapshot failed validation at
// startup, or offline inspection found a torn journal tail. Startup
// recovery stops silently at the last valid journal record; a corrupt
// snapshot fails Open and requires operator attention.
package slotmq
