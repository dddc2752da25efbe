// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package queue implements the durable, per-class FIFO task queue described
// in spec.md §4.7: at-least-once delivery, per-queue concurrency, and
// idempotency keys of the form "{kind}:{transfer_id}:{stage}". Persistence
// follows the teacher's journal package (one bbolt database), but workers
// read and write it directly rather than through an owning goroutine;
// dispatch follows the teacher's tasks package (a heartbeat-free
// variant — here the channel send itself is the signal, since messages are
// pushed rather than polled).
package queue

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"

	bolt "go.etcd.io/bbolt"
)

func init() {
	// payloads are built exclusively from these concrete types (see the
	// callers in package statemachine); gob needs each one registered
	// before it can encode/decode the map[string]any payload field.
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register([]string{})
}

// Message is one unit of work enqueued against a queue class.
type Message struct {
	Queue          string
	IdempotencyKey string
	Payload        map[string]any
}

// Handler processes one Message. A handler returning an error that
// represents "this stage no longer applies" (e.g. statemachine's
// PreconditionFailedError, because a concurrent actor already advanced the
// transfer past this point) should treat that as a no-op drop, not a
// failure worth alerting on; TaskQueue itself does not inspect error types.
type Handler func(msg Message) error

const pendingBucket = "pending"

// TaskQueue is a durable FIFO per queue name, backed by a single bbolt
// database file. Messages surviving a process restart (enqueued but never
// marked delivered) are redelivered once a handler is registered and
// Start is called.
type TaskQueue struct {
	db          *bolt.DB
	mu          sync.Mutex
	handlers    map[string]Handler
	concurrency map[string]int
	channels    map[string]chan Message
	wg          sync.WaitGroup
	started     bool
}

// opens (creating if necessary) the durable queue store at path.
func Open(path string) (*TaskQueue, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(pendingBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &TaskQueue{
		db:          db,
		handlers:    make(map[string]Handler),
		concurrency: make(map[string]int),
		channels:    make(map[string]chan Message),
	}, nil
}

// registers the handler and worker-pool size for a queue class. Must be
// called before Start. concurrency 0 means unbounded (used for the
// "notifications" queue per spec.md §4.7).
func (q *TaskQueue) RegisterHandler(queue string, concurrency int, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = h
	q.concurrency[queue] = concurrency
}

// starts one dispatch channel and worker pool per registered queue, then
// redelivers any message persisted from a prior run that was never marked
// delivered.
func (q *TaskQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue: already started")
	}
	q.started = true

	for name, handler := range q.handlers {
		concurrency := q.concurrency[name]
		workers := concurrency
		if workers <= 0 {
			workers = 64 // "unbounded" in practice means "don't serialize"
		}
		ch := make(chan Message, 256)
		q.channels[name] = ch
		for i := 0; i < workers; i++ {
			q.wg.Add(1)
			go q.worker(name, ch, handler)
		}
	}

	return q.replayPending()
}

// stops accepting new work and waits for in-flight handlers to finish.
func (q *TaskQueue) Stop() error {
	q.mu.Lock()
	for _, ch := range q.channels {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return q.db.Close()
}

// persists then dispatches a message. If a message with the same
// idempotency key is already pending, Enqueue is a no-op — this is the
// dedup half of the idempotency contract; the other half (dropping
// already-applied messages) lives in the handler, via StateMachine's
// PreconditionFailed.
func (q *TaskQueue) Enqueue(queueName, idempotencyKey string, payload map[string]any) error {
	msg := Message{Queue: queueName, IdempotencyKey: idempotencyKey, Payload: payload}

	isNew, err := q.persist(msg)
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}

	q.mu.Lock()
	ch, ok := q.channels[queueName]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: no handler registered for %q", queueName)
	}
	ch <- msg
	return nil
}

func (q *TaskQueue) worker(name string, ch chan Message, handler Handler) {
	defer q.wg.Done()
	for msg := range ch {
		if err := handler(msg); err != nil {
			slog.Warn("queue: handler error",
				"queue", name, "key", msg.IdempotencyKey, "error", err.Error())
		}
		if err := q.markDelivered(msg.IdempotencyKey); err != nil {
			slog.Error("queue: failed to record delivery",
				"queue", name, "key", msg.IdempotencyKey, "error", err.Error())
		}
	}
}

func (q *TaskQueue) persist(msg Message) (isNew bool, err error) {
	err = q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(pendingBucket))
		if bucket.Get([]byte(msg.IdempotencyKey)) != nil {
			isNew = false
			return nil
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
			return err
		}
		isNew = true
		return bucket.Put([]byte(msg.IdempotencyKey), buf.Bytes())
	})
	return isNew, err
}

func (q *TaskQueue) markDelivered(idempotencyKey string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Delete([]byte(idempotencyKey))
	})
}

func (q *TaskQueue) replayPending() error {
	var pending []Message
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).ForEach(func(k, v []byte) error {
			var msg Message
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&msg); err != nil {
				return err
			}
			pending = append(pending, msg)
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, msg := range pending {
		ch, ok := q.channels[msg.Queue]
		if !ok {
			continue
		}
		ch <- msg
	}
	return nil
}
