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

package queue

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnqueueDeliversToHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	assert.NoError(t, err)

	var mu sync.Mutex
	var delivered []string
	done := make(chan struct{}, 1)
	q.RegisterHandler("scanning", 1, func(msg Message) error {
		mu.Lock()
		delivered = append(delivered, msg.IdempotencyKey)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	assert.NoError(t, q.Start())

	err = q.Enqueue("scanning", "scan:1:start", map[string]any{"transfer_id": int64(1)})
	assert.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	assert.Equal(t, []string{"scan:1:start"}, delivered)
	mu.Unlock()

	assert.NoError(t, q.Stop())
}

func TestEnqueueDedupesWhileMessageStillPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	assert.NoError(t, err)

	var count int
	var mu sync.Mutex
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	q.RegisterHandler("transfer", 1, func(msg Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		entered <- struct{}{}
		<-release // hold the message "pending" for the duration of the test
		return nil
	})
	assert.NoError(t, q.Start())

	err = q.Enqueue("transfer", "copy:1:execute", map[string]any{"transfer_id": int64(1)})
	assert.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	// duplicate enqueues while the first delivery is still in flight must
	// no-op rather than queue a second delivery
	for i := 0; i < 3; i++ {
		err = q.Enqueue("transfer", "copy:1:execute", map[string]any{"transfer_id": int64(1)})
		assert.NoError(t, err)
	}

	close(release)
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	assert.NoError(t, q.Stop())
}

func TestEnqueueUnknownQueueFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	assert.NoError(t, err)
	assert.NoError(t, q.Start())

	err = q.Enqueue("nonexistent", "x:1:y", nil)
	assert.Error(t, err)

	assert.NoError(t, q.Stop())
}
