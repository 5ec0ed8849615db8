// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue feeds queued runs to orchestrator workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when operating on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Item is one queued run.
type Item struct {
	// ID deduplicates enqueues; re-enqueueing an in-queue id is a no-op.
	ID string

	TenantID   string
	RunID      string
	EnqueuedAt time.Time
}

// Queue is the run intake consumed by orchestrator workers.
type Queue interface {
	// Enqueue adds an item. Duplicate in-queue ids are dropped silently.
	Enqueue(ctx context.Context, item Item) error

	// Dequeue blocks until an item is available, ctx is cancelled, or
	// the queue closes.
	Dequeue(ctx context.Context) (*Item, error)

	// Len reports the number of waiting items.
	Len() int

	// Close wakes all blocked consumers with ErrClosed.
	Close()
}

// memory is the single-node FIFO queue.
type memory struct {
	mu      sync.Mutex
	items   []Item
	inQueue map[string]bool
	signal  chan struct{}
	closed  bool
}

// NewMemory creates an in-process FIFO queue.
func NewMemory() Queue {
	return &memory{
		inQueue: make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}
}

func (q *memory) Enqueue(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.inQueue[item.ID] {
		q.mu.Unlock()
		return nil
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	q.items = append(q.items, item)
	q.inQueue[item.ID] = true

	// Signal while holding the lock so Close cannot race the send.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return nil
}

func (q *memory) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			delete(q.inQueue, item.ID)

			// More waiting: keep the signal hot for the next consumer.
			if len(q.items) > 0 && !q.closed {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return &item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memory) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.signal)
}
