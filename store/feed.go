// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"sync"

	"github.com/bureau-foundation/conveyor/lib/schema"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("store: subscription closed")

// Change is one committed job instance write.
type Change struct {
	JobInstance schema.JobInstance
}

// Subscription is a change feed. Changes queue without bound until
// Next consumes them, so a slow consumer delays but never loses
// changes. Changes written before Subscribe returned are not
// delivered.
type Subscription struct {
	store *Store

	mu     sync.Mutex
	queue  []Change
	signal chan struct{}
	closed bool
}

// Subscribe starts a change feed. The caller must Close it.
func (s *Store) Subscribe() *Subscription {
	subscription := &Subscription{store: s, signal: make(chan struct{}, 1)}
	s.subscribersMu.Lock()
	s.subscribers[subscription] = struct{}{}
	s.subscribersMu.Unlock()
	return subscription
}

func (s *Store) publish(job schema.JobInstance) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	for subscription := range s.subscribers {
		subscription.push(Change{JobInstance: job})
	}
}

func (sub *Subscription) push(change Change) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.queue = append(sub.queue, change)
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a change is available, ctx ends, or the
// subscription closes.
func (sub *Subscription) Next(ctx context.Context) (Change, error) {
	for {
		sub.mu.Lock()
		if len(sub.queue) > 0 {
			change := sub.queue[0]
			sub.queue[0] = Change{}
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			return change, nil
		}
		if sub.closed {
			sub.mu.Unlock()
			return Change{}, ErrSubscriptionClosed
		}
		sub.mu.Unlock()

		select {
		case <-sub.signal:
		case <-ctx.Done():
			return Change{}, ctx.Err()
		}
	}
}

// Close stops delivery. Queued changes are discarded.
func (sub *Subscription) Close() {
	sub.store.subscribersMu.Lock()
	delete(sub.store.subscribers, sub)
	sub.store.subscribersMu.Unlock()
	sub.close()
}

func (sub *Subscription) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.queue = nil
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}
