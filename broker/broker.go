// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker multiplexes live worker event streams to observers.
//
// Workers attach to the source surface, announce the job instance
// they run, and publish events (task output, worker logs, metric
// samples, breakpoint trips). Observers attach to the client surface
// and subscribe by job instance id. Every event is recorded in a
// bounded per-job history; a subscriber receives that history first
// and then live events, with no gap or duplicate between the two.
//
// A subscription for a job whose worker has not attached yet is
// parked and pairs automatically when the worker announces. A second
// announce for the same job evicts the first source. History outlives
// the source that produced it, so a reconnecting worker can push
// events it buffered while disconnected; they are merged into the
// history in time order.
//
// Clients can send terminal input, resize, stop-job and
// breakpoint-resume messages, which the broker routes to the job's
// attached source.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/conveyor/lib/clock"
)

var (
	// ErrSourceNotAttached is returned when routing a message to a
	// job whose worker is not connected.
	ErrSourceNotAttached = errors.New("broker: source not attached")

	// ErrNoPendingBreakpoint is returned when resuming a breakpoint
	// the job's worker has not reported as pending.
	ErrNoPendingBreakpoint = errors.New("broker: no pending breakpoint")

	// ErrClosed is returned by Serve methods after Close.
	ErrClosed = errors.New("broker: closed")
)

// Defaults for zero Config fields.
const (
	DefaultHistoryLimit = 50000
	DefaultClientQueue  = 1024
)

// Config holds the parameters for New.
type Config struct {
	// HistoryLimit caps the number of events kept per job. The
	// oldest events are dropped first.
	HistoryLimit int

	// ClientQueue is the outbound queue length per connection.
	ClientQueue int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Broker pairs sources with clients. Create with New.
type Broker struct {
	historyLimit int
	clientQueue  int
	clock        clock.Clock
	logger       *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*job
	peers     map[*peer]struct{}
	listeners []net.Listener
	closed    bool

	handlers sync.WaitGroup
}

// job is the broker's state for one job instance. It exists while a
// source is attached, a client watches it, or history is retained.
type job struct {
	id       string
	source   *peer
	metadata *Announce
	history  []Entry
	pending  map[string]BreakpointTrip
	watchers map[*peer]struct{}
}

// New creates a Broker.
func New(cfg Config) *Broker {
	broker := &Broker{
		historyLimit: cfg.HistoryLimit,
		clientQueue:  cfg.ClientQueue,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		jobs:         make(map[string]*job),
		peers:        make(map[*peer]struct{}),
	}
	if broker.historyLimit <= 0 {
		broker.historyLimit = DefaultHistoryLimit
	}
	if broker.clientQueue <= 0 {
		broker.clientQueue = DefaultClientQueue
	}
	if broker.clock == nil {
		broker.clock = clock.Real()
	}
	if broker.logger == nil {
		broker.logger = slog.New(slog.DiscardHandler)
	}
	return broker
}

// ServeSources accepts worker connections until ctx is cancelled or
// the broker is closed.
func (b *Broker) ServeSources(ctx context.Context, listener net.Listener) error {
	return b.serve(ctx, listener, "source", b.handleSource)
}

// ServeClients accepts observer connections until ctx is cancelled or
// the broker is closed.
func (b *Broker) ServeClients(ctx context.Context, listener net.Listener) error {
	return b.serve(ctx, listener, "client", b.handleClient)
}

func (b *Broker) serve(ctx context.Context, listener net.Listener, role string, handle func(*peer)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		listener.Close()
		return ErrClosed
	}
	b.listeners = append(b.listeners, listener)
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	b.logger.Info("broker listening", "role", role, "address", listener.Addr().String())
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return ErrClosed
			}
			return fmt.Errorf("broker: accepting %s connection: %w", role, err)
		}

		connection := newPeer(uuid.NewString(), role, netConn, b.clientQueue, b.logger)
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			netConn.Close()
			return ErrClosed
		}
		b.peers[connection] = struct{}{}
		b.handlers.Add(2)
		b.mu.Unlock()

		go func() {
			defer b.handlers.Done()
			connection.writeLoop()
		}()
		go func() {
			defer b.handlers.Done()
			defer func() {
				connection.close()
				b.mu.Lock()
				delete(b.peers, connection)
				b.mu.Unlock()
			}()
			handle(connection)
		}()
	}
}

// Close stops every listener, disconnects every peer and waits for
// their handlers to exit.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	listeners := b.listeners
	peers := make([]*peer, 0, len(b.peers))
	for connection := range b.peers {
		peers = append(peers, connection)
	}
	b.mu.Unlock()

	for _, listener := range listeners {
		listener.Close()
	}
	for _, connection := range peers {
		connection.close()
	}
	b.handlers.Wait()
	return nil
}

// jobLocked returns the state for id, creating it. Caller holds b.mu.
func (b *Broker) jobLocked(id string) *job {
	state, ok := b.jobs[id]
	if !ok {
		state = &job{
			id:       id,
			pending:  make(map[string]BreakpointTrip),
			watchers: make(map[*peer]struct{}),
		}
		b.jobs[id] = state
	}
	return state
}

// dropIfIdleLocked forgets a job nobody references. Caller holds b.mu.
func (b *Broker) dropIfIdleLocked(state *job) {
	if state.source == nil && len(state.watchers) == 0 && len(state.history) == 0 {
		delete(b.jobs, state.id)
	}
}

// broadcastLocked queues a frame for every watcher of state. Caller
// holds b.mu.
func (b *Broker) broadcastLocked(state *job, frame Frame) {
	for watcher := range state.watchers {
		watcher.enqueue(frame)
	}
}

func (b *Broker) broadcastMessageLocked(state *job, message Message) {
	frame, err := EncodeFrame(message)
	if err != nil {
		b.logger.Error("encoding broadcast failed", "kind", message.Kind().String(), "error", err)
		return
	}
	b.broadcastLocked(state, frame)
}

// appendHistoryLocked adds entries and enforces the history limit.
// Caller holds b.mu.
func (b *Broker) appendHistoryLocked(state *job, entries ...Entry) {
	state.history = append(state.history, entries...)
	if overflow := len(state.history) - b.historyLimit; overflow > 0 {
		state.history = slices.Delete(state.history, 0, overflow)
	}
}

// trackBreakpointLocked updates the pending set from an event.
func trackBreakpointLocked(state *job, message Message) {
	switch event := message.(type) {
	case BreakpointTrip:
		state.pending[event.ID] = event
	case BreakpointResolved:
		delete(state.pending, event.ID)
	}
}

// History returns a copy of a job's recorded events, oldest first.
func (b *Broker) History(jobInstanceID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.jobs[jobInstanceID]
	if !ok {
		return nil
	}
	return slices.Clone(state.history)
}

// Attached reports whether a source is connected for the job.
func (b *Broker) Attached(jobInstanceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.jobs[jobInstanceID]
	return ok && state.source != nil
}

// PendingBreakpoints returns the job's unresolved breakpoints, oldest
// first.
func (b *Broker) PendingBreakpoints(jobInstanceID string) []BreakpointTrip {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.jobs[jobInstanceID]
	if !ok {
		return nil
	}
	trips := make([]BreakpointTrip, 0, len(state.pending))
	for _, trip := range state.pending {
		trips = append(trips, trip)
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].Time.Before(trips[j].Time) })
	return trips
}

// ResumeBreakpoint routes a resume to the job's source. It fails with
// ErrNoPendingBreakpoint unless the source reported the breakpoint as
// tripped and not yet resolved.
func (b *Broker) ResumeBreakpoint(jobInstanceID, correlationID string, retry bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resumeLocked(jobInstanceID, correlationID, retry)
}

func (b *Broker) resumeLocked(jobInstanceID, correlationID string, retry bool) error {
	state, ok := b.jobs[jobInstanceID]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNoPendingBreakpoint, jobInstanceID)
	}
	if _, pending := state.pending[correlationID]; !pending {
		return fmt.Errorf("%w: %s on job %s", ErrNoPendingBreakpoint, correlationID, jobInstanceID)
	}
	if state.source == nil {
		return fmt.Errorf("%w: job %s", ErrSourceNotAttached, jobInstanceID)
	}
	if !state.source.enqueueMessage(BreakpointResume{JobInstanceID: jobInstanceID, ID: correlationID, Retry: retry}) {
		return fmt.Errorf("%w: job %s", ErrSourceNotAttached, jobInstanceID)
	}
	delete(state.pending, correlationID)
	b.logger.Info("breakpoint resume routed", "job_instance_id", jobInstanceID, "breakpoint_id", correlationID, "retry", retry)
	return nil
}

// StopJob asks the job's worker to stop.
func (b *Broker) StopJob(jobInstanceID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routeLocked(jobInstanceID, StopJob{JobInstanceID: jobInstanceID, Reason: reason})
}

// routeLocked queues a control message for the job's source.
func (b *Broker) routeLocked(jobInstanceID string, message Message) error {
	state, ok := b.jobs[jobInstanceID]
	if !ok || state.source == nil {
		return fmt.Errorf("%w: job %s", ErrSourceNotAttached, jobInstanceID)
	}
	if !state.source.enqueueMessage(message) {
		return fmt.Errorf("%w: job %s", ErrSourceNotAttached, jobInstanceID)
	}
	return nil
}

// Release drops a job's history and pending breakpoints. Watchers
// stay subscribed.
func (b *Broker) Release(jobInstanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.jobs[jobInstanceID]
	if !ok {
		return
	}
	state.history = nil
	clear(state.pending)
	b.dropIfIdleLocked(state)
	b.logger.Debug("job history released", "job_instance_id", jobInstanceID)
}

// ReleaseAfter calls Release once delay has passed, unless ctx ends
// first.
func (b *Broker) ReleaseAfter(ctx context.Context, jobInstanceID string, delay time.Duration) {
	timer := b.clock.After(delay)
	go func() {
		select {
		case <-timer:
			b.Release(jobInstanceID)
		case <-ctx.Done():
		}
	}()
}
