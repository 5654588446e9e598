// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/conveyor/lib/clock"
)

// SourceConfig holds the parameters for NewSource.
type SourceConfig struct {
	// Address is the broker's source surface, host:port.
	Address string

	// Metadata is announced on every (re)connection. Time is set at
	// each announce.
	Metadata Announce

	// BufferLimit caps the events kept while disconnected. The oldest
	// are dropped first.
	BufferLimit int

	// RetryStart and RetryMax bound the reconnect backoff.
	RetryStart time.Duration
	RetryMax   time.Duration

	// OnControl receives messages the broker routes to this worker:
	// StopJob, BreakpointResume, TerminalInput, TerminalResize. Called
	// from the connection's reader goroutine.
	OnControl func(Message)

	// Dial overrides how connections are made.
	Dial func(ctx context.Context, address string) (net.Conn, error)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Source is the worker side of the source surface. Publish never
// blocks on the network: events go to the live connection when there
// is one and into a bounded buffer otherwise. On reconnect the buffer
// is pushed as a history-populate batch before any new live event.
type Source struct {
	address     string
	metadata    Announce
	bufferLimit int
	retryStart  time.Duration
	retryMax    time.Duration
	onControl   func(Message)
	dial        func(ctx context.Context, address string) (net.Conn, error)
	clock       clock.Clock
	logger      *slog.Logger

	mu      sync.Mutex
	session *sourceSession
	buffer  []Entry
	dropped int
	closed  bool

	connected chan struct{}
}

type outbound struct {
	frame Frame
	entry *Entry
}

type sourceSession struct {
	netConn net.Conn
	queue   chan outbound
	done    chan struct{}
	once    sync.Once
}

func (s *sourceSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.netConn.Close()
	})
}

// NewSource creates a Source. Call Run to connect.
func NewSource(cfg SourceConfig) *Source {
	source := &Source{
		address:     cfg.Address,
		metadata:    cfg.Metadata,
		bufferLimit: cfg.BufferLimit,
		retryStart:  cfg.RetryStart,
		retryMax:    cfg.RetryMax,
		onControl:   cfg.OnControl,
		dial:        cfg.Dial,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		connected:   make(chan struct{}, 1),
	}
	if source.bufferLimit <= 0 {
		source.bufferLimit = 10000
	}
	if source.retryStart <= 0 {
		source.retryStart = time.Second
	}
	if source.retryMax < source.retryStart {
		source.retryMax = 30 * time.Second
	}
	if source.dial == nil {
		var dialer net.Dialer
		source.dial = func(ctx context.Context, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		}
	}
	if source.clock == nil {
		source.clock = clock.Real()
	}
	if source.logger == nil {
		source.logger = slog.New(slog.DiscardHandler)
	}
	return source
}

// Connected delivers a value each time a connection is established.
func (s *Source) Connected() <-chan struct{} { return s.connected }

// Publish sends an event, or buffers it while disconnected.
func (s *Source) Publish(event Event) {
	entry, err := NewEntry(event)
	if err != nil {
		s.logger.Error("encoding event failed", "kind", event.Kind().String(), "error", err)
		return
	}
	frame, err := EncodeFrame(event)
	if err != nil {
		s.logger.Error("encoding event failed", "kind", event.Kind().String(), "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.session != nil {
		select {
		case s.session.queue <- outbound{frame: frame, entry: &entry}:
			return
		default:
		}
	}
	s.bufferLocked(entry)
}

func (s *Source) bufferLocked(entries ...Entry) {
	s.buffer = append(s.buffer, entries...)
	if overflow := len(s.buffer) - s.bufferLimit; overflow > 0 {
		s.buffer = s.buffer[overflow:]
		s.dropped += overflow
	}
}

// Buffered returns the number of events waiting for a connection.
func (s *Source) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Run connects and reconnects until ctx ends or Close is called.
func (s *Source) Run(ctx context.Context) error {
	delay := s.retryStart
	for {
		connectedAt := s.clock.Now()
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}
		// A session that lasted a while resets the backoff.
		if s.clock.Now().Sub(connectedAt) > s.retryMax {
			delay = s.retryStart
		}
		s.logger.Warn("broker connection lost, retrying", "address", s.address, "delay", delay, "error", err)
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, s.retryMax)
	}
}

func (s *Source) runSession(ctx context.Context) error {
	netConn, err := s.dial(ctx, s.address)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	announce := s.metadata
	announce.Time = s.clock.Now()
	if err := WriteMessage(netConn, announce); err != nil {
		netConn.Close()
		return fmt.Errorf("announce: %w", err)
	}

	session := &sourceSession{
		netConn: netConn,
		queue:   make(chan outbound, s.bufferLimit+1),
		done:    make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, session.close)
	defer stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		session.close()
		return errors.New("source closed")
	}
	if len(s.buffer) > 0 {
		frame, err := EncodeFrame(HistoryPopulate{Entries: s.buffer})
		if err != nil {
			s.logger.Error("encoding buffered history failed, dropping it", "entries", len(s.buffer), "error", err)
		} else {
			session.queue <- outbound{frame: frame}
		}
		if s.dropped > 0 {
			s.logger.Warn("events dropped while disconnected", "dropped", s.dropped)
		}
		s.buffer = nil
		s.dropped = 0
	}
	s.session = session
	s.mu.Unlock()

	s.logger.Info("connected to broker", "address", s.address, "job_instance_id", s.metadata.JobInstanceID)
	select {
	case s.connected <- struct{}{}:
	default:
	}

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(session) }()
	failed, writeErr := s.writeLoop(session)
	session.close()
	err = <-readErr
	if writeErr != nil {
		err = writeErr
	}

	s.mu.Lock()
	s.session = nil
	// Events queued but never written go back in front of anything
	// buffered since, oldest first.
	var unsent []Entry
	if failed != nil {
		unsent = append(unsent, *failed)
	}
	for drained := false; !drained; {
		select {
		case item := <-session.queue:
			if item.entry != nil {
				unsent = append(unsent, *item.entry)
			}
		default:
			drained = true
		}
	}
	s.buffer = append(unsent, s.buffer...)
	s.bufferLocked()
	s.mu.Unlock()
	return err
}

// writeLoop drains the session queue. On a write error it returns the
// entry that failed so the caller can buffer it again.
func (s *Source) writeLoop(session *sourceSession) (*Entry, error) {
	for {
		select {
		case item := <-session.queue:
			if err := WriteFrame(session.netConn, item.frame); err != nil {
				return item.entry, err
			}
		case <-session.done:
			return nil, nil
		}
	}
}

func (s *Source) readLoop(session *sourceSession) error {
	defer session.close()
	for {
		frame, err := ReadFrame(session.netConn)
		if err != nil {
			return err
		}
		message, err := frame.Decode()
		if err != nil {
			s.logger.Warn("ignoring undecodable control message", "kind", frame.Kind.String(), "error", err)
			continue
		}
		switch message.(type) {
		case StopJob, BreakpointResume, TerminalInput, TerminalResize:
			if s.onControl != nil {
				s.onControl(message)
			}
		default:
			s.logger.Warn("ignoring unexpected message from broker", "kind", message.Kind().String())
		}
	}
}

// Flush waits until every published event has been handed to the
// connection, or ctx ends.
func (s *Source) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		session := s.session
		idle := session != nil && len(session.queue) == 0 && len(s.buffer) == 0
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close disconnects. Events published afterwards are discarded.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.session != nil {
		s.session.close()
	}
	return nil
}
