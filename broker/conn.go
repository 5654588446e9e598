// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"net"
	"sync"
)

// peer is one accepted connection, source or client. Outbound frames
// go through a bounded queue drained by a dedicated writer so a slow
// peer never blocks the broker.
type peer struct {
	id      string
	role    string
	netConn net.Conn
	send    chan Frame
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func newPeer(id, role string, netConn net.Conn, queue int, logger *slog.Logger) *peer {
	return &peer{
		id:      id,
		role:    role,
		netConn: netConn,
		send:    make(chan Frame, queue),
		done:    make(chan struct{}),
		logger:  logger.With("peer", id, "role", role),
	}
}

// enqueue queues a frame without blocking. A peer whose queue is full
// is disconnected: it has fallen too far behind to resynchronize.
func (p *peer) enqueue(frame Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	case <-p.done:
		return false
	default:
		p.logger.Warn("outbound queue full, disconnecting", "kind", frame.Kind.String())
		p.close()
		return false
	}
}

func (p *peer) enqueueMessage(message Message) bool {
	frame, err := EncodeFrame(message)
	if err != nil {
		p.logger.Error("encoding message failed", "kind", message.Kind().String(), "error", err)
		return false
	}
	return p.enqueue(frame)
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.netConn.Close()
	})
}

// writeLoop drains the queue until the peer closes.
func (p *peer) writeLoop() {
	for {
		select {
		case frame := <-p.send:
			if err := WriteFrame(p.netConn, frame); err != nil {
				p.logger.Debug("write failed", "error", err)
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}
