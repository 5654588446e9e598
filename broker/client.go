// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Client is an observer connection to the broker's client surface.
// Receive is not safe for concurrent use; Send may be called from any
// goroutine.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// Dial connects to the client surface at address.
func Dial(ctx context.Context, address string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("broker: dialing %s: %w", address, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Watch subscribes to a job and waits for the acknowledgement. The
// history batches the broker sends next are returned by Receive.
func (c *Client) Watch(jobInstanceID string) (ConnectedAck, error) {
	if err := c.Send(Connect{JobInstanceID: jobInstanceID}); err != nil {
		return ConnectedAck{}, err
	}
	for {
		message, err := c.Receive()
		if err != nil {
			return ConnectedAck{}, err
		}
		switch typed := message.(type) {
		case ConnectedAck:
			if typed.JobInstanceID == jobInstanceID {
				return typed, nil
			}
		case ErrorMessage:
			return ConnectedAck{}, fmt.Errorf("broker: %s: %s", typed.Code, typed.Message)
		}
	}
}

// Send writes one message.
func (c *Client) Send(message Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, message)
}

// Receive reads the next message. Unknown kinds are skipped.
func (c *Client) Receive() (Message, error) {
	for {
		message, err := ReadMessage(c.conn)
		if errors.Is(err, ErrUnknownKind) {
			continue
		}
		return message, err
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Events flattens a broker message into the events it carries: the
// entries of a History batch, or the message itself if it is an event.
func Events(message Message) ([]Message, error) {
	switch typed := message.(type) {
	case History:
		events := make([]Message, 0, len(typed.Entries))
		for _, entry := range typed.Entries {
			event, err := entry.Decode()
			if err != nil {
				return events, err
			}
			events = append(events, event)
		}
		return events, nil
	case Event:
		return []Message{typed}, nil
	}
	return nil, nil
}
