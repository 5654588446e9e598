// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/conveyor/lib/codec"
)

// Kind is the message type carried in a frame header. The values are
// wire constants, grouped by direction.
type Kind uint8

const (
	// Source to broker. Everything except announce and populate is an
	// event: recorded in history and relayed to paired clients.
	KindAnnounce           Kind = 0x01
	KindStdout             Kind = 0x02
	KindStderr             Kind = 0x03
	KindAgentLog           Kind = 0x04
	KindMetric             Kind = 0x05
	KindBreakpointTrip     Kind = 0x06
	KindBreakpointResolved Kind = 0x07
	KindHistoryPopulate    Kind = 0x08

	// Client to broker and broker to client.
	KindConnect      Kind = 0x20
	KindConnectedAck Kind = 0x21
	KindGetHistory   Kind = 0x22
	KindHistory      Kind = 0x23
	KindSourceStatus Kind = 0x24
	KindError        Kind = 0x25

	// Client to source, routed through the broker.
	KindTerminalInput    Kind = 0x40
	KindTerminalResize   Kind = 0x41
	KindStopJob          Kind = 0x42
	KindBreakpointResume Kind = 0x43
)

var kindNames = map[Kind]string{
	KindAnnounce:           "announce-metadata",
	KindStdout:             "log-stdout",
	KindStderr:             "log-stderr",
	KindAgentLog:           "log-agent",
	KindMetric:             "metric-sample",
	KindBreakpointTrip:     "breakpoint-trip",
	KindBreakpointResolved: "breakpoint-resolved",
	KindHistoryPopulate:    "breakpoint-history-populate",
	KindConnect:            "connect",
	KindConnectedAck:       "connected-ack",
	KindGetHistory:         "get-history",
	KindHistory:            "history",
	KindSourceStatus:       "source-status",
	KindError:              "error",
	KindTerminalInput:      "terminal-input",
	KindTerminalResize:     "terminal-resize",
	KindStopJob:            "stop-job",
	KindBreakpointResume:   "breakpoint-resume",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(k))
}

// IsEvent reports whether messages of this kind are part of a job's
// event history.
func (k Kind) IsEvent() bool {
	switch k {
	case KindStdout, KindStderr, KindAgentLog, KindMetric, KindBreakpointTrip, KindBreakpointResolved:
		return true
	}
	return false
}

// Message is implemented by every protocol message type. The set is
// closed: Decode rejects kinds not listed above.
type Message interface {
	Kind() Kind
}

// Event is a message that carries its own timestamp.
type Event interface {
	Message
	Timestamp() time.Time
}

// Announce identifies the job a source is streaming for. It must be
// the first message on a source connection.
type Announce struct {
	JobInstanceID      string    `cbor:"job_instance_id"`
	PipelineID         string    `cbor:"pipeline_id"`
	PipelineInstanceID string    `cbor:"pipeline_instance_id"`
	StageID            string    `cbor:"stage_id"`
	JobID              string    `cbor:"job_id"`
	Time               time.Time `cbor:"time"`
}

// Output is a chunk of task output. The stream is carried by the
// frame kind.
type Output struct {
	Stderr      bool      `cbor:"-"`
	Data        []byte    `cbor:"data"`
	TaskGroupID string    `cbor:"task_group_id,omitempty"`
	TaskID      string    `cbor:"task_id,omitempty"`
	Time        time.Time `cbor:"time"`
}

// AgentLog is a structured message from the worker itself.
type AgentLog struct {
	Level   string    `cbor:"level"`
	Message string    `cbor:"msg"`
	Block   string    `cbor:"block,omitempty"`
	Time    time.Time `cbor:"time"`
}

// Metric is one metric sample. Payload is opaque to the broker.
type Metric struct {
	Name    string           `cbor:"kind"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
	Time    time.Time        `cbor:"time"`
}

// BreakpointTrip announces a frozen task.
type BreakpointTrip struct {
	ID          string    `cbor:"id"`
	Checkpoint  string    `cbor:"checkpoint"`
	TaskID      string    `cbor:"task,omitempty"`
	TaskName    string    `cbor:"task_name,omitempty"`
	TaskGroupID string    `cbor:"task_group,omitempty"`
	AllowRetry  bool      `cbor:"allow_retry"`
	Time        time.Time `cbor:"time"`
}

// BreakpointResolved announces that a breakpoint was resumed.
type BreakpointResolved struct {
	ID    string    `cbor:"id"`
	Retry bool      `cbor:"retry"`
	Time  time.Time `cbor:"time"`
}

// HistoryPopulate carries events a source recorded while it was
// disconnected from the broker.
type HistoryPopulate struct {
	Entries []Entry `cbor:"entries"`
}

// Connect subscribes a client to a job instance. A client may send
// several to watch several jobs over one connection.
type Connect struct {
	JobInstanceID string `cbor:"job_instance_id"`
}

// ConnectedAck answers Connect. SourceAttached is false when the
// client was parked waiting for the job's worker.
type ConnectedAck struct {
	JobInstanceID  string `cbor:"job_instance_id"`
	SourceAttached bool   `cbor:"source_attached"`
}

// GetHistory asks for the full event history of a job.
type GetHistory struct {
	JobInstanceID string `cbor:"job_instance_id"`
}

// History is a batch of recorded events, oldest first.
type History struct {
	JobInstanceID string  `cbor:"job_instance_id"`
	Entries       []Entry `cbor:"entries"`
}

// SourceStatus tells clients that the job's worker attached or went
// away.
type SourceStatus struct {
	JobInstanceID string    `cbor:"job_instance_id"`
	Attached      bool      `cbor:"attached"`
	Metadata      *Announce `cbor:"metadata,omitempty"`
	Time          time.Time `cbor:"time"`
}

// Error codes carried by ErrorMessage.
const (
	ErrorCodeBadRequest          = "bad-request"
	ErrorCodeSourceNotAttached   = "source-not-attached"
	ErrorCodeNoPendingBreakpoint = "no-pending-breakpoint"
)

// ErrorMessage reports a rejected client request.
type ErrorMessage struct {
	JobInstanceID string `cbor:"job_instance_id,omitempty"`
	Code          string `cbor:"code"`
	Message       string `cbor:"message"`
}

// TerminalInput is raw bytes for the job's interactive terminal.
type TerminalInput struct {
	JobInstanceID string `cbor:"job_instance_id,omitempty"`
	Data          []byte `cbor:"data"`
}

// TerminalResize changes the job's terminal size.
type TerminalResize struct {
	JobInstanceID string `cbor:"job_instance_id,omitempty"`
	Columns       uint16 `cbor:"columns"`
	Rows          uint16 `cbor:"rows"`
}

// StopJob asks the worker to stop.
type StopJob struct {
	JobInstanceID string `cbor:"job_instance_id,omitempty"`
	Reason        string `cbor:"reason,omitempty"`
}

// BreakpointResume resolves a pending breakpoint.
type BreakpointResume struct {
	JobInstanceID string `cbor:"job_instance_id,omitempty"`
	ID            string `cbor:"id"`
	Retry         bool   `cbor:"retry"`
}

func (Announce) Kind() Kind { return KindAnnounce }
func (o Output) Kind() Kind {
	if o.Stderr {
		return KindStderr
	}
	return KindStdout
}
func (AgentLog) Kind() Kind           { return KindAgentLog }
func (Metric) Kind() Kind             { return KindMetric }
func (BreakpointTrip) Kind() Kind     { return KindBreakpointTrip }
func (BreakpointResolved) Kind() Kind { return KindBreakpointResolved }
func (HistoryPopulate) Kind() Kind    { return KindHistoryPopulate }
func (Connect) Kind() Kind            { return KindConnect }
func (ConnectedAck) Kind() Kind       { return KindConnectedAck }
func (GetHistory) Kind() Kind         { return KindGetHistory }
func (History) Kind() Kind            { return KindHistory }
func (SourceStatus) Kind() Kind       { return KindSourceStatus }
func (ErrorMessage) Kind() Kind       { return KindError }
func (TerminalInput) Kind() Kind      { return KindTerminalInput }
func (TerminalResize) Kind() Kind     { return KindTerminalResize }
func (StopJob) Kind() Kind            { return KindStopJob }
func (BreakpointResume) Kind() Kind   { return KindBreakpointResume }

func (o Output) Timestamp() time.Time             { return o.Time }
func (l AgentLog) Timestamp() time.Time           { return l.Time }
func (m Metric) Timestamp() time.Time             { return m.Time }
func (b BreakpointTrip) Timestamp() time.Time     { return b.Time }
func (b BreakpointResolved) Timestamp() time.Time { return b.Time }

// newMessage returns a pointer to the zero value for kind.
func newMessage(kind Kind) (Message, error) {
	switch kind {
	case KindAnnounce:
		return &Announce{}, nil
	case KindStdout:
		return &Output{}, nil
	case KindStderr:
		return &Output{Stderr: true}, nil
	case KindAgentLog:
		return &AgentLog{}, nil
	case KindMetric:
		return &Metric{}, nil
	case KindBreakpointTrip:
		return &BreakpointTrip{}, nil
	case KindBreakpointResolved:
		return &BreakpointResolved{}, nil
	case KindHistoryPopulate:
		return &HistoryPopulate{}, nil
	case KindConnect:
		return &Connect{}, nil
	case KindConnectedAck:
		return &ConnectedAck{}, nil
	case KindGetHistory:
		return &GetHistory{}, nil
	case KindHistory:
		return &History{}, nil
	case KindSourceStatus:
		return &SourceStatus{}, nil
	case KindError:
		return &ErrorMessage{}, nil
	case KindTerminalInput:
		return &TerminalInput{}, nil
	case KindTerminalResize:
		return &TerminalResize{}, nil
	case KindStopJob:
		return &StopJob{}, nil
	case KindBreakpointResume:
		return &BreakpointResume{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// ErrUnknownKind is returned when decoding a frame whose kind is not
// part of the protocol. The frame has been consumed, so the stream is
// still usable.
var ErrUnknownKind = errors.New("broker: unknown message kind")

// decodeBody unmarshals a CBOR body for kind and returns the message
// by value.
func decodeBody(kind Kind, body []byte) (Message, error) {
	target, err := newMessage(kind)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(body, target); err != nil {
		return nil, fmt.Errorf("broker: decode %s: %w", kind, err)
	}
	switch message := target.(type) {
	case *Announce:
		return *message, nil
	case *Output:
		return *message, nil
	case *AgentLog:
		return *message, nil
	case *Metric:
		return *message, nil
	case *BreakpointTrip:
		return *message, nil
	case *BreakpointResolved:
		return *message, nil
	case *HistoryPopulate:
		return *message, nil
	case *Connect:
		return *message, nil
	case *ConnectedAck:
		return *message, nil
	case *GetHistory:
		return *message, nil
	case *History:
		return *message, nil
	case *SourceStatus:
		return *message, nil
	case *ErrorMessage:
		return *message, nil
	case *TerminalInput:
		return *message, nil
	case *TerminalResize:
		return *message, nil
	case *StopJob:
		return *message, nil
	case *BreakpointResume:
		return *message, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// Entry is one recorded event in a job's history. Body is the event's
// uncompressed CBOR encoding.
type Entry struct {
	Kind Kind             `cbor:"kind"`
	Time time.Time        `cbor:"time"`
	Body codec.RawMessage `cbor:"body"`
}

// NewEntry records an event.
func NewEntry(event Event) (Entry, error) {
	body, err := codec.Marshal(event)
	if err != nil {
		return Entry{}, fmt.Errorf("broker: encode %s: %w", event.Kind(), err)
	}
	return Entry{Kind: event.Kind(), Time: event.Timestamp(), Body: body}, nil
}

// Decode returns the recorded event.
func (e Entry) Decode() (Message, error) {
	if !e.Kind.IsEvent() {
		return nil, fmt.Errorf("broker: history entry of non-event kind %s", e.Kind)
	}
	return decodeBody(e.Kind, e.Body)
}

// Frame layout: kind (1 byte), compression (1 byte), payload length
// (4 bytes big-endian), uncompressed length (4 bytes big-endian),
// payload.
const frameHeaderLength = 10

// maxFrameLength bounds both the payload and its uncompressed size.
const maxFrameLength = 16 * 1024 * 1024

// Frame is one message on the wire, not yet decoded. The broker
// relays frames without re-encoding them.
type Frame struct {
	Kind        Kind
	Compression Compression
	// Size is the uncompressed body length.
	Size    int
	Payload []byte
}

// Body returns the frame's uncompressed CBOR body.
func (f Frame) Body() ([]byte, error) {
	return decompress(f.Payload, f.Compression, f.Size)
}

// Decode returns the frame's message.
func (f Frame) Decode() (Message, error) {
	body, err := f.Body()
	if err != nil {
		return nil, fmt.Errorf("broker: %s frame: %w", f.Kind, err)
	}
	return decodeBody(f.Kind, body)
}

// preferredCompression picks an algorithm for a message body.
func preferredCompression(kind Kind, size int) Compression {
	if size < compressionThreshold {
		return CompressionNone
	}
	switch kind {
	case KindHistory, KindHistoryPopulate:
		return CompressionZstd
	case KindStdout, KindStderr, KindTerminalInput:
		return CompressionLZ4
	}
	return CompressionNone
}

// EncodeFrame encodes a message, compressing large bodies.
func EncodeFrame(message Message) (Frame, error) {
	body, err := codec.Marshal(message)
	if err != nil {
		return Frame{}, fmt.Errorf("broker: encode %s: %w", message.Kind(), err)
	}
	if len(body) > maxFrameLength {
		return Frame{}, fmt.Errorf("broker: %s body of %d bytes exceeds maximum %d", message.Kind(), len(body), maxFrameLength)
	}
	frame := Frame{Kind: message.Kind(), Compression: CompressionNone, Size: len(body), Payload: body}
	if compression := preferredCompression(frame.Kind, len(body)); compression != CompressionNone {
		if compressed, err := compress(body, compression); err == nil {
			frame.Compression = compression
			frame.Payload = compressed
		} else if !errors.Is(err, errIncompressible) {
			return Frame{}, err
		}
	}
	return frame, nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, frame Frame) error {
	var header [frameHeaderLength]byte
	header[0] = byte(frame.Kind)
	header[1] = byte(frame.Compression)
	binary.BigEndian.PutUint32(header[2:6], uint32(len(frame.Payload)))
	binary.BigEndian.PutUint32(header[6:10], uint32(frame.Size))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[2:6])
	size := binary.BigEndian.Uint32(header[6:10])
	if payloadLength > maxFrameLength || size > maxFrameLength {
		return Frame{}, fmt.Errorf("frame length %d (uncompressed %d) exceeds maximum %d", payloadLength, size, maxFrameLength)
	}
	frame := Frame{
		Kind:        Kind(header[0]),
		Compression: Compression(header[1]),
		Size:        int(size),
		Payload:     make([]byte, payloadLength),
	}
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, frame.Payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return frame, nil
}

// WriteMessage encodes and writes a message.
func WriteMessage(w io.Writer, message Message) error {
	frame, err := EncodeFrame(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, frame)
}

// ReadMessage reads and decodes one message. An ErrUnknownKind error
// leaves the stream positioned at the next frame.
func ReadMessage(r io.Reader) (Message, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return frame.Decode()
}
