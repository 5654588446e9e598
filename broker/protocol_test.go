// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/conveyor/lib/codec"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFrameCompressionChoice(t *testing.T) {
	t.Parallel()
	large := []byte(strings.Repeat("compile output line\n", 200))
	entry, err := NewEntry(Output{Data: large, Time: testTime})
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}

	for _, test := range []struct {
		name    string
		message Message
		want    Compression
	}{
		{"small output", Output{Data: []byte("ok"), Time: testTime}, CompressionNone},
		{"large stdout", Output{Data: large, Time: testTime}, CompressionLZ4},
		{"large stderr", Output{Stderr: true, Data: large, Time: testTime}, CompressionLZ4},
		{"history", History{JobInstanceID: "job", Entries: []Entry{entry, entry}}, CompressionZstd},
		{"populate", HistoryPopulate{Entries: []Entry{entry}}, CompressionZstd},
		{"large agent log", AgentLog{Level: "info", Message: string(large), Time: testTime}, CompressionNone},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var buffer bytes.Buffer
			if err := WriteMessage(&buffer, test.message); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
			frame, err := ReadFrame(&buffer)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if frame.Compression != test.want {
				t.Errorf("compression = %s, want %s", frame.Compression, test.want)
			}
			if frame.Kind != test.message.Kind() {
				t.Errorf("kind = %s, want %s", frame.Kind, test.message.Kind())
			}
			decoded, err := frame.Decode()
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.Kind() != test.message.Kind() {
				t.Errorf("decoded kind = %s, want %s", decoded.Kind(), test.message.Kind())
			}
		})
	}
}

func TestOutputStreamCarriedByKind(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteMessage(&buffer, Output{Stderr: true, Data: []byte("warning"), TaskID: "lint", Time: testTime}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	message, err := ReadMessage(&buffer)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	output, ok := message.(Output)
	if !ok {
		t.Fatalf("decoded %T, want Output", message)
	}
	if !output.Stderr || string(output.Data) != "warning" || output.TaskID != "lint" || !output.Time.Equal(testTime) {
		t.Errorf("output = %+v", output)
	}
}

func TestUnknownKindLeavesStreamUsable(t *testing.T) {
	t.Parallel()
	body, err := codec.Marshal(map[string]string{"anything": "goes"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, Frame{Kind: Kind(0x7f), Size: len(body), Payload: body}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := WriteMessage(&buffer, StopJob{Reason: "operator"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	if _, err := ReadMessage(&buffer); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("first ReadMessage error = %v, want ErrUnknownKind", err)
	}
	message, err := ReadMessage(&buffer)
	if err != nil {
		t.Fatalf("second ReadMessage: %v", err)
	}
	if stop, ok := message.(StopJob); !ok || stop.Reason != "operator" {
		t.Errorf("second message = %#v, want StopJob", message)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	t.Parallel()
	header := []byte{byte(KindStdout), 0, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}
	if _, err := ReadFrame(bytes.NewReader(header)); err == nil {
		t.Fatal("ReadFrame accepted a frame over the size limit")
	}
}

func TestEntryDecodeRejectsNonEvents(t *testing.T) {
	t.Parallel()
	body, err := codec.Marshal(StopJob{})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := (Entry{Kind: KindStopJob, Body: body}).Decode(); err == nil {
		t.Fatal("Decode accepted a stop-job entry")
	}
}
