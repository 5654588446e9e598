// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/conveyor/broker"
	"github.com/bureau-foundation/conveyor/cmd/conveyor/cli"
)

// detachKey (Ctrl-]) ends an interactive watch.
const detachKey = 0x1d

func (a *app) watchCommand() *cli.Command {
	var (
		interactive bool
		exitOnDone  bool
	)
	return &cli.Command{
		Name:    "watch",
		Summary: "Stream a job's output and breakpoints",
		Description: "Replay a job's recorded events, then follow it live. A watch started before\n" +
			"the job's worker connects waits for it.",
		Usage: "conveyor watch <job-instance> [flags]",
		Examples: []cli.Example{
			{Description: "Follow a job until its worker exits", Command: "conveyor watch 7f3c... --exit"},
			{Description: "Forward this terminal to the job (Ctrl-] detaches)", Command: "conveyor watch 7f3c... --interactive"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := a.flags("watch")
			flagSet.StringVar(&a.brokerAddress, "broker", envOr("CONVEYOR_BROKER_ADDRESS", defaultBrokerAddress), "broker client address")
			flagSet.BoolVar(&interactive, "interactive", false, "forward stdin and window size to the job")
			flagSet.BoolVar(&exitOnDone, "exit", false, "exit when the worker disconnects")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "job-instance"); err != nil {
				return err
			}
			return a.watch(args[0], interactive, exitOnDone)
		},
	}
}

func (a *app) watch(jobInstanceID string, interactive, exitOnDone bool) error {
	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	client, err := broker.Dial(ctx, a.brokerAddress)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()
	defer client.Close()

	ack, err := client.Watch(jobInstanceID)
	if err != nil {
		return err
	}

	view := &watchView{out: a.stdout, styles: a.styles, jobInstanceID: jobInstanceID, lineEnd: "\n"}
	if interactive {
		restore, err := a.forwardTerminal(ctx, cancel, client, jobInstanceID)
		if err != nil {
			return err
		}
		defer restore()
		view.lineEnd = "\r\n"
	}
	if !ack.SourceAttached {
		view.notice("waiting for the job's worker to connect")
	}

	for {
		message, err := client.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if done := view.render(message); done && exitOnDone {
			return nil
		}
	}
}

// forwardTerminal puts stdin in raw mode and forwards keystrokes and
// window size changes to the job. The returned function restores the
// terminal.
func (a *app) forwardTerminal(ctx context.Context, cancel context.CancelFunc, client *broker.Client, jobInstanceID string) (func(), error) {
	stdin, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(stdin.Fd())) {
		return nil, errors.New("--interactive needs a terminal on stdin")
	}
	fd := int(stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("entering raw mode: %w", err)
	}

	sendSize := func() {
		columns, rows, err := term.GetSize(fd)
		if err != nil {
			return
		}
		client.Send(broker.TerminalResize{JobInstanceID: jobInstanceID, Columns: uint16(columns), Rows: uint16(rows)})
	}
	sendSize()

	resized := make(chan os.Signal, 1)
	signal.Notify(resized, syscall.SIGWINCH)
	go func() {
		for {
			select {
			case <-resized:
				sendSize()
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		buffer := make([]byte, 1024)
		for {
			n, err := stdin.Read(buffer)
			if n > 0 {
				chunk := buffer[:n]
				if index := bytes.IndexByte(chunk, detachKey); index >= 0 {
					if index > 0 {
						client.Send(broker.TerminalInput{JobInstanceID: jobInstanceID, Data: append([]byte(nil), chunk[:index]...)})
					}
					cancel()
					return
				}
				if sendErr := client.Send(broker.TerminalInput{JobInstanceID: jobInstanceID, Data: append([]byte(nil), chunk...)}); sendErr != nil {
					cancel()
					return
				}
			}
			if err != nil {
				cancel()
				return
			}
		}
	}()

	return func() {
		signal.Stop(resized)
		term.Restore(fd, state)
	}, nil
}

// watchView renders broker messages for a person.
type watchView struct {
	out           io.Writer
	styles        styles
	jobInstanceID string
	lineEnd       string

	// attached is set once the worker has been seen, so a detach can
	// be told apart from a watch that started before the worker.
	attached bool
}

func (v *watchView) line(text string) {
	io.WriteString(v.out, strings.TrimRight(text, "\r\n")+v.lineEnd)
}

func (v *watchView) notice(text string) {
	v.line(v.styles.faint.Render("-- " + text))
}

// render writes one message and reports whether the worker has gone
// away.
func (v *watchView) render(message broker.Message) bool {
	switch typed := message.(type) {
	case broker.History:
		events, err := broker.Events(typed)
		for _, event := range events {
			v.render(event)
		}
		if err != nil {
			v.line(v.styles.warn.Render("undecodable history entry: " + err.Error()))
		}
	case broker.Output:
		prefix := v.styles.taskName.Render(taskLabel(typed.TaskGroupID, typed.TaskID))
		text := string(typed.Data)
		if v.styles.plain {
			text = ansi.Strip(text)
		}
		if typed.Stderr {
			text = v.styles.stderr.Render(text)
		}
		v.line(prefix + " " + text)
	case broker.AgentLog:
		label := strings.ToLower(typed.Level)
		switch label {
		case "error":
			label = v.styles.failure.Render(label)
		case "warn":
			label = v.styles.warn.Render(label)
		default:
			label = v.styles.faint.Render(label)
		}
		if typed.Block != "" {
			v.line(fmt.Sprintf("%s %s %s", label, v.styles.taskName.Render("["+typed.Block+"]"), typed.Message))
		} else {
			v.line(label + " " + typed.Message)
		}
	case broker.BreakpointTrip:
		where := typed.TaskID
		if typed.TaskName != "" {
			where = typed.TaskName
		}
		banner := fmt.Sprintf("breakpoint %s: %s %s", typed.ID, typed.Checkpoint, where)
		if typed.TaskGroupID != "" {
			banner += " (group " + typed.TaskGroupID + ")"
		}
		hint := "conveyor resume " + v.jobInstanceID + " " + typed.ID
		if typed.AllowRetry {
			hint += " [--retry]"
		}
		for _, text := range strings.Split(v.styles.banner.Render(banner+"\n"+hint), "\n") {
			v.line(text)
		}
	case broker.BreakpointResolved:
		action := "continue"
		if typed.Retry {
			action = "retry"
		}
		v.notice(fmt.Sprintf("breakpoint %s resumed (%s)", typed.ID, action))
	case broker.SourceStatus:
		if typed.Attached {
			v.attached = true
			v.notice("worker connected")
			return false
		}
		v.notice("worker disconnected")
		return v.attached
	case broker.ErrorMessage:
		v.line(v.styles.warn.Render(fmt.Sprintf("broker: %s: %s", typed.Code, typed.Message)))
	case broker.Metric:
		v.line(v.styles.faint.Render("metric " + typed.Name))
	}
	return false
}

func taskLabel(groupID, taskID string) string {
	switch {
	case groupID != "" && taskID != "":
		return "[" + groupID + "/" + taskID + "]"
	case taskID != "":
		return "[" + taskID + "]"
	case groupID != "":
		return "[" + groupID + "]"
	}
	return "[job]"
}
