// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// handleSource runs one worker connection: announce first, then
// events until the connection drops.
func (b *Broker) handleSource(source *peer) {
	first, err := ReadFrame(source.netConn)
	if err != nil {
		source.logger.Debug("source closed before announcing", "error", err)
		return
	}
	message, err := first.Decode()
	if err != nil {
		source.logger.Warn("rejecting source: bad first message", "error", err)
		return
	}
	announce, ok := message.(Announce)
	if !ok || announce.JobInstanceID == "" {
		source.logger.Warn("rejecting source: first message must announce a job instance", "kind", first.Kind.String())
		return
	}

	b.attach(source, announce)
	defer b.detach(source, announce.JobInstanceID)

	for {
		frame, err := ReadFrame(source.netConn)
		if err != nil {
			source.logger.Debug("source disconnected", "job_instance_id", announce.JobInstanceID, "error", err)
			return
		}
		message, err := frame.Decode()
		if err != nil {
			source.logger.Warn("dropping undecodable source message", "kind", frame.Kind.String(), "error", err)
			continue
		}
		switch typed := message.(type) {
		case HistoryPopulate:
			b.populate(announce.JobInstanceID, typed.Entries)
		case Event:
			b.record(source, announce.JobInstanceID, frame, typed)
		default:
			source.logger.Warn("dropping unexpected source message", "kind", frame.Kind.String())
		}
	}
}

// attach makes source the job's stream, evicting any earlier source,
// and pairs every parked watcher.
func (b *Broker) attach(source *peer, announce Announce) {
	if announce.Time.IsZero() {
		announce.Time = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.jobLocked(announce.JobInstanceID)
	if stale := state.source; stale != nil && stale != source {
		b.logger.Warn("evicting stale source", "job_instance_id", announce.JobInstanceID, "stale_peer", stale.id, "peer", source.id)
		stale.close()
	}
	state.source = source
	state.metadata = &announce
	b.logger.Info("source attached",
		"job_instance_id", announce.JobInstanceID,
		"pipeline_instance_id", announce.PipelineInstanceID,
		"stage_id", announce.StageID,
		"job_id", announce.JobID,
		"watchers", len(state.watchers),
	)
	b.broadcastMessageLocked(state, SourceStatus{
		JobInstanceID: state.id,
		Attached:      true,
		Metadata:      state.metadata,
		Time:          announce.Time,
	})
}

// detach clears the job's source if it is still this one. History and
// watchers are kept.
func (b *Broker) detach(source *peer, jobInstanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.jobs[jobInstanceID]
	if !ok || state.source != source {
		return
	}
	state.source = nil
	b.logger.Info("source detached", "job_instance_id", jobInstanceID)
	b.broadcastMessageLocked(state, SourceStatus{
		JobInstanceID: jobInstanceID,
		Attached:      false,
		Time:          b.clock.Now(),
	})
	b.dropIfIdleLocked(state)
}

// record appends a live event to history and relays its frame
// verbatim. Both happen under one lock so a subscriber sees each event
// exactly once, either in its history snapshot or live.
func (b *Broker) record(source *peer, jobInstanceID string, frame Frame, event Event) {
	body, err := frame.Body()
	if err != nil {
		source.logger.Warn("dropping event with bad body", "kind", frame.Kind.String(), "error", err)
		return
	}
	entry := Entry{Kind: frame.Kind, Time: event.Timestamp(), Body: body}
	if entry.Time.IsZero() {
		entry.Time = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.jobLocked(jobInstanceID)
	if state.source != source {
		// Evicted while this frame was in flight.
		return
	}
	b.appendHistoryLocked(state, entry)
	trackBreakpointLocked(state, event)
	b.broadcastLocked(state, frame)
}

// populate merges events a reconnected source buffered while offline.
func (b *Broker) populate(jobInstanceID string, entries []Entry) {
	accepted := make([]Entry, 0, len(entries))
	decoded := make([]Message, 0, len(entries))
	for _, entry := range entries {
		message, err := entry.Decode()
		if err != nil {
			b.logger.Warn("dropping bad populate entry", "job_instance_id", jobInstanceID, "kind", entry.Kind.String(), "error", err)
			continue
		}
		accepted = append(accepted, entry)
		decoded = append(decoded, message)
	}
	if len(accepted) == 0 {
		return
	}
	order := make([]int, len(accepted))
	for index := range order {
		order[index] = index
	}
	sort.SliceStable(order, func(i, j int) bool { return accepted[order[i]].Time.Before(accepted[order[j]].Time) })

	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.jobLocked(jobInstanceID)
	sorted := make([]Entry, 0, len(accepted))
	for _, index := range order {
		sorted = append(sorted, accepted[index])
		trackBreakpointLocked(state, decoded[index])
	}
	state.history = append(state.history, sorted...)
	sort.SliceStable(state.history, func(i, j int) bool { return state.history[i].Time.Before(state.history[j].Time) })
	b.appendHistoryLocked(state)

	b.logger.Info("history populated", "job_instance_id", jobInstanceID, "entries", len(sorted))
	b.broadcastMessageLocked(state, History{JobInstanceID: jobInstanceID, Entries: sorted})
}

// handleClient runs one observer connection.
func (b *Broker) handleClient(client *peer) {
	var watching []string
	defer func() { b.unwatch(client, watching) }()

	for {
		frame, err := ReadFrame(client.netConn)
		if err != nil {
			client.logger.Debug("client disconnected", "error", err)
			return
		}
		message, err := frame.Decode()
		if err != nil {
			client.logger.Warn("rejecting client message", "kind", frame.Kind.String(), "error", err)
			client.enqueueMessage(ErrorMessage{Code: ErrorCodeBadRequest, Message: err.Error()})
			continue
		}

		switch typed := message.(type) {
		case Connect:
			if typed.JobInstanceID == "" {
				client.enqueueMessage(ErrorMessage{Code: ErrorCodeBadRequest, Message: "connect requires a job instance id"})
				continue
			}
			b.watch(client, typed.JobInstanceID)
			watching = append(watching, typed.JobInstanceID)
		case GetHistory:
			b.sendHistory(client, defaultJob(typed.JobInstanceID, watching))
		case BreakpointResume:
			jobInstanceID := defaultJob(typed.JobInstanceID, watching)
			b.mu.Lock()
			err := b.resumeLocked(jobInstanceID, typed.ID, typed.Retry)
			b.mu.Unlock()
			b.replyError(client, jobInstanceID, err)
		case StopJob:
			typed.JobInstanceID = defaultJob(typed.JobInstanceID, watching)
			b.routeFromClient(client, typed.JobInstanceID, typed)
		case TerminalInput:
			typed.JobInstanceID = defaultJob(typed.JobInstanceID, watching)
			b.routeFromClient(client, typed.JobInstanceID, typed)
		case TerminalResize:
			typed.JobInstanceID = defaultJob(typed.JobInstanceID, watching)
			b.routeFromClient(client, typed.JobInstanceID, typed)
		default:
			client.enqueueMessage(ErrorMessage{
				Code:    ErrorCodeBadRequest,
				Message: fmt.Sprintf("%s is not a client message", frame.Kind),
			})
		}
	}
}

// defaultJob fills in the job for control messages from a client
// watching exactly one job.
func defaultJob(requested string, watching []string) string {
	if requested == "" && len(watching) == 1 {
		return watching[0]
	}
	return requested
}

// watch subscribes client to a job: ack, history snapshot, source
// status, then live events. Parked when no source is attached.
func (b *Broker) watch(client *peer, jobInstanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.jobLocked(jobInstanceID)
	state.watchers[client] = struct{}{}
	attached := state.source != nil

	client.enqueueMessage(ConnectedAck{JobInstanceID: jobInstanceID, SourceAttached: attached})
	sendHistoryLocked(client, jobInstanceID, state.history)
	if attached {
		client.enqueueMessage(SourceStatus{
			JobInstanceID: jobInstanceID,
			Attached:      true,
			Metadata:      state.metadata,
			Time:          state.metadata.Time,
		})
	}
	client.logger.Info("client watching", "job_instance_id", jobInstanceID, "parked", !attached, "history", len(state.history))
}

func (b *Broker) unwatch(client *peer, jobInstanceIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range jobInstanceIDs {
		state, ok := b.jobs[id]
		if !ok {
			continue
		}
		delete(state.watchers, client)
		b.dropIfIdleLocked(state)
	}
}

func (b *Broker) sendHistory(client *peer, jobInstanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var history []Entry
	if state, ok := b.jobs[jobInstanceID]; ok {
		history = state.history
	}
	sendHistoryLocked(client, jobInstanceID, history)
}

// historyBatchSize bounds the entries per History frame so a full
// history never exceeds the frame size limit.
const historyBatchSize = 1000

// sendHistoryLocked queues history in batches. An empty history is
// still sent, as one empty batch. Caller holds b.mu.
func sendHistoryLocked(client *peer, jobInstanceID string, history []Entry) {
	if len(history) == 0 {
		client.enqueueMessage(History{JobInstanceID: jobInstanceID})
		return
	}
	for batch := range slices.Chunk(history, historyBatchSize) {
		client.enqueueMessage(History{JobInstanceID: jobInstanceID, Entries: batch})
	}
}

func (b *Broker) routeFromClient(client *peer, jobInstanceID string, message Message) {
	b.mu.Lock()
	err := b.routeLocked(jobInstanceID, message)
	b.mu.Unlock()
	b.replyError(client, jobInstanceID, err)
}

// replyError tells a client why its control message was not routed.
func (b *Broker) replyError(client *peer, jobInstanceID string, err error) {
	if err == nil {
		return
	}
	code := ErrorCodeBadRequest
	switch {
	case errors.Is(err, ErrNoPendingBreakpoint):
		code = ErrorCodeNoPendingBreakpoint
	case errors.Is(err, ErrSourceNotAttached):
		code = ErrorCodeSourceNotAttached
	}
	client.enqueueMessage(ErrorMessage{JobInstanceID: jobInstanceID, Code: code, Message: err.Error()})
}
