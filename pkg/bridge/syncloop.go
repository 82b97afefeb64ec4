// smsmatrix - A Matrix-SMS bridge.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// idlePollDelay is how long the loop sleeps when Matrix sync is
// administratively disabled, and the pause after a failed startup probe.
const idlePollDelay = 5 * time.Second

// retrySweepInterval drives the periodic pending/failed message sweep.
const retrySweepInterval = 5 * time.Minute

// SyncLoop is the supervised long-running task driving the Matrix long-poll
// cycle: it applies backoff on failure, routes inbound Matrix events to SMS,
// and persists the sync cursor after each fully-processed batch.
type SyncLoop struct {
	cfg      *Config
	settings *Settings
	store    *Store
	guard    *LoopGuard
	matrix   MatrixAPI
	coord    *Coordinator
	log      zerolog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

func NewSyncLoop(cfg *Config, settings *Settings, store *Store, guard *LoopGuard, matrix MatrixAPI, coord *Coordinator, log zerolog.Logger) *SyncLoop {
	return &SyncLoop{
		cfg:      cfg,
		settings: settings,
		store:    store,
		guard:    guard,
		matrix:   matrix,
		coord:    coord,
		log:      log.With().Str("component", "syncloop").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the sync loop and the retry sweep. Returns a configuration
// error without starting anything when credentials are absent — that state
// is persistent, not transient, and retrying cannot fix it.
func (sl *SyncLoop) Start() error {
	if !sl.cfg.HasCredentials() {
		err := wrapError(ErrConfiguration, "matrix credentials are not configured")
		sl.store.RecordError(context.Background(), err)
		return err
	}
	sl.done.Add(2)
	go sl.run()
	go sl.retrySweep()
	return nil
}

// Stop cancels the loop cooperatively: the in-flight long-poll is allowed to
// complete or time out naturally, and in-flight SMS sends run to completion.
// Blocks until both background tasks have exited.
func (sl *SyncLoop) Stop() {
	sl.stopOnce.Do(func() {
		close(sl.stopChan)
	})
	sl.done.Wait()
}

// sleep waits for d or until Stop, whichever comes first. Returns false when
// stopping.
func (sl *SyncLoop) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-sl.stopChan:
		return false
	}
}

func (sl *SyncLoop) stopped() bool {
	select {
	case <-sl.stopChan:
		return true
	default:
		return false
	}
}

func (sl *SyncLoop) run() {
	defer sl.done.Done()
	// The loop context is deliberately not tied to Stop: cancellation is
	// checked between iterations and each transport call carries its own
	// deadline.
	ctx := sl.log.WithContext(context.Background())

	if !sl.matrix.TestConnection(ctx) {
		sl.log.Warn().Msg("Connectivity probe failed, starting sync loop anyway")
		if !sl.sleep(idlePollDelay) {
			return
		}
	}

	since, err := sl.store.GetSyncCursor(ctx)
	if err != nil {
		sl.log.Err(err).Msg("Failed to load sync cursor, starting from initial sync")
		since = ""
	}
	sl.log.Info().Bool("initial_sync", since == "").Msg("Sync loop started")

	consecutiveErrors := 0
	for !sl.stopped() {
		if !sl.settings.BridgeEnabled() {
			sl.log.Info().Msg("Bridge administratively disabled, stopping sync loop")
			return
		}
		if !sl.settings.MatrixSyncEnabled() {
			if !sl.sleep(idlePollDelay) {
				return
			}
			continue
		}

		result, err := sl.matrix.Sync(ctx, since, sl.cfg.SyncTimeout())
		if err != nil {
			consecutiveErrors++
			delay := sl.backoff(consecutiveErrors)
			sl.log.Warn().Err(err).Int("consecutive_errors", consecutiveErrors).
				Dur("backoff", delay).Msg("Sync failed")
			sl.store.RecordError(ctx, err)
			if !sl.sleep(delay) {
				return
			}
			continue
		}
		consecutiveErrors = 0

		sl.dispatchBatch(ctx, result.Events)

		// The cursor advances only after the batch is fully processed, so a
		// crash mid-batch replays events instead of dropping them. Replay is
		// safe: every event re-passes the processed-event and durable
		// source-event guards.
		since = result.NextCursor
		if err = sl.store.SetSyncCursor(ctx, since); err != nil {
			sl.log.Err(err).Msg("Failed to persist sync cursor")
		}
		if err = sl.store.RecordSyncSuccess(ctx); err != nil {
			sl.log.Err(err).Msg("Failed to record sync success")
		}
	}
}

// backoff computes min(base * consecutiveErrors, max).
func (sl *SyncLoop) backoff(consecutiveErrors int) time.Duration {
	delay := time.Duration(consecutiveErrors) * sl.cfg.BackoffBase()
	if max := sl.cfg.BackoffMax(); delay > max {
		delay = max
	}
	return delay
}

// dispatchBatch fans events out per room: different rooms process
// concurrently, events within one room stay in arrival order so replies
// reach the phone in the order they were typed.
func (sl *SyncLoop) dispatchBatch(ctx context.Context, events []*MatrixEvent) {
	if len(events) == 0 {
		return
	}
	byRoom := make(map[string][]*MatrixEvent)
	for _, evt := range events {
		byRoom[evt.RoomID] = append(byRoom[evt.RoomID], evt)
	}
	var wg sync.WaitGroup
	for _, roomEvents := range byRoom {
		wg.Add(1)
		go func(roomEvents []*MatrixEvent) {
			defer wg.Done()
			for _, evt := range roomEvents {
				sl.processEvent(ctx, evt)
			}
		}(roomEvents)
	}
	wg.Wait()
}

// processEvent runs one Matrix event through the loop-prevention gauntlet
// and, if it survives, bridges it to SMS.
func (sl *SyncLoop) processEvent(ctx context.Context, evt *MatrixEvent) {
	log := sl.log.With().Str("event_id", evt.EventID).Str("room_id", evt.RoomID).Logger()

	if sl.guard.HasProcessedEvent(evt.EventID) {
		return
	}
	// Mark before any side-effecting work so duplicate processing is bounded
	// to this function's own execution window.
	sl.guard.MarkEventProcessed(evt.EventID)

	if evt.Sender == sl.matrix.OwnUserID() {
		return
	}
	if sl.guard.WasRecentlySentMatrix(evt.RoomID, evt.Body) {
		log.Debug().Msg("Dropping content-fingerprint echo of our own message")
		return
	}
	handled, err := sl.store.HasMessageFromMatrixEvent(ctx, evt.EventID)
	if err != nil {
		log.Err(err).Msg("Failed durable event check")
		return
	}
	if handled {
		return
	}

	conv, err := sl.store.GetConversationByRoomID(ctx, evt.RoomID)
	if err != nil {
		log.Err(err).Msg("Failed to resolve conversation for room")
		return
	}
	if conv == nil {
		log.Debug().Msg("Room is not mapped to a phone number, dropping event")
		return
	}
	if !conv.SyncDirection.BridgesToSMS() {
		log.Debug().Str("direction", string(conv.SyncDirection)).Msg("Matrix→SMS disabled for conversation")
		return
	}
	if !sl.settings.SMSSendEnabled() {
		log.Debug().Msg("SMS sending administratively disabled, dropping event")
		return
	}

	msg, err := sl.coord.SendFromMatrix(ctx, conv.PhoneNumber, evt.Body, evt.EventID, conv.SubscriptionID)
	if err != nil {
		log.Err(err).Msg("Failed to bridge event to SMS")
		sl.postNotice(ctx, evt.RoomID, "⚠ Could not forward to "+conv.PhoneNumber)
		return
	}
	if msg == nil {
		// Late duplicate that slipped past the in-memory gates.
		return
	}
	log.Debug().Int64("message_id", msg.ID).Str("dest", conv.PhoneNumber).Msg("Bridged Matrix event to SMS")
	if err = sl.store.RecordMatrixEventReceived(ctx); err != nil {
		log.Err(err).Msg("Failed to record matrix event timestamp")
	}
	sl.postNotice(ctx, evt.RoomID, "✓ Forwarded to "+conv.PhoneNumber)
}

// postNotice posts a fire-and-forget confirmation or failure text back to
// the room. Guarded by the outgoing-Matrix fingerprint so the notice cannot
// re-trigger the pipeline; its own failure is logged and never retried.
func (sl *SyncLoop) postNotice(ctx context.Context, roomID, text string) {
	sl.guard.RecordOutgoingMatrix(roomID, text)
	if _, err := sl.matrix.SendMessage(ctx, roomID, text, nil); err != nil {
		sl.log.Warn().Err(err).Str("room_id", roomID).Msg("Failed to post notice")
	}
}

// retrySweep periodically re-drives PENDING messages and retries FAILED ones
// under the retry cap. The startup pass recovers messages queued while the
// service was not running.
func (sl *SyncLoop) retrySweep() {
	defer sl.done.Done()
	ctx := sl.log.WithContext(context.Background())

	sl.coord.ProcessPendingMessages(ctx)

	ticker := time.NewTicker(retrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !sl.settings.SMSSendEnabled() {
				continue
			}
			sl.coord.ProcessPendingMessages(ctx)
			retryable, err := sl.store.GetRetryableMessages(ctx, sl.cfg.MaxRetries)
			if err != nil {
				sl.log.Err(err).Msg("Failed to load retryable messages")
				continue
			}
			for _, msg := range retryable {
				if sl.coord.Send(ctx, msg) {
					sl.log.Info().Int64("message_id", msg.ID).Int("retry", msg.RetryCount).
						Msg("Retried failed message")
				}
			}
		case <-sl.stopChan:
			return
		}
	}
}
