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

	"github.com/rs/zerolog"
)

// multipartState aggregates per-part sent callbacks for one outbound
// message. Completion is count-based, not index-based: the transport gives
// no ordering guarantee across parts.
type multipartState struct {
	total       int
	acked       int
	allOK       bool
	firstReason string
}

// Coordinator drives a queued outbound message through
// send → part-callback aggregation → sent/delivered/failed, for both
// local-UI-originated and Matrix-originated sends.
type Coordinator struct {
	store *Store
	guard *LoopGuard
	sms   SMSSender
	log   zerolog.Logger

	// multipart tracks in-flight multi-segment sends by message ID.
	// deliveredEarly holds delivery reports that arrived while the message
	// was still SENDING, applied once the sent aggregation succeeds. Guarded
	// by one lock; unrelated messages complete independently because the
	// critical sections are just counter updates.
	multipart      map[int64]*multipartState
	deliveredEarly map[int64]bool
	multipartMu    sync.Mutex
}

func NewCoordinator(store *Store, guard *LoopGuard, sms SMSSender, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		guard:     guard,
		sms:       sms,
		log:            log.With().Str("component", "coordinator").Logger(),
		multipart:      make(map[int64]*multipartState),
		deliveredEarly: make(map[int64]bool),
	}
}

// Send dispatches an outbound message to the radio. It initiates only for
// messages in PENDING or FAILED; anything else is a duplicate send attempt
// and is refused. Returns whether the send was initiated.
func (c *Coordinator) Send(ctx context.Context, msg *Message) bool {
	if msg.Status != StatusPending && msg.Status != StatusFailed {
		c.log.Warn().Int64("message_id", msg.ID).Str("status", string(msg.Status)).
			Msg("Refusing to send message in non-sendable status")
		return false
	}
	conv, err := c.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		c.log.Err(err).Int64("message_id", msg.ID).Msg("Failed to load conversation for send")
		return false
	}
	if conv == nil {
		// Non-retryable: the conversation row is gone, there is no
		// destination to send to.
		if err := c.store.MarkFailed(ctx, msg.ID, "Conversation not found"); err != nil {
			c.log.Err(err).Int64("message_id", msg.ID).Msg("Failed to mark orphaned message failed")
		}
		return false
	}

	if err := c.store.MarkSending(ctx, msg.ID); err != nil {
		c.log.Err(err).Int64("message_id", msg.ID).Msg("Failed to mark message sending")
		return false
	}

	// Record the echo fingerprint before dispatch: the inbound observer can
	// see our own message before SendParts returns.
	c.guard.RecordOutgoingSMS(conv.PhoneNumber, msg.Body)

	bodies := splitBody(msg.Body)
	parts := make([]SMSPart, len(bodies))
	for i, body := range bodies {
		parts[i] = SMSPart{MessageID: msg.ID, Index: i, Total: len(bodies), Body: body}
	}
	if len(parts) > 1 {
		c.multipartMu.Lock()
		c.multipart[msg.ID] = &multipartState{total: len(parts), allOK: true}
		c.multipartMu.Unlock()
	}

	if err := c.sms.SendParts(conv.PhoneNumber, parts); err != nil {
		c.multipartMu.Lock()
		delete(c.multipart, msg.ID)
		delete(c.deliveredEarly, msg.ID)
		c.multipartMu.Unlock()
		c.log.Err(err).Int64("message_id", msg.ID).Msg("Transport rejected dispatch")
		if markErr := c.store.MarkFailed(ctx, msg.ID, "Transport unavailable"); markErr != nil {
			c.log.Err(markErr).Int64("message_id", msg.ID).Msg("Failed to mark message failed")
		}
		return false
	}
	c.log.Debug().Int64("message_id", msg.ID).Int("parts", len(parts)).
		Str("dest", conv.PhoneNumber).Msg("Dispatched outbound SMS")
	return true
}

// HandleSentResult processes one asynchronous sent callback. Single-part
// messages finalize directly; multipart messages accumulate until all parts
// have reported, keeping only the first failure reason.
func (c *Coordinator) HandleSentResult(ctx context.Context, res SMSPartResult) {
	if res.Total <= 1 {
		c.finalize(ctx, res.MessageID, res.Code == SMSResultOK, res.Code.Reason())
		return
	}

	c.multipartMu.Lock()
	state, ok := c.multipart[res.MessageID]
	if !ok {
		// Tracking state already discarded (dispatch failed or duplicate
		// callback after finalization).
		c.multipartMu.Unlock()
		return
	}
	state.acked++
	if res.Code != SMSResultOK && state.allOK {
		state.allOK = false
		state.firstReason = res.Code.Reason()
	}
	done := state.acked >= state.total
	if done {
		delete(c.multipart, res.MessageID)
	}
	allOK, reason := state.allOK, state.firstReason
	c.multipartMu.Unlock()

	if done {
		c.finalize(ctx, res.MessageID, allOK, reason)
	}
}

func (c *Coordinator) finalize(ctx context.Context, messageID int64, ok bool, reason string) {
	c.multipartMu.Lock()
	delivered := c.deliveredEarly[messageID]
	delete(c.deliveredEarly, messageID)
	c.multipartMu.Unlock()

	if ok {
		if err := c.store.MarkSent(ctx, messageID); err != nil {
			c.log.Err(err).Int64("message_id", messageID).Msg("Failed to mark message sent")
			return
		}
		if delivered {
			if err := c.store.MarkDelivered(ctx, messageID); err != nil {
				c.log.Err(err).Int64("message_id", messageID).Msg("Failed to apply held delivery report")
			}
		}
		return
	}
	if err := c.store.MarkFailed(ctx, messageID, reason); err != nil {
		c.log.Err(err).Int64("message_id", messageID).Msg("Failed to mark message failed")
	}
}

// HandleDeliveredResult processes a delivered callback. Only part index 0 is
// honored for multipart messages; per-part delivery tracking is a known
// simplification carried over from the sent-state aggregation being the
// authoritative completion signal. A report that races ahead of the final
// sent callback is held and applied when the aggregation succeeds; a report
// for a message in any terminal state is dropped, so a late delivery of one
// part never resurrects a FAILED message.
func (c *Coordinator) HandleDeliveredResult(ctx context.Context, res SMSPartResult) {
	if res.Index != 0 {
		return
	}
	msg, err := c.store.GetMessage(ctx, res.MessageID)
	if err != nil {
		c.log.Err(err).Int64("message_id", res.MessageID).Msg("Failed to load message for delivery report")
		return
	}
	if msg == nil {
		return
	}
	switch msg.Status {
	case StatusSent:
		if err := c.store.MarkDelivered(ctx, res.MessageID); err != nil {
			c.log.Err(err).Int64("message_id", res.MessageID).Msg("Failed to mark message delivered")
		}
	case StatusSending:
		c.multipartMu.Lock()
		c.deliveredEarly[res.MessageID] = true
		c.multipartMu.Unlock()
	default:
		c.log.Debug().Int64("message_id", res.MessageID).Str("status", string(msg.Status)).
			Msg("Dropping delivery report for settled message")
	}
}

// SendFromLocalUI queues and sends a locally-typed message. Returns the
// message iff the transport accepted it.
func (c *Coordinator) SendFromLocalUI(ctx context.Context, phoneNumber, body string, subscriptionID int) (*Message, error) {
	msg, err := c.store.QueueOutbound(ctx, phoneNumber, body, subscriptionID, OriginLocal, "")
	if err != nil {
		return nil, err
	}
	if !c.Send(ctx, msg) {
		return nil, nil
	}
	return msg, nil
}

// SendFromMatrix queues and sends a message forwarded from a Matrix room.
// The durable event-ID check makes re-delivered sync events a no-op: the
// second call with the same event ID returns (nil, nil) without sending.
// A refused dispatch returns an error so callers can report the failure.
func (c *Coordinator) SendFromMatrix(ctx context.Context, phoneNumber, body, matrixEventID string, subscriptionID int) (*Message, error) {
	handled, err := c.store.HasMessageFromMatrixEvent(ctx, matrixEventID)
	if err != nil {
		return nil, err
	}
	if handled {
		c.log.Debug().Str("event_id", matrixEventID).Msg("Matrix event already bridged, skipping")
		return nil, nil
	}
	msg, err := c.store.QueueOutbound(ctx, phoneNumber, body, subscriptionID, OriginMatrix, matrixEventID)
	if err != nil {
		return nil, err
	}
	if !c.Send(ctx, msg) {
		return nil, wrapError(ErrCapability, "send not initiated for message %d", msg.ID)
	}
	return msg, nil
}

// RetryMessage re-attempts an existing FAILED or PENDING message.
func (c *Coordinator) RetryMessage(ctx context.Context, id int64) bool {
	msg, err := c.store.GetMessage(ctx, id)
	if err != nil {
		c.log.Err(err).Int64("message_id", id).Msg("Failed to load message for retry")
		return false
	}
	if msg == nil {
		return false
	}
	return c.Send(ctx, msg)
}

// ProcessPendingMessages sweeps everything still PENDING and attempts each
// send. Run at startup to recover messages queued while the service was not
// running. One message's failure never blocks its siblings.
func (c *Coordinator) ProcessPendingMessages(ctx context.Context) {
	pending, err := c.store.GetPendingMessages(ctx)
	if err != nil {
		c.log.Err(err).Msg("Failed to load pending messages")
		return
	}
	for _, msg := range pending {
		if !c.Send(ctx, msg) {
			c.log.Warn().Int64("message_id", msg.ID).Msg("Pending sweep: send not initiated")
		}
	}
	if len(pending) > 0 {
		c.log.Info().Int("count", len(pending)).Msg("Processed pending message sweep")
	}
}
