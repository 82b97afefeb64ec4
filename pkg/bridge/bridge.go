// smsmatrix - A Matrix-SMS bridge.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package bridge implements the SMS↔Matrix synchronization engine: an
// authoritative sqlite message store, a time-windowed loop-prevention guard,
// thin Matrix and SMS transports, an outbound-send state machine with
// delivery confirmation, and the long-poll sync loop that ties them
// together.
package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Bridge wires the engine's components together. Everything is constructed
// once at process start and passed by reference; there is no ambient global
// state.
type Bridge struct {
	Config   *Config
	Settings *Settings
	Store    *Store
	Guard    *LoopGuard
	Matrix   MatrixAPI
	Coord    *Coordinator
	Sync     *SyncLoop

	log zerolog.Logger
}

func New(cfg *Config, matrix MatrixAPI, sms SMSSender, store *Store, log zerolog.Logger) *Bridge {
	settings := NewSettings(cfg, log)
	guard := NewLoopGuard()
	coord := NewCoordinator(store, guard, sms, log)
	return &Bridge{
		Config:   cfg,
		Settings: settings,
		Store:    store,
		Guard:    guard,
		Matrix:   matrix,
		Coord:    coord,
		Sync:     NewSyncLoop(cfg, settings, store, guard, matrix, coord, log),
		log:      log.With().Str("component", "bridge").Logger(),
	}
}

// HandleInboundSMS is the entry point for the platform's inbound message
// callback. It records the message in the store (deduplicating transport
// double-delivery) and relays it to the conversation's Matrix room, creating
// the room lazily on first bridge.
func (b *Bridge) HandleInboundSMS(ctx context.Context, sender, body string, timestamp time.Time, subscriptionID int) (*Message, error) {
	if !b.Settings.SMSReceiveEnabled() {
		b.log.Debug().Msg("SMS receive administratively disabled, dropping inbound")
		return nil, nil
	}
	dest := NormalizeNumber(sender)
	// Echo guard: the platform's content observer replays our own outbound
	// sends through the inbound path on some devices.
	if b.Guard.WasRecentlySentSMS(dest, body) {
		b.log.Debug().Str("sender", dest).Msg("Dropping inbound echo of our own SMS")
		return nil, nil
	}

	msg, err := b.Store.InsertInbound(ctx, sender, body, timestamp, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err = b.Store.RecordSMSReceived(ctx); err != nil {
		b.log.Err(err).Msg("Failed to record inbound SMS timestamp")
	}

	b.bridgeInboundToMatrix(ctx, msg)
	return msg, nil
}

// bridgeInboundToMatrix relays a stored inbound SMS to Matrix. Relay
// failures degrade the system to SMS-only: the message is already safely in
// the store, so errors here are recorded and never propagated back to the
// inbound path.
func (b *Bridge) bridgeInboundToMatrix(ctx context.Context, msg *Message) {
	log := b.log.With().Int64("message_id", msg.ID).Logger()
	if !b.Settings.BridgeEnabled() || !b.Settings.MatrixSyncEnabled() {
		return
	}
	conv, err := b.Store.GetConversation(ctx, msg.ConversationID)
	if err != nil || conv == nil {
		log.Err(err).Msg("Failed to load conversation for inbound bridge")
		return
	}
	if !conv.SyncDirection.BridgesToMatrix() {
		log.Debug().Str("direction", string(conv.SyncDirection)).Msg("SMS→Matrix disabled for conversation")
		return
	}

	roomID, err := b.ensureRoom(ctx, conv)
	if err != nil {
		log.Err(err).Msg("Failed to ensure room for conversation")
		b.Store.RecordError(ctx, err)
		return
	}

	// Fingerprint first: a different client session syncing this room could
	// surface the echo before SendMessage returns.
	b.Guard.RecordOutgoingMatrix(roomID, msg.Body)
	meta := &MessageMeta{
		Direction:   "from",
		Counterpart: conv.PhoneNumber,
		Timestamp:   msg.CreatedAt,
	}
	eventID, err := b.Matrix.SendMessage(ctx, roomID, msg.Body, meta)
	if err != nil && KindOf(err) == ErrProtocol {
		// The account may have been invited back into a re-created room
		// without joining yet. Join best-effort and retry once.
		if b.Matrix.JoinRoom(ctx, roomID) {
			eventID, err = b.Matrix.SendMessage(ctx, roomID, msg.Body, meta)
		}
	}
	if err != nil {
		log.Err(err).Str("room_id", roomID).Msg("Failed to relay inbound SMS to Matrix")
		b.Store.RecordError(ctx, err)
		return
	}
	if err = b.Store.UpdateMatrixEventID(ctx, msg.ID, eventID); err != nil {
		log.Err(err).Msg("Failed to record produced event ID")
	}
	log.Debug().Str("room_id", roomID).Str("event_id", eventID).Msg("Relayed inbound SMS to Matrix")
}

// ensureRoom returns the conversation's room, creating and linking one if
// none exists yet. The check-create-link sequence holds the conversation's
// lock and re-reads the row under it, so concurrent first-contact messages
// resolve to one room instead of racing CreateRoom and stranding a joined
// but unmapped room whose replies would never match a conversation.
func (b *Bridge) ensureRoom(ctx context.Context, conv *Conversation) (string, error) {
	if conv.RoomID != "" {
		return conv.RoomID, nil
	}
	unlock := b.Store.LockConversation(conv.PhoneNumber)
	defer unlock()
	fresh, err := b.Store.GetConversation(ctx, conv.ID)
	if err != nil {
		return "", err
	}
	if fresh == nil {
		return "", wrapError(ErrState, "conversation %d disappeared", conv.ID)
	}
	if fresh.RoomID != "" {
		return fresh.RoomID, nil
	}
	roomID, err := b.Matrix.CreateRoom(ctx, conv.DisplayName)
	if err != nil {
		return "", err
	}
	if err = b.Store.UpdateMatrixRoom(ctx, conv.ID, roomID); err != nil {
		return "", err
	}
	return roomID, nil
}

// Status returns the point-in-time health snapshot.
func (b *Bridge) Status(ctx context.Context) (*StatusSnapshot, error) {
	return b.Store.Snapshot(ctx)
}
