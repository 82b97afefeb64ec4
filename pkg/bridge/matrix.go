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
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// shortCallTimeout bounds every Matrix call except sync.
const shortCallTimeout = 30 * time.Second

// syncTimeoutMargin is added on top of the server-side long-poll window so
// the local deadline never fires before the server's own timeout.
const syncTimeoutMargin = 60 * time.Second

// syncFilter limits each sync batch to recent timeline events.
const syncFilter = `{"room":{"timeline":{"limit":50}}}`

// MatrixEvent is one bridgeable text message surfaced from sync.
type MatrixEvent struct {
	RoomID    string
	EventID   string
	Sender    string
	Body      string
	Timestamp time.Time
}

// SyncResult is one completed long-poll batch.
type SyncResult struct {
	NextCursor string
	Events     []*MatrixEvent
}

// MessageMeta optionally annotates a bridged message with its SMS context.
// When present, the message carries a rendered rich-text variant; the plain
// body is always the primary content.
type MessageMeta struct {
	Direction   string
	Counterpart string
	Timestamp   time.Time
}

// MatrixAPI is the transport contract the sync loop and the SMS→Matrix path
// consume. Every method is a blocking call with its own timeout; failures are
// returned as classified errors (or plain false for the best-effort calls),
// never panics, so callers implement uniform retry/backoff.
type MatrixAPI interface {
	CreateRoom(ctx context.Context, displayLabel string) (string, error)
	SendMessage(ctx context.Context, roomID, body string, meta *MessageMeta) (string, error)
	Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResult, error)
	JoinRoom(ctx context.Context, roomID string) bool
	TestConnection(ctx context.Context) bool
	OwnUserID() string
}

// MatrixClient implements MatrixAPI over a mautrix client.
type MatrixClient struct {
	cli *mautrix.Client
	log zerolog.Logger
}

func NewMatrixClient(homeserverURL, userID, accessToken string, log zerolog.Logger) (*MatrixClient, error) {
	if homeserverURL == "" || userID == "" || accessToken == "" {
		return nil, wrapError(ErrConfiguration, "homeserver URL, user ID and access token are all required")
	}
	cli, err := mautrix.NewClient(homeserverURL, id.UserID(userID), accessToken)
	if err != nil {
		return nil, wrapError(ErrConfiguration, "failed to create matrix client: %w", err)
	}
	return &MatrixClient{
		cli: cli,
		log: log.With().Str("component", "matrix").Logger(),
	}, nil
}

// classify converts a mautrix call error into the bridge taxonomy: a parsed
// server response is a protocol error, anything else (DNS, TLS, timeout) is
// transport.
func classify(err error, op string) error {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return wrapError(ErrProtocol, "%s: %w", op, err)
	}
	return wrapError(ErrTransport, "%s: %w", op, err)
}

func (m *MatrixClient) OwnUserID() string {
	return m.cli.UserID.String()
}

// CreateRoom creates the private, non-federated, direct-message room backing
// a conversation.
func (m *MatrixClient) CreateRoom(ctx context.Context, displayLabel string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, shortCallTimeout)
	defer cancel()
	resp, err := m.cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:            displayLabel,
		Topic:           "SMS conversation with " + displayLabel,
		Preset:          "private_chat",
		IsDirect:        true,
		CreationContent: map[string]any{"m.federate": false},
	})
	if err != nil {
		return "", classify(err, "create room")
	}
	m.log.Info().Str("room_id", resp.RoomID.String()).Str("label", displayLabel).Msg("Created room")
	return resp.RoomID.String(), nil
}

// SendMessage posts a text message. mautrix mints a fresh transaction ID per
// call, so retrying a failed send never reuses an idempotency key.
func (m *MatrixClient) SendMessage(ctx context.Context, roomID, body string, meta *MessageMeta) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, shortCallTimeout)
	defer cancel()
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if meta != nil {
		content.Format = event.FormatHTML
		content.FormattedBody = fmt.Sprintf(
			"<p><em>%s %s · %s</em></p><p>%s</p>",
			html.EscapeString(meta.Direction),
			html.EscapeString(meta.Counterpart),
			meta.Timestamp.Format(time.RFC3339),
			html.EscapeString(body),
		)
	}
	resp, err := m.cli.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", classify(err, "send message")
	}
	return resp.EventID.String(), nil
}

// Sync runs one long-poll cycle. since may be empty for an initial sync; the
// token is passed through untouched so the server's own initial-sync
// semantics apply (no local history backfill).
func (m *MatrixClient) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+syncTimeoutMargin)
	defer cancel()
	resp, err := m.cli.FullSyncRequest(ctx, mautrix.ReqSync{
		Timeout:  int(timeout.Milliseconds()),
		Since:    since,
		FilterID: syncFilter,
	})
	if err != nil {
		return nil, classify(err, "sync")
	}

	result := &SyncResult{NextCursor: resp.NextBatch}
	for roomID, room := range resp.Rooms.Join {
		for _, evt := range room.Timeline.Events {
			if evt.Type != event.EventMessage {
				continue
			}
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
			content := evt.Content.AsMessage()
			if content == nil || content.MsgType != event.MsgText {
				continue
			}
			result.Events = append(result.Events, &MatrixEvent{
				RoomID:    roomID.String(),
				EventID:   evt.ID.String(),
				Sender:    evt.Sender.String(),
				Body:      content.Body,
				Timestamp: time.UnixMilli(evt.Timestamp),
			})
		}
	}
	return result, nil
}

// JoinRoom is a best-effort join for invited-but-not-joined rooms.
func (m *MatrixClient) JoinRoom(ctx context.Context, roomID string) bool {
	ctx, cancel := context.WithTimeout(ctx, shortCallTimeout)
	defer cancel()
	if _, err := m.cli.JoinRoomByID(ctx, id.RoomID(roomID)); err != nil {
		m.log.Warn().Err(err).Str("room_id", roomID).Msg("Failed to join room")
		return false
	}
	return true
}

// TestConnection is a cheap identity probe.
func (m *MatrixClient) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, shortCallTimeout)
	defer cancel()
	if _, err := m.cli.Whoami(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Connectivity probe failed")
		return false
	}
	return true
}
