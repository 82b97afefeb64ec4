package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

// inboundDedupWindow is how far apart two identical inbound inserts may be
// and still be treated as the same double-delivered message.
const inboundDedupWindow = 5 * time.Second

// Store is the authoritative ledger of conversations and messages. All
// methods are safe for concurrent use; writes touching the same conversation
// serialize on a per-phone-number lock so get-or-create never races itself
// into duplicate rows.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger

	defaultSyncDirection SyncDirection

	convLocks   map[string]*sync.Mutex
	convLocksMu sync.Mutex
}

func NewStore(db *dbutil.Database, log zerolog.Logger, defaultDirection SyncDirection) *Store {
	if defaultDirection == "" {
		defaultDirection = SyncBidirectional
	}
	return &Store{
		db:                   db,
		log:                  log.With().Str("component", "store").Logger(),
		defaultSyncDirection: defaultDirection,
		convLocks:            make(map[string]*sync.Mutex),
	}
}

// OpenDatabase opens (creating if needed) the sqlite database at path.
func OpenDatabase(path string) (*dbutil.Database, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phone_number TEXT NOT NULL UNIQUE,
			subscription_id INTEGER NOT NULL DEFAULT 0,
			room_id TEXT UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			last_message_ts BIGINT NOT NULL DEFAULT 0,
			last_preview TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			sync_direction TEXT NOT NULL,
			delivery_error BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversation(id) ON DELETE CASCADE,
			body TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT '',
			matrix_event_id TEXT NOT NULL DEFAULT '',
			matrix_source_event_id TEXT NOT NULL DEFAULT '',
			sent_ts BIGINT NOT NULL DEFAULT 0,
			delivered_ts BIGINT NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			transport_ref TEXT NOT NULL DEFAULT '',
			subscription_id INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS bridge_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_conv_ts_idx
			ON message (conversation_id, created_ts)`,
		`CREATE INDEX IF NOT EXISTS message_status_idx
			ON message (status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS message_matrix_source_idx
			ON message (matrix_source_event_id) WHERE matrix_source_event_id <> ''`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// lockNumber returns the per-conversation mutex for a normalized number,
// creating it on first use. Lock instances are never removed; the set of
// phone numbers a device talks to is small.
func (s *Store) lockNumber(number string) *sync.Mutex {
	s.convLocksMu.Lock()
	defer s.convLocksMu.Unlock()
	lock, ok := s.convLocks[number]
	if !ok {
		lock = &sync.Mutex{}
		s.convLocks[number] = lock
	}
	return lock
}

// LockConversation takes the per-conversation mutex for a phone number and
// returns the release func. Callers use it to serialize check-then-act
// sequences (room creation, say) with the store's own per-number writes.
func (s *Store) LockConversation(phoneNumber string) func() {
	lock := s.lockNumber(NormalizeNumber(phoneNumber))
	lock.Lock()
	return lock.Unlock
}

const conversationColumns = `id, phone_number, subscription_id, COALESCE(room_id, ''), display_name,
	last_message_ts, last_preview, unread_count, archived, muted, sync_direction, delivery_error, created_ts`

func scanConversation(row dbutil.Scannable) (*Conversation, error) {
	var conv Conversation
	var lastTS, createdTS int64
	err := row.Scan(&conv.ID, &conv.PhoneNumber, &conv.SubscriptionID, &conv.RoomID, &conv.DisplayName,
		&lastTS, &conv.LastPreview, &conv.UnreadCount, &conv.Archived, &conv.Muted,
		(*string)(&conv.SyncDirection), &conv.DeliveryError, &createdTS)
	if err != nil {
		return nil, err
	}
	conv.LastMessageTS = time.UnixMilli(lastTS)
	conv.CreatedAt = time.UnixMilli(createdTS)
	return &conv, nil
}

const messageColumns = `id, conversation_id, body, created_ts, direction, status, origin,
	matrix_event_id, matrix_source_event_id, sent_ts, delivered_ts, failure_reason,
	retry_count, transport_ref, subscription_id`

func scanMessage(row dbutil.Scannable) (*Message, error) {
	var msg Message
	var createdTS, sentTS, deliveredTS int64
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Body, &createdTS,
		(*string)(&msg.Direction), (*string)(&msg.Status), (*string)(&msg.Origin),
		&msg.MatrixEventID, &msg.MatrixSourceEventID, &sentTS, &deliveredTS,
		&msg.FailureReason, &msg.RetryCount, &msg.TransportRef, &msg.SubscriptionID)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = time.UnixMilli(createdTS)
	msg.SentAt = time.UnixMilli(sentTS)
	msg.DeliveredAt = time.UnixMilli(deliveredTS)
	return &msg, nil
}

// GetOrCreateConversation looks up the conversation for a phone number,
// creating it with defaults if absent. Concurrent calls for the same number
// serialize and return the same row.
func (s *Store) GetOrCreateConversation(ctx context.Context, phoneNumber string, subscriptionID int) (*Conversation, error) {
	number := NormalizeNumber(phoneNumber)
	lock := s.lockNumber(number)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.getConversationByNumberLocked(ctx, number)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	now := time.Now().UnixMilli()
	res, err := s.db.Exec(ctx, `
		INSERT INTO conversation (phone_number, subscription_id, display_name, sync_direction, created_ts)
		VALUES ($1, $2, $3, $4, $5)
	`, number, subscriptionID, number, string(s.defaultSyncDirection), now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation for %s: %w", number, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("phone_number", number).Int64("conversation_id", id).Msg("Created conversation")
	return &Conversation{
		ID:             id,
		PhoneNumber:    number,
		SubscriptionID: subscriptionID,
		DisplayName:    number,
		SyncDirection:  s.defaultSyncDirection,
		CreatedAt:      time.UnixMilli(now),
	}, nil
}

func (s *Store) getConversationByNumberLocked(ctx context.Context, number string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE phone_number=$1`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query conversation %s: %w", number, err)
	}
	return conv, nil
}

// GetConversation returns the conversation with the given row ID, or nil.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query conversation %d: %w", id, err)
	}
	return conv, nil
}

// GetConversationByNumber returns the conversation for a (raw or normalized)
// phone number, or nil if none exists.
func (s *Store) GetConversationByNumber(ctx context.Context, phoneNumber string) (*Conversation, error) {
	return s.getConversationByNumberLocked(ctx, NormalizeNumber(phoneNumber))
}

// GetConversationByRoomID returns the conversation linked to a Matrix room,
// or nil if the room is not mapped.
func (s *Store) GetConversationByRoomID(ctx context.Context, roomID string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE room_id=$1`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query conversation for room %s: %w", roomID, err)
	}
	return conv, nil
}

// UpdateMatrixRoom links a conversation to its Matrix room. The room_id
// UNIQUE constraint keeps the mapping bijective.
func (s *Store) UpdateMatrixRoom(ctx context.Context, conversationID int64, roomID string) error {
	_, err := s.db.Exec(ctx, `UPDATE conversation SET room_id=$1 WHERE id=$2`, roomID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to link room %s to conversation %d: %w", roomID, conversationID, err)
	}
	return nil
}

// MarkRead clears the unread counter on a conversation.
func (s *Store) MarkRead(ctx context.Context, conversationID int64) error {
	_, err := s.db.Exec(ctx, `UPDATE conversation SET unread_count=0 WHERE id=$1`, conversationID)
	return err
}

// UpdateSyncDirection changes a conversation's bridging policy.
func (s *Store) UpdateSyncDirection(ctx context.Context, conversationID int64, direction SyncDirection) error {
	_, err := s.db.Exec(ctx, `UPDATE conversation SET sync_direction=$1 WHERE id=$2`,
		string(direction), conversationID)
	return err
}

// SetArchived flips the archived flag. Conversations are never deleted,
// only archived.
func (s *Store) SetArchived(ctx context.Context, conversationID int64, archived bool) error {
	_, err := s.db.Exec(ctx, `UPDATE conversation SET archived=$1 WHERE id=$2`, archived, conversationID)
	return err
}

// SetMuted flips the muted flag.
func (s *Store) SetMuted(ctx context.Context, conversationID int64, muted bool) error {
	_, err := s.db.Exec(ctx, `UPDATE conversation SET muted=$1 WHERE id=$2`, muted, conversationID)
	return err
}

// InsertInbound stores a received SMS. If an identical inbound body already
// exists in the same conversation within ±5 seconds of the given timestamp,
// the existing message is returned instead — the platform double-delivers on
// some devices.
func (s *Store) InsertInbound(ctx context.Context, phoneNumber, body string, timestamp time.Time, subscriptionID int) (*Message, error) {
	conv, err := s.GetOrCreateConversation(ctx, phoneNumber, subscriptionID)
	if err != nil {
		return nil, err
	}

	lock := s.lockNumber(conv.PhoneNumber)
	lock.Lock()
	defer lock.Unlock()

	ts := timestamp.UnixMilli()
	window := inboundDedupWindow.Milliseconds()
	existing, err := scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE conversation_id=$1 AND body=$2 AND direction=$3
		  AND created_ts BETWEEN $4 AND $5
		LIMIT 1
	`, conv.ID, body, string(DirectionInbound), ts-window, ts+window))
	if err == nil {
		s.log.Debug().Int64("message_id", existing.ID).Msg("Duplicate inbound delivery suppressed")
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbound duplicate: %w", err)
	}

	res, err := s.db.Exec(ctx, `
		INSERT INTO message (conversation_id, body, created_ts, direction, status, subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, conv.ID, body, ts, string(DirectionInbound), string(StatusReceived), subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert inbound message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE conversation SET last_message_ts=$1, last_preview=$2, unread_count=unread_count+1
		WHERE id=$3
	`, ts, preview(body), conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation metadata: %w", err)
	}
	return &Message{
		ID:             id,
		ConversationID: conv.ID,
		Body:           body,
		CreatedAt:      time.UnixMilli(ts),
		Direction:      DirectionInbound,
		Status:         StatusReceived,
		SubscriptionID: subscriptionID,
	}, nil
}

// QueueOutbound stores a new outbound message in PENDING. When origin is
// Matrix the caller must have already checked HasMessageFromMatrixEvent; the
// unique index on matrix_source_event_id backstops that check.
func (s *Store) QueueOutbound(ctx context.Context, phoneNumber, body string, subscriptionID int, origin MessageOrigin, matrixSourceEventID string) (*Message, error) {
	conv, err := s.GetOrCreateConversation(ctx, phoneNumber, subscriptionID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(ctx, `
		INSERT INTO message (conversation_id, body, created_ts, direction, status, origin, matrix_source_event_id, subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, conv.ID, body, now, string(DirectionOutbound), string(StatusPending), string(origin), matrixSourceEventID, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to queue outbound message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE conversation SET last_message_ts=$1, last_preview=$2 WHERE id=$3
	`, now, preview(body), conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation metadata: %w", err)
	}
	return &Message{
		ID:                  id,
		ConversationID:      conv.ID,
		Body:                body,
		CreatedAt:           time.UnixMilli(now),
		Direction:           DirectionOutbound,
		Status:              StatusPending,
		Origin:              origin,
		MatrixSourceEventID: matrixSourceEventID,
		SubscriptionID:      subscriptionID,
	}, nil
}

// GetMessage returns the message with the given ID, or nil.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query message %d: %w", id, err)
	}
	return msg, nil
}

// MarkSending transitions a message to SENDING and counts the attempt.
func (s *Store) MarkSending(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE message SET status=$1, failure_reason='', retry_count=retry_count+1 WHERE id=$2
	`, string(StatusSending), id)
	return err
}

// MarkSent transitions a message from SENDING to SENT and clears the owning
// conversation's delivery-error flag. A message in any other state is left
// untouched: DELIVERED and FAILED are terminal, so a straggling sent
// callback must never regress them.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(ctx, `
		UPDATE message SET status=$1, sent_ts=$2 WHERE id=$3 AND status=$4
	`, string(StatusSent), now, id, string(StatusSending))
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil
	}
	_, err = s.db.Exec(ctx, `
		UPDATE conversation SET delivery_error=FALSE
		WHERE id=(SELECT conversation_id FROM message WHERE id=$1)
	`, id)
	return err
}

// MarkDelivered records delivery confirmation, only from SENT. A late
// delivery report for a message whose aggregate send failed must not
// resurrect it out of FAILED and hide it from the retry sweep; early
// reports are held by the coordinator until the sent state settles.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE message SET status=$1, delivered_ts=$2 WHERE id=$3 AND status=$4
	`, string(StatusDelivered), time.Now().UnixMilli(), id, string(StatusSent))
	return err
}

// MarkFailed transitions a message to FAILED with a human-readable reason
// and flags the owning conversation. Only PENDING and SENDING messages can
// fail; terminal states stay put.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	res, err := s.db.Exec(ctx, `
		UPDATE message SET status=$1, failure_reason=$2 WHERE id=$3 AND status IN ($4, $5)
	`, string(StatusFailed), reason, id, string(StatusPending), string(StatusSending))
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil
	}
	_, err = s.db.Exec(ctx, `
		UPDATE conversation SET delivery_error=TRUE
		WHERE id=(SELECT conversation_id FROM message WHERE id=$1)
	`, id)
	return err
}

// HasMessageFromMatrixEvent reports whether an outbound send was already
// created from the given Matrix event. This is the durable half of loop
// prevention for Matrix's at-least-once sync semantics.
func (s *Store) HasMessageFromMatrixEvent(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM message WHERE matrix_source_event_id=$1`, eventID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check matrix source event: %w", err)
	}
	return count > 0, nil
}

// GetByMatrixEventID returns the message bridged out as the given event, or nil.
func (s *Store) GetByMatrixEventID(ctx context.Context, eventID string) (*Message, error) {
	if eventID == "" {
		// Unbridged rows keep matrix_event_id at its '' default, so an
		// empty lookup would match an arbitrary one of them.
		return nil, nil
	}
	msg, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE matrix_event_id=$1`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query message for event %s: %w", eventID, err)
	}
	return msg, nil
}

// UpdateMatrixEventID records the event a message produced when bridged out.
func (s *Store) UpdateMatrixEventID(ctx context.Context, id int64, eventID string) error {
	_, err := s.db.Exec(ctx, `UPDATE message SET matrix_event_id=$1 WHERE id=$2`, eventID, id)
	return err
}

// GetPendingMessages returns all messages still in PENDING, oldest first.
// Used by the startup sweep to recover sends queued while the service was
// not running.
func (s *Store) GetPendingMessages(ctx context.Context) ([]*Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM message WHERE status=$1 ORDER BY created_ts`,
		string(StatusPending))
}

// GetRetryableMessages returns FAILED messages with fewer than maxRetries
// attempts, oldest first.
func (s *Store) GetRetryableMessages(ctx context.Context, maxRetries int) ([]*Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM message WHERE status=$1 AND retry_count<$2 ORDER BY created_ts`,
		string(StatusFailed), maxRetries)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// preview truncates a body for the conversation list.
func preview(body string) string {
	const max = 100
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max])
}
