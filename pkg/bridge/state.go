package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// bridge_state keys. The sync cursor is effectively single-writer (only the
// sync loop persists it) but may be read concurrently by status collaborators.
const (
	stateKeySyncCursor        = "sync_cursor"
	stateKeyLastSyncTS        = "last_sync_ts"
	stateKeyLastError         = "last_error"
	stateKeyLastErrorTS       = "last_error_ts"
	stateKeyLastMatrixEventTS = "last_matrix_event_ts"
	stateKeyLastSMSTS         = "last_sms_ts"
)

func (s *Store) getState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM bridge_state WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setState(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bridge_state (key, value, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_ts=excluded.updated_ts
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}

// GetSyncCursor returns the persisted Matrix sync token, empty if the bridge
// has never completed a sync batch.
func (s *Store) GetSyncCursor(ctx context.Context) (string, error) {
	return s.getState(ctx, stateKeySyncCursor)
}

// SetSyncCursor persists the sync token. Called only after a batch has been
// fully processed so a crash replays the batch rather than skipping it.
func (s *Store) SetSyncCursor(ctx context.Context, cursor string) error {
	return s.setState(ctx, stateKeySyncCursor, cursor)
}

func (s *Store) setStateTime(ctx context.Context, key string, ts time.Time) error {
	return s.setState(ctx, key, strconv.FormatInt(ts.UnixMilli(), 10))
}

func (s *Store) getStateTime(ctx context.Context, key string) time.Time {
	value, err := s.getState(ctx, key)
	if err != nil || value == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RecordSyncSuccess stamps the last successful sync time.
func (s *Store) RecordSyncSuccess(ctx context.Context) error {
	return s.setStateTime(ctx, stateKeyLastSyncTS, time.Now())
}

// RecordError persists the latest failure so it is never silent.
func (s *Store) RecordError(ctx context.Context, err error) {
	if setErr := s.setState(ctx, stateKeyLastError, err.Error()); setErr != nil {
		s.log.Warn().Err(setErr).Msg("Failed to persist last error")
		return
	}
	_ = s.setStateTime(ctx, stateKeyLastErrorTS, time.Now())
}

// RecordMatrixEventReceived stamps the last bridged Matrix event time.
func (s *Store) RecordMatrixEventReceived(ctx context.Context) error {
	return s.setStateTime(ctx, stateKeyLastMatrixEventTS, time.Now())
}

// RecordSMSReceived stamps the last inbound SMS time.
func (s *Store) RecordSMSReceived(ctx context.Context) error {
	return s.setStateTime(ctx, stateKeyLastSMSTS, time.Now())
}

// StatusSnapshot is a point-in-time view of the bridge's recorded health.
type StatusSnapshot struct {
	LastSync        time.Time `json:"last_sync"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at"`
	LastMatrixEvent time.Time `json:"last_matrix_event"`
	LastInboundSMS  time.Time `json:"last_inbound_sms"`
	SyncCursorSet   bool      `json:"sync_cursor_set"`
}

// Snapshot assembles the status view from bridge_state.
func (s *Store) Snapshot(ctx context.Context) (*StatusSnapshot, error) {
	lastError, err := s.getState(ctx, stateKeyLastError)
	if err != nil {
		return nil, err
	}
	cursor, err := s.getState(ctx, stateKeySyncCursor)
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{
		LastSync:        s.getStateTime(ctx, stateKeyLastSyncTS),
		LastError:       lastError,
		LastErrorAt:     s.getStateTime(ctx, stateKeyLastErrorTS),
		LastMatrixEvent: s.getStateTime(ctx, stateKeyLastMatrixEventTS),
		LastInboundSMS:  s.getStateTime(ctx, stateKeyLastSMSTS),
		SyncCursorSet:   cursor != "",
	}, nil
}
