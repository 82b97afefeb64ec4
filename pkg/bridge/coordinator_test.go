package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type smsDispatch struct {
	dest  string
	parts []SMSPart
}

// fakeSMS records dispatches without acknowledging anything; tests drive the
// part callbacks explicitly.
type fakeSMS struct {
	mu         sync.Mutex
	dispatches []smsDispatch
	err        error
}

func (f *fakeSMS) SendParts(dest string, parts []SMSPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dispatches = append(f.dispatches, smsDispatch{dest: dest, parts: parts})
	return nil
}

func (f *fakeSMS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatches)
}

func (f *fakeSMS) last() smsDispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches[len(f.dispatches)-1]
}

func newTestCoordinator(t *testing.T) (*Coordinator, *Store, *fakeSMS) {
	t.Helper()
	store := newTestStore(t)
	sms := &fakeSMS{}
	coord := NewCoordinator(store, NewLoopGuard(), sms, zerolog.Nop())
	return coord, store, sms
}

func TestSplitBody(t *testing.T) {
	assert.Len(t, splitBody("short"), 1)
	assert.Len(t, splitBody(strings.Repeat("a", 160)), 1)
	parts := splitBody(strings.Repeat("a", 161))
	assert.Len(t, parts, 2)
	assert.Len(t, splitBody(strings.Repeat("a", 350)), 3)
	// Multibyte runes are never split across parts.
	for _, part := range splitBody(strings.Repeat("ü", 200)) {
		assert.True(t, len([]rune(part)) <= multipartChunkSize)
	}
}

func TestSendSinglePartLifecycle(t *testing.T) {
	coord, store, sms := newTestCoordinator(t)
	ctx := context.Background()

	msg, err := coord.SendFromLocalUI(ctx, "5551234567", "hello", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, 1, sms.count())
	assert.Equal(t, "+15551234567", sms.last().dest)

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSending, got.Status)

	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 1, Code: SMSResultOK})
	got, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)

	coord.HandleDeliveredResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 1, Code: SMSResultOK})
	got, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
}

func TestMultipartAggregationOrderIndependent(t *testing.T) {
	coord, store, sms := newTestCoordinator(t)
	ctx := context.Background()

	body := strings.Repeat("a", 350) // 3 parts
	msg, err := coord.SendFromLocalUI(ctx, "5551234567", body, 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Len(t, sms.last().parts, 3)

	// Callbacks arrive out of order; the message stays SENDING until all
	// three have reported.
	for _, idx := range []int{2, 0} {
		coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: idx, Total: 3, Code: SMSResultOK})
		got, err := store.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSending, got.Status)
	}
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 1, Total: 3, Code: SMSResultOK})
	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
}

func TestMultipartKeepsFirstFailureReason(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	msg, err := coord.SendFromLocalUI(ctx, "5551234567", strings.Repeat("b", 350), 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 1, Total: 3, Code: SMSResultNoService})
	// A different, later failure must not overwrite the first reason, and
	// later successes must not flip the aggregate back to success.
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 3, Code: SMSResultGenericFailure})
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 2, Total: 3, Code: SMSResultOK})

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "No cellular service", got.FailureReason)
}

// Delivered callbacks honor part index 0 only. This is a known-limited
// guarantee for multipart messages, preserved deliberately.
func TestDeliveredHonorsFirstPartOnly(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	msg, err := coord.SendFromLocalUI(ctx, "5551234567", strings.Repeat("c", 350), 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	for i := 0; i < 3; i++ {
		coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: i, Total: 3, Code: SMSResultOK})
	}

	coord.HandleDeliveredResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 2, Total: 3})
	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status, "non-zero part index must be ignored")

	coord.HandleDeliveredResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 3})
	got, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
}

func TestLateDeliveryKeepsMessageFailed(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	msg, err := coord.SendFromLocalUI(ctx, "5551234567", strings.Repeat("d", 350), 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Part 0 makes it out, part 1 fails, the aggregate is FAILED.
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 3, Code: SMSResultOK})
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 1, Total: 3, Code: SMSResultNoService})
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 2, Total: 3, Code: SMSResultOK})
	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	// The network then confirms delivery of the part that did go out. The
	// message must stay FAILED: flipping it to DELIVERED would hide the
	// lost parts from the retry sweep.
	coord.HandleDeliveredResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 3})
	got, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, SMSResultNoService.Reason(), got.FailureReason)
}

func TestDeliveryBeforeFinalSentCallback(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	msg, err := coord.SendFromLocalUI(ctx, "5551234567", strings.Repeat("e", 350), 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// The delivery report races ahead of the last sent callback. It is held
	// until the aggregation settles, then applied: the final state is
	// DELIVERED, never a regression to SENT.
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 3, Code: SMSResultOK})
	coord.HandleDeliveredResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 3})
	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSending, got.Status)

	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 1, Total: 3, Code: SMSResultOK})
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 2, Total: 3, Code: SMSResultOK})
	got, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
}

func TestSendFromMatrixIsIdempotent(t *testing.T) {
	coord, _, sms := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.SendFromMatrix(ctx, "5551234567", "reply", "$evt1", 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, sms.count())

	second, err := coord.SendFromMatrix(ctx, "5551234567", "reply", "$evt1", 0)
	require.NoError(t, err)
	assert.Nil(t, second, "re-delivered event must be a no-op")
	assert.Equal(t, 1, sms.count(), "SMS must be sent exactly once")
}

func TestSendRefusesNonSendableStatus(t *testing.T) {
	coord, store, sms := newTestCoordinator(t)
	ctx := context.Background()

	msg, err := coord.SendFromLocalUI(ctx, "5551234567", "hello", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 1, Code: SMSResultOK})

	sent, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, coord.Send(ctx, sent), "SENT message must not be re-sent")
	assert.Equal(t, 1, sms.count())
}

func TestSendMarksOrphanedMessageFailed(t *testing.T) {
	store := newTestStoreNoFK(t)
	sms := &fakeSMS{}
	coord := NewCoordinator(store, NewLoopGuard(), sms, zerolog.Nop())
	ctx := context.Background()

	msg, err := store.QueueOutbound(ctx, "5551234567", "hello", 0, OriginLocal, "")
	require.NoError(t, err)
	// Conversation deleted mid-flight.
	_, err = store.db.Exec(ctx, `DELETE FROM conversation WHERE id=$1`, msg.ConversationID)
	require.NoError(t, err)

	result, err := coord.SendFromLocalUI(ctx, "5551234568", "other", 0)
	require.NoError(t, err)
	require.NotNil(t, result, "unrelated sends keep working")

	assert.False(t, coord.Send(ctx, msg))
	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "Conversation not found", got.FailureReason)
	assert.Equal(t, 1, sms.count(), "orphaned message must never reach the radio")
}

func TestDispatchRejectionMarksFailed(t *testing.T) {
	coord, store, sms := newTestCoordinator(t)
	sms.err = assert.AnError
	ctx := context.Background()

	msg, err := coord.SendFromLocalUI(ctx, "5551234567", "hello", 0)
	require.NoError(t, err)
	assert.Nil(t, msg)

	pending, err := store.GetPendingMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 0)
}

func TestRetryMessage(t *testing.T) {
	coord, store, sms := newTestCoordinator(t)
	ctx := context.Background()

	msg, err := coord.SendFromLocalUI(ctx, "5551234567", "hello", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	coord.HandleSentResult(ctx, SMSPartResult{MessageID: msg.ID, Index: 0, Total: 1, Code: SMSResultRadioOff})

	assert.True(t, coord.RetryMessage(ctx, msg.ID))
	assert.Equal(t, 2, sms.count())
	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestProcessPendingMessagesSweep(t *testing.T) {
	coord, store, sms := newTestCoordinator(t)
	ctx := context.Background()

	// Messages queued while the service was not running.
	_, err := store.QueueOutbound(ctx, "5551234567", "one", 0, OriginLocal, "")
	require.NoError(t, err)
	_, err = store.QueueOutbound(ctx, "5559876543", "two", 0, OriginLocal, "")
	require.NoError(t, err)

	coord.ProcessPendingMessages(ctx)
	assert.Equal(t, 2, sms.count())
	pending, err := store.GetPendingMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 0)
}
