package bridge

import (
	"sync"
	"time"
)

// fingerprintTTL is how long a loop-prevention entry stays valid. After this
// window an echo is treated as a new message; five minutes comfortably covers
// any plausible transport round-trip.
const fingerprintTTL = 5 * time.Minute

// guardSweepHighWater triggers an opportunistic expiry sweep once the total
// entry count across all three ledgers crosses it. Sweeping on a high-water
// mark instead of every write keeps the common path to a single map op.
const guardSweepHighWater = 1000

// fingerprintBodyLimit caps how much of the body participates in the
// fingerprint. Truncated plain concatenation, deliberately not a hash:
// collisions only risk suppressing a duplicate-looking message, never letting
// a real echo through.
const fingerprintBodyLimit = 200

// LoopGuard is the in-memory, best-effort half of echo prevention. It tracks
// what the bridge itself just sent on each transport so the receive paths can
// ignore their own echoes, plus which Matrix event IDs have already been
// acted on. The durable half is the message store's matrix_source_event_id
// uniqueness check; this guard covers the race window before that check
// would fire.
type LoopGuard struct {
	mu sync.Mutex
	// outgoingSMS and outgoingMatrix map fingerprint → recorded-at. Entries
	// are consumed on first match so a legitimately repeated later message
	// is not falsely suppressed.
	outgoingSMS    map[string]time.Time
	outgoingMatrix map[string]time.Time
	// processedEvents maps Matrix event ID → first-seen. Not consumed on
	// match: an event stays processed for the full TTL.
	processedEvents map[string]time.Time

	now func() time.Time
}

func NewLoopGuard() *LoopGuard {
	return &LoopGuard{
		outgoingSMS:     make(map[string]time.Time),
		outgoingMatrix:  make(map[string]time.Time),
		processedEvents: make(map[string]time.Time),
		now:             time.Now,
	}
}

func fingerprint(dest, body string) string {
	runes := []rune(body)
	if len(runes) > fingerprintBodyLimit {
		body = string(runes[:fingerprintBodyLimit])
	}
	return dest + "|" + body
}

// RecordOutgoingSMS marks (dest, body) as just-sent over SMS. Must be called
// strictly before the send is dispatched: the inbound echo can arrive before
// the send call returns.
func (g *LoopGuard) RecordOutgoingSMS(dest, body string) {
	g.record(g.outgoingSMS, fingerprint(dest, body))
}

// RecordOutgoingMatrix marks (roomID, body) as just-posted to Matrix. Same
// ordering requirement as RecordOutgoingSMS.
func (g *LoopGuard) RecordOutgoingMatrix(roomID, body string) {
	g.record(g.outgoingMatrix, fingerprint(roomID, body))
}

// WasRecentlySentSMS reports whether a non-expired outgoing-SMS fingerprint
// matches, consuming it on hit.
func (g *LoopGuard) WasRecentlySentSMS(dest, body string) bool {
	return g.consume(g.outgoingSMS, fingerprint(dest, body))
}

// WasRecentlySentMatrix reports whether a non-expired outgoing-Matrix
// fingerprint matches, consuming it on hit.
func (g *LoopGuard) WasRecentlySentMatrix(roomID, body string) bool {
	return g.consume(g.outgoingMatrix, fingerprint(roomID, body))
}

// HasProcessedEvent reports whether eventID has been seen within the TTL.
func (g *LoopGuard) HasProcessedEvent(eventID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := g.processedEvents[eventID]
	if !ok {
		return false
	}
	if g.now().Sub(ts) > fingerprintTTL {
		delete(g.processedEvents, eventID)
		return false
	}
	return true
}

// MarkEventProcessed records eventID. Callers mark immediately on first sight
// of an event, before any side-effecting work, so duplicate processing is
// bounded to a single race window rather than the full processing duration.
func (g *LoopGuard) MarkEventProcessed(eventID string) {
	g.record(g.processedEvents, eventID)
}

func (g *LoopGuard) record(m map[string]time.Time, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m[key] = g.now()
	if len(g.outgoingSMS)+len(g.outgoingMatrix)+len(g.processedEvents) > guardSweepHighWater {
		g.sweepLocked()
	}
}

func (g *LoopGuard) consume(m map[string]time.Time, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := m[key]
	if !ok {
		return false
	}
	delete(m, key)
	return g.now().Sub(ts) <= fingerprintTTL
}

func (g *LoopGuard) sweepLocked() {
	cutoff := g.now().Add(-fingerprintTTL)
	for _, m := range []map[string]time.Time{g.outgoingSMS, g.outgoingMatrix, g.processedEvents} {
		for key, ts := range m {
			if ts.Before(cutoff) {
				delete(m, key)
			}
		}
	}
}
