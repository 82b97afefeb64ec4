package bridge

import "time"

// MessageDirection is whether a message came off the radio or is headed out.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageStatus is the outbound delivery state machine:
//
//	PENDING → SENDING → {SENT → DELIVERED} | FAILED
//
// FAILED → SENDING is reachable via explicit retry. RECEIVED is terminal and
// only ever set directly on insert for inbound messages.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
)

// MessageOrigin is meaningful for outbound messages only: whether the send
// was typed locally or forwarded from a Matrix room.
type MessageOrigin string

const (
	OriginLocal  MessageOrigin = "local"
	OriginMatrix MessageOrigin = "matrix"
)

// SyncDirection is the per-conversation bridging policy.
type SyncDirection string

const (
	SyncNone          SyncDirection = "none"
	SyncSMSToMatrix   SyncDirection = "sms_to_matrix"
	SyncMatrixToSMS   SyncDirection = "matrix_to_sms"
	SyncBidirectional SyncDirection = "bidirectional"
)

// BridgesToMatrix reports whether SMS→Matrix relaying is allowed.
func (d SyncDirection) BridgesToMatrix() bool {
	return d == SyncSMSToMatrix || d == SyncBidirectional
}

// BridgesToSMS reports whether Matrix→SMS relaying is allowed.
func (d SyncDirection) BridgesToSMS() bool {
	return d == SyncMatrixToSMS || d == SyncBidirectional
}

// Conversation pairs one normalized phone number with at most one Matrix
// room. Phone number → conversation and room ID → conversation are both
// unique; the room link is set lazily on first bridge.
type Conversation struct {
	ID             int64
	PhoneNumber    string
	SubscriptionID int
	RoomID         string // empty until first bridged to Matrix
	DisplayName    string
	LastMessageTS  time.Time
	LastPreview    string
	UnreadCount    int
	Archived       bool
	Muted          bool
	SyncDirection  SyncDirection
	DeliveryError  bool
	CreatedAt      time.Time
}

// Message is one SMS in a conversation's history.
type Message struct {
	ID             int64
	ConversationID int64
	Body           string
	CreatedAt      time.Time
	Direction      MessageDirection
	Status         MessageStatus
	Origin         MessageOrigin

	// MatrixEventID is the event this message produced when bridged out to
	// Matrix. MatrixSourceEventID is the event it originated from when the
	// send was forwarded from Matrix; its uniqueness is the durable half of
	// loop prevention.
	MatrixEventID       string
	MatrixSourceEventID string

	SentAt         time.Time
	DeliveredAt    time.Time
	FailureReason  string
	RetryCount     int
	TransportRef   string // informational external-transport reference
	SubscriptionID int
}
