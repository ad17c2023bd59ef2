package chatsync

import (
	"context"
	"encoding/json"
	"time"
)

// ============================================================================
// Core Data Model
// ============================================================================

// ConversationKind distinguishes one-to-one chats from group chats.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Conversation is the client-side view of a chat. Conversations are created
// on first open or implicitly by an incoming first-message event and are
// never deleted client-side.
type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"kind"`
	ParticipantIDs []string         `json:"participantIds"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

// DeliveryState tracks a message through the optimistic send lifecycle.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// SenderInfo carries display data attached to inbound message events.
type SenderInfo struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// Message is a single entry in a conversation's reconciled list.
//
// ID is server-assigned and stable once confirmed; it is empty for
// unconfirmed local entries. LocalID is the client-generated correlation key
// and is never reused across logical messages. CreatedAt is the authoritative
// ordering timestamp: server-supplied once confirmed, a client-clock estimate
// while pending. SequenceHint breaks timestamp ties only.
type Message struct {
	ID             string        `json:"id,omitempty"`
	LocalID        string        `json:"localId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	ContentType    string        `json:"contentType"`
	CreatedAt      time.Time     `json:"createdAt"`
	SequenceHint   int64         `json:"sequenceHint,omitempty"`
	DeliveryState  DeliveryState `json:"deliveryState"`
	Sender         *SenderInfo   `json:"sender,omitempty"`
}

// Before reports whether m orders strictly before other by
// (CreatedAt, SequenceHint).
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.SequenceHint < other.SequenceHint
}

// PresenceEntry is a user's best-effort online/offline status, last-write-wins
// from whichever push event arrived most recently.
type PresenceEntry struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// TypingState is a remote user's typing indicator. It is auto-cleared by the
// consuming side once ExpiresAt passes, so a lost stop event cannot leave the
// indicator stuck.
type TypingState struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ============================================================================
// Transport Event Names
// ============================================================================

const (
	EventMessageNew     = "message.new"
	EventMessageSend    = "message.send"
	EventTypingStart    = "typing.start"
	EventTypingStop     = "typing.stop"
	EventReadReceipt    = "message.read"
	EventPresenceUpdate = "presence.update"
	EventChannelJoin    = "conversation.join"
	EventChannelLeave   = "conversation.leave"
)

// ============================================================================
// Wire Payloads
// ============================================================================

// OutboundMessagePayload is the client-to-server send event. CorrelationID
// carries the local id so the server's broadcast echo can be matched to the
// pending entry without content/time heuristics.
type OutboundMessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	MessageType    string `json:"messageType"`
	Content        string `json:"content"`
	CorrelationID  string `json:"correlationId"`
}

// InboundMessagePayload is the server-to-client new-message event. The server
// echoes CorrelationID back on messages that originated from this client.
type InboundMessagePayload struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	MessageType    string      `json:"messageType,omitempty"`
	CreatedAt      string      `json:"createdAt"`
	CorrelationID  string      `json:"correlationId,omitempty"`
	Sender         *SenderInfo `json:"sender,omitempty"`
}

// Message converts the wire payload into the engine's data model.
func (p InboundMessagePayload) Message() Message {
	contentType := p.MessageType
	if contentType == "" {
		contentType = "text"
	}
	return Message{
		ID:             p.ID,
		LocalID:        p.CorrelationID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		ContentType:    contentType,
		CreatedAt:      parseWireTime(p.CreatedAt),
		DeliveryState:  DeliverySent,
		Sender:         p.Sender,
	}
}

// TypingPayload is the typing / stop-typing event in both directions.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

// PresencePayload is a single presence-update event.
type PresencePayload struct {
	UserID     string `json:"userId"`
	Online     bool   `json:"online"`
	LastSeenAt string `json:"lastSeenAt,omitempty"`
}

// ReadReceiptPayload marks the newest message a user has read.
type ReadReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	MessageID      string `json:"messageId"`
}

// ChannelPayload joins or leaves a conversation's push channel.
type ChannelPayload struct {
	ConversationID string `json:"conversationId"`
}

// Envelope is the wire format for all transport events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// parseWireTime decodes server timestamps. Malformed input maps to the zero
// time rather than an error; ordering then falls back to sequence hints.
func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// wireTime formats a timestamp the way the server emits them.
func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ============================================================================
// Collaborator Contracts
// ============================================================================

// Identity supplies the current user's id, used to classify messages as
// locally-originated vs. remote.
type Identity interface {
	CurrentUserID() string
}

// StaticIdentity is the trivial Identity for a fixed user id.
type StaticIdentity string

// CurrentUserID returns the fixed id.
func (s StaticIdentity) CurrentUserID() string { return string(s) }

// ContentPolicy validates outbound content before a pending entry is created.
// A violation fails the send synchronously and never creates an entry.
type ContentPolicy interface {
	ValidateContent(content string) error
}

// MessageFetcher is the REST collaborator boundary for paginated history.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error)
}

// MessagePage is one page of persisted messages in server order.
type MessagePage struct {
	Items    []Message
	Page     int
	LastPage int
}
