package types

import (
	"strconv"
	"time"
)

// EnvelopeKind says what an envelope carries once decrypted.
type EnvelopeKind string

const (
	KindMessage     EnvelopeKind = "message"
	KindTyping      EnvelopeKind = "typing"
	KindReadReceipt EnvelopeKind = "read-receipt"
)

// Valid reports whether k is one of the known kinds.
func (k EnvelopeKind) Valid() bool {
	switch k {
	case KindMessage, KindTyping, KindReadReceipt:
		return true
	}
	return false
}

// Envelope is the self-contained encrypted unit exchanged between peers.
// Ciphertext is nonce || AEAD ciphertext || tag.
type Envelope struct {
	ID         MessageID    `json:"id"`
	From       Handle       `json:"from"`
	To         Handle       `json:"to"`
	Kind       EnvelopeKind `json:"kind"`
	Ciphertext []byte       `json:"ciphertext"`
	Timestamp  int64        `json:"timestamp"` // unix milliseconds
}

// AssociatedData is the routing metadata authenticated alongside the
// ciphertext. A relay that rewrites sender, recipient, id or kind makes
// decryption fail.
func (e Envelope) AssociatedData() []byte {
	ad := make([]byte, 0, len(e.ID)+len(e.From)+len(e.To)+len(e.Kind)+4)
	ad = append(ad, "mm1|"...)
	ad = append(ad, e.ID...)
	ad = append(ad, '|')
	ad = append(ad, e.From...)
	ad = append(ad, '|')
	ad = append(ad, e.To...)
	ad = append(ad, '|')
	ad = append(ad, e.Kind...)
	return ad
}

// Payload is the structured plaintext sealed inside an envelope.
type Payload struct {
	Content        string         `json:"content"`
	ConversationID ConversationID `json:"conversationId"`
	Timestamp      int64          `json:"timestamp"` // unix milliseconds
}

// InboundMessage is what the application sees for a surfaced envelope.
type InboundMessage struct {
	ID             MessageID      `json:"id"`
	From           Handle         `json:"from"`
	To             Handle         `json:"to"`
	Kind           EnvelopeKind   `json:"kind"`
	Content        string         `json:"content"`
	ConversationID ConversationID `json:"conversation_id"`
	SentAt         time.Time      `json:"sent_at"`
	ReceivedAt     time.Time      `json:"received_at"`
	Via            string         `json:"via"`
}

// MessageState is the application-visible lifecycle of an outgoing message.
type MessageState uint8

const (
	// StateSending means no transport has accepted the message yet.
	StateSending MessageState = iota
	// StateSent means a transport accepted it and is holding it for the recipient.
	StateSent
	// StateDelivered means the recipient's client has it.
	StateDelivered
	// StateRead means the recipient sent a read receipt.
	StateRead
	// StateFailed means every transport reported a hard error.
	StateFailed
)

// String returns the lower-case name of the state.
func (s MessageState) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	case StateFailed:
		return "failed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Advances reports whether moving from s to next is a forward step.
// Delivery confirmations can arrive more than once and out of order, so
// states never move backwards. A failed message may be retried.
func (s MessageState) Advances(next MessageState) bool {
	if s == StateFailed {
		return next != StateFailed
	}
	if next == StateFailed {
		return s == StateSending
	}
	return next > s
}

// AckStatus is what the relay reports after accepting a message.
type AckStatus string

const (
	AckDelivered AckStatus = "delivered"
	AckQueued    AckStatus = "queued"
)

// OutgoingMessage tracks one message the local user sent.
type OutgoingMessage struct {
	ID             MessageID      `json:"id"`
	To             Handle         `json:"to"`
	Content        string         `json:"content"`
	ConversationID ConversationID `json:"conversation_id"`
	CreatedAt      time.Time      `json:"created_at"`
	State          MessageState   `json:"state"`
	Route          string         `json:"route,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
}

// SendResult is returned to the caller of a send.
type SendResult struct {
	ID    MessageID    `json:"id"`
	Ack   AckStatus    `json:"ack"`
	State MessageState `json:"state"`
	Route string       `json:"route"`
}

// StoredMessage is the record written to the local store for both directions.
type StoredMessage struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	From           Handle         `json:"from"`
	To             Handle         `json:"to"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Outgoing       bool           `json:"outgoing"`
	State          MessageState   `json:"state"`
}
