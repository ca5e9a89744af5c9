package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"murmur/internal/domain"
)

// Type names a frame variant.
type Type string

const (
	TypeAuth     Type = "auth"
	TypeMessage  Type = "message"
	TypeTyping   Type = "typing"
	TypePing     Type = "ping"
	TypePong     Type = "pong"
	TypeAck      Type = "ack"
	TypePresence Type = "presence"
	TypeError    Type = "error"
)

// MaxFrameBytes bounds a single frame on the socket.
const MaxFrameBytes = 256 << 10

// Error codes carried in ErrorPayload.
const (
	CodeAuthFailed    = "auth_failed"
	CodeUnauthorized  = "unauthorized"
	CodeBadFrame      = "bad_frame"
	CodeRateLimited   = "rate_limited"
	CodeSuperseded    = "superseded"
	CodeInvalidHandle = "invalid_handle"
)

// ErrUnknownType is returned by Decode for a type outside the closed set.
var ErrUnknownType = errors.New("unknown frame type")

// Payload is implemented by every frame variant.
type Payload interface {
	FrameType() Type
}

// Auth authenticates the socket (client to server) or confirms it (server
// to client, Token empty and Handle set).
type Auth struct {
	Token  string        `json:"token,omitempty"`
	Handle domain.Handle `json:"handle,omitempty"`
}

// Message carries an encrypted envelope. FromHandle is set by the server.
type Message struct {
	ID               domain.MessageID    `json:"id"`
	ToHandle         domain.Handle       `json:"toHandle"`
	FromHandle       domain.Handle       `json:"fromHandle,omitempty"`
	Kind             domain.EnvelopeKind `json:"kind,omitempty"`
	EncryptedContent []byte              `json:"encryptedContent"`
	Timestamp        int64               `json:"timestamp"`
}

// Typing carries an encrypted typing indicator. It is never queued.
type Typing struct {
	ID               domain.MessageID `json:"id"`
	ToHandle         domain.Handle    `json:"toHandle"`
	FromHandle       domain.Handle    `json:"fromHandle,omitempty"`
	EncryptedContent []byte           `json:"encryptedContent"`
	Timestamp        int64            `json:"timestamp"`
}

// Ping is a keepalive request.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Ack reports a message outcome. From the server it answers a send; from a
// recipient client it is a delivery receipt addressed with ToHandle, which
// the server forwards with FromHandle filled in.
type Ack struct {
	MessageID  domain.MessageID `json:"messageId"`
	Status     domain.AckStatus `json:"status"`
	ToHandle   domain.Handle    `json:"toHandle,omitempty"`
	FromHandle domain.Handle    `json:"fromHandle,omitempty"`
}

// Presence announces that a handle came online or went offline.
type Presence struct {
	Handle   domain.Handle `json:"handle"`
	IsOnline bool          `json:"isOnline"`
	LastSeen int64         `json:"lastSeen,omitempty"`
}

// Error reports a failure; MessageID is set when it concerns one send.
type Error struct {
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	MessageID domain.MessageID `json:"messageId,omitempty"`
}

func (Auth) FrameType() Type     { return TypeAuth }
func (Message) FrameType() Type  { return TypeMessage }
func (Typing) FrameType() Type   { return TypeTyping }
func (Ping) FrameType() Type     { return TypePing }
func (Pong) FrameType() Type     { return TypePong }
func (Ack) FrameType() Type      { return TypeAck }
func (Presence) FrameType() Type { return TypePresence }
func (Error) FrameType() Type    { return TypeError }

// Error implements error so a received error frame can be returned as-is.
func (e Error) Error() string { return fmt.Sprintf("relay %s: %s", e.Code, e.Message) }

type frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serialises p as a frame.
func Encode(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Type: p.FrameType(), Payload: raw})
}

// Decode parses a frame and returns its concrete payload.
func Decode(b []byte) (Payload, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	var p Payload
	switch f.Type {
	case TypeAuth:
		p = &Auth{}
	case TypeMessage:
		p = &Message{}
	case TypeTyping:
		p = &Typing{}
	case TypePing:
		p = &Ping{}
	case TypePong:
		p = &Pong{}
	case TypeAck:
		p = &Ack{}
	case TypePresence:
		p = &Presence{}
	case TypeError:
		p = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		if err := json.Unmarshal(f.Payload, p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", domain.ErrMalformedPayload, f.Type, err)
		}
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Auth:
		return *v
	case *Message:
		return *v
	case *Typing:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *Ack:
		return *v
	case *Presence:
		return *v
	case *Error:
		return *v
	}
	return p
}

// FromEnvelope builds the message frame for env.
func FromEnvelope(env domain.Envelope) Message {
	return Message{
		ID:               env.ID,
		ToHandle:         env.To,
		FromHandle:       env.From,
		Kind:             env.Kind,
		EncryptedContent: env.Ciphertext,
		Timestamp:        env.Timestamp,
	}
}

// Envelope converts a message frame back to an envelope. A missing kind
// means an ordinary message.
func (m Message) Envelope() domain.Envelope {
	kind := m.Kind
	if kind == "" {
		kind = domain.KindMessage
	}
	return domain.Envelope{
		ID:         m.ID,
		From:       m.FromHandle,
		To:         m.ToHandle,
		Kind:       kind,
		Ciphertext: m.EncryptedContent,
		Timestamp:  m.Timestamp,
	}
}

// TypingFromEnvelope builds the typing frame for env.
func TypingFromEnvelope(env domain.Envelope) Typing {
	return Typing{
		ID:               env.ID,
		ToHandle:         env.To,
		FromHandle:       env.From,
		EncryptedContent: env.Ciphertext,
		Timestamp:        env.Timestamp,
	}
}

// Envelope converts a typing frame back to an envelope.
func (t Typing) Envelope() domain.Envelope {
	return domain.Envelope{
		ID:         t.ID,
		From:       t.FromHandle,
		To:         t.ToHandle,
		Kind:       domain.KindTyping,
		Ciphertext: t.EncryptedContent,
		Timestamp:  t.Timestamp,
	}
}
