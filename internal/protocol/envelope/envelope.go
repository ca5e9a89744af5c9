package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"murmur/internal/domain"
)

// Typing indicator contents.
const (
	typingOn  = "1"
	typingOff = "0"
)

// wirePayload mirrors domain.Payload with pointers so missing fields can be told
// apart from zero values.
type wirePayload struct {
	Content        *string               `json:"content"`
	ConversationID domain.ConversationID `json:"conversationId"`
	Timestamp      *int64                `json:"timestamp"`
}

// Encode serialises p for encryption.
func Encode(p domain.Payload) ([]byte, error) {
	return json.Marshal(wirePayload{
		Content:        &p.Content,
		ConversationID: p.ConversationID,
		Timestamp:      &p.Timestamp,
	})
}

// Decode parses decrypted bytes. Anything that is not exactly one payload
// object with content and timestamp fails with domain.ErrMalformedPayload.
func Decode(b []byte) (domain.Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var w wirePayload
	if err := dec.Decode(&w); err != nil {
		return domain.Payload{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if dec.More() {
		return domain.Payload{}, fmt.Errorf("%w: trailing data", domain.ErrMalformedPayload)
	}
	if w.Content == nil {
		return domain.Payload{}, fmt.Errorf("%w: missing content", domain.ErrMalformedPayload)
	}
	if w.Timestamp == nil || *w.Timestamp <= 0 {
		return domain.Payload{}, fmt.Errorf("%w: missing timestamp", domain.ErrMalformedPayload)
	}
	return domain.Payload{
		Content:        *w.Content,
		ConversationID: w.ConversationID,
		Timestamp:      *w.Timestamp,
	}, nil
}

// Text builds the payload of an ordinary message.
func Text(conv domain.ConversationID, content string, at time.Time) domain.Payload {
	return domain.Payload{Content: content, ConversationID: conv, Timestamp: at.UnixMilli()}
}

// Typing builds a typing indicator payload.
func Typing(conv domain.ConversationID, typing bool, at time.Time) domain.Payload {
	c := typingOff
	if typing {
		c = typingOn
	}
	return domain.Payload{Content: c, ConversationID: conv, Timestamp: at.UnixMilli()}
}

// IsTyping reads a typing indicator payload.
func IsTyping(p domain.Payload) bool { return p.Content == typingOn }

// ReadReceipt builds a payload acknowledging that id was read.
func ReadReceipt(conv domain.ConversationID, id domain.MessageID, at time.Time) domain.Payload {
	return domain.Payload{Content: id.String(), ConversationID: conv, Timestamp: at.UnixMilli()}
}

// ReceiptFor returns the message id a read-receipt payload refers to.
func ReceiptFor(p domain.Payload) domain.MessageID { return domain.MessageID(p.Content) }

// SentAt converts the payload timestamp back to a time.
func SentAt(p domain.Payload) time.Time { return time.UnixMilli(p.Timestamp) }
