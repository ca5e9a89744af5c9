package types

import (
	"fmt"
	"strings"
	"time"
)

// Object namespaces on the store-and-forward service.
const (
	MessagesNamespace = "messages"
	TypingNamespace   = "typing"
)

// StoredObject is an opaque encrypted blob plus the routing metadata the
// store-and-forward service needs. It never holds plaintext or keys.
type StoredObject struct {
	Key       string    `json:"key"`
	Sender    Handle    `json:"sender"`
	Recipient Handle    `json:"recipient"`
	Blob      []byte    `json:"blob,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageObjectKey is messages/<recipient>/<timestamp>_<id>. The timestamp is
// zero padded so a lexical listing is also arrival order.
func MessageObjectKey(recipient Handle, ts time.Time, id MessageID) string {
	return fmt.Sprintf("%s/%s/%020d_%s", MessagesNamespace, recipient, ts.UnixMilli(), id)
}

// TypingObjectKey is typing/<recipient>/<sender>.
func TypingObjectKey(recipient, sender Handle) string {
	return fmt.Sprintf("%s/%s/%s", TypingNamespace, recipient, sender)
}

// ObjectPrefix is the listing prefix of one recipient's namespace.
func ObjectPrefix(namespace string, recipient Handle) string {
	return namespace + "/" + recipient.String() + "/"
}

// ParseObjectKey splits a key into namespace, recipient and the remainder.
func ParseObjectKey(key string) (namespace string, recipient Handle, rest string, ok bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", "", "", false
	}
	if parts[0] != MessagesNamespace && parts[0] != TypingNamespace {
		return "", "", "", false
	}
	recipient = Handle(parts[1])
	if !recipient.Valid() {
		return "", "", "", false
	}
	return parts[0], recipient, parts[2], true
}
