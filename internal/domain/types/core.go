package types

import "strings"

// HandleLength is the fixed number of characters in a Handle.
const HandleLength = 5

// HandleAlphabet holds the 33 characters a Handle may use. I, O and 0 are
// left out because they are easily confused when read aloud or copied.
const HandleAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ123456789"

// Handle is the short public identifier used for discovery and routing.
type Handle string

// String returns the string form of the handle.
func (h Handle) String() string { return string(h) }

// Valid reports whether h has the fixed length and only uses HandleAlphabet.
func (h Handle) Valid() bool {
	if len(h) != HandleLength {
		return false
	}
	for _, r := range string(h) {
		if !strings.ContainsRune(HandleAlphabet, r) {
			return false
		}
	}
	return true
}

// NormalizeHandle upper-cases and trims user input so "ab3k9 " matches "AB3K9".
func NormalizeHandle(s string) Handle {
	return Handle(strings.ToUpper(strings.TrimSpace(s)))
}

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// MessageID uniquely identifies an envelope across every transport.
type MessageID string

// String returns the string form of the message identifier.
func (id MessageID) String() string { return string(id) }

// ConversationID identifies a conversation partner.
type ConversationID string

// String returns the string form of the conversation identifier.
func (id ConversationID) String() string { return string(id) }

// ConversationWith returns the conversation id used for a one-to-one chat
// with peer. Both sides derive the same value.
func ConversationWith(self, peer Handle) ConversationID {
	a, b := self, peer
	if b < a {
		a, b = b, a
	}
	return ConversationID(string(a) + ":" + string(b))
}
