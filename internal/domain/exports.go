package domain

import (
	interfaces "murmur/internal/domain/interfaces"
	types "murmur/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	Handle             = types.Handle
	Fingerprint        = types.Fingerprint
	MessageID          = types.MessageID
	ConversationID     = types.ConversationID
	X25519Public       = types.X25519Public
	X25519Private      = types.X25519Private
	KeyPair            = types.KeyPair
	SharedSecret       = types.SharedSecret
	Identity           = types.Identity
	KDFParams          = types.KDFParams
	IdentityRecord     = types.IdentityRecord
	DerivedKeySet      = types.DerivedKeySet
	AccountProfile     = types.AccountProfile
	PeerRecord         = types.PeerRecord
	Registration       = types.Registration
	RegistrationResult = types.RegistrationResult
	Credentials        = types.Credentials
	Session            = types.Session
	EnvelopeKind       = types.EnvelopeKind
	Envelope           = types.Envelope
	Payload            = types.Payload
	InboundMessage     = types.InboundMessage
	MessageState       = types.MessageState
	AckStatus          = types.AckStatus
	OutgoingMessage    = types.OutgoingMessage
	SendResult         = types.SendResult
	StoredMessage      = types.StoredMessage
	StoredObject       = types.StoredObject
)

// Constants re-exported from the types subpackage.
const (
	KeySize        = types.KeySize
	HandleLength   = types.HandleLength
	HandleAlphabet = types.HandleAlphabet

	KindMessage     = types.KindMessage
	KindTyping      = types.KindTyping
	KindReadReceipt = types.KindReadReceipt

	StateSending   = types.StateSending
	StateSent      = types.StateSent
	StateDelivered = types.StateDelivered
	StateRead      = types.StateRead
	StateFailed    = types.StateFailed

	AckDelivered = types.AckDelivered
	AckQueued    = types.AckQueued

	MessagesNamespace = types.MessagesNamespace
	TypingNamespace   = types.TypingNamespace
)

// Helpers re-exported from the types subpackage.
var (
	NormalizeHandle   = types.NormalizeHandle
	ConversationWith  = types.ConversationWith
	ParseX25519Public = types.ParseX25519Public
	MessageObjectKey  = types.MessageObjectKey
	TypingObjectKey   = types.TypingObjectKey
	ObjectPrefix      = types.ObjectPrefix
	ParseObjectKey    = types.ParseObjectKey
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityStore      = interfaces.IdentityStore
	RecordStore        = interfaces.RecordStore
	AccountStore       = interfaces.AccountStore
	StorageKeySource   = interfaces.StorageKeySource
	RelayAPI           = interfaces.RelayAPI
	ObjectClient       = interfaces.ObjectClient
	LiveChannel        = interfaces.LiveChannel
	Connectivity       = interfaces.Connectivity
	IdentityManager    = interfaces.IdentityManager
	SessionKeyProvider = interfaces.SessionKeyProvider
	Directory          = interfaces.Directory
	Inbox              = interfaces.Inbox
)
