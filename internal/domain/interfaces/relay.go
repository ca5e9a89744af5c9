package interfaces

import (
	"context"

	domaintypes "murmur/internal/domain/types"
)

// RelayAPI is the request/response surface of the rendezvous service.
type RelayAPI interface {
	Register(ctx context.Context, reg domaintypes.Registration) (domaintypes.RegistrationResult, error)
	Authenticate(ctx context.Context, creds domaintypes.Credentials) (domaintypes.Session, error)
	LookupUser(ctx context.Context, handle domaintypes.Handle) (domaintypes.PeerRecord, error)
	SearchUsers(ctx context.Context, query string) ([]domaintypes.PeerRecord, error)
	SendMessage(ctx context.Context, env domaintypes.Envelope) (domaintypes.AckStatus, error)
	FetchPending(ctx context.Context) ([]domaintypes.Envelope, error)
}

// ObjectClient talks to the store-and-forward object namespace.
type ObjectClient interface {
	PutObject(ctx context.Context, obj domaintypes.StoredObject) error
	// ListObjects returns metadata only; Blob is empty.
	ListObjects(ctx context.Context, prefix string) ([]domaintypes.StoredObject, error)
	GetObject(ctx context.Context, key string) (domaintypes.StoredObject, error)
	DeleteObject(ctx context.Context, key string) error
}

// LiveChannel is the persistent bidirectional connection to the relay.
type LiveChannel interface {
	// Connected reports whether the socket is open and authenticated.
	Connected() bool
	// SendEnvelope waits for the relay's ack.
	SendEnvelope(ctx context.Context, env domaintypes.Envelope) (domaintypes.AckStatus, error)
	SendTyping(ctx context.Context, env domaintypes.Envelope) error
	// SendDeliveryAck tells the original sender that id reached this device.
	SendDeliveryAck(ctx context.Context, id domaintypes.MessageID, to domaintypes.Handle) error
}

// Connectivity reports whether the device has network access.
type Connectivity interface {
	Online() bool
	// Subscribe calls fn on every change until the returned cancel is called.
	Subscribe(fn func(online bool)) (cancel func())
}
