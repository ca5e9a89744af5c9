package delivery

import (
	"context"
	"encoding/json"
	"time"

	"murmur/internal/domain"
)

// Route names reported in SendResult.Route.
const (
	RouteLive    = "live"
	RouteHTTP    = "http"
	RouteStore   = "store"
	RoutePending = "pending"
)

// route is one way to hand an envelope to the relay. Implementations live in
// this file only.
type route interface {
	name() string
	send(ctx context.Context, env domain.Envelope) (domain.AckStatus, error)
}

// MessageSender is the HTTP fallback.
type MessageSender interface {
	SendMessage(ctx context.Context, env domain.Envelope) (domain.AckStatus, error)
}

type liveRoute struct{ ch domain.LiveChannel }

func (liveRoute) name() string { return RouteLive }

func (r liveRoute) send(ctx context.Context, env domain.Envelope) (domain.AckStatus, error) {
	return r.ch.SendEnvelope(ctx, env)
}

type httpRoute struct{ api MessageSender }

func (httpRoute) name() string { return RouteHTTP }

func (r httpRoute) send(ctx context.Context, env domain.Envelope) (domain.AckStatus, error) {
	return r.api.SendMessage(ctx, env)
}

type storeRoute struct{ objects domain.ObjectClient }

func (storeRoute) name() string { return RouteStore }

func (r storeRoute) send(ctx context.Context, env domain.Envelope) (domain.AckStatus, error) {
	blob, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	err = r.objects.PutObject(ctx, domain.StoredObject{
		Key:       domain.MessageObjectKey(env.To, time.UnixMilli(env.Timestamp), env.ID),
		Sender:    env.From,
		Recipient: env.To,
		Blob:      blob,
	})
	if err != nil {
		return "", err
	}
	return domain.AckQueued, nil
}

// stateFor maps a relay ack to the message state it implies.
func stateFor(ack domain.AckStatus) domain.MessageState {
	if ack == domain.AckDelivered {
		return domain.StateDelivered
	}
	return domain.StateSent
}
