// Package testutil holds in-memory stand-ins shared by service tests.
package testutil

import (
	"sort"
	"sync"

	"murmur/internal/domain"
)

// Records is an in-memory domain.RecordStore and domain.AccountStore.
type Records struct {
	mu       sync.Mutex
	messages map[domain.ConversationID][]domain.StoredMessage
	contacts map[domain.Handle]domain.PeerRecord
	settings map[string]string
	accounts map[string]domain.AccountProfile
}

// NewRecords returns an empty store.
func NewRecords() *Records {
	return &Records{
		messages: make(map[domain.ConversationID][]domain.StoredMessage),
		contacts: make(map[domain.Handle]domain.PeerRecord),
		settings: make(map[string]string),
		accounts: make(map[string]domain.AccountProfile),
	}
}

// SaveMessage replaces a message with the same id or appends it.
func (r *Records) SaveMessage(msg domain.StoredMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[msg.ConversationID]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			return nil
		}
	}
	r.messages[msg.ConversationID] = append(msgs, msg)
	return nil
}

func (r *Records) Messages(conv domain.ConversationID) ([]domain.StoredMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StoredMessage(nil), r.messages[conv]...), nil
}

func (r *Records) SaveContact(peer domain.PeerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[peer.Handle] = peer
	return nil
}

func (r *Records) GetContact(handle domain.Handle) (domain.PeerRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.contacts[handle]
	return p, ok, nil
}

func (r *Records) Contacts() ([]domain.PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PeerRecord, 0, len(r.contacts))
	for _, p := range r.contacts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (r *Records) SaveSetting(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
	return nil
}

func (r *Records) GetSetting(key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.settings[key]
	return v, ok, nil
}

func (r *Records) SaveAccountProfile(p domain.AccountProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[p.ServerURL] = p
	return nil
}

func (r *Records) LoadAccountProfile(serverURL string) (domain.AccountProfile, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.accounts[serverURL]
	return p, ok, nil
}

var (
	_ domain.RecordStore  = (*Records)(nil)
	_ domain.AccountStore = (*Records)(nil)
)
