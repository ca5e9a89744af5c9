package relayserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"murmur/internal/domain"
	"murmur/internal/protocol/api"
)

const (
	objectPrefix   = "obj/"
	maxObjectBytes = 128 << 10
	maxListObjects = 500
)

// objects is the store-and-forward namespace. Keys follow
// messages/<recipient>/<ts>_<id> and typing/<recipient>/<sender>.
type objects struct {
	kv  *kvStore
	now func() time.Time
}

func newObjects(kv *kvStore, now func() time.Time) *objects {
	return &objects{kv: kv, now: now}
}

// Put stores blob under key on behalf of sender. Typing keys must name the
// sender as their last segment.
func (o *objects) Put(sender domain.Handle, key string, blob []byte) (domain.StoredObject, error) {
	ns, recipient, rest, ok := domain.ParseObjectKey(key)
	if !ok || strings.Contains(rest, "/") {
		return domain.StoredObject{}, fmt.Errorf("%w: bad object key", domain.ErrMalformedPayload)
	}
	if ns == domain.TypingNamespace && rest != sender.String() {
		return domain.StoredObject{}, fmt.Errorf("typing object for another sender: %w", errForbidden)
	}
	if len(blob) == 0 || len(blob) > maxObjectBytes {
		return domain.StoredObject{}, fmt.Errorf("%w: blob size %d", domain.ErrMalformedPayload, len(blob))
	}
	obj := domain.StoredObject{
		Key:       key,
		Sender:    sender,
		Recipient: recipient,
		Blob:      blob,
		CreatedAt: o.now(),
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return domain.StoredObject{}, err
	}
	return obj, o.kv.Set([]byte(objectPrefix+key), b)
}

// Get returns the object if owner is its recipient.
func (o *objects) Get(owner domain.Handle, key string) (domain.StoredObject, error) {
	if err := checkOwner(owner, key); err != nil {
		return domain.StoredObject{}, err
	}
	b, err := o.kv.Get([]byte(objectPrefix + key))
	if errors.Is(err, errKeyNotFound) {
		return domain.StoredObject{}, api.ErrObjectNotFound
	}
	if err != nil {
		return domain.StoredObject{}, err
	}
	var obj domain.StoredObject
	return obj, json.Unmarshal(b, &obj)
}

// Delete removes the object if owner is its recipient. Deleting a missing
// object succeeds.
func (o *objects) Delete(owner domain.Handle, key string) error {
	if err := checkOwner(owner, key); err != nil {
		return err
	}
	return o.kv.Delete([]byte(objectPrefix + key))
}

// List returns metadata of owner's objects under prefix in key order.
func (o *objects) List(owner domain.Handle, prefix string) ([]domain.StoredObject, error) {
	if !strings.HasPrefix(prefix, domain.ObjectPrefix(domain.MessagesNamespace, owner)) &&
		!strings.HasPrefix(prefix, domain.ObjectPrefix(domain.TypingNamespace, owner)) {
		return nil, fmt.Errorf("list outside own namespace: %w", errForbidden)
	}
	out := []domain.StoredObject{}
	var scanErr error
	err := o.kv.Scan([]byte(objectPrefix+prefix), func(_, value []byte) bool {
		var obj domain.StoredObject
		if err := json.Unmarshal(value, &obj); err != nil {
			scanErr = err
			return false
		}
		obj.Blob = nil
		out = append(out, obj)
		return len(out) < maxListObjects
	})
	if err == nil {
		err = scanErr
	}
	return out, err
}

func checkOwner(owner domain.Handle, key string) error {
	_, recipient, _, ok := domain.ParseObjectKey(key)
	if !ok {
		return fmt.Errorf("%w: bad object key", domain.ErrMalformedPayload)
	}
	if recipient != owner {
		return fmt.Errorf("object of another recipient: %w", errForbidden)
	}
	return nil
}

// errForbidden marks access outside the caller's namespace.
var errForbidden = errors.New("forbidden")
