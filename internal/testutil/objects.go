package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"

	"murmur/internal/domain"
	"murmur/internal/protocol/api"
)

// Objects is an in-memory domain.ObjectClient. It trusts whatever Sender a
// put carries, so tests set it explicitly.
type Objects struct {
	mu        sync.Mutex
	objs      map[string]domain.StoredObject
	PutErr    error
	DeleteErr error
	deletes   int
}

// NewObjects returns an empty object store.
func NewObjects() *Objects {
	return &Objects{objs: make(map[string]domain.StoredObject)}
}

func (o *Objects) PutObject(_ context.Context, obj domain.StoredObject) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PutErr != nil {
		return o.PutErr
	}
	obj.Blob = append([]byte(nil), obj.Blob...)
	o.objs[obj.Key] = obj
	return nil
}

func (o *Objects) ListObjects(_ context.Context, prefix string) ([]domain.StoredObject, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.StoredObject
	for k, v := range o.objs {
		if strings.HasPrefix(k, prefix) {
			v.Blob = nil
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (o *Objects) GetObject(_ context.Context, key string) (domain.StoredObject, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objs[key]
	if !ok {
		return domain.StoredObject{}, api.ErrObjectNotFound
	}
	return obj, nil
}

func (o *Objects) DeleteObject(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deletes++
	if o.DeleteErr != nil {
		return o.DeleteErr
	}
	delete(o.objs, key)
	return nil
}

// Keys returns every stored key in order.
func (o *Objects) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.objs))
	for k := range o.objs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a stored object directly.
func (o *Objects) Get(key string) (domain.StoredObject, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objs[key]
	return obj, ok
}

// Deletes returns how many deletes were attempted.
func (o *Objects) Deletes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deletes
}

var _ domain.ObjectClient = (*Objects)(nil)
