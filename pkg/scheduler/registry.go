package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wehubfusion/Talos/pkg/driver"
)

// Registry maps (set id, node) to the driver running that node. At most one
// driver exists per key.
type Registry interface {
	Get(key driver.Key) (*driver.Driver, bool)
	Put(key driver.Key, d *driver.Driver) error
	Delete(key driver.Key)
	Keys() []driver.Key
}

// InMemoryRegistry is a Registry backed by a map.
type InMemoryRegistry struct {
	mu   sync.RWMutex
	data map[driver.Key]*driver.Driver
}

// NewInMemoryRegistry returns an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{data: make(map[driver.Key]*driver.Driver)}
}

func (r *InMemoryRegistry) Get(key driver.Key) (*driver.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.data[key]
	return d, ok
}

// Put inserts d under key. Inserting a second driver for a key fails.
func (r *InMemoryRegistry) Put(key driver.Key, d *driver.Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[key]; ok {
		return fmt.Errorf("%w: driver %s", ErrDuplicate, key)
	}
	r.data[key] = d
	return nil
}

func (r *InMemoryRegistry) Delete(key driver.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
}

// Keys returns the registered keys in order.
func (r *InMemoryRegistry) Keys() []driver.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]driver.Key, 0, len(r.data))
	for k := range r.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SetID != keys[j].SetID {
			return keys[i].SetID < keys[j].SetID
		}
		return keys[i].Node < keys[j].Node
	})
	return keys
}
