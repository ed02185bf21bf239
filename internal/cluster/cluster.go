// ABOUTME: Accessor for the cluster under test as seen by a worker
// ABOUTME: Shared user context, named maps and membership, with an in-process implementation

package cluster

import (
	"errors"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
)

// ErrKeyExists indicates a user context key is already bound.
var ErrKeyExists = errors.New("user context key already bound")

// Instance is the handle a worker holds on the cluster under test.
type Instance interface {
	// UserContext is a keyed context shared with every component on this node.
	UserContext() *UserContext
	// Map returns the named distributed map, creating it on first use.
	Map(name string) *Map
	// MemberCount is the number of data-holding members in the cluster.
	MemberCount() int
	// IsMember reports whether this node holds data.
	IsMember() bool
	Shutdown()
}

// UserContext is a concurrent key/value context attached to a cluster node.
type UserContext struct {
	items *cache.Cache
}

func newUserContext() *UserContext {
	return &UserContext{items: cache.New(cache.NoExpiration, 0)}
}

// Put binds key to value, replacing any previous value.
func (u *UserContext) Put(key string, value any) {
	u.items.Set(key, value, cache.NoExpiration)
}

// PutIfAbsent binds key to value unless it is already bound.
func (u *UserContext) PutIfAbsent(key string, value any) error {
	if err := u.items.Add(key, value, cache.NoExpiration); err != nil {
		return fmt.Errorf("%w: %s", ErrKeyExists, key)
	}
	return nil
}

// Get returns the value bound to key.
func (u *UserContext) Get(key string) (any, bool) {
	return u.items.Get(key)
}

// Remove unbinds key.
func (u *UserContext) Remove(key string) {
	u.items.Delete(key)
}

// Len returns the number of bound keys.
func (u *UserContext) Len() int {
	return u.items.ItemCount()
}

// Map is a named key/value map stored in the cluster.
type Map struct {
	name    string
	entries *cache.Cache
}

// Name returns the map name.
func (m *Map) Name() string {
	return m.name
}

// Put stores value under key.
func (m *Map) Put(key string, value []byte) {
	m.entries.Set(key, value, cache.NoExpiration)
}

// Get returns the value stored under key.
func (m *Map) Get(key string) ([]byte, bool) {
	v, ok := m.entries.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Delete removes key.
func (m *Map) Delete(key string) {
	m.entries.Delete(key)
}

// Size returns the number of entries.
func (m *Map) Size() int {
	return m.entries.ItemCount()
}

// Clear removes every entry.
func (m *Map) Clear() {
	m.entries.Flush()
}

// Local is a single-process cluster node.
type Local struct {
	member  bool
	members int
	context *UserContext

	mu   sync.Mutex
	maps map[string]*Map
}

// NewLocal creates a node. members is the cluster size reported by MemberCount.
func NewLocal(member bool, members int) *Local {
	return &Local{
		member:  member,
		members: members,
		context: newUserContext(),
		maps:    make(map[string]*Map),
	}
}

// UserContext implements Instance.
func (l *Local) UserContext() *UserContext {
	return l.context
}

// Map implements Instance.
func (l *Local) Map(name string) *Map {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.maps[name]
	if !ok {
		m = &Map{name: name, entries: cache.New(cache.NoExpiration, 0)}
		l.maps[name] = m
	}
	return m
}

// MemberCount implements Instance.
func (l *Local) MemberCount() int {
	return l.members
}

// IsMember implements Instance.
func (l *Local) IsMember() bool {
	return l.member
}

// Shutdown drops every map and the user context.
func (l *Local) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, m := range l.maps {
		m.Clear()
		delete(l.maps, name)
	}
	l.context.items.Flush()
}

var _ Instance = (*Local)(nil)
