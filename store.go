package collab

import (
	"sync"

	"golang.org/x/exp/maps"
)

// MutationKind distinguishes the two field-level mutation streams
// the sync engine observes.
type MutationKind string

const (
	MutationSetFieldValue MutationKind = "set-field-value"
	MutationSetFieldMeta  MutationKind = "set-field-meta"
)

// FieldMutation is one field-level change, as dispatched to the store and
// as carried on the wire by `updated` / `meta-updated` whispers.
// `User` is the stable user id of the editor when the mutation originates
// locally, and is rewritten to the sender's session id before broadcast.
type FieldMutation struct {
	Handle string `json:"handle"`
	Value  any    `json:"value"`
	User   string `json:"user"`
}

type Mutation struct {
	Kind  MutationKind
	Field FieldMutation
}

type MutationCallback func(mutation Mutation)

// ValueStore is the authoritative field-value store of the host editor.
// The collaboration core never owns document state. It reads, dispatches
// mutations, and observes the mutation stream for change propagation.
// All operations are synchronous. Subscribe callbacks must run before
// the dispatching call returns.
type ValueStore interface {
	Values() map[string]any
	Meta() map[string]any
	SetValues(values map[string]any)
	SetMeta(meta map[string]any)
	SetFieldValue(mutation FieldMutation)
	SetFieldMeta(mutation FieldMutation)
	LockField(handle string, user UserInfo)
	UnlockField(handle string)
	Subscribe(callback MutationCallback) func()
}

// MemoryStore is an in-process ValueStore. The host editor normally brings
// its own store. This one backs collabctl and the package tests.
type MemoryStore struct {
	stateLock sync.Mutex

	values map[string]any
	meta   map[string]any
	locks  map[string]UserInfo

	subscribers *callbackList[MutationCallback]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:      map[string]any{},
		meta:        map[string]any{},
		locks:       map[string]UserInfo{},
		subscribers: &callbackList[MutationCallback]{},
	}
}

func (self *MemoryStore) Values() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.values)
}

func (self *MemoryStore) Meta() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.meta)
}

func (self *MemoryStore) SetValues(values map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.values = maps.Clone(values)
}

func (self *MemoryStore) SetMeta(meta map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.meta = maps.Clone(meta)
}

func (self *MemoryStore) SetFieldValue(mutation FieldMutation) {
	self.stateLock.Lock()
	self.values[mutation.Handle] = mutation.Value
	self.stateLock.Unlock()

	self.notify(Mutation{
		Kind:  MutationSetFieldValue,
		Field: mutation,
	})
}

func (self *MemoryStore) SetFieldMeta(mutation FieldMutation) {
	self.stateLock.Lock()
	self.meta[mutation.Handle] = mutation.Value
	self.stateLock.Unlock()

	self.notify(Mutation{
		Kind:  MutationSetFieldMeta,
		Field: mutation,
	})
}

func (self *MemoryStore) LockField(handle string, user UserInfo) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.locks[handle] = user
}

func (self *MemoryStore) UnlockField(handle string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.locks, handle)
}

// FieldLock reports the user currently attributed with a soft lock
// on the handle.
func (self *MemoryStore) FieldLock(handle string) (UserInfo, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	user, ok := self.locks[handle]
	return user, ok
}

func (self *MemoryStore) Subscribe(callback MutationCallback) func() {
	return self.subscribers.add(&callback)
}

func (self *MemoryStore) notify(mutation Mutation) {
	for _, callback := range self.subscribers.get() {
		(*callback)(mutation)
	}
}
