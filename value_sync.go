package collab

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type syncKind string

const (
	syncValue syncKind = "value"
	syncMeta  syncKind = "meta"
)

type debounceKey struct {
	handle string
	kind   syncKind
}

// ValueSyncEngine observes the store's field mutation stream, detects genuine
// changes against the last value broadcast or received per handle, and
// whispers them debounced per field. Received changes are applied back to
// the store.
//
// A mutation can be triggered by the local user editing, or by this engine
// applying a peer's change (which also flows through the store). Only the
// former may be re-broadcast. The gate is identity: the mutation's user must
// be self's stable user id, and not a secondary-session-scoped id.
type ValueSyncEngine struct {
	transport *WhisperTransport
	store     ValueStore
	filter    *MetaPayloadFilter
	// self session, once resolved by the channel join
	self          func() (Session, bool)
	debounceDelay time.Duration

	stateLock sync.Mutex
	// canonical serialized form of the last broadcast/received payloads,
	// for change detection. not a source of truth.
	lastValues map[string][]byte
	lastMeta   map[string][]byte
	// debounce timer registry keyed by (handle, kind).
	// cancelled as a unit on Close.
	timers  map[debounceKey]*time.Timer
	pending map[debounceKey]FieldMutation
	closed  bool
}

func NewValueSyncEngine(
	transport *WhisperTransport,
	store ValueStore,
	filter *MetaPayloadFilter,
	self func() (Session, bool),
	debounceDelay time.Duration,
) *ValueSyncEngine {
	return &ValueSyncEngine{
		transport:     transport,
		store:         store,
		filter:        filter,
		self:          self,
		debounceDelay: debounceDelay,
		lastValues:    map[string][]byte{},
		lastMeta:      map[string][]byte{},
		timers:        map[debounceKey]*time.Timer{},
		pending:       map[debounceKey]FieldMutation{},
	}
}

// Prime seeds the snapshots from the store's current state, so that the
// session's starting point does not read as one big change.
func (self *ValueSyncEngine) Prime(values map[string]any, meta map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for handle, value := range values {
		self.lastValues[handle] = canonicalJson(value)
	}
	for handle, value := range meta {
		self.lastMeta[handle] = canonicalJson(value)
	}
}

func canonicalJson(value any) []byte {
	b, err := json.Marshal(value)
	if err != nil {
		glog.Infof("[v]cannot serialize value = %s\n", err)
		return nil
	}
	return b
}

// FieldValueSet is the store subscription entry point for value mutations.
func (self *ValueSyncEngine) FieldValueSet(mutation FieldMutation) {
	serialized := canonicalJson(mutation.Value)

	self.stateLock.Lock()
	if !self.changedLocked(self.lastValues, mutation.Handle, serialized) {
		self.stateLock.Unlock()
		glog.V(2).Infof("[v]%s value unchanged\n", mutation.Handle)
		return
	}
	// remember synchronously so a second mutation for the same field is
	// not misjudged as a repeat
	self.lastValues[mutation.Handle] = serialized
	self.stateLock.Unlock()

	self.scheduleBroadcast(syncValue, mutation)
}

// FieldMetaSet is the store subscription entry point for meta mutations.
func (self *ValueSyncEngine) FieldMetaSet(mutation FieldMutation) {
	serialized := canonicalJson(mutation.Value)

	self.stateLock.Lock()
	if !self.changedLocked(self.lastMeta, mutation.Handle, serialized) {
		self.stateLock.Unlock()
		glog.V(2).Infof("[v]%s meta unchanged\n", mutation.Handle)
		return
	}
	self.lastMeta[mutation.Handle] = serialized
	self.stateLock.Unlock()

	self.scheduleBroadcast(syncMeta, mutation)
}

func (self *ValueSyncEngine) changedLocked(snapshot map[string][]byte, handle string, serialized []byte) bool {
	last, ok := snapshot[handle]
	if !ok {
		last = []byte("null")
	}
	return !bytes.Equal(last, serialized)
}

// one debounce window per (handle, kind). rapid edits to the same field
// coalesce into one broadcast carrying the latest mutation.
func (self *ValueSyncEngine) scheduleBroadcast(kind syncKind, mutation FieldMutation) {
	key := debounceKey{
		handle: mutation.Handle,
		kind:   kind,
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.pending[key] = mutation
	if timer, ok := self.timers[key]; ok {
		timer.Reset(self.debounceDelay)
		return
	}
	self.timers[key] = time.AfterFunc(self.debounceDelay, func() {
		self.flush(key)
	})
}

func (self *ValueSyncEngine) flush(key debounceKey) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	mutation, ok := self.pending[key]
	delete(self.pending, key)
	self.stateLock.Unlock()

	if !ok {
		return
	}
	switch key.kind {
	case syncValue:
		self.broadcastValueChange(mutation)
	case syncMeta:
		self.broadcastMetaChange(mutation)
	}
}

// selfOriginated passes only mutations made by the local user in this tab's
// primary identity. Changes applied from a peer's whisper also mutate the
// store, and re-whispering those would echo forever across sessions.
func (self *ValueSyncEngine) selfOriginated(mutation FieldMutation) (Session, bool) {
	selfSession, ok := self.self()
	if !ok {
		return Session{}, false
	}
	if mutation.User != selfSession.Info.Id {
		return Session{}, false
	}
	if strings.Contains(mutation.User, SecondarySessionDelimiter) {
		return Session{}, false
	}
	return selfSession, true
}

func (self *ValueSyncEngine) broadcastValueChange(mutation FieldMutation) {
	selfSession, ok := self.selfOriginated(mutation)
	if !ok {
		return
	}
	// rewrite to the tab-specific session id so receivers can correlate
	// exactly who sent it
	mutation.User = selfSession.Id
	self.transport.Send(WhisperEventUpdated, mutation)
}

func (self *ValueSyncEngine) broadcastMetaChange(mutation FieldMutation) {
	selfSession, ok := self.selfOriginated(mutation)
	if !ok {
		return
	}
	mutation.User = selfSession.Id
	self.transport.Send(WhisperEventMetaUpdated, self.filter.FilterOutgoing(mutation))
}

// ApplyValueChange applies a peer's `updated` whisper to the store.
func (self *ValueSyncEngine) ApplyValueChange(payload []byte) {
	var mutation FieldMutation
	if err := json.Unmarshal(payload, &mutation); err != nil {
		glog.Infof("[v]bad value payload = %s\n", err)
		return
	}
	glog.V(1).Infof("[v]%s value <- %s\n", mutation.Handle, mutation.User)
	self.store.SetFieldValue(mutation)
}

// ApplyMetaChange applies a peer's `meta-updated` whisper. Meta broadcasts
// may be partial (allow-listed), so the payload is merged over the last
// remembered meta for the field before it is applied.
func (self *ValueSyncEngine) ApplyMetaChange(payload []byte) {
	var mutation FieldMutation
	if err := json.Unmarshal(payload, &mutation); err != nil {
		glog.Infof("[v]bad meta payload = %s\n", err)
		return
	}
	last, _ := self.LastMetaObject(mutation.Handle)
	mutation.Value = self.filter.Restore(mutation.Value, last)
	glog.V(1).Infof("[v]%s meta <- %s\n", mutation.Handle, mutation.User)
	self.store.SetFieldMeta(mutation)
}

// LastMetaObject decodes the remembered meta for a handle, when it is
// an object.
func (self *ValueSyncEngine) LastMetaObject(handle string) (map[string]any, bool) {
	self.stateLock.Lock()
	serialized, ok := self.lastMeta[handle]
	self.stateLock.Unlock()

	if !ok {
		return nil, false
	}
	var meta map[string]any
	if err := json.Unmarshal(serialized, &meta); err != nil {
		return nil, false
	}
	return meta, true
}

// Close cancels the debounce timer registry. No broadcast fires after Close.
func (self *ValueSyncEngine) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	for _, key := range maps.Keys(self.timers) {
		self.timers[key].Stop()
		delete(self.timers, key)
	}
	maps.Clear(self.pending)
}
