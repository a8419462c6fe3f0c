package collab

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// FocusEntry is a user's single focused field, as carried in the focus
// section of the rendezvous payload.
type FocusEntry struct {
	Handle string `json:"handle"`
}

// FocusMap maps a user key (session-scoped) to the one field that user is
// focused on. Setting focus replaces any prior entry for that user, no
// explicit blur required.
type FocusMap struct {
	stateLock sync.Mutex
	focus     map[string]FocusEntry
}

func NewFocusMap() *FocusMap {
	return &FocusMap{
		focus: map[string]FocusEntry{},
	}
}

func (self *FocusMap) Focus(user string, handle string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.focus[user] = FocusEntry{
		Handle: handle,
	}
}

func (self *FocusMap) Blur(user string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.focus, user)
}

func (self *FocusMap) Handle(user string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entry, ok := self.focus[user]
	return entry.Handle, ok
}

func (self *FocusMap) Entries() map[string]FocusEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.focus)
}

// FieldLockCoordinator keeps the focus map and the store's advisory field
// locks in step. Locks are soft: they drive UI attribution, they do not
// prevent a peer from mutating a field.
type FieldLockCoordinator struct {
	focus    *FocusMap
	store    ValueStore
	registry *PresenceRegistry
}

func NewFieldLockCoordinator(focus *FocusMap, store ValueStore, registry *PresenceRegistry) *FieldLockCoordinator {
	return &FieldLockCoordinator{
		focus:    focus,
		store:    store,
		registry: registry,
	}
}

func (self *FieldLockCoordinator) Focus(user string, handle string) {
	self.focus.Focus(user, handle)
}

func (self *FieldLockCoordinator) Blur(user string) {
	self.focus.Blur(user)
}

// FocusAndLock records the focus and locks the field against the store,
// attributed to the focusing user's display info.
func (self *FieldLockCoordinator) FocusAndLock(user string, handle string) {
	self.Focus(user, handle)

	info, ok := self.registry.InfoForSession(user)
	if !ok {
		// member not (yet) in the registry. lock with a bare id so the
		// field still reads as held.
		info = UserInfo{
			Id: user,
		}
	}
	self.store.LockField(handle, info)
}

// BlurAndUnlock clears the user's focus and unlocks the field. With an empty
// handle, the handle is resolved from the user's recorded focus. A user with
// no recorded focus and no handle is a no-op.
func (self *FieldLockCoordinator) BlurAndUnlock(user string, handle string) {
	if handle == "" {
		recorded, ok := self.focus.Handle(user)
		if !ok {
			glog.V(2).Infof("[f]no focus to unlock for %s\n", user)
			return
		}
		handle = recorded
	}
	self.Blur(user)
	self.store.UnlockField(handle)
}
