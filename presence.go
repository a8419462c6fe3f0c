package collab

import (
	"sync"

	"golang.org/x/exp/slices"
)

// PresenceRegistry tracks the sessions currently subscribed to the channel.
// It is a plain snapshot/mutator map. Callers re-read after mutation.
type PresenceRegistry struct {
	stateLock sync.Mutex
	members   []Session
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{}
}

func (self *PresenceRegistry) SetMembers(members []Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.members = slices.Clone(members)
}

func (self *PresenceRegistry) Add(member Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.members = append(slices.Clone(self.members), member)
}

func (self *PresenceRegistry) Remove(member Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.members = slices.DeleteFunc(slices.Clone(self.members), func(m Session) bool {
		return m.Id == member.Id
	})
}

func (self *PresenceRegistry) Members() []Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.members)
}

// IsAlone is true iff the local session is the only one present.
// Every whisper is gated on !IsAlone(): there is no one to receive it.
func (self *PresenceRegistry) IsAlone() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.members) == 1
}

// KnowsUser reports whether any present session belongs to the
// stable user id. This is what distinguishes a new human joining from a
// known user opening another tab.
func (self *PresenceRegistry) KnowsUser(userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, member := range self.members {
		if member.Info.Id == userId {
			return true
		}
	}
	return false
}

// InfoForSession resolves the user info behind a session id, e.g. to
// attribute a whisper to a display name.
func (self *PresenceRegistry) InfoForSession(sessionId string) (UserInfo, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, member := range self.members {
		if member.Id == sessionId {
			return member.Info, true
		}
	}
	return UserInfo{}, false
}
