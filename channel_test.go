package collab

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"golang.org/x/exp/slices"
)

// in-memory presence channel hub. delivery is synchronous and in join order,
// which keeps the scenario tests deterministic.

type testHub struct {
	mutex    sync.Mutex
	channels []*testChannel
}

func newTestHub() *testHub {
	return &testHub{}
}

func (self *testHub) newChannel(session Session) *testChannel {
	return &testChannel{
		hub:              self,
		session:          session,
		whisperCallbacks: map[string][]*func(payload []byte){},
	}
}

func (self *testHub) joinedChannels() []*testChannel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.channels)
}

type testChannel struct {
	hub     *testHub
	session Session

	mutex                          sync.Mutex
	subscriptionSucceededCallbacks []*func(self Session, members []Session)
	memberAddedCallbacks           []*func(member Session)
	memberRemovedCallbacks         []*func(member Session)
	whisperCallbacks               map[string][]*func(payload []byte)
}

func (self *testChannel) Join() error {
	self.hub.mutex.Lock()
	members := []Session{}
	for _, channel := range self.hub.channels {
		members = append(members, channel.session)
	}
	members = append(members, self.session)
	others := slices.Clone(self.hub.channels)
	self.hub.channels = append(self.hub.channels, self)
	self.hub.mutex.Unlock()

	self.mutex.Lock()
	succeededCallbacks := slices.Clone(self.subscriptionSucceededCallbacks)
	self.mutex.Unlock()
	for _, callback := range succeededCallbacks {
		(*callback)(self.session, members)
	}

	for _, other := range others {
		other.mutex.Lock()
		addedCallbacks := slices.Clone(other.memberAddedCallbacks)
		other.mutex.Unlock()
		for _, callback := range addedCallbacks {
			(*callback)(self.session)
		}
	}
	return nil
}

func (self *testChannel) Leave() {
	self.hub.mutex.Lock()
	i := slices.Index(self.hub.channels, self)
	if i < 0 {
		self.hub.mutex.Unlock()
		return
	}
	self.hub.channels = slices.Delete(slices.Clone(self.hub.channels), i, i+1)
	others := slices.Clone(self.hub.channels)
	self.hub.mutex.Unlock()

	for _, other := range others {
		other.mutex.Lock()
		removedCallbacks := slices.Clone(other.memberRemovedCallbacks)
		other.mutex.Unlock()
		for _, callback := range removedCallbacks {
			(*callback)(self.session)
		}
	}
}

func (self *testChannel) OnSubscriptionSucceeded(callback func(self Session, members []Session)) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.subscriptionSucceededCallbacks = append(self.subscriptionSucceededCallbacks, &callback)
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		i := slices.Index(self.subscriptionSucceededCallbacks, &callback)
		if 0 <= i {
			self.subscriptionSucceededCallbacks = slices.Delete(slices.Clone(self.subscriptionSucceededCallbacks), i, i+1)
		}
	}
}

func (self *testChannel) OnMemberAdded(callback func(member Session)) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.memberAddedCallbacks = append(self.memberAddedCallbacks, &callback)
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		i := slices.Index(self.memberAddedCallbacks, &callback)
		if 0 <= i {
			self.memberAddedCallbacks = slices.Delete(slices.Clone(self.memberAddedCallbacks), i, i+1)
		}
	}
}

func (self *testChannel) OnMemberRemoved(callback func(member Session)) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.memberRemovedCallbacks = append(self.memberRemovedCallbacks, &callback)
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		i := slices.Index(self.memberRemovedCallbacks, &callback)
		if 0 <= i {
			self.memberRemovedCallbacks = slices.Delete(slices.Clone(self.memberRemovedCallbacks), i, i+1)
		}
	}
}

func (self *testChannel) Whisper(event string, payload []byte) error {
	for _, other := range self.hub.joinedChannels() {
		if other == self {
			// whispers never echo to the sender
			continue
		}
		other.deliver(event, payload)
	}
	return nil
}

func (self *testChannel) deliver(event string, payload []byte) {
	self.mutex.Lock()
	callbacks := slices.Clone(self.whisperCallbacks[event])
	self.mutex.Unlock()
	for _, callback := range callbacks {
		(*callback)(payload)
	}
}

func (self *testChannel) OnWhisper(event string, callback func(payload []byte)) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.whisperCallbacks[event] = append(self.whisperCallbacks[event], &callback)
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		i := slices.Index(self.whisperCallbacks[event], &callback)
		if 0 <= i {
			self.whisperCallbacks[event] = slices.Delete(slices.Clone(self.whisperCallbacks[event]), i, i+1)
		}
	}
}

func testSession(sessionId string, userId string, name string) Session {
	return Session{
		Id: sessionId,
		Info: UserInfo{
			Id:   userId,
			Name: name,
		},
	}
}

func TestChannelSessionSelf(t *testing.T) {
	hub := newTestHub()
	registry := NewPresenceRegistry()
	session := NewChannelSession(hub.newChannel(testSession("alice-1", "alice", "Alice")), registry)

	_, ok := session.Self()
	assert.Equal(t, ok, false)

	err := session.Join(ChannelSessionCallbacks{})
	assert.Equal(t, err, nil)

	selfSession, ok := session.Self()
	assert.Equal(t, ok, true)
	assert.Equal(t, selfSession.Id, "alice-1")
	assert.Equal(t, registry.IsAlone(), true)
}

func TestChannelSessionNewUserDistinction(t *testing.T) {
	hub := newTestHub()

	registryA := NewPresenceRegistry()
	sessionA := NewChannelSession(hub.newChannel(testSession("alice-1", "alice", "Alice")), registryA)

	type joinEvent struct {
		member  Session
		newUser bool
	}
	joins := []joinEvent{}
	type leaveEvent struct {
		member      Session
		lastSession bool
	}
	leaves := []leaveEvent{}

	err := sessionA.Join(ChannelSessionCallbacks{
		MemberJoined: func(member Session, newUser bool) {
			joins = append(joins, joinEvent{member, newUser})
		},
		MemberLeft: func(member Session, lastSession bool) {
			leaves = append(leaves, leaveEvent{member, lastSession})
		},
	})
	assert.Equal(t, err, nil)

	// a second tab of the same user is not a new human
	registryA2 := NewPresenceRegistry()
	sessionA2 := NewChannelSession(hub.newChannel(testSession("alice-2", "alice", "Alice")), registryA2)
	err = sessionA2.Join(ChannelSessionCallbacks{})
	assert.Equal(t, err, nil)

	assert.Equal(t, len(joins), 1)
	assert.Equal(t, joins[0].member.Id, "alice-2")
	assert.Equal(t, joins[0].newUser, false)

	// a different user is
	registryB := NewPresenceRegistry()
	sessionB := NewChannelSession(hub.newChannel(testSession("bob-1", "bob", "Bob")), registryB)
	err = sessionB.Join(ChannelSessionCallbacks{})
	assert.Equal(t, err, nil)

	assert.Equal(t, len(joins), 2)
	assert.Equal(t, joins[1].member.Id, "bob-1")
	assert.Equal(t, joins[1].newUser, true)

	assert.Equal(t, registryA.IsAlone(), false)
	assert.Equal(t, len(registryA.Members()), 3)

	// alice closing one of two tabs is not a leave
	sessionA2.Leave()
	assert.Equal(t, len(leaves), 1)
	assert.Equal(t, leaves[0].member.Id, "alice-2")
	assert.Equal(t, leaves[0].lastSession, false)

	// bob closing his only tab is
	sessionB.Leave()
	assert.Equal(t, len(leaves), 2)
	assert.Equal(t, leaves[1].member.Id, "bob-1")
	assert.Equal(t, leaves[1].lastSession, true)

	assert.Equal(t, registryA.IsAlone(), true)
}
