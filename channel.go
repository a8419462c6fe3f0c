package collab

import (
	"sync"

	"github.com/golang/glog"
)

// PresenceChannel is the pub/sub primitive the session runs on: a channel
// that reports current membership and join/leave transitions, plus ephemeral
// client events (whispers). Callbacks must be registered before Join.
type PresenceChannel interface {
	Join() error
	Leave()
	OnSubscriptionSucceeded(callback func(self Session, members []Session)) func()
	OnMemberAdded(callback func(member Session)) func()
	OnMemberRemoved(callback func(member Session)) func()
	Whisperer
}

type ChannelSessionCallbacks struct {
	// fired once, when the channel subscription succeeds and self is resolved
	SubscriptionSucceeded func(self Session, members []Session)
	// newUser is true when no prior session shared the member's user id
	MemberJoined func(member Session, newUser bool)
	// lastSession is true when no remaining session shares the member's user id
	MemberLeft func(member Session, lastSession bool)
}

// ChannelSession owns one session's membership of a presence channel:
// join/leave, resolving self, and classifying membership transitions
// against the registry by stable user id rather than session id.
type ChannelSession struct {
	channel  PresenceChannel
	registry *PresenceRegistry

	stateLock sync.Mutex
	self      *Session
	joined    bool
	unsubs    []func()
}

func NewChannelSession(channel PresenceChannel, registry *PresenceRegistry) *ChannelSession {
	return &ChannelSession{
		channel:  channel,
		registry: registry,
	}
}

func (self *ChannelSession) Join(callbacks ChannelSessionCallbacks) error {
	self.stateLock.Lock()
	if self.joined {
		self.stateLock.Unlock()
		return nil
	}
	self.joined = true
	self.stateLock.Unlock()

	unsubSucceeded := self.channel.OnSubscriptionSucceeded(func(selfSession Session, members []Session) {
		self.stateLock.Lock()
		self.self = &selfSession
		self.stateLock.Unlock()

		self.registry.SetMembers(members)
		glog.V(1).Infof("[c]subscribed as %s (%d members)\n", selfSession.Id, len(members))
		if callbacks.SubscriptionSucceeded != nil {
			callbacks.SubscriptionSucceeded(selfSession, members)
		}
	})

	unsubAdded := self.channel.OnMemberAdded(func(member Session) {
		newUser := !self.registry.KnowsUser(member.Info.Id)
		self.registry.Add(member)
		glog.V(1).Infof("[c]member added %s newUser=%t\n", member.Id, newUser)
		if callbacks.MemberJoined != nil {
			callbacks.MemberJoined(member, newUser)
		}
	})

	unsubRemoved := self.channel.OnMemberRemoved(func(member Session) {
		self.registry.Remove(member)
		lastSession := !self.registry.KnowsUser(member.Info.Id)
		glog.V(1).Infof("[c]member removed %s lastSession=%t\n", member.Id, lastSession)
		if callbacks.MemberLeft != nil {
			callbacks.MemberLeft(member, lastSession)
		}
	})

	self.stateLock.Lock()
	self.unsubs = append(self.unsubs, unsubSucceeded, unsubAdded, unsubRemoved)
	self.stateLock.Unlock()

	return self.channel.Join()
}

// Self returns the session resolved at subscription success.
func (self *ChannelSession) Self() (Session, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.self == nil {
		return Session{}, false
	}
	return *self.self, true
}

func (self *ChannelSession) Leave() {
	self.stateLock.Lock()
	unsubs := self.unsubs
	self.unsubs = nil
	joined := self.joined
	self.joined = false
	self.stateLock.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if joined {
		self.channel.Leave()
	}
}
