package redischan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"golang.org/x/exp/slices"

	"github.com/coedit/collab"
)

// Presence channel over redis pub/sub, for self-hosted sites that run a
// redis instance instead of a pusher-protocol service. Membership lives in
// a hash plus one TTL liveness key per session. Whispers fan out on a
// per-channel subject with the same no-guarantee semantics: subscribers
// that miss a message never see it.

type ChannelSettings struct {
	// how often the session refreshes its liveness key
	HeartbeatInterval time.Duration
	// liveness key TTL. a session that stops heartbeating reads as gone.
	SessionTtl       time.Duration
	SubscribeTimeout time.Duration
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		HeartbeatInterval: 10 * time.Second,
		SessionTtl:        30 * time.Second,
		SubscribeTimeout:  5 * time.Second,
	}
}

const (
	envelopeJoin    = "join"
	envelopeLeave   = "leave"
	envelopeWhisper = "whisper"
)

type envelope struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Member  *collab.Session `json:"member,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type whisperCallback func(payload []byte)

type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	client      *redis.Client
	channelName string
	self        collab.Session
	settings    *ChannelSettings

	stateLock sync.Mutex
	joined    bool
	pubsub    *redis.PubSub

	subscriptionSucceededCallbacks []*func(self collab.Session, members []collab.Session)
	memberAddedCallbacks           []*func(member collab.Session)
	memberRemovedCallbacks         []*func(member collab.Session)
	whisperCallbacks               map[string][]*whisperCallback
}

func NewChannelWithDefaults(ctx context.Context, client *redis.Client, channelName string, self collab.Session) *Channel {
	return NewChannel(ctx, client, channelName, self, DefaultChannelSettings())
}

func NewChannel(ctx context.Context, client *redis.Client, channelName string, self collab.Session, settings *ChannelSettings) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Channel{
		ctx:              cancelCtx,
		cancel:           cancel,
		client:           client,
		channelName:      channelName,
		self:             self,
		settings:         settings,
		whisperCallbacks: map[string][]*whisperCallback{},
	}
}

func (self *Channel) subject() string {
	return fmt.Sprintf("collab:%s:events", self.channelName)
}

func (self *Channel) membersKey() string {
	return fmt.Sprintf("collab:%s:members", self.channelName)
}

func (self *Channel) livenessKey(sessionId string) string {
	return fmt.Sprintf("collab:%s:session:%s", self.channelName, sessionId)
}

func (self *Channel) Join() error {
	self.stateLock.Lock()
	if self.joined {
		self.stateLock.Unlock()
		return nil
	}
	self.joined = true
	self.stateLock.Unlock()

	subscribeCtx, subscribeCancel := context.WithTimeout(self.ctx, self.settings.SubscribeTimeout)
	defer subscribeCancel()

	pubsub := self.client.Subscribe(subscribeCtx, self.subject())
	// force the subscription to be established before announcing
	if _, err := pubsub.Receive(subscribeCtx); err != nil {
		pubsub.Close()
		return err
	}
	self.stateLock.Lock()
	self.pubsub = pubsub
	self.stateLock.Unlock()

	memberBytes, err := json.Marshal(self.self)
	if err != nil {
		pubsub.Close()
		return err
	}
	pipe := self.client.Pipeline()
	pipe.HSet(subscribeCtx, self.membersKey(), self.self.Id, string(memberBytes))
	pipe.Set(subscribeCtx, self.livenessKey(self.self.Id), "1", self.settings.SessionTtl)
	if _, err := pipe.Exec(subscribeCtx); err != nil {
		pubsub.Close()
		return err
	}

	members, err := self.roster(subscribeCtx)
	if err != nil {
		pubsub.Close()
		return err
	}

	if err := self.publish(subscribeCtx, &envelope{
		Type:   envelopeJoin,
		Sender: self.self.Id,
		Member: &self.self,
	}); err != nil {
		pubsub.Close()
		return err
	}

	go self.receive(pubsub)
	go self.heartbeat()

	self.stateLock.Lock()
	callbacks := slices.Clone(self.subscriptionSucceededCallbacks)
	self.stateLock.Unlock()
	for _, callback := range callbacks {
		(*callback)(self.self, members)
	}
	return nil
}

// roster reads the member hash, filtered by liveness keys. Entries whose
// session stopped heartbeating are pruned and announced as leaves.
func (self *Channel) roster(ctx context.Context) ([]collab.Session, error) {
	entries, err := self.client.HGetAll(ctx, self.membersKey()).Result()
	if err != nil {
		return nil, err
	}
	members := []collab.Session{}
	for sessionId, memberJson := range entries {
		var member collab.Session
		if err := json.Unmarshal([]byte(memberJson), &member); err != nil {
			glog.Infof("[rc]bad member entry %s = %s\n", sessionId, err)
			continue
		}
		if sessionId == self.self.Id {
			members = append(members, member)
			continue
		}
		alive, err := self.client.Exists(ctx, self.livenessKey(sessionId)).Result()
		if err != nil {
			return nil, err
		}
		if alive == 0 {
			// the HDel count arbitrates between concurrently pruning
			// sessions, so the leave is announced once
			removed, err := self.client.HDel(ctx, self.membersKey(), sessionId).Result()
			if err == nil && 0 < removed {
				glog.V(1).Infof("[rc]pruning stale session %s\n", sessionId)
				self.publish(ctx, &envelope{
					Type:   envelopeLeave,
					Sender: self.self.Id,
					Member: &member,
				})
			}
			continue
		}
		members = append(members, member)
	}
	return members, nil
}

func (self *Channel) heartbeat() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
		}
		if err := self.client.Expire(self.ctx, self.livenessKey(self.self.Id), self.settings.SessionTtl).Err(); err != nil {
			glog.Infof("[rc]heartbeat error = %s\n", err)
			continue
		}
		self.sweep()
	}
}

// sweep prunes members whose liveness key expired without a leave envelope,
// e.g. a crashed peer. A dead session otherwise holds its soft locks and
// keeps counting toward presence until the next join happens to prune it.
func (self *Channel) sweep() {
	entries, err := self.client.HGetAll(self.ctx, self.membersKey()).Result()
	if err != nil {
		glog.Infof("[rc]sweep error = %s\n", err)
		return
	}
	for sessionId, memberJson := range entries {
		if sessionId == self.self.Id {
			continue
		}
		alive, err := self.client.Exists(self.ctx, self.livenessKey(sessionId)).Result()
		if err != nil || alive != 0 {
			continue
		}
		removed, err := self.client.HDel(self.ctx, self.membersKey(), sessionId).Result()
		if err != nil || removed == 0 {
			// another session swept it first
			continue
		}
		var member collab.Session
		if err := json.Unmarshal([]byte(memberJson), &member); err != nil {
			glog.Infof("[rc]bad member entry %s = %s\n", sessionId, err)
			continue
		}
		glog.V(1).Infof("[rc]sweeping dead session %s\n", sessionId)
		self.publish(self.ctx, &envelope{
			Type:   envelopeLeave,
			Sender: self.self.Id,
			Member: &member,
		})
		// own envelopes are dropped by dispatch. deliver locally too.
		self.stateLock.Lock()
		callbacks := slices.Clone(self.memberRemovedCallbacks)
		self.stateLock.Unlock()
		for _, callback := range callbacks {
			(*callback)(member)
		}
	}
}

func (self *Channel) receive(pubsub *redis.PubSub) {
	messages := pubsub.Channel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			self.dispatch([]byte(message.Payload))
		}
	}
}

func (self *Channel) dispatch(envelopeBytes []byte) {
	var env envelope
	if err := json.Unmarshal(envelopeBytes, &env); err != nil {
		glog.Infof("[rc]<- bad envelope = %s\n", err)
		return
	}
	// redis pub/sub echoes to the publisher. drop own messages.
	if env.Sender == self.self.Id {
		return
	}

	switch env.Type {
	case envelopeJoin:
		if env.Member == nil {
			return
		}
		self.stateLock.Lock()
		callbacks := slices.Clone(self.memberAddedCallbacks)
		self.stateLock.Unlock()
		for _, callback := range callbacks {
			(*callback)(*env.Member)
		}
	case envelopeLeave:
		if env.Member == nil {
			return
		}
		self.stateLock.Lock()
		callbacks := slices.Clone(self.memberRemovedCallbacks)
		self.stateLock.Unlock()
		for _, callback := range callbacks {
			(*callback)(*env.Member)
		}
	case envelopeWhisper:
		self.stateLock.Lock()
		callbacks := slices.Clone(self.whisperCallbacks[env.Event])
		self.stateLock.Unlock()
		for _, callback := range callbacks {
			(*callback)([]byte(env.Payload))
		}
	}
}

func (self *Channel) publish(ctx context.Context, env *envelope) error {
	envelopeBytes, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return self.client.Publish(ctx, self.subject(), string(envelopeBytes)).Err()
}

func (self *Channel) Leave() {
	self.stateLock.Lock()
	joined := self.joined
	self.joined = false
	pubsub := self.pubsub
	self.pubsub = nil
	self.stateLock.Unlock()

	if joined {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), self.settings.SubscribeTimeout)
		defer leaveCancel()
		self.publish(leaveCtx, &envelope{
			Type:   envelopeLeave,
			Sender: self.self.Id,
			Member: &self.self,
		})
		pipe := self.client.Pipeline()
		pipe.HDel(leaveCtx, self.membersKey(), self.self.Id)
		pipe.Del(leaveCtx, self.livenessKey(self.self.Id))
		pipe.Exec(leaveCtx)
	}
	if pubsub != nil {
		pubsub.Close()
	}
	self.cancel()
}

func (self *Channel) OnSubscriptionSucceeded(callback func(self collab.Session, members []collab.Session)) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscriptionSucceededCallbacks = append(self.subscriptionSucceededCallbacks, &callback)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscriptionSucceededCallbacks = removeCallback(self.subscriptionSucceededCallbacks, &callback)
	}
}

func (self *Channel) OnMemberAdded(callback func(member collab.Session)) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.memberAddedCallbacks = append(self.memberAddedCallbacks, &callback)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.memberAddedCallbacks = removeCallback(self.memberAddedCallbacks, &callback)
	}
}

func (self *Channel) OnMemberRemoved(callback func(member collab.Session)) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.memberRemovedCallbacks = append(self.memberRemovedCallbacks, &callback)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.memberRemovedCallbacks = removeCallback(self.memberRemovedCallbacks, &callback)
	}
}

func (self *Channel) Whisper(event string, payload []byte) error {
	return self.publish(self.ctx, &envelope{
		Type:    envelopeWhisper,
		Sender:  self.self.Id,
		Event:   event,
		Payload: json.RawMessage(payload),
	})
}

func (self *Channel) OnWhisper(event string, callback func(payload []byte)) func() {
	wrapped := whisperCallback(callback)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.whisperCallbacks[event] = append(self.whisperCallbacks[event], &wrapped)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.whisperCallbacks[event] = removeCallback(self.whisperCallbacks[event], &wrapped)
	}
}

func removeCallback[T any](callbacks []*T, callback *T) []*T {
	i := slices.Index(callbacks, callback)
	if i < 0 {
		return callbacks
	}
	return slices.Delete(slices.Clone(callbacks), i, i+1)
}
