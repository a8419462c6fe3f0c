package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	WhisperEventUpdated          = "updated"
	WhisperEventMetaUpdated      = "meta-updated"
	WhisperEventFocus            = "focus"
	WhisperEventBlur             = "blur"
	WhisperEventForceUnlock      = "force-unlock"
	WhisperEventSaved            = "saved"
	WhisperEventPublished        = "published"
	WhisperEventRevisionRestored = "revision-restored"
)

// Container identifies the document being edited.
type Container struct {
	Reference string
	Name      string
	Site      string
	Blueprint string
}

type WorkspaceSettings struct {
	// quiet window before a coalesced field change is broadcast
	DebounceDelay time.Duration
	// how long the revision-restored hook is held open so the outgoing
	// whisper can flush before the page is torn down
	RestoreGraceDelay time.Duration
	Whisper           *WhisperSettings
}

func DefaultWorkspaceSettings() *WorkspaceSettings {
	return &WorkspaceSettings{
		DebounceDelay:     500 * time.Millisecond,
		RestoreGraceDelay: 500 * time.Millisecond,
		Whisper:           DefaultWhisperSettings(),
	}
}

// SessionContext is the set of host ports a workspace session runs against.
// Everything is injected. There are no ambient globals.
type SessionContext struct {
	Store    ValueStore
	Notifier Notifier
	Hooks    Hooks
	Host     EditorHost
	// optional
	StatusBar StatusBar
}

type focusPayload struct {
	User   string `json:"user"`
	Handle string `json:"handle,omitempty"`
}

type forceUnlockPayload struct {
	TargetUser string   `json:"targetUser"`
	OriginUser UserInfo `json:"originUser"`
}

type attributedPayload struct {
	User    string `json:"user"`
	Message string `json:"message,omitempty"`
}

// Workspace composes the collaboration session for one container: presence,
// focus/lock coordination, value sync, and join-time state rendezvous, all
// over one presence channel.
type Workspace struct {
	ctx    context.Context
	cancel context.CancelFunc

	container   Container
	channelName string
	sessionCtx  *SessionContext
	settings    *WorkspaceSettings

	transport  *WhisperTransport
	registry   *PresenceRegistry
	session    *ChannelSession
	focus      *FocusMap
	locks      *FieldLockCoordinator
	filter     *MetaPayloadFilter
	syncEngine *ValueSyncEngine
	rendezvous *StateRendezvous

	stateLock  sync.Mutex
	started    bool
	subscribed bool
	destroyed  bool
	// subscription table, torn down as a unit on Destroy
	unsubs []func()
}

func NewWorkspaceWithDefaults(
	ctx context.Context,
	container Container,
	channel PresenceChannel,
	sessionCtx *SessionContext,
) *Workspace {
	return NewWorkspace(ctx, container, channel, sessionCtx, DefaultWorkspaceSettings())
}

func NewWorkspace(
	ctx context.Context,
	container Container,
	channel PresenceChannel,
	sessionCtx *SessionContext,
	settings *WorkspaceSettings,
) *Workspace {
	cancelCtx, cancel := context.WithCancel(ctx)

	transport := NewWhisperTransport(channel, settings.Whisper)
	registry := NewPresenceRegistry()
	session := NewChannelSession(channel, registry)
	focus := NewFocusMap()
	locks := NewFieldLockCoordinator(focus, sessionCtx.Store, registry)
	filter := NewMetaPayloadFilter()
	syncEngine := NewValueSyncEngine(
		transport,
		sessionCtx.Store,
		filter,
		session.Self,
		settings.DebounceDelay,
	)
	rendezvous := NewStateRendezvous(transport)

	workspace := &Workspace{
		ctx:         cancelCtx,
		cancel:      cancel,
		container:   container,
		channelName: ChannelName(container.Reference, container.Site),
		sessionCtx:  sessionCtx,
		settings:    settings,
		transport:   transport,
		registry:    registry,
		session:     session,
		focus:       focus,
		locks:       locks,
		filter:      filter,
		syncEngine:  syncEngine,
		rendezvous:  rendezvous,
	}
	transport.SetSendGate(func() bool {
		return !registry.IsAlone()
	})
	return workspace
}

func (self *Workspace) ChannelName() string {
	return self.channelName
}

func (self *Workspace) Self() (Session, bool) {
	return self.session.Self()
}

func (self *Workspace) Registry() *PresenceRegistry {
	return self.registry
}

func (self *Workspace) Store() ValueStore {
	return self.sessionCtx.Store
}

func (self *Workspace) FocusEntries() map[string]FocusEntry {
	return self.focus.Entries()
}

func (self *Workspace) Start() error {
	self.stateLock.Lock()
	if self.started {
		self.stateLock.Unlock()
		return nil
	}
	self.started = true
	self.stateLock.Unlock()

	self.syncEngine.Prime(self.sessionCtx.Store.Values(), self.sessionCtx.Store.Meta())

	self.listen(WhisperEventUpdated, func(payload []byte) {
		self.syncEngine.ApplyValueChange(payload)
	})
	self.listen(WhisperEventMetaUpdated, func(payload []byte) {
		self.syncEngine.ApplyMetaChange(payload)
	})
	self.listen(WhisperEventFocus, self.receiveFocus)
	self.listen(WhisperEventBlur, self.receiveBlur)
	self.listen(WhisperEventForceUnlock, self.receiveForceUnlock)
	self.listen(WhisperEventSaved, self.receiveSaved)
	self.listen(WhisperEventPublished, self.receivePublished)
	self.listen(WhisperEventRevisionRestored, self.receiveRevisionRestored)

	self.initializeHooks()
	self.initializeStatusBar()

	return self.session.Join(ChannelSessionCallbacks{
		SubscriptionSucceeded: self.subscriptionSucceeded,
		MemberJoined:          self.memberJoined,
		MemberLeft:            self.memberLeft,
	})
}

// Destroy tears down the subscription table, cancels in-flight debounce
// timers and chunk assemblies, and leaves the channel. Idempotent.
func (self *Workspace) Destroy() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.destroyed = true
	unsubs := self.unsubs
	self.unsubs = nil
	self.stateLock.Unlock()

	glog.V(1).Infof("[ws]%s destroy\n", self.channelName)
	for _, unsub := range unsubs {
		unsub()
	}
	self.syncEngine.Close()
	self.rendezvous.Close()
	self.transport.Close()
	self.session.Leave()
	if self.sessionCtx.StatusBar != nil {
		self.sessionCtx.StatusBar.Hide()
	}
	self.cancel()
}

func (self *Workspace) addUnsub(unsub func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.unsubs = append(self.unsubs, unsub)
}

func (self *Workspace) listen(event string, callback func(payload []byte)) {
	self.addUnsub(self.transport.Listen(event, callback))
}

func (self *Workspace) subscriptionSucceeded(selfSession Session, members []Session) {
	// the channel re-fires this after every reconnect. the registrations
	// below are per-session, not per-connection.
	self.stateLock.Lock()
	if self.subscribed {
		self.stateLock.Unlock()
		glog.V(1).Infof("[ws]%s resubscribed\n", self.channelName)
		return
	}
	self.subscribed = true
	self.stateLock.Unlock()

	// subscribe to store mutations only once self is resolved, so every
	// observed mutation can be judged against a known identity
	self.addUnsub(self.sessionCtx.Store.Subscribe(func(mutation Mutation) {
		switch mutation.Kind {
		case MutationSetFieldValue:
			self.syncEngine.FieldValueSet(mutation.Field)
		case MutationSetFieldMeta:
			self.syncEngine.FieldMetaSet(mutation.Field)
		}
	}))

	self.sessionCtx.Hooks.Run(HookUserSet, HookPayload{
		Collection: self.container.Blueprint,
		Users:      members,
	})

	self.rendezvous.ListenForInitialState(selfSession.Id, self.applyInitialState)
}

func (self *Workspace) applyInitialState(payload InitialStatePayload) {
	self.sessionCtx.Store.SetValues(payload.Values)
	self.sessionCtx.Store.SetMeta(self.filter.RestoreAll(payload.Meta, self.syncEngine.LastMetaObject))
	for user, entry := range payload.Focus {
		self.locks.FocusAndLock(user, entry.Handle)
	}
}

func (self *Workspace) memberJoined(member Session, newUser bool) {
	if newUser {
		self.sessionCtx.Notifier.Success(fmt.Sprintf("%s has joined.", member.Info.Name))
		self.sessionCtx.Notifier.PlayAudio(AudioCueBuddyIn)
	}
	self.rendezvous.PushStateTo(member.Id, InitialStatePayload{
		Values: self.sessionCtx.Store.Values(),
		Meta:   self.filter.FilterOutgoingAll(self.sessionCtx.Store.Meta()),
		Focus:  self.focus.Entries(),
	})
}

func (self *Workspace) memberLeft(member Session, lastSession bool) {
	self.locks.BlurAndUnlock(member.Id, "")
	if lastSession {
		self.sessionCtx.Notifier.Success(fmt.Sprintf("%s has left.", member.Info.Name))
		self.sessionCtx.Notifier.PlayAudio(AudioCueBuddyOut)
	}
}

// FocusField reports the local user focusing a field. The local editor is
// the active party, so only peers get locked out. No local lock side effect.
func (self *Workspace) FocusField(handle string) {
	selfSession, ok := self.session.Self()
	if !ok {
		return
	}
	self.locks.Focus(selfSession.Id, handle)
	self.transport.Send(WhisperEventFocus, &focusPayload{
		User:   selfSession.Id,
		Handle: handle,
	})
}

// BlurField reports the local user leaving a field.
func (self *Workspace) BlurField(handle string) {
	selfSession, ok := self.session.Self()
	if !ok {
		return
	}
	self.locks.Blur(selfSession.Id)
	self.transport.Send(WhisperEventBlur, &focusPayload{
		User:   selfSession.Id,
		Handle: handle,
	})
}

// RequestUnlock asks the sessions of targetUserId to release their lock.
func (self *Workspace) RequestUnlock(targetUserId string) {
	selfSession, ok := self.session.Self()
	if !ok {
		return
	}
	self.transport.Send(WhisperEventForceUnlock, &forceUnlockPayload{
		TargetUser: targetUserId,
		OriginUser: selfSession.Info,
	})
}

func (self *Workspace) receiveFocus(payloadBytes []byte) {
	var payload focusPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		glog.Infof("[ws]bad focus payload = %s\n", err)
		return
	}
	glog.V(1).Infof("[ws]%s focused %s\n", payload.User, payload.Handle)
	self.locks.FocusAndLock(payload.User, payload.Handle)
}

func (self *Workspace) receiveBlur(payloadBytes []byte) {
	var payload focusPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		glog.Infof("[ws]bad blur payload = %s\n", err)
		return
	}
	glog.V(1).Infof("[ws]%s blurred\n", payload.User)
	self.locks.BlurAndUnlock(payload.User, payload.Handle)
}

// force-unlock applies to all sessions of the target user. Anyone else's
// sessions ignore it.
func (self *Workspace) receiveForceUnlock(payloadBytes []byte) {
	var payload forceUnlockPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		glog.Infof("[ws]bad force-unlock payload = %s\n", err)
		return
	}
	selfSession, ok := self.session.Self()
	if !ok {
		return
	}
	if payload.TargetUser != selfSession.Info.Id {
		return
	}

	self.sessionCtx.Host.BlurActiveField()
	self.locks.BlurAndUnlock(selfSession.Id, "")
	self.transport.Send(WhisperEventBlur, &focusPayload{
		User: selfSession.Id,
	})
	self.sessionCtx.Notifier.Info(fmt.Sprintf("%s has unlocked your editor.", payload.OriginUser.Name))
}

func (self *Workspace) receiveSaved(payloadBytes []byte) {
	var payload attributedPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		glog.Infof("[ws]bad saved payload = %s\n", err)
		return
	}
	info, _ := self.registry.InfoForSession(payload.User)
	self.sessionCtx.Host.MarkSaved()
	self.sessionCtx.Notifier.Success(fmt.Sprintf("Saved by %s.", info.Name))
}

func (self *Workspace) receivePublished(payloadBytes []byte) {
	var payload attributedPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		glog.Infof("[ws]bad published payload = %s\n", err)
		return
	}
	info, _ := self.registry.InfoForSession(payload.User)
	self.sessionCtx.Notifier.Success(fmt.Sprintf("Published by %s.", info.Name))

	var message string
	if payload.Message != "" {
		message = fmt.Sprintf("Entry has been published by %s with the message: %s", info.Name, payload.Message)
	} else {
		message = fmt.Sprintf("Entry has been published by %s with no message.", info.Name)
	}
	self.sessionCtx.Notifier.BlockingNotice(message, func() {
		self.sessionCtx.Host.Reload()
	})
}

func (self *Workspace) receiveRevisionRestored(payloadBytes []byte) {
	var payload attributedPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		glog.Infof("[ws]bad revision-restored payload = %s\n", err)
		return
	}
	info, _ := self.registry.InfoForSession(payload.User)
	self.sessionCtx.Notifier.Success(fmt.Sprintf("Revision restored by %s.", info.Name))
	self.sessionCtx.Notifier.BlockingNotice(
		fmt.Sprintf("Entry has been restored to another revision by %s", info.Name),
		func() {
			self.sessionCtx.Host.Reload()
		},
	)
	// the working state is no longer valid. stop listening to anything else.
	self.Destroy()
}

func (self *Workspace) initializeHooks() {
	self.addUnsub(self.sessionCtx.Hooks.On(HookEntrySaved, func(payload HookPayload) error {
		if payload.Reference != self.container.Reference {
			return nil
		}
		if selfSession, ok := self.session.Self(); ok {
			self.transport.Send(WhisperEventSaved, &attributedPayload{
				User: selfSession.Id,
			})
		}
		return nil
	}))

	self.addUnsub(self.sessionCtx.Hooks.On(HookEntryPublished, func(payload HookPayload) error {
		if payload.Reference != self.container.Reference {
			return nil
		}
		if selfSession, ok := self.session.Self(); ok {
			self.transport.Send(WhisperEventPublished, &attributedPayload{
				User:    selfSession.Id,
				Message: payload.Message,
			})
		}
		return nil
	}))

	self.addUnsub(self.sessionCtx.Hooks.On(HookRevisionRestored, func(payload HookPayload) error {
		if payload.Reference != self.container.Reference {
			return nil
		}
		if selfSession, ok := self.session.Self(); ok {
			self.transport.Send(WhisperEventRevisionRestored, &attributedPayload{
				User: selfSession.Id,
			})
		}
		// the whisper has no ack. hold the hook open briefly so it can
		// flush before the host tears the page down.
		select {
		case <-self.ctx.Done():
		case <-time.After(self.settings.RestoreGraceDelay):
		}
		return nil
	}))
}

func (self *Workspace) initializeStatusBar() {
	if self.sessionCtx.StatusBar == nil {
		return
	}
	self.sessionCtx.StatusBar.Show(self.channelName)
	self.addUnsub(self.sessionCtx.StatusBar.OnForceUnlock(func(targetUserId string) {
		self.RequestUnlock(targetUserId)
	}))
}
