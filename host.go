package collab

// integration surface of the host editor. the collaboration core treats all
// of these as opaque sinks/sources owned by the embedding application.

type HookEvent string

const (
	HookEntrySaved       HookEvent = "entry.saved"
	HookEntryPublished   HookEvent = "entry.published"
	HookRevisionRestored HookEvent = "revision.restored"
	HookUserSet          HookEvent = "user.set"
)

type HookPayload struct {
	Reference  string
	Message    string
	Collection string
	Users      []Session
}

type HookHandler func(payload HookPayload) error

// Hooks is the host's lifecycle event bus. The workspace listens for
// save/publish/restore of the active document and announces the member set.
type Hooks interface {
	On(event HookEvent, handler HookHandler) func()
	Run(event HookEvent, payload HookPayload)
}

// MemoryHooks is an in-process Hooks bus.
type MemoryHooks struct {
	handlers map[HookEvent]*callbackList[HookHandler]
}

func NewMemoryHooks() *MemoryHooks {
	return &MemoryHooks{
		handlers: map[HookEvent]*callbackList[HookHandler]{
			HookEntrySaved:       {},
			HookEntryPublished:   {},
			HookRevisionRestored: {},
			HookUserSet:          {},
		},
	}
}

func (self *MemoryHooks) On(event HookEvent, handler HookHandler) func() {
	handlers, ok := self.handlers[event]
	if !ok {
		return func() {}
	}
	return handlers.add(&handler)
}

func (self *MemoryHooks) Run(event HookEvent, payload HookPayload) {
	handlers, ok := self.handlers[event]
	if !ok {
		return
	}
	for _, handler := range handlers.get() {
		(*handler)(payload)
	}
}

const (
	AudioCueBuddyIn  = "buddy-in"
	AudioCueBuddyOut = "buddy-out"
)

// Notifier renders user-facing collaboration events.
type Notifier interface {
	Success(message string)
	// persistent informational notice, stays until dismissed
	Info(message string)
	PlayAudio(cue string)
	// blocking confirmation notice. `confirm` runs when the user
	// acknowledges it.
	BlockingNotice(message string, confirm func())
}

// EditorHost lets the session act on the surrounding editor.
type EditorHost interface {
	// drop focus from whatever field the local user is editing
	BlurActiveField()
	// a peer saved the entry. the host can clear its dirty state.
	MarkSaved()
	// the working state is stale and the client must reload
	Reload()
}

// StatusBar is the persistent collaboration indicator. Optional.
type StatusBar interface {
	Show(channelName string)
	// the local user asked to break targetUserId's lock
	OnForceUnlock(callback func(targetUserId string)) func()
	Hide()
}

type NopNotifier struct{}

func (self *NopNotifier) Success(message string)                        {}
func (self *NopNotifier) Info(message string)                           {}
func (self *NopNotifier) PlayAudio(cue string)                          {}
func (self *NopNotifier) BlockingNotice(message string, confirm func()) {}

type NopEditorHost struct{}

func (self *NopEditorHost) BlurActiveField() {}
func (self *NopEditorHost) MarkSaved()       {}
func (self *NopEditorHost) Reload()          {}
