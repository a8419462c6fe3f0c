package collab

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// InitialStatePayload is the full-state snapshot pushed to a newly joined
// session: all field values, the filtered meta set, and the focus map.
// Applying it is a full overwrite, so duplicate application is idempotent.
type InitialStatePayload struct {
	Values map[string]any        `json:"values"`
	Meta   map[string]any        `json:"meta"`
	Focus  map[string]FocusEntry `json:"focus"`
}

func initializeStateEvent(sessionId string) string {
	return fmt.Sprintf("initialize-state-for-%s", sessionId)
}

// StateRendezvous is the join-time state transfer. The new session listens
// for an initialize message addressed to its own session id and applies it
// exactly once. Every existing session pushes its copy on member-added; the
// newcomer takes whichever arrives first and the guard drops the rest.
type StateRendezvous struct {
	transport *WhisperTransport

	stateLock sync.Mutex
	applied   bool
	unsub     func()
}

func NewStateRendezvous(transport *WhisperTransport) *StateRendezvous {
	return &StateRendezvous{
		transport: transport,
	}
}

// ListenForInitialState registers the one-shot listener for state addressed
// to `sessionId`. The listener can fire more than once under race; the guard
// flag keeps apply to exactly one. A payload that does not decode leaves the
// guard unconsumed, so another peer's copy can still win.
func (self *StateRendezvous) ListenForInitialState(sessionId string, apply func(payload InitialStatePayload)) {
	unsub := self.transport.Listen(initializeStateEvent(sessionId), func(payloadBytes []byte) {
		var payload InitialStatePayload
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			glog.Infof("[r]bad initial state payload = %s\n", err)
			return
		}

		self.stateLock.Lock()
		if self.applied {
			self.stateLock.Unlock()
			glog.V(2).Infof("[r]duplicate initial state for %s\n", sessionId)
			return
		}
		self.applied = true
		self.stateLock.Unlock()

		glog.V(1).Infof("[r]applying initial state for %s\n", sessionId)
		apply(payload)
	})

	self.stateLock.Lock()
	prior := self.unsub
	self.unsub = unsub
	self.stateLock.Unlock()

	// re-listening (e.g. after a reconnect) replaces the prior listener
	if prior != nil {
		prior()
	}
}

// PushStateTo whispers the full current state, addressed to the newly
// joined session.
func (self *StateRendezvous) PushStateTo(sessionId string, payload InitialStatePayload) {
	glog.V(1).Infof("[r]pushing state to %s\n", sessionId)
	self.transport.Send(initializeStateEvent(sessionId), payload)
}

func (self *StateRendezvous) Close() {
	self.stateLock.Lock()
	unsub := self.unsub
	self.unsub = nil
	self.stateLock.Unlock()

	if unsub != nil {
		unsub()
	}
}
