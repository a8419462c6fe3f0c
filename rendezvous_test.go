package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRendezvousAppliesExactlyOnce(t *testing.T) {
	channel := newLoopbackWhisperer()
	transport := NewWhisperTransport(channel, testWhisperSettings())

	rendezvous := NewStateRendezvous(transport)

	applied := []InitialStatePayload{}
	rendezvous.ListenForInitialState("alice-1", func(payload InitialStatePayload) {
		applied = append(applied, payload)
	})

	// two peers race to push state. the first wins, the second is dropped.
	pusherTransport := NewWhisperTransport(channel, testWhisperSettings())
	pusherRendezvous := NewStateRendezvous(pusherTransport)
	pusherRendezvous.PushStateTo("alice-1", InitialStatePayload{
		Values: map[string]any{"title": "first"},
		Meta:   map[string]any{},
		Focus:  map[string]FocusEntry{},
	})
	pusherRendezvous.PushStateTo("alice-1", InitialStatePayload{
		Values: map[string]any{"title": "second"},
		Meta:   map[string]any{},
		Focus:  map[string]FocusEntry{},
	})

	assert.Equal(t, len(applied), 1)
	assert.Equal(t, applied[0].Values["title"], "first")
}

func TestRendezvousAddressing(t *testing.T) {
	channel := newLoopbackWhisperer()
	transport := NewWhisperTransport(channel, testWhisperSettings())

	rendezvous := NewStateRendezvous(transport)

	applied := 0
	rendezvous.ListenForInitialState("alice-1", func(payload InitialStatePayload) {
		applied += 1
	})

	// state addressed to a different session is not for us
	pusherRendezvous := NewStateRendezvous(NewWhisperTransport(channel, testWhisperSettings()))
	pusherRendezvous.PushStateTo("bob-1", InitialStatePayload{})
	assert.Equal(t, applied, 0)

	pusherRendezvous.PushStateTo("alice-1", InitialStatePayload{})
	assert.Equal(t, applied, 1)
}

func TestRendezvousFocusCarried(t *testing.T) {
	channel := newLoopbackWhisperer()
	transport := NewWhisperTransport(channel, testWhisperSettings())

	rendezvous := NewStateRendezvous(transport)

	var received InitialStatePayload
	rendezvous.ListenForInitialState("alice-1", func(payload InitialStatePayload) {
		received = payload
	})

	pusherRendezvous := NewStateRendezvous(NewWhisperTransport(channel, testWhisperSettings()))
	pusherRendezvous.PushStateTo("alice-1", InitialStatePayload{
		Values: map[string]any{"title": "hello"},
		Meta:   map[string]any{"title": map[string]any{"placeholder": "Untitled"}},
		Focus: map[string]FocusEntry{
			"bob-1": {Handle: "title"},
		},
	})

	assert.Equal(t, received.Values["title"], "hello")
	assert.Equal(t, received.Focus["bob-1"].Handle, "title")
}

func TestRendezvousMalformedPushDoesNotConsumeGuard(t *testing.T) {
	channel := newLoopbackWhisperer()
	transport := NewWhisperTransport(channel, testWhisperSettings())

	rendezvous := NewStateRendezvous(transport)

	applied := []InitialStatePayload{}
	rendezvous.ListenForInitialState("alice-1", func(payload InitialStatePayload) {
		applied = append(applied, payload)
	})

	// a corrupt first push must not block a well-formed copy from
	// another peer
	channel.deliver(initializeStateEvent("alice-1"), []byte("{"))
	assert.Equal(t, len(applied), 0)

	pusherRendezvous := NewStateRendezvous(NewWhisperTransport(channel, testWhisperSettings()))
	pusherRendezvous.PushStateTo("alice-1", InitialStatePayload{
		Values: map[string]any{"title": "hello"},
	})

	assert.Equal(t, len(applied), 1)
	assert.Equal(t, applied[0].Values["title"], "hello")
}

func TestRendezvousRelistenReplacesListener(t *testing.T) {
	channel := newLoopbackWhisperer()
	transport := NewWhisperTransport(channel, testWhisperSettings())

	rendezvous := NewStateRendezvous(transport)

	rendezvous.ListenForInitialState("alice-1", func(payload InitialStatePayload) {})
	rendezvous.ListenForInitialState("alice-1", func(payload InitialStatePayload) {})

	// listening again tears down the prior transport listeners instead of
	// stacking more
	event := initializeStateEvent("alice-1")
	channel.mutex.Lock()
	wholeListeners := len(channel.callbacks[event])
	chunkedListeners := len(channel.callbacks["chunked-"+event])
	channel.mutex.Unlock()
	assert.Equal(t, wholeListeners, 1)
	assert.Equal(t, chunkedListeners, 1)
}

func TestRendezvousCloseUnsubscribes(t *testing.T) {
	channel := newLoopbackWhisperer()
	transport := NewWhisperTransport(channel, testWhisperSettings())

	rendezvous := NewStateRendezvous(transport)

	applied := 0
	rendezvous.ListenForInitialState("alice-1", func(payload InitialStatePayload) {
		applied += 1
	})
	rendezvous.Close()

	pusherRendezvous := NewStateRendezvous(NewWhisperTransport(channel, testWhisperSettings()))
	pusherRendezvous.PushStateTo("alice-1", InitialStatePayload{})
	assert.Equal(t, applied, 0)
}
