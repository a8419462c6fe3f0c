package collab

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-playground/assert/v2"

	"golang.org/x/exp/slices"
)

// loopback whisperer: everything sent is delivered to this side's own
// listeners. capture mode records instead, so tests can replay chunks in
// arbitrary order.

type loopbackWhisperer struct {
	mutex     sync.Mutex
	callbacks map[string][]*func(payload []byte)
	capture   bool
	captured  []capturedWhisper
}

type capturedWhisper struct {
	event   string
	payload []byte
}

func newLoopbackWhisperer() *loopbackWhisperer {
	return &loopbackWhisperer{
		callbacks: map[string][]*func(payload []byte){},
	}
}

func (self *loopbackWhisperer) Whisper(event string, payload []byte) error {
	self.mutex.Lock()
	if self.capture {
		self.captured = append(self.captured, capturedWhisper{
			event:   event,
			payload: slices.Clone(payload),
		})
		self.mutex.Unlock()
		return nil
	}
	callbacks := slices.Clone(self.callbacks[event])
	self.mutex.Unlock()

	for _, callback := range callbacks {
		(*callback)(payload)
	}
	return nil
}

func (self *loopbackWhisperer) OnWhisper(event string, callback func(payload []byte)) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbacks[event] = append(self.callbacks[event], &callback)
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		i := slices.Index(self.callbacks[event], &callback)
		if 0 <= i {
			self.callbacks[event] = slices.Delete(slices.Clone(self.callbacks[event]), i, i+1)
		}
	}
}

func (self *loopbackWhisperer) deliver(event string, payload []byte) {
	self.mutex.Lock()
	callbacks := slices.Clone(self.callbacks[event])
	self.mutex.Unlock()
	for _, callback := range callbacks {
		(*callback)(payload)
	}
}

func testWhisperSettings() *WhisperSettings {
	settings := DefaultWhisperSettings()
	settings.AssemblyTimeout = 50 * time.Millisecond
	return settings
}

func TestWhisperWholeMessage(t *testing.T) {
	channel := newLoopbackWhisperer()
	transport := NewWhisperTransport(channel, testWhisperSettings())

	received := []string{}
	transport.Listen("updated", func(payload []byte) {
		received = append(received, string(payload))
	})

	err := transport.Send("updated", map[string]any{"handle": "title", "value": "hello"})
	assert.Equal(t, err, nil)

	assert.Equal(t, len(received), 1)
	var payload map[string]any
	assert.Equal(t, json.Unmarshal([]byte(received[0]), &payload), nil)
	assert.Equal(t, payload["handle"], "title")
	assert.Equal(t, payload["value"], "hello")
	assert.Equal(t, transport.AssemblyCount(), 0)
}

func TestWhisperChunkRoundTrip(t *testing.T) {
	channel := newLoopbackWhisperer()
	transport := NewWhisperTransport(channel, testWhisperSettings())

	received := [][]byte{}
	transport.Listen("updated", func(payload []byte) {
		received = append(received, slices.Clone(payload))
	})

	// well above the chunk threshold
	big := map[string]any{
		"handle": "content",
		"value":  strings.Repeat("collaborate ", 1024),
	}
	err := transport.Send("updated", big)
	assert.Equal(t, err, nil)

	assert.Equal(t, len(received), 1)
	expected, err := json.Marshal(big)
	assert.Equal(t, err, nil)
	assert.Equal(t, received[0], expected)
	assert.Equal(t, transport.AssemblyCount(), 0)
}

func TestWhisperChunkArrivalOrder(t *testing.T) {
	// reassembly must not depend on arrival order
	channel := newLoopbackWhisperer()
	channel.capture = true
	transport := NewWhisperTransport(channel, testWhisperSettings())

	big := map[string]any{
		"handle": "content",
		"value":  strings.Repeat("0123456789", 1024),
	}
	err := transport.Send("updated", big)
	assert.Equal(t, err, nil)

	captured := channel.captured
	assert.Equal(t, 2 <= len(captured), true)
	for _, whisper := range captured {
		assert.Equal(t, whisper.event, "chunked-updated")
	}

	receiverChannel := newLoopbackWhisperer()
	receiver := NewWhisperTransport(receiverChannel, testWhisperSettings())
	received := [][]byte{}
	receiver.Listen("updated", func(payload []byte) {
		received = append(received, slices.Clone(payload))
	})

	// deliver last-to-first
	for i := len(captured) - 1; 0 <= i; i -= 1 {
		receiverChannel.deliver(captured[i].event, captured[i].payload)
	}

	assert.Equal(t, len(received), 1)
	expected, err := json.Marshal(big)
	assert.Equal(t, err, nil)
	assert.Equal(t, received[0], expected)
	assert.Equal(t, receiver.AssemblyCount(), 0)
}

func TestWhisperChunkMultibyteRoundTrip(t *testing.T) {
	channel := newLoopbackWhisperer()
	channel.capture = true
	transport := NewWhisperTransport(channel, testWhisperSettings())

	// 4-byte runes make the chunk boundary fall mid-rune at every seam
	big := map[string]any{
		"value": strings.Repeat("\U0001F600", 1024),
	}
	err := transport.Send("updated", big)
	assert.Equal(t, err, nil)

	captured := channel.captured
	assert.Equal(t, 2 <= len(captured), true)
	for _, whisper := range captured {
		var envelope ChunkEnvelope
		assert.Equal(t, json.Unmarshal(whisper.payload, &envelope), nil)
		// every chunk must survive its own json encoding intact
		assert.Equal(t, utf8.ValidString(envelope.Chunk), true)
		assert.Equal(t, len(envelope.Chunk) <= 2500, true)
	}

	receiverChannel := newLoopbackWhisperer()
	receiver := NewWhisperTransport(receiverChannel, testWhisperSettings())
	received := [][]byte{}
	receiver.Listen("updated", func(payload []byte) {
		received = append(received, slices.Clone(payload))
	})
	for _, whisper := range captured {
		receiverChannel.deliver(whisper.event, whisper.payload)
	}

	assert.Equal(t, len(received), 1)
	expected, err := json.Marshal(big)
	assert.Equal(t, err, nil)
	assert.Equal(t, received[0], expected)
}

func TestWhisperIncompleteAssemblyEvicted(t *testing.T) {
	channel := newLoopbackWhisperer()
	channel.capture = true
	transport := NewWhisperTransport(channel, testWhisperSettings())

	big := map[string]any{
		"value": strings.Repeat("x", 3*2500),
	}
	err := transport.Send("updated", big)
	assert.Equal(t, err, nil)
	captured := channel.captured
	assert.Equal(t, 3 <= len(captured), true)

	receiverChannel := newLoopbackWhisperer()
	receiver := NewWhisperTransport(receiverChannel, testWhisperSettings())
	received := 0
	receiver.Listen("updated", func(payload []byte) {
		received += 1
	})

	// drop the middle chunk, duplicate the final one. count parity would
	// wrongly read this as complete.
	receiverChannel.deliver(captured[0].event, captured[0].payload)
	receiverChannel.deliver(captured[len(captured)-1].event, captured[len(captured)-1].payload)
	receiverChannel.deliver(captured[len(captured)-1].event, captured[len(captured)-1].payload)

	assert.Equal(t, received, 0)
	assert.Equal(t, receiver.AssemblyCount(), 1)

	// the abandoned assembly is evicted, not leaked
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, receiver.AssemblyCount(), 0)
	assert.Equal(t, received, 0)
}

func TestWhisperSendGate(t *testing.T) {
	channel := newLoopbackWhisperer()
	transport := NewWhisperTransport(channel, testWhisperSettings())

	alone := true
	transport.SetSendGate(func() bool {
		return !alone
	})

	received := 0
	transport.Listen("updated", func(payload []byte) {
		received += 1
	})

	err := transport.Send("updated", map[string]any{"handle": "title"})
	assert.Equal(t, err, nil)
	assert.Equal(t, received, 0)

	alone = false
	err = transport.Send("updated", map[string]any{"handle": "title"})
	assert.Equal(t, err, nil)
	assert.Equal(t, received, 1)
}

func TestWhisperDeterministicIds(t *testing.T) {
	channel := newLoopbackWhisperer()
	channel.capture = true

	settings := testWhisperSettings()
	fixed := NewId()
	settings.GenerateId = func() Id {
		return fixed
	}
	transport := NewWhisperTransport(channel, settings)

	err := transport.Send("updated", map[string]any{
		"value": strings.Repeat("y", 2*2500),
	})
	assert.Equal(t, err, nil)

	for _, whisper := range channel.captured {
		var envelope ChunkEnvelope
		assert.Equal(t, json.Unmarshal(whisper.payload, &envelope), nil)
		assert.Equal(t, envelope.Id, fixed.String())
	}
}
