package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// whispers are ephemeral client events on the presence channel:
// at-most-once, unordered, no ack. payloads above `ChunkSize` do not fit in
// one event and are split into indexed chunks under `chunked-{event}`,
// reassembled on the receiving side per message id.

type WhisperSettings struct {
	// serialized payloads at or above this size are chunked. slices are
	// at most this many bytes, pulled back to a rune boundary.
	ChunkSize int
	// incomplete assemblies are dropped after this much time without
	// completing. a lost chunk can never complete its message.
	AssemblyTimeout time.Duration
	GenerateId      GenerateIdFunc
}

func DefaultWhisperSettings() *WhisperSettings {
	return &WhisperSettings{
		ChunkSize:       2500,
		AssemblyTimeout: 30 * time.Second,
		GenerateId:      NewId,
	}
}

// Whisperer is the raw client-event surface of the presence channel.
type Whisperer interface {
	Whisper(event string, payload []byte) error
	OnWhisper(event string, callback func(payload []byte)) func()
}

type ChunkEnvelope struct {
	Id    string `json:"id"`
	Index int    `json:"index"`
	Chunk string `json:"chunk"`
	Final bool   `json:"final"`
}

type assemblyKey struct {
	event string
	id    string
}

type chunkAssembly struct {
	chunks        map[int]string
	receivedFinal bool
	finalIndex    int
	evict         *time.Timer
}

// complete requires a final chunk plus every index 0..final present.
// count parity alone would misjudge loss combined with duplicate delivery.
func (self *chunkAssembly) complete() bool {
	if !self.receivedFinal {
		return false
	}
	for i := 0; i <= self.finalIndex; i += 1 {
		if _, ok := self.chunks[i]; !ok {
			return false
		}
	}
	return true
}

func (self *chunkAssembly) join() []byte {
	parts := make([]string, self.finalIndex+1)
	for i := 0; i <= self.finalIndex; i += 1 {
		parts[i] = self.chunks[i]
	}
	return []byte(strings.Join(parts, ""))
}

// WhisperTransport sends and receives whole messages over the size-limited
// whisper primitive, chunking transparently in both directions.
type WhisperTransport struct {
	channel  Whisperer
	settings *WhisperSettings

	// when set and returning false, sends are silently suppressed.
	// used to stop broadcasting while alone in the channel.
	sendGate func() bool

	stateLock  sync.Mutex
	assemblies map[assemblyKey]*chunkAssembly
	closed     bool
}

func NewWhisperTransportWithDefaults(channel Whisperer) *WhisperTransport {
	return NewWhisperTransport(channel, DefaultWhisperSettings())
}

func NewWhisperTransport(channel Whisperer, settings *WhisperSettings) *WhisperTransport {
	return &WhisperTransport{
		channel:    channel,
		settings:   settings,
		assemblies: map[assemblyKey]*chunkAssembly{},
	}
}

func (self *WhisperTransport) SetSendGate(sendGate func() bool) {
	self.sendGate = sendGate
}

func chunkedEvent(event string) string {
	return fmt.Sprintf("chunked-%s", event)
}

func (self *WhisperTransport) Send(event string, payload any) error {
	if self.sendGate != nil && !self.sendGate() {
		glog.V(2).Infof("[w]suppress %s (alone)\n", event)
		return nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if len(b) < self.settings.ChunkSize {
		glog.V(2).Infof("[w]%s-> %d\n", event, len(b))
		return self.channel.Whisper(event, b)
	}

	str := string(b)
	messageId := self.settings.GenerateId().String()
	chunkSize := self.settings.ChunkSize
	for index, offset := 0, 0; offset < len(str); index += 1 {
		end := offset + chunkSize
		if len(str) <= end {
			end = len(str)
		} else {
			// never split a rune across chunks. a partial utf-8 sequence
			// does not survive the envelope's own json encoding.
			for offset < end && !utf8.RuneStart(str[end]) {
				end -= 1
			}
			if end == offset {
				// not utf-8 at this offset. split at the byte boundary.
				end = offset + chunkSize
			}
		}
		final := end == len(str)
		envelope := &ChunkEnvelope{
			Id:    messageId,
			Index: index,
			Chunk: str[offset:end],
			Final: final,
		}
		envelopeBytes, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		glog.V(2).Infof("[w]%s-> chunk %s[%d] final=%t\n", event, messageId, index, final)
		if err := self.channel.Whisper(chunkedEvent(event), envelopeBytes); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// Listen registers `callback` for whole messages of `event`, whether they
// arrive in one piece or chunked. The returned func tears down both listeners.
func (self *WhisperTransport) Listen(event string, callback func(payload []byte)) func() {
	unsubWhole := self.channel.OnWhisper(event, callback)
	unsubChunked := self.channel.OnWhisper(chunkedEvent(event), func(payload []byte) {
		self.receiveChunk(event, payload, callback)
	})
	return func() {
		unsubWhole()
		unsubChunked()
	}
}

func (self *WhisperTransport) receiveChunk(event string, payload []byte, callback func(payload []byte)) {
	var envelope ChunkEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		glog.Infof("[w]%s<- bad chunk envelope = %s\n", event, err)
		return
	}
	if envelope.Index < 0 {
		glog.Infof("[w]%s<- bad chunk index %d\n", event, envelope.Index)
		return
	}

	key := assemblyKey{
		event: event,
		id:    envelope.Id,
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	assembly, ok := self.assemblies[key]
	if !ok {
		assembly = &chunkAssembly{
			chunks: map[int]string{},
		}
		assembly.evict = time.AfterFunc(self.settings.AssemblyTimeout, func() {
			self.evict(key)
		})
		self.assemblies[key] = assembly
	}
	assembly.chunks[envelope.Index] = envelope.Chunk
	if envelope.Final {
		assembly.receivedFinal = true
		assembly.finalIndex = envelope.Index
	}
	if !assembly.complete() {
		self.stateLock.Unlock()
		return
	}
	assembly.evict.Stop()
	delete(self.assemblies, key)
	self.stateLock.Unlock()

	glog.V(2).Infof("[w]%s<- assembled %s (%d chunks)\n", event, envelope.Id, assembly.finalIndex+1)
	callback(assembly.join())
}

func (self *WhisperTransport) evict(key assemblyKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.assemblies[key]; ok {
		glog.V(1).Infof("[w]%s evict incomplete %s\n", key.event, key.id)
		delete(self.assemblies, key)
	}
}

// AssemblyCount reports in-flight incomplete assemblies.
func (self *WhisperTransport) AssemblyCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.assemblies)
}

// Close drops all in-flight assemblies and stops their eviction timers.
func (self *WhisperTransport) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	for _, key := range maps.Keys(self.assemblies) {
		self.assemblies[key].evict.Stop()
		delete(self.assemblies, key)
	}
}
