package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/coedit/collab"
)

// Pusher-protocol presence channel client (protocol 7), compatible with
// pusher.com and self-hosted servers like soketi. Implements
// collab.PresenceChannel: membership events plus client events (whispers).

const (
	eventConnectionEstablished = "pusher:connection_established"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventMemberAdded           = "pusher_internal:member_added"
	eventMemberRemoved         = "pusher_internal:member_removed"
	clientEventPrefix          = "client-"
	presenceChannelPrefix      = "presence-"
)

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	SubscribeTimeout   time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		SubscribeTimeout:   5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        30 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        120 * time.Second,
		SendBufferSize:     32,
	}
}

// wire envelope. pusher serializes `data` either as an object or as a
// JSON-encoded string, depending on the server.
type wireMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (self *wireMessage) dataBytes() []byte {
	var inner string
	if err := json.Unmarshal(self.Data, &inner); err == nil {
		return []byte(inner)
	}
	return self.Data
}

type connectionEstablishedData struct {
	SocketId        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

type presenceData struct {
	Presence struct {
		Count int                        `json:"count"`
		Ids   []string                   `json:"ids"`
		Hash  map[string]collab.UserInfo `json:"hash"`
	} `json:"presence"`
}

type memberData struct {
	UserId   string          `json:"user_id"`
	UserInfo collab.UserInfo `json:"user_info"`
}

type whisperCallback func(payload []byte)

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url         string
	channelName string
	auth        *ChannelAuth
	settings    *ClientSettings

	send chan []byte

	stateLock sync.Mutex
	joined    bool
	// last known member info per session user_id, so removals can carry
	// full member identity
	members map[string]collab.UserInfo

	subscriptionSucceededCallbacks []*func(self collab.Session, members []collab.Session)
	memberAddedCallbacks           []*func(member collab.Session)
	memberRemovedCallbacks         []*func(member collab.Session)
	whisperCallbacks               map[string][]*whisperCallback
}

// NewClient prepares a client for the presence channel of `channelName`
// (the `presence-` prefix is added on the wire). `url` is the websocket
// endpoint including the app key, e.g. `wss://host/app/{key}?protocol=7`.
func NewClientWithDefaults(ctx context.Context, url string, channelName string, auth *ChannelAuth) *Client {
	return NewClient(ctx, url, channelName, auth, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, channelName string, auth *ChannelAuth, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		channelName:      presenceChannelPrefix + channelName,
		auth:             auth,
		settings:         settings,
		send:             make(chan []byte, settings.SendBufferSize),
		members:          map[string]collab.UserInfo{},
		whisperCallbacks: map[string][]*whisperCallback{},
	}
}

func (self *Client) Join() error {
	self.stateLock.Lock()
	if self.joined {
		self.stateLock.Unlock()
		return nil
	}
	self.joined = true
	self.stateLock.Unlock()

	go self.run()
	return nil
}

func (self *Client) Leave() {
	self.cancel()
}

func (self *Client) OnSubscriptionSucceeded(callback func(self collab.Session, members []collab.Session)) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscriptionSucceededCallbacks = append(self.subscriptionSucceededCallbacks, &callback)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscriptionSucceededCallbacks = removeCallback(self.subscriptionSucceededCallbacks, &callback)
	}
}

func (self *Client) OnMemberAdded(callback func(member collab.Session)) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.memberAddedCallbacks = append(self.memberAddedCallbacks, &callback)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.memberAddedCallbacks = removeCallback(self.memberAddedCallbacks, &callback)
	}
}

func (self *Client) OnMemberRemoved(callback func(member collab.Session)) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.memberRemovedCallbacks = append(self.memberRemovedCallbacks, &callback)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.memberRemovedCallbacks = removeCallback(self.memberRemovedCallbacks, &callback)
	}
}

func removeCallback[T any](callbacks []*T, callback *T) []*T {
	i := slices.Index(callbacks, callback)
	if i < 0 {
		return callbacks
	}
	return slices.Delete(slices.Clone(callbacks), i, i+1)
}

// Whisper sends a client event on the channel. Client events are ephemeral:
// the server fans them out to the other subscribers and forgets them.
func (self *Client) Whisper(event string, payload []byte) error {
	message, err := json.Marshal(&wireMessage{
		Event:   clientEventPrefix + event,
		Channel: self.channelName,
		Data:    json.RawMessage(payload),
	})
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("client closed")
	case self.send <- message:
		return nil
	default:
		// fire and forget. a full buffer drops the whisper, matching the
		// primitive's no-guarantee semantics.
		glog.Infof("[p]drop %s (send buffer full)\n", event)
		return nil
	}
}

func (self *Client) OnWhisper(event string, callback func(payload []byte)) func() {
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

// connect and resubscribe until cancelled
func (self *Client) run() {
	for {
		self.connectAndHandle()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *Client) connectAndHandle() {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		glog.Infof("[p]connect error = %s\n", err)
		return
	}
	defer ws.Close()

	socketId, err := self.awaitEstablished(ws)
	if err != nil {
		glog.Infof("[p]handshake error = %s\n", err)
		return
	}

	if err := self.subscribe(ws, socketId); err != nil {
		glog.Infof("[p]subscribe error = %s\n", err)
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[p]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[p]->\n")
			case <-time.After(self.settings.PingTimeout):
				ping, _ := json.Marshal(&wireMessage{
					Event: eventPing,
				})
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[p]<- error = %s\n", err)
			return
		}
		self.dispatch(messageBytes)
	}
}

func (self *Client) awaitEstablished(ws *websocket.Conn) (string, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.SubscribeTimeout))
	_, messageBytes, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	var message wireMessage
	if err := json.Unmarshal(messageBytes, &message); err != nil {
		return "", err
	}
	if message.Event != eventConnectionEstablished {
		return "", fmt.Errorf("expected %s, got %s", eventConnectionEstablished, message.Event)
	}
	var established connectionEstablishedData
	if err := json.Unmarshal(message.dataBytes(), &established); err != nil {
		return "", err
	}
	glog.V(1).Infof("[p]established %s\n", established.SocketId)
	return established.SocketId, nil
}

func (self *Client) subscribe(ws *websocket.Conn, socketId string) error {
	auth, channelData, err := self.auth.Sign(socketId, self.channelName)
	if err != nil {
		return err
	}
	dataBytes, err := json.Marshal(&subscribeData{
		Channel:     self.channelName,
		Auth:        auth,
		ChannelData: channelData,
	})
	if err != nil {
		return err
	}
	subscribeBytes, err := json.Marshal(&wireMessage{
		Event: eventSubscribe,
		Data:  json.RawMessage(dataBytes),
	})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, subscribeBytes); err != nil {
		return err
	}

	// read until the subscription succeeds
	deadline := time.Now().Add(self.settings.SubscribeTimeout)
	for {
		ws.SetReadDeadline(deadline)
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var message wireMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			return err
		}
		if message.Event != eventSubscriptionSucceeded {
			glog.V(2).Infof("[p]pre-subscribe %s\n", message.Event)
			continue
		}
		var presence presenceData
		if err := json.Unmarshal(message.dataBytes(), &presence); err != nil {
			return err
		}

		members := []collab.Session{}
		self.stateLock.Lock()
		maps.Clear(self.members)
		for id, info := range presence.Presence.Hash {
			self.members[id] = info
			members = append(members, collab.Session{
				Id:   id,
				Info: info,
			})
		}
		callbacks := slices.Clone(self.subscriptionSucceededCallbacks)
		self.stateLock.Unlock()

		selfSession := collab.Session{
			Id:   self.auth.SessionUserId(),
			Info: self.auth.User,
		}
		for _, callback := range callbacks {
			(*callback)(selfSession, members)
		}
		return nil
	}
}

func (self *Client) dispatch(messageBytes []byte) {
	var message wireMessage
	if err := json.Unmarshal(messageBytes, &message); err != nil {
		glog.Infof("[p]<- bad message = %s\n", err)
		return
	}

	switch message.Event {
	case eventPing:
		pong, _ := json.Marshal(&wireMessage{
			Event: eventPong,
		})
		select {
		case self.send <- pong:
		default:
		}
	case eventPong:
		// keepalive response, nothing to do
	case eventMemberAdded:
		var member memberData
		if err := json.Unmarshal(message.dataBytes(), &member); err != nil {
			glog.Infof("[p]<- bad member = %s\n", err)
			return
		}
		self.stateLock.Lock()
		self.members[member.UserId] = member.UserInfo
		callbacks := slices.Clone(self.memberAddedCallbacks)
		self.stateLock.Unlock()
		for _, callback := range callbacks {
			(*callback)(collab.Session{
				Id:   member.UserId,
				Info: member.UserInfo,
			})
		}
	case eventMemberRemoved:
		var member memberData
		if err := json.Unmarshal(message.dataBytes(), &member); err != nil {
			glog.Infof("[p]<- bad member = %s\n", err)
			return
		}
		self.stateLock.Lock()
		info, ok := self.members[member.UserId]
		if !ok {
			info = member.UserInfo
		}
		delete(self.members, member.UserId)
		callbacks := slices.Clone(self.memberRemovedCallbacks)
		self.stateLock.Unlock()
		for _, callback := range callbacks {
			(*callback)(collab.Session{
				Id:   member.UserId,
				Info: info,
			})
		}
	default:
		if strings.HasPrefix(message.Event, clientEventPrefix) {
			event := strings.TrimPrefix(message.Event, clientEventPrefix)
			self.stateLock.Lock()
			callbacks := slices.Clone(self.whisperCallbacks[event])
			self.stateLock.Unlock()
			payload := message.dataBytes()
			for _, callback := range callbacks {
				(*callback)(payload)
			}
		} else {
			glog.V(2).Infof("[p]<- ignoring %s\n", message.Event)
		}
	}
}
