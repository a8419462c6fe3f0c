package collab

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/slices"
)

// secondary sessions of the same user (e.g. a second browser tab) carry a
// scope suffix on the user id, `{userId}#{n}`. identity checks that must hold
// per-user and not per-tab strip or reject the suffix.
const SecondarySessionDelimiter = "#"

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + self.String() + `"`), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// GenerateIdFunc creates ids for outgoing chunked messages.
// Injectable so that tests can supply deterministic ids.
type GenerateIdFunc func() Id

// UserInfo is the durable identity behind one or more sessions,
// as supplied by the presence transport.
type UserInfo struct {
	Id     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Session is one connected tab's membership in the channel.
// `Id` is the per-tab session id. `Info.Id` is the stable user id,
// shared by all of that user's sessions.
type Session struct {
	Id   string   `json:"id"`
	Info UserInfo `json:"info"`
}

func (self Session) SameUser(other Session) bool {
	return self.Info.Id == other.Info.Id
}

// ChannelName derives the presence channel key for a document at a site.
// `::` in document references collides with the transport's channel name
// separator, so it is normalized to `.`.
func ChannelName(reference string, site string) string {
	return fmt.Sprintf("%s.%s", strings.ReplaceAll(reference, "::", "."), site)
}

// makes a copy of the list on update so that callbacks can be
// invoked without holding the lock
type callbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*T
}

func (self *callbackList[T]) get() []*T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *callbackList[T]) add(callback *T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callback)
	self.callbacks = nextCallbacks

	return func() {
		self.remove(callback)
	}
}

func (self *callbackList[T]) remove(callback *T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbacks, callback)
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}
