package pusher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/coedit/collab"
)

// ChannelAuth signs presence channel subscriptions with the app secret and
// declares the member identity carried in channel_data. The `user_id` on
// the wire is the per-session id: the stable user id, suffixed with
// `#{scope}` for secondary sessions of the same user.
type ChannelAuth struct {
	AppKey string
	Secret string
	User   collab.UserInfo
	// non-empty for secondary tabs of the same user, e.g. "2"
	SessionScope string
}

func (self *ChannelAuth) SessionUserId() string {
	if self.SessionScope == "" {
		return self.User.Id
	}
	return self.User.Id + collab.SecondarySessionDelimiter + self.SessionScope
}

// Sign produces the subscription auth token and channel_data for a
// presence channel, per the pusher auth scheme:
// HMAC-SHA256(`{socket_id}:{channel}:{channel_data}`, secret).
func (self *ChannelAuth) Sign(socketId string, channelName string) (auth string, channelData string, err error) {
	channelDataBytes, err := json.Marshal(map[string]any{
		"user_id":   self.SessionUserId(),
		"user_info": self.User,
	})
	if err != nil {
		return "", "", err
	}
	channelData = string(channelDataBytes)

	mac := hmac.New(sha256.New, []byte(self.Secret))
	mac.Write([]byte(fmt.Sprintf("%s:%s:%s", socketId, channelName, channelData)))
	auth = fmt.Sprintf("%s:%s", self.AppKey, hex.EncodeToString(mac.Sum(nil)))
	return auth, channelData, nil
}

// UserInfoFromJwt extracts the collaborating identity from a platform JWT
// without verifying it. Verification is the issuing server's concern; the
// client only needs the claims to present itself on the channel.
func UserInfoFromJwt(jwt string) (collab.UserInfo, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return collab.UserInfo{}, err
	}
	claims := token.Claims.(gojwt.MapClaims)

	info := collab.UserInfo{}
	if userId, ok := claims["user_id"].(string); ok {
		info.Id = userId
	} else if sub, ok := claims["sub"].(string); ok {
		info.Id = sub
	}
	if name, ok := claims["name"].(string); ok {
		info.Name = name
	}
	if avatar, ok := claims["avatar"].(string); ok {
		info.Avatar = avatar
	}
	if info.Id == "" {
		return collab.UserInfo{}, fmt.Errorf("jwt carries no user identity")
	}
	return info, nil
}
