package redischan

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/redis/go-redis/v9"

	"github.com/coedit/collab"
)

func testRedisClient(t *testing.T) *redis.Client {
	url := os.Getenv("COLLAB_TEST_REDIS_URL")
	if url == "" {
		t.Skip("set COLLAB_TEST_REDIS_URL to run redis channel tests")
	}
	options, err := redis.ParseURL(url)
	assert.Equal(t, err, nil)
	return redis.NewClient(options)
}

func testChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		HeartbeatInterval: 50 * time.Millisecond,
		SessionTtl:        200 * time.Millisecond,
		SubscribeTimeout:  5 * time.Second,
	}
}

func testChannelSession(sessionId string, userId string, name string) collab.Session {
	return collab.Session{
		Id: sessionId,
		Info: collab.UserInfo{
			Id:   userId,
			Name: name,
		},
	}
}

func TestChannelJoinLeave(t *testing.T) {
	client := testRedisClient(t)
	channelName := "join-" + collab.NewId().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewChannel(ctx, client, channelName, testChannelSession("alice-1", "alice", "Alice"), testChannelSettings())

	added := make(chan collab.Session, 8)
	removed := make(chan collab.Session, 8)
	a.OnMemberAdded(func(member collab.Session) {
		added <- member
	})
	a.OnMemberRemoved(func(member collab.Session) {
		removed <- member
	})
	assert.Equal(t, a.Join(), nil)
	defer a.Leave()

	b := NewChannel(ctx, client, channelName, testChannelSession("bob-1", "bob", "Bob"), testChannelSettings())
	assert.Equal(t, b.Join(), nil)

	select {
	case member := <-added:
		assert.Equal(t, member.Id, "bob-1")
	case <-time.After(5 * time.Second):
		t.Fatal("join was not announced")
	}

	b.Leave()

	select {
	case member := <-removed:
		assert.Equal(t, member.Id, "bob-1")
	case <-time.After(5 * time.Second):
		t.Fatal("leave was not announced")
	}
}

func TestChannelDeadSessionSwept(t *testing.T) {
	client := testRedisClient(t)
	channelName := "sweep-" + collab.NewId().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewChannel(ctx, client, channelName, testChannelSession("alice-1", "alice", "Alice"), testChannelSettings())

	removed := make(chan collab.Session, 8)
	a.OnMemberRemoved(func(member collab.Session) {
		removed <- member
	})
	assert.Equal(t, a.Join(), nil)
	defer a.Leave()

	// b joins, then dies without a leave: its context is cancelled, the
	// heartbeat stops, and the liveness key is left to expire
	bCtx, bCancel := context.WithCancel(context.Background())
	b := NewChannel(bCtx, client, channelName, testChannelSession("bob-1", "bob", "Bob"), testChannelSettings())
	assert.Equal(t, b.Join(), nil)
	bCancel()

	select {
	case member := <-removed:
		assert.Equal(t, member.Id, "bob-1")
	case <-time.After(5 * time.Second):
		t.Fatal("dead session was not swept")
	}
}
