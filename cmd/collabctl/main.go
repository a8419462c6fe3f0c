package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/redis/go-redis/v9"

	"github.com/coedit/collab"
	"github.com/coedit/collab/pusher"
	"github.com/coedit/collab/redischan"
)

const CollabCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control. Join a collaboration channel for debugging.

The channel can run over a pusher-protocol websocket endpoint
(--ws_url with --app_key and --secret) or over redis pub/sub
(--redis_url).

Usage:
    collabctl tail --jwt=<jwt> --reference=<reference> --site=<site>
        [--ws_url=<ws_url> --app_key=<app_key> --secret=<secret>]
        [--redis_url=<redis_url>]
        [--session_scope=<scope>]
    collabctl edit --jwt=<jwt> --reference=<reference> --site=<site>
        --handle=<handle> --value=<value>
        [--ws_url=<ws_url> --app_key=<app_key> --secret=<secret>]
        [--redis_url=<redis_url>]
        [--session_scope=<scope>]
    collabctl unlock --jwt=<jwt> --reference=<reference> --site=<site>
        --target=<target_user>
        [--ws_url=<ws_url> --app_key=<app_key> --secret=<secret>]
        [--redis_url=<redis_url>]
        [--session_scope=<scope>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --jwt=<jwt>                Platform JWT carrying the user identity.
    --reference=<reference>    Document reference, e.g. entry::abc123.
    --site=<site>              Site handle.
    --ws_url=<ws_url>          Pusher websocket url, e.g. wss://host/app/key?protocol=7.
    --app_key=<app_key>        Pusher app key.
    --secret=<secret>          Pusher app secret for channel auth.
    --redis_url=<redis_url>    Redis url, e.g. redis://localhost:6379.
    --session_scope=<scope>    Secondary session scope for a same-user tab.
    --handle=<handle>          Field handle to edit.
    --value=<value>            Field value to set.
    --target=<target_user>     User id whose editor should be unlocked.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if unlock_, _ := opts.Bool("unlock"); unlock_ {
		unlock(opts)
	}
}

func newWorkspace(ctx context.Context, opts docopt.Opts) *collab.Workspace {
	jwt, _ := opts.String("--jwt")
	reference, _ := opts.String("--reference")
	site, _ := opts.String("--site")
	sessionScope, _ := opts.String("--session_scope")

	user, err := pusher.UserInfoFromJwt(jwt)
	if err != nil {
		Err.Fatalf("Bad jwt: %s", err)
	}

	container := collab.Container{
		Reference: reference,
		Name:      reference,
		Site:      site,
	}
	channelName := collab.ChannelName(reference, site)

	var channel collab.PresenceChannel
	if redisUrl, err := opts.String("--redis_url"); err == nil && redisUrl != "" {
		redisOptions, err := redis.ParseURL(redisUrl)
		if err != nil {
			Err.Fatalf("Bad redis url: %s", err)
		}
		sessionId := user.Id
		if sessionScope != "" {
			sessionId = user.Id + collab.SecondarySessionDelimiter + sessionScope
		}
		channel = redischan.NewChannelWithDefaults(
			ctx,
			redis.NewClient(redisOptions),
			channelName,
			collab.Session{
				Id:   sessionId,
				Info: user,
			},
		)
	} else if wsUrl, err := opts.String("--ws_url"); err == nil && wsUrl != "" {
		appKey, _ := opts.String("--app_key")
		secret, _ := opts.String("--secret")
		channel = pusher.NewClientWithDefaults(ctx, wsUrl, channelName, &pusher.ChannelAuth{
			AppKey:       appKey,
			Secret:       secret,
			User:         user,
			SessionScope: sessionScope,
		})
	} else {
		Err.Fatalf("One of --ws_url or --redis_url is required.")
	}

	return collab.NewWorkspaceWithDefaults(ctx, container, channel, &collab.SessionContext{
		Store:    collab.NewMemoryStore(),
		Notifier: &logNotifier{},
		Hooks:    collab.NewMemoryHooks(),
		Host:     &collab.NopEditorHost{},
	})
}

func tail(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspace := newWorkspace(ctx, opts)
	if err := workspace.Start(); err != nil {
		Err.Fatalf("Cannot join channel: %s", err)
	}
	defer workspace.Destroy()

	Out.Printf("joined %s", workspace.ChannelName())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func edit(opts docopt.Opts) {
	handle, _ := opts.String("--handle")
	value, _ := opts.String("--value")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspace := newWorkspace(ctx, opts)
	if err := workspace.Start(); err != nil {
		Err.Fatalf("Cannot join channel: %s", err)
	}
	defer workspace.Destroy()

	// let the subscription settle and the rendezvous state arrive
	time.Sleep(1 * time.Second)

	selfSession, ok := workspace.Self()
	if !ok {
		Err.Fatalf("Channel subscription did not resolve.")
	}
	workspace.FocusField(handle)
	workspace.Store().SetFieldValue(collab.FieldMutation{
		Handle: handle,
		Value:  value,
		User:   selfSession.Info.Id,
	})
	workspace.BlurField(handle)

	// wait out the debounce window so the whisper flushes
	time.Sleep(1 * time.Second)
	Out.Printf("set %s", handle)
}

func unlock(opts docopt.Opts) {
	target, _ := opts.String("--target")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspace := newWorkspace(ctx, opts)
	if err := workspace.Start(); err != nil {
		Err.Fatalf("Cannot join channel: %s", err)
	}
	defer workspace.Destroy()

	time.Sleep(1 * time.Second)
	workspace.RequestUnlock(target)
	time.Sleep(1 * time.Second)
	Out.Printf("requested unlock of %s", target)
}

type logNotifier struct{}

func (self *logNotifier) Success(message string) {
	Out.Printf("[notice] %s", message)
}

func (self *logNotifier) Info(message string) {
	Out.Printf("[info] %s", message)
}

func (self *logNotifier) PlayAudio(cue string) {
	Out.Printf("[audio] %s", cue)
}

func (self *logNotifier) BlockingNotice(message string, confirm func()) {
	Out.Printf("[blocking] %s", message)
	confirm()
}
