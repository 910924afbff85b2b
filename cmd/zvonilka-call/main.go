// Command zvonilka-call is a headless call peer for testing a deployment
// end to end: it creates or joins a room, negotiates an audio session
// through the signaling server, and holds the call until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/Kaplinskiy/zvonilka/client"
	"github.com/Kaplinskiy/zvonilka/client/pionmedia"
	"github.com/Kaplinskiy/zvonilka/internal/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("zvonilka-call", flag.ContinueOnError)
	serverURL := fs.String("server", "http://127.0.0.1:8080", "signaling server base URL")
	roomID := fs.String("room", "", "room code to join; empty creates a new room and prints its code")
	user := fs.String("user", "", "user id for TURN credentials")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.NewAPI(*serverURL, nil)

	// No -room means we are the caller and mint the code ourselves.
	role := wire.RoleCallee
	room := *roomID
	if room == "" {
		created, err := api.CreateRoom(ctx)
		if err != nil {
			return err
		}
		role = wire.RoleCaller
		room = created
		fmt.Printf("room code: %s\n", room)
	}

	iceServers := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	iceCfg, err := api.FetchICEServers(ctx, *user)
	switch {
	case err == nil:
		iceServers = iceCfg.Servers
		logger.Info("relay credentials fetched", "ttl", iceCfg.TTL)
	case errors.Is(err, client.ErrTURNUnavailable):
		logger.Info("no relay configured, continuing with STUN only")
	default:
		return err
	}

	sess, err := pionmedia.NewSession(pionmedia.Config{
		ICEServers: iceServers,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.OnTrack(func(track *webrtc.TrackRemote) {
		logger.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		go drainTrack(track)
	})

	wsURL, err := signalingWSURL(*serverURL)
	if err != nil {
		return err
	}
	transport, err := client.NewTransport(client.TransportConfig{
		ServerURL: wsURL,
		RoomID:    room,
		Role:      role,
		Logger:    logger,
		OnDown: func() {
			logger.Warn("signaling channel down, reconnecting")
		},
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	neg, err := client.NewNegotiator(client.NegotiatorConfig{
		Role:   role,
		Media:  sess,
		Sender: transport,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	transport.SetHandler(func(msg wire.Message) {
		neg.HandleMessage(ctx, msg)
	})

	memberID, err := transport.Connect(ctx)
	if err != nil {
		return err
	}
	logger.Info("joined room", "room_id", room, "role", role, "member_id", memberID)

	if err := neg.Start(ctx); err != nil {
		return err
	}

	go feedSilence(ctx, sess)

	select {
	case <-ctx.Done():
		logger.Info("interrupted, hanging up")
		neg.Hangup("")
		<-neg.Done()
	case <-neg.Done():
		if err := neg.Err(); err != nil {
			return fmt.Errorf("call ended: %w", err)
		}
		logger.Info("call ended")
	case <-transport.Done():
		return fmt.Errorf("signaling channel lost for good")
	}
	return nil
}

func signalingWSURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url %q: scheme must be http or https", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// feedSilence keeps the negotiated audio sender alive with opus silence
// frames. A real peer would pipe microphone capture here instead.
func feedSilence(ctx context.Context, sess *pionmedia.Session) {
	opusSilence := []byte{0xf8, 0xff, 0xfe}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		track := sess.LocalTrack()
		if track == nil {
			continue
		}
		if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
