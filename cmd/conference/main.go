// Conference - group call orchestration demo
//
// Runs two participants over the in-memory loopback transport: both enter
// the same group call, exchange feeds, toggle mute and screenshare, then
// leave. Engine notifications are streamed through the event bus and
// rendered live.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/armorclaw/conference/internal/loopback"
	"github.com/armorclaw/conference/pkg/config"
	"github.com/armorclaw/conference/pkg/eventbus"
	"github.com/armorclaw/conference/pkg/groupcall"
	"github.com/armorclaw/conference/pkg/logger"
)

var (
	version = "0.1.0"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	eventStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to TOML configuration file")
		roomID      = flag.String("room", "", "room id for the call")
		userID      = flag.String("user", "", "local user id")
		ptt         = flag.Bool("ptt", false, "run the call in push-to-talk mode")
		voice       = flag.Bool("voice", false, "voice-only call (no video)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conference %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if *roomID == "" || *userID == "" {
		if err := promptForIdentity(roomID, userID); err != nil {
			fmt.Fprintf(os.Stderr, "setup: %v\n", err)
			os.Exit(1)
		}
	}

	if err := run(cfg, *roomID, *userID, *ptt, *voice); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// promptForIdentity collects the missing room/user ids interactively
func promptForIdentity(roomID, userID *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Room id").
				Placeholder("!room:example.org").
				Value(roomID).
				Validate(notEmpty("room id")),
			huh.NewInput().
				Title("Your user id").
				Placeholder("@alice:example.org").
				Value(userID).
				Validate(notEmpty("user id")),
		),
	)
	return form.Run()
}

func notEmpty(name string) func(string) error {
	return func(v string) error {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func run(cfg config.Config, roomID, userID string, ptt, voice bool) error {
	ctx := context.Background()

	bus := eventbus.New(eventbus.Config{
		WebSocketEnabled:  cfg.EventBus.Enabled,
		WebSocketAddr:     cfg.EventBus.Addr,
		WebSocketPath:     cfg.EventBus.Path,
		MaxSubscribers:    cfg.EventBus.MaxSubscribers,
		InactivityTimeout: cfg.EventBus.InactivityTimeout.Duration(),
	})
	if err := bus.Start(); err != nil {
		return fmt.Errorf("start eventbus: %w", err)
	}
	defer bus.Stop()

	callType := groupcall.CallTypeVideo
	if voice {
		callType = groupcall.CallTypeVoice
	}

	peerUserID := "@peer:loopback"
	state := loopback.NewStateChannel()
	localFactory := loopback.NewFactory(userID)
	peerFactory := loopback.NewFactory(peerUserID)

	local, err := newEngine(state, bus, localFactory, roomID, userID, callType, ptt, cfg)
	if err != nil {
		return err
	}
	peer, err := newEngine(state, bus, peerFactory, roomID, peerUserID, callType, ptt, cfg)
	if err != nil {
		return err
	}
	localFactory.Connect(peerUserID, peer)
	peerFactory.Connect(userID, local)

	sub, err := bus.Subscribe(eventbus.Filter{RoomID: roomID})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	done := make(chan struct{})
	go printNotifications(sub, done)

	fmt.Println(titleStyle.Render("conference demo"))
	fmt.Println(infoStyle.Render(fmt.Sprintf("room %s, call type %s, ptt %v", roomID, callType, ptt)))

	if err := local.Create(ctx); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	step("call announced")

	if err := local.Enter(ctx); err != nil {
		return fmt.Errorf("enter: %w", err)
	}
	step(fmt.Sprintf("%s entered", userID))

	// The peer joins the announced call
	if err := peer.Create(ctx); err != nil && !errors.Is(err, groupcall.ErrAlreadyCreated) {
		return fmt.Errorf("peer create: %w", err)
	}
	if err := peer.Enter(ctx); err != nil {
		return fmt.Errorf("peer enter: %w", err)
	}
	step(fmt.Sprintf("%s entered, %d active call(s)", peerUserID, len(local.Calls())))

	if err := local.SetMicrophoneMuted(ctx, true); err != nil {
		return fmt.Errorf("mute: %w", err)
	}
	step("microphone muted")
	if err := local.SetMicrophoneMuted(ctx, false); err != nil {
		return fmt.Errorf("unmute: %w", err)
	}
	step("microphone unmuted")

	if !voice {
		if _, err := local.SetScreensharingEnabled(ctx, true); err != nil {
			return fmt.Errorf("screenshare: %w", err)
		}
		step("screensharing enabled")
		if _, err := local.SetScreensharingEnabled(ctx, false); err != nil {
			return fmt.Errorf("screenshare off: %w", err)
		}
		step("screensharing disabled")
	}

	if err := peer.Leave(ctx); err != nil {
		return fmt.Errorf("peer leave: %w", err)
	}
	if err := local.Terminate(ctx); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	step("call terminated")

	// Let the notification printer drain
	time.Sleep(100 * time.Millisecond)
	bus.Unsubscribe(sub.ID)
	<-done
	return nil
}

// newEngine wires one participant: loopback capabilities plus the bus bridge
func newEngine(state *loopback.StateChannel, bus *eventbus.Bus, factory *loopback.Factory,
	roomID, userID string, callType groupcall.CallType, ptt bool, cfg config.Config) (*groupcall.GroupCall, error) {

	const callID = "demo-call"
	gc, err := groupcall.New(groupcall.Dependencies{
		Factory:  factory,
		State:    state,
		Devices:  loopback.Devices{},
		Observer: eventbus.NewEngineObserver(bus, callID, roomID),
	}, groupcall.Options{
		ID:                 callID,
		RoomID:             roomID,
		Type:               callType,
		PushToTalk:         ptt,
		UserID:             userID,
		DeviceID:           fmt.Sprintf("device-%s", userID),
		MembershipTTL:      cfg.Call.MembershipTTL.Duration(),
		PTTMaxTransmitTime: cfg.Call.PTTMaxTransmitTime.Duration(),
		StatsInterval:      cfg.Stats.Interval.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("engine for %s: %w", userID, err)
	}
	state.Register(gc)
	return gc, nil
}

func printNotifications(sub *eventbus.Subscriber, done chan struct{}) {
	defer close(done)
	for n := range sub.Channel {
		line := fmt.Sprintf("  [%s] %s", n.Kind, n.UserID)
		if n.Purpose != "" {
			line += fmt.Sprintf(" (%s)", n.Purpose)
		}
		if n.State != "" {
			line += fmt.Sprintf(" -> %s", n.State)
		}
		fmt.Println(eventStyle.Render(line))
	}
}

func step(msg string) {
	fmt.Println(okStyle.Render("* " + msg))
}
