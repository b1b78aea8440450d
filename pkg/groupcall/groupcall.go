// Package groupcall implements multi-party call orchestration on top of a
// room-based signaling substrate. The engine owns the local feeds, tracks at
// most one peer call per opponent, reconciles room membership into call
// placement and exposes mute/screenshare controls. Transport, negotiation and
// device access are consumed as capabilities.
package groupcall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/conference/pkg/feed"
	"github.com/armorclaw/conference/pkg/logger"
	"github.com/armorclaw/conference/pkg/stats"
)

// Room state event types for group calls
const (
	// EventTypeGroupCall announces a call in a room, keyed by call id
	EventTypeGroupCall = "org.matrix.msc3401.call"

	// EventTypeGroupCallMember carries a participant's membership record,
	// keyed by user id
	EventTypeGroupCallMember = "org.matrix.msc3401.call.member"
)

// CallType selects the media profile of a group call
type CallType string

const (
	CallTypeVideo CallType = "m.video"
	CallTypeVoice CallType = "m.voice"
)

// CallIntent describes how clients should surface the call
type CallIntent string

const (
	IntentRing   CallIntent = "m.ring"
	IntentPrompt CallIntent = "m.prompt"
	IntentRoom   CallIntent = "m.room"
)

// GroupCallState represents the engine lifecycle state
type GroupCallState int

const (
	// StateUninitialized is the initial state, before Create
	StateUninitialized GroupCallState = iota
	// StateLocalFeedUninitialized means the call is announced but no local
	// media exists yet
	StateLocalFeedUninitialized
	// StateLocalFeedInitializing means device acquisition is in flight
	StateLocalFeedInitializing
	// StateLocalFeedInitialized means local media is ready
	StateLocalFeedInitialized
	// StateEntered means this participant is in the call
	StateEntered
	// StateEnded is terminal
	StateEnded
)

// String returns a human-readable state name
func (s GroupCallState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLocalFeedUninitialized:
		return "local_feed_uninitialized"
	case StateLocalFeedInitializing:
		return "local_feed_initializing"
	case StateLocalFeedInitialized:
		return "local_feed_initialized"
	case StateEntered:
		return "entered"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// AnnouncementContent is the room state content announcing a group call
type AnnouncementContent struct {
	Type   CallType   `json:"m.type"`
	Intent CallIntent `json:"m.intent"`
	PTT    bool       `json:"m.ptt"`

	// Terminated is set when the call has been ended for everyone
	Terminated string `json:"m.terminated,omitempty"`
}

// TerminationReason is the only termination reason currently defined
const TerminationReason = "call_ended"

// Options configures a group call
type Options struct {
	// ID is the group call id; generated when empty
	ID string

	// RoomID is the room the call lives in
	RoomID string

	// Type selects voice or video
	Type CallType

	// Intent describes how the call should be surfaced
	Intent CallIntent

	// PushToTalk enables PTT semantics: the call starts muted and unmuted
	// transmission is bounded by PTTMaxTransmitTime
	PushToTalk bool

	// UserID is the local participant's user id
	UserID string

	// DeviceID is the local participant's device id
	DeviceID string

	// MembershipTTL is how long a published membership record stays valid.
	// Defaults to 1 hour.
	MembershipTTL time.Duration

	// PTTMaxTransmitTime bounds continuous unmuted time on PTT calls.
	// Defaults to 20 seconds.
	PTTMaxTransmitTime time.Duration

	// StatsInterval is the peer statistics polling period. Defaults to 10
	// seconds.
	StatsInterval time.Duration
}

// Dependencies are the external capabilities the engine drives
type Dependencies struct {
	Factory PeerCallFactory
	State   StateChannel
	Devices MediaDevices

	// Observer receives engine notifications; may be nil
	Observer Observer

	// Logger defaults to the global logger
	Logger *logger.Logger
}

const (
	defaultMembershipTTL      = time.Hour
	defaultPTTMaxTransmitTime = 20 * time.Second
	defaultStatsInterval      = 10 * time.Second
)

// GroupCall orchestrates one multi-party call for the local participant
type GroupCall struct {
	id         string
	roomID     string
	callType   CallType
	intent     CallIntent
	pushToTalk bool
	userID     string
	deviceID   string

	membershipTTL      time.Duration
	pttMaxTransmitTime time.Duration

	factory  PeerCallFactory
	state    StateChannel
	devices  MediaDevices
	observer Observer
	log      *logger.Logger

	stats *stats.GroupCallStats

	ctx    context.Context
	cancel context.CancelFunc

	// micMu and videoMu serialize overlapping mute operations per flag.
	// They are held across awaited metadata sends; mu never is.
	micMu   sync.Mutex
	videoMu sync.Mutex

	mu               sync.Mutex
	callState        GroupCallState
	micMuted         bool
	videoMuted       bool
	localFeed        *feed.Feed
	localScreenshare *feed.Feed
	userMediaFeeds   []*feed.Feed
	screenshareFeeds []*feed.Feed
	calls            map[string]PeerCall // keyed by opponent user id
	pttTimer         *time.Timer
	resendTimer      *time.Timer
}

// New creates a group call engine. The call is not announced until Create.
func New(deps Dependencies, opts Options) (*GroupCall, error) {
	if deps.Factory == nil || deps.State == nil || deps.Devices == nil {
		return nil, fmt.Errorf("%w: factory, state channel and devices are required", ErrInvalidStateTransition)
	}
	if opts.RoomID == "" || opts.UserID == "" || opts.DeviceID == "" {
		return nil, fmt.Errorf("%w: room id, user id and device id are required", ErrInvalidStateTransition)
	}

	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Type == "" {
		opts.Type = CallTypeVideo
	}
	if opts.Intent == "" {
		opts.Intent = IntentPrompt
	}
	if opts.MembershipTTL <= 0 {
		opts.MembershipTTL = defaultMembershipTTL
	}
	if opts.PTTMaxTransmitTime <= 0 {
		opts.PTTMaxTransmitTime = defaultPTTMaxTransmitTime
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}

	log := deps.Logger
	if log == nil {
		log = logger.Global()
	}
	log = log.WithComponent("groupcall").WithCallID(opts.ID).WithRoomID(opts.RoomID)

	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	gc := &GroupCall{
		id:                 opts.ID,
		roomID:             opts.RoomID,
		callType:           opts.Type,
		intent:             opts.Intent,
		pushToTalk:         opts.PushToTalk,
		userID:             opts.UserID,
		deviceID:           opts.DeviceID,
		membershipTTL:      opts.MembershipTTL,
		pttMaxTransmitTime: opts.PTTMaxTransmitTime,
		factory:            deps.Factory,
		state:              deps.State,
		devices:            deps.Devices,
		observer:           observer,
		log:                log,
		stats:              stats.NewGroupCallStats(opts.ID, opts.UserID, opts.StatsInterval),
		ctx:                ctx,
		cancel:             cancel,
		callState:          StateUninitialized,
		calls:              make(map[string]PeerCall),
	}

	// PTT calls start muted
	gc.micMuted = opts.PushToTalk

	return gc, nil
}

// ID returns the group call id
func (gc *GroupCall) ID() string { return gc.id }

// RoomID returns the room the call lives in
func (gc *GroupCall) RoomID() string { return gc.roomID }

// Type returns the call's media profile
func (gc *GroupCall) Type() CallType { return gc.callType }

// Intent returns the call intent
func (gc *GroupCall) Intent() CallIntent { return gc.intent }

// IsPTT reports whether the call uses push-to-talk semantics
func (gc *GroupCall) IsPTT() bool { return gc.pushToTalk }

// State returns the current engine state
func (gc *GroupCall) State() GroupCallState {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.callState
}

// Stats returns the call's stats collector set
func (gc *GroupCall) Stats() *stats.GroupCallStats { return gc.stats }

// Create announces the call in the room. Must be called exactly once; the
// engine moves to LocalFeedUninitialized on success.
func (gc *GroupCall) Create(ctx context.Context) error {
	gc.mu.Lock()
	if gc.callState != StateUninitialized {
		gc.mu.Unlock()
		return ErrAlreadyCreated
	}
	gc.mu.Unlock()

	content := AnnouncementContent{
		Type:   gc.callType,
		Intent: gc.intent,
		PTT:    gc.pushToTalk,
	}
	if err := gc.state.SendStateEvent(ctx, gc.roomID, EventTypeGroupCall, content, gc.id); err != nil {
		return fmt.Errorf("%w: announce call: %v", ErrSignalingFailed, err)
	}

	gc.mu.Lock()
	if gc.callState != StateUninitialized {
		// Raced with a concurrent Create or Leave
		gc.mu.Unlock()
		return ErrAlreadyCreated
	}
	gc.mu.Unlock()

	gc.setState(StateLocalFeedUninitialized)
	gc.log.Info("group call created", "type", gc.callType, "intent", gc.intent, "ptt", gc.pushToTalk)
	return nil
}

// InitLocalFeed acquires the local usermedia stream and wraps it in a feed.
// On acquisition failure the state rolls back so the caller may retry.
func (gc *GroupCall) InitLocalFeed(ctx context.Context) error {
	gc.mu.Lock()
	if gc.callState != StateLocalFeedUninitialized {
		state := gc.callState
		gc.mu.Unlock()
		return fmt.Errorf("%w: cannot initialize local feed in state %s", ErrInvalidStateTransition, state)
	}
	gc.callState = StateLocalFeedInitializing
	micMuted, videoMuted := gc.micMuted, gc.videoMuted
	gc.mu.Unlock()
	gc.observer.OnStateChanged(StateLocalFeedUninitialized, StateLocalFeedInitializing)

	stream, err := gc.devices.GetUserMedia(ctx, true, gc.callType == CallTypeVideo)
	if err != nil {
		gc.mu.Lock()
		if gc.callState == StateLocalFeedInitializing {
			gc.callState = StateLocalFeedUninitialized
			gc.mu.Unlock()
			gc.observer.OnStateChanged(StateLocalFeedInitializing, StateLocalFeedUninitialized)
		} else {
			gc.mu.Unlock()
		}
		return fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err)
	}

	f := feed.NewLocalFeed(stream, feed.PurposeUsermedia, gc.userID, gc.deviceID)
	f.SetAudioVideoMuted(feed.Bool(micMuted), feed.Bool(videoMuted))

	gc.mu.Lock()
	if gc.callState != StateLocalFeedInitializing {
		// Left while acquisition was in flight
		gc.mu.Unlock()
		f.Stop()
		return nil
	}
	gc.localFeed = f
	gc.userMediaFeeds = append(gc.userMediaFeeds, f)
	gc.callState = StateLocalFeedInitialized
	gc.mu.Unlock()

	gc.observer.OnStateChanged(StateLocalFeedInitializing, StateLocalFeedInitialized)
	gc.observer.OnFeedAdded(f)
	gc.log.Info("local feed initialized", "stream_id", stream.ID())
	return nil
}

// Enter joins the call: ensures local media, publishes this participant's
// membership, starts stats collection and reconciles the current room
// membership into peer calls.
func (gc *GroupCall) Enter(ctx context.Context) error {
	gc.mu.Lock()
	switch gc.callState {
	case StateEntered:
		gc.mu.Unlock()
		return nil
	case StateUninitialized, StateEnded:
		state := gc.callState
		gc.mu.Unlock()
		return fmt.Errorf("%w: cannot enter in state %s", ErrInvalidStateTransition, state)
	}
	needFeed := gc.localFeed == nil
	gc.mu.Unlock()

	if needFeed {
		if err := gc.InitLocalFeed(ctx); err != nil {
			return err
		}
	}

	// Entered must be visible before the membership publish: opponents may
	// react to the record while the send is still in flight
	gc.setState(StateEntered)
	if err := gc.publishMembership(ctx); err != nil {
		gc.setState(StateLocalFeedInitialized)
		return err
	}
	gc.stats.Start()
	gc.armResendTimer()
	gc.log.Info("entered group call")

	// Place calls toward participants already present
	for _, ev := range gc.state.MemberStates(gc.roomID) {
		gc.HandleMemberStateChanged(ev)
	}
	return nil
}

// Leave exits the call and moves to the terminal Ended state. Safe to call
// multiple times.
func (gc *GroupCall) Leave(ctx context.Context) error {
	gc.mu.Lock()
	if gc.callState == StateEnded {
		gc.mu.Unlock()
		return nil
	}
	prev := gc.callState
	gc.callState = StateEnded

	calls := make([]PeerCall, 0, len(gc.calls))
	for _, c := range gc.calls {
		calls = append(calls, c)
	}
	gc.calls = make(map[string]PeerCall)

	local := gc.localFeed
	screenshare := gc.localScreenshare
	gc.localFeed = nil
	gc.localScreenshare = nil
	feeds := append(gc.userMediaFeeds, gc.screenshareFeeds...)
	gc.userMediaFeeds = nil
	gc.screenshareFeeds = nil

	if gc.pttTimer != nil {
		gc.pttTimer.Stop()
		gc.pttTimer = nil
	}
	if gc.resendTimer != nil {
		gc.resendTimer.Stop()
		gc.resendTimer = nil
	}
	gc.mu.Unlock()

	gc.cancel()
	gc.stats.Stop()

	g := new(errgroup.Group)
	for _, c := range calls {
		call := c
		g.Go(func() error {
			if err := call.Hangup(); err != nil {
				gc.log.Warn("hangup failed", "call_id", call.ID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range calls {
		gc.stats.RemoveStatsCollector(c.ID())
		gc.observer.OnCallRemoved(c)
	}

	if local != nil {
		local.Stop()
	}
	if screenshare != nil {
		screenshare.Stop()
	}
	for _, f := range feeds {
		gc.observer.OnFeedRemoved(f)
	}

	var clearErr error
	if prev == StateEntered {
		clearErr = gc.clearMembership(ctx)
	}

	gc.observer.OnStateChanged(prev, StateEnded)
	gc.log.Info("left group call")
	return clearErr
}

// Terminate ends the call for everyone: leaves and republishes the
// announcement marked terminated.
func (gc *GroupCall) Terminate(ctx context.Context) error {
	if err := gc.Leave(ctx); err != nil {
		return err
	}

	content := AnnouncementContent{
		Type:       gc.callType,
		Intent:     gc.intent,
		PTT:        gc.pushToTalk,
		Terminated: TerminationReason,
	}
	if err := gc.state.SendStateEvent(ctx, gc.roomID, EventTypeGroupCall, content, gc.id); err != nil {
		return fmt.Errorf("%w: terminate call: %v", ErrSignalingFailed, err)
	}
	gc.log.Info("terminated group call")
	return nil
}

// UpdateLocalUsermediaStream replaces the local feed's stream, preserving the
// current mute flags and stopping the previous stream's tracks.
func (gc *GroupCall) UpdateLocalUsermediaStream(stream feed.MediaStream) error {
	gc.mu.Lock()
	local := gc.localFeed
	gc.mu.Unlock()
	if local == nil {
		return fmt.Errorf("%w: no local feed", ErrInvalidStateTransition)
	}
	local.SetStream(stream)
	return nil
}

// Calls returns the tracked peer calls
func (gc *GroupCall) Calls() []PeerCall {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	calls := make([]PeerCall, 0, len(gc.calls))
	for _, c := range gc.calls {
		calls = append(calls, c)
	}
	return calls
}

// CallByUser returns the tracked call with the given opponent, or nil
func (gc *GroupCall) CallByUser(userID string) PeerCall {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.calls[userID]
}

// LocalFeed returns the local usermedia feed, or nil before initialization
func (gc *GroupCall) LocalFeed() *feed.Feed {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.localFeed
}

// LocalScreenshareFeed returns the local screenshare feed, or nil
func (gc *GroupCall) LocalScreenshareFeed() *feed.Feed {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.localScreenshare
}

// UserMediaFeeds returns all usermedia feeds, local first
func (gc *GroupCall) UserMediaFeeds() []*feed.Feed {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	out := make([]*feed.Feed, len(gc.userMediaFeeds))
	copy(out, gc.userMediaFeeds)
	return out
}

// ScreenshareFeeds returns all screenshare feeds
func (gc *GroupCall) ScreenshareFeeds() []*feed.Feed {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	out := make([]*feed.Feed, len(gc.screenshareFeeds))
	copy(out, gc.screenshareFeeds)
	return out
}

// UserMediaFeedByUser returns the usermedia feed owned by a user, or nil
func (gc *GroupCall) UserMediaFeedByUser(userID string) *feed.Feed {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return findFeed(gc.userMediaFeeds, userID)
}

// ScreenshareFeedByUser returns the screenshare feed owned by a user, or nil
func (gc *GroupCall) ScreenshareFeedByUser(userID string) *feed.Feed {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return findFeed(gc.screenshareFeeds, userID)
}

func findFeed(feeds []*feed.Feed, userID string) *feed.Feed {
	for _, f := range feeds {
		if f.UserID() == userID {
			return f
		}
	}
	return nil
}

// localFeeds returns the feeds to carry on invites and answers
func (gc *GroupCall) localFeeds() []*feed.Feed {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	feeds := make([]*feed.Feed, 0, 2)
	if gc.localFeed != nil {
		feeds = append(feeds, gc.localFeed)
	}
	if gc.localScreenshare != nil {
		feeds = append(feeds, gc.localScreenshare)
	}
	return feeds
}

// setState transitions the engine state and notifies the observer
func (gc *GroupCall) setState(next GroupCallState) {
	gc.mu.Lock()
	if gc.callState == next || gc.callState == StateEnded {
		gc.mu.Unlock()
		return
	}
	prev := gc.callState
	gc.callState = next
	gc.mu.Unlock()
	gc.observer.OnStateChanged(prev, next)
}

// addUserMediaFeed records a remote usermedia feed, replacing any previous
// feed from the same user
func (gc *GroupCall) addUserMediaFeed(f *feed.Feed) {
	gc.mu.Lock()
	replaced := removeFeedByUser(&gc.userMediaFeeds, f.UserID())
	gc.userMediaFeeds = append(gc.userMediaFeeds, f)
	gc.mu.Unlock()

	if replaced != nil {
		gc.observer.OnFeedRemoved(replaced)
	}
	gc.observer.OnFeedAdded(f)
}

// addScreenshareFeed records a remote screenshare feed, replacing any
// previous screenshare from the same user
func (gc *GroupCall) addScreenshareFeed(f *feed.Feed) {
	gc.mu.Lock()
	replaced := removeFeedByUser(&gc.screenshareFeeds, f.UserID())
	gc.screenshareFeeds = append(gc.screenshareFeeds, f)
	gc.mu.Unlock()

	if replaced != nil {
		gc.observer.OnFeedRemoved(replaced)
	}
	gc.observer.OnFeedAdded(f)
}

// removeFeedsByUser drops all feeds owned by a user and notifies
func (gc *GroupCall) removeFeedsByUser(userID string) {
	gc.mu.Lock()
	var removed []*feed.Feed
	if f := removeFeedByUser(&gc.userMediaFeeds, userID); f != nil {
		removed = append(removed, f)
	}
	if f := removeFeedByUser(&gc.screenshareFeeds, userID); f != nil {
		removed = append(removed, f)
	}
	gc.mu.Unlock()

	for _, f := range removed {
		gc.observer.OnFeedRemoved(f)
	}
}

func removeFeedByUser(feeds *[]*feed.Feed, userID string) *feed.Feed {
	for i, f := range *feeds {
		if f.UserID() == userID {
			*feeds = append((*feeds)[:i], (*feeds)[i+1:]...)
			return f
		}
	}
	return nil
}
