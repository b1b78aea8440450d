// Package loopback provides in-memory implementations of the group-call
// capabilities: a room-state channel that fans state events out to every
// registered engine, a peer-call factory that pairs engines directly and a
// media-device stub producing silent streams. Used by the demo binary and
// for local experimentation; no network involved.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/armorclaw/conference/pkg/feed"
	"github.com/armorclaw/conference/pkg/groupcall"
	"github.com/armorclaw/conference/pkg/stats"
)

// Track is a loopback media track
type Track struct {
	id   string
	kind feed.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

// NewTrack creates an enabled track
func NewTrack(kind feed.TrackKind) *Track {
	return &Track{id: uuid.New().String(), kind: kind, enabled: true}
}

func (t *Track) ID() string {
	return t.id
}

func (t *Track) Kind() feed.TrackKind {
	return t.kind
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stopped reports whether Stop was called
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stream is a loopback media stream
type Stream struct {
	id    string
	audio []feed.Track
	video []feed.Track
}

// NewStream creates a stream with the given track counts
func NewStream(audioTracks, videoTracks int) *Stream {
	s := &Stream{id: uuid.New().String()}
	for i := 0; i < audioTracks; i++ {
		s.audio = append(s.audio, NewTrack(feed.TrackKindAudio))
	}
	for i := 0; i < videoTracks; i++ {
		s.video = append(s.video, NewTrack(feed.TrackKindVideo))
	}
	return s
}

func (s *Stream) ID() string                { return s.id }
func (s *Stream) AudioTracks() []feed.Track { return s.audio }
func (s *Stream) VideoTracks() []feed.Track { return s.video }

// Devices is a loopback MediaDevices implementation
type Devices struct{}

func (Devices) GetUserMedia(ctx context.Context, audio, video bool) (feed.MediaStream, error) {
	audioCount, videoCount := 0, 0
	if audio {
		audioCount = 1
	}
	if video {
		videoCount = 1
	}
	return NewStream(audioCount, videoCount), nil
}

func (Devices) GetDisplayMedia(ctx context.Context) (feed.MediaStream, error) {
	return NewStream(0, 1), nil
}

// StateChannel is an in-memory room-state store that forwards membership
// changes to every registered engine
type StateChannel struct {
	mu      sync.Mutex
	state   map[string]map[string]map[string]any // room -> type -> state key -> content
	engines []*groupcall.GroupCall
}

// NewStateChannel creates an empty state channel
func NewStateChannel() *StateChannel {
	return &StateChannel{state: make(map[string]map[string]map[string]any)}
}

// Register attaches an engine so it observes membership changes
func (c *StateChannel) Register(gc *groupcall.GroupCall) {
	c.mu.Lock()
	c.engines = append(c.engines, gc)
	c.mu.Unlock()
}

// SendStateEvent implements groupcall.StateChannel
func (c *StateChannel) SendStateEvent(ctx context.Context, roomID, eventType string, content any, stateKey string) error {
	c.mu.Lock()
	if c.state[roomID] == nil {
		c.state[roomID] = make(map[string]map[string]any)
	}
	if c.state[roomID][eventType] == nil {
		c.state[roomID][eventType] = make(map[string]any)
	}
	c.state[roomID][eventType][stateKey] = content
	engines := make([]*groupcall.GroupCall, len(c.engines))
	copy(engines, c.engines)
	c.mu.Unlock()

	if eventType != groupcall.EventTypeGroupCallMember {
		return nil
	}
	member, ok := content.(groupcall.MemberContent)
	if !ok {
		return fmt.Errorf("unexpected member content type %T", content)
	}
	ev := groupcall.MemberStateEvent{UserID: stateKey, Content: member}
	for _, gc := range engines {
		if gc.RoomID() == roomID {
			gc.HandleMemberStateChanged(ev)
		}
	}
	return nil
}

// MemberStates implements groupcall.StateChannel
func (c *StateChannel) MemberStates(roomID string) []groupcall.MemberStateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []groupcall.MemberStateEvent
	for stateKey, content := range c.state[roomID][groupcall.EventTypeGroupCallMember] {
		member, ok := content.(groupcall.MemberContent)
		if !ok {
			continue
		}
		events = append(events, groupcall.MemberStateEvent{UserID: stateKey, Content: member})
	}
	return events
}

// Factory pairs engines directly: inviting a call immediately presents the
// ringing leg to the opponent's engine
type Factory struct {
	mu      sync.Mutex
	engines map[string]*groupcall.GroupCall // by user id
	userID  string
}

// NewFactory creates a factory placing calls on behalf of one user
func NewFactory(userID string) *Factory {
	return &Factory{engines: make(map[string]*groupcall.GroupCall), userID: userID}
}

// Connect makes an opponent's engine reachable for incoming calls
func (f *Factory) Connect(userID string, gc *groupcall.GroupCall) {
	f.mu.Lock()
	f.engines[userID] = gc
	f.mu.Unlock()
}

// NewCall implements groupcall.PeerCallFactory
func (f *Factory) NewCall(ctx context.Context, roomID, groupCallID, opponentUserID string, deviceIDs []string) (groupcall.PeerCall, error) {
	f.mu.Lock()
	opponent := f.engines[opponentUserID]
	f.mu.Unlock()
	if opponent == nil {
		return nil, fmt.Errorf("no engine for user %s", opponentUserID)
	}

	id := uuid.New().String()
	local := &Call{
		id:          id,
		roomID:      roomID,
		groupCallID: groupCallID,
		opponent:    opponentUserID,
		state:       groupcall.CallStateFledgling,
	}
	remote := &Call{
		id:          id,
		roomID:      roomID,
		groupCallID: groupCallID,
		opponent:    f.userID,
		state:       groupcall.CallStateFledgling,
	}
	local.peer = remote
	remote.peer = local
	local.onInvite = func() {
		opponent.HandleIncomingCall(remote)
	}
	return local, nil
}

// Call is one leg of a loopback peer call. The two legs share state changes
// and exchange feeds directly.
type Call struct {
	id          string
	roomID      string
	groupCallID string
	opponent    string
	peer        *Call
	onInvite    func()

	mu       sync.Mutex
	state    groupcall.CallState
	observer groupcall.PeerCallObserver
	feeds    []*feed.Feed
}

func (c *Call) ID() string             { return c.id }
func (c *Call) RoomID() string         { return c.roomID }
func (c *Call) GroupCallID() string    { return c.groupCallID }
func (c *Call) OpponentUserID() string { return c.opponent }

func (c *Call) State() groupcall.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) SetObserver(observer groupcall.PeerCallObserver) {
	c.mu.Lock()
	c.observer = observer
	c.mu.Unlock()
}

func (c *Call) setState(state groupcall.CallState) {
	c.mu.Lock()
	if c.state == state || c.state == groupcall.CallStateEnded {
		c.mu.Unlock()
		return
	}
	c.state = state
	observer := c.observer
	c.mu.Unlock()
	if observer != nil {
		observer.OnCallStateChanged(c, state)
	}
}

// InviteWithFeeds implements groupcall.PeerCall
func (c *Call) InviteWithFeeds(ctx context.Context, feeds []*feed.Feed) error {
	c.mu.Lock()
	c.feeds = feeds
	c.mu.Unlock()
	c.setState(groupcall.CallStateInviteSent)
	c.peer.setState(groupcall.CallStateRinging)
	if c.onInvite != nil {
		c.onInvite()
	}
	return nil
}

// AnswerWithFeeds implements groupcall.PeerCall
func (c *Call) AnswerWithFeeds(ctx context.Context, feeds []*feed.Feed) error {
	c.mu.Lock()
	c.feeds = feeds
	c.mu.Unlock()
	c.setState(groupcall.CallStateConnected)
	c.peer.setState(groupcall.CallStateConnected)

	// Both sides now present their feeds to the opponent
	c.deliverFeeds()
	c.peer.deliverFeeds()
	return nil
}

// deliverFeeds mirrors this leg's local feeds to the opponent as remote feeds
func (c *Call) deliverFeeds() {
	c.mu.Lock()
	feeds := c.feeds
	c.mu.Unlock()

	peer := c.peer
	peer.mu.Lock()
	observer := peer.observer
	peer.mu.Unlock()
	if observer == nil {
		return
	}
	for _, f := range feeds {
		remote := feed.NewRemoteFeed(f.Stream(), f.Purpose(), f.UserID(), f.DeviceID())
		observer.OnRemoteFeed(peer, remote)
	}
}

// Reject implements groupcall.PeerCall
func (c *Call) Reject() error {
	c.setState(groupcall.CallStateEnded)
	c.peer.setState(groupcall.CallStateEnded)
	return nil
}

// Hangup implements groupcall.PeerCall
func (c *Call) Hangup() error {
	c.setState(groupcall.CallStateEnded)
	c.peer.setState(groupcall.CallStateEnded)
	return nil
}

// SendMetadataUpdate implements groupcall.PeerCall
func (c *Call) SendMetadataUpdate(ctx context.Context) error {
	c.mu.Lock()
	feeds := c.feeds
	c.mu.Unlock()

	metadata := make(feed.MetadataMap)
	for _, f := range feeds {
		if f.Stream() != nil {
			metadata[f.Stream().ID()] = f.Metadata()
		}
	}

	peer := c.peer
	peer.mu.Lock()
	observer := peer.observer
	peer.mu.Unlock()
	if observer != nil {
		observer.OnMetadataChanged(peer, metadata)
	}
	return nil
}

// AttachFeed implements groupcall.PeerCall
func (c *Call) AttachFeed(ctx context.Context, f *feed.Feed) error {
	c.mu.Lock()
	c.feeds = append(c.feeds, f)
	connected := c.state == groupcall.CallStateConnected
	c.mu.Unlock()

	if connected {
		peer := c.peer
		peer.mu.Lock()
		observer := peer.observer
		peer.mu.Unlock()
		if observer != nil {
			remote := feed.NewRemoteFeed(f.Stream(), f.Purpose(), f.UserID(), f.DeviceID())
			observer.OnRemoteFeed(peer, remote)
		}
	}
	return nil
}

// DetachFeed implements groupcall.PeerCall
func (c *Call) DetachFeed(ctx context.Context, f *feed.Feed) error {
	c.mu.Lock()
	for i, existing := range c.feeds {
		if existing == f {
			c.feeds = append(c.feeds[:i], c.feeds[i+1:]...)
			break
		}
	}
	connected := c.state == groupcall.CallStateConnected
	c.mu.Unlock()

	if connected {
		peer := c.peer
		peer.mu.Lock()
		observer := peer.observer
		peer.mu.Unlock()
		if observer != nil {
			remote := feed.NewRemoteFeed(f.Stream(), f.Purpose(), f.UserID(), f.DeviceID())
			observer.OnRemoteFeedRemoved(peer, remote)
		}
	}
	return nil
}

// StatsSource implements groupcall.PeerCall. Loopback calls carry no real
// peer connection, so there is nothing to sample.
func (c *Call) StatsSource() stats.StatsSource {
	return nil
}
