package groupcall

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/armorclaw/conference/pkg/feed"
	"github.com/armorclaw/conference/pkg/stats"
)

type fakeTrack struct {
	id   string
	kind feed.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() feed.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeStream struct {
	id    string
	audio []feed.Track
	video []feed.Track
}

var streamCounter int

func newFakeStream(audioTracks, videoTracks int) *fakeStream {
	streamCounter++
	s := &fakeStream{id: fmt.Sprintf("stream-%d", streamCounter)}
	for i := 0; i < audioTracks; i++ {
		s.audio = append(s.audio, &fakeTrack{
			id: fmt.Sprintf("%s-audio-%d", s.id, i), kind: feed.TrackKindAudio, enabled: true,
		})
	}
	for i := 0; i < videoTracks; i++ {
		s.video = append(s.video, &fakeTrack{
			id: fmt.Sprintf("%s-video-%d", s.id, i), kind: feed.TrackKindVideo, enabled: true,
		})
	}
	return s
}

func (s *fakeStream) ID() string                { return s.id }
func (s *fakeStream) AudioTracks() []feed.Track { return s.audio }
func (s *fakeStream) VideoTracks() []feed.Track { return s.video }

func (s *fakeStream) audioTrack(i int) *fakeTrack { return s.audio[i].(*fakeTrack) }
func (s *fakeStream) videoTrack(i int) *fakeTrack { return s.video[i].(*fakeTrack) }

type fakeDevices struct {
	mu           sync.Mutex
	userMediaErr error
	displayErr   error
	userStreams  []*fakeStream
	displayCalls int
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, audio, video bool) (feed.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.userMediaErr != nil {
		return nil, d.userMediaErr
	}
	audioCount, videoCount := 0, 0
	if audio {
		audioCount = 1
	}
	if video {
		videoCount = 1
	}
	s := newFakeStream(audioCount, videoCount)
	d.userStreams = append(d.userStreams, s)
	return s, nil
}

func (d *fakeDevices) GetDisplayMedia(ctx context.Context) (feed.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayCalls++
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	return newFakeStream(0, 1), nil
}

type sentEvent struct {
	roomID    string
	eventType string
	stateKey  string
	content   any
}

type fakeState struct {
	mu      sync.Mutex
	events  []sentEvent
	members []MemberStateEvent
	sendErr error
}

func (s *fakeState) SendStateEvent(ctx context.Context, roomID, eventType string, content any, stateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, sentEvent{roomID, eventType, stateKey, content})
	return nil
}

func (s *fakeState) MemberStates(roomID string) []MemberStateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members
}

func (s *fakeState) setSendErr(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *fakeState) lastEvent(eventType string) *sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].eventType == eventType {
			ev := s.events[i]
			return &ev
		}
	}
	return nil
}

type fakeCall struct {
	id          string
	roomID      string
	groupCallID string
	opponent    string

	mu              sync.Mutex
	state           CallState
	observer        PeerCallObserver
	feeds           []*feed.Feed
	invited         bool
	answered        bool
	rejected        bool
	hangups         int
	metadataUpdates int
	inviteErr       error
	answerErr       error

	// metadataGate, when set, blocks SendMetadataUpdate until it is closed
	metadataGate chan struct{}
}

var callCounter int

func newFakeCall(roomID, groupCallID, opponent string, state CallState) *fakeCall {
	callCounter++
	return &fakeCall{
		id:          fmt.Sprintf("call-%d", callCounter),
		roomID:      roomID,
		groupCallID: groupCallID,
		opponent:    opponent,
		state:       state,
	}
}

func (c *fakeCall) ID() string             { return c.id }
func (c *fakeCall) RoomID() string         { return c.roomID }
func (c *fakeCall) GroupCallID() string    { return c.groupCallID }
func (c *fakeCall) OpponentUserID() string { return c.opponent }

func (c *fakeCall) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCall) SetObserver(observer PeerCallObserver) {
	c.mu.Lock()
	c.observer = observer
	c.mu.Unlock()
}

func (c *fakeCall) InviteWithFeeds(ctx context.Context, feeds []*feed.Feed) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inviteErr != nil {
		return c.inviteErr
	}
	c.invited = true
	c.feeds = feeds
	c.state = CallStateInviteSent
	return nil
}

func (c *fakeCall) AnswerWithFeeds(ctx context.Context, feeds []*feed.Feed) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return c.answerErr
	}
	c.answered = true
	c.feeds = feeds
	c.state = CallStateConnected
	return nil
}

func (c *fakeCall) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = true
	c.state = CallStateEnded
	return nil
}

func (c *fakeCall) Hangup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups++
	c.state = CallStateEnded
	return nil
}

func (c *fakeCall) SendMetadataUpdate(ctx context.Context) error {
	c.mu.Lock()
	gate := c.metadataGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.metadataUpdates++
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) AttachFeed(ctx context.Context, f *feed.Feed) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeds = append(c.feeds, f)
	return nil
}

func (c *fakeCall) DetachFeed(ctx context.Context, f *feed.Feed) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.feeds {
		if existing == f {
			c.feeds = append(c.feeds[:i], c.feeds[i+1:]...)
			break
		}
	}
	return nil
}

func (c *fakeCall) StatsSource() stats.StatsSource { return nil }

func (c *fakeCall) setMetadataGate(gate chan struct{}) {
	c.mu.Lock()
	c.metadataGate = gate
	c.mu.Unlock()
}

func (c *fakeCall) getMetadataUpdates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadataUpdates
}

func (c *fakeCall) getHangups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups
}

func (c *fakeCall) hasFeed(f *feed.Feed) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.feeds {
		if existing == f {
			return true
		}
	}
	return false
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeCall
	err     error
}

func (f *fakeFactory) NewCall(ctx context.Context, roomID, groupCallID, opponentUserID string, deviceIDs []string) (PeerCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeCall(roomID, groupCallID, opponentUserID, CallStateFledgling)
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeFactory) createdCalls() []*fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeCall, len(f.created))
	copy(out, f.created)
	return out
}

const (
	testRoomID   = "!room:test"
	testUserID   = "@alice:test"
	testDeviceID = "device-1"
)

type harness struct {
	gc      *GroupCall
	state   *fakeState
	devices *fakeDevices
	factory *fakeFactory
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	if opts.RoomID == "" {
		opts.RoomID = testRoomID
	}
	if opts.UserID == "" {
		opts.UserID = testUserID
	}
	if opts.DeviceID == "" {
		opts.DeviceID = testDeviceID
	}

	h := &harness{
		state:   &fakeState{},
		devices: &fakeDevices{},
		factory: &fakeFactory{},
	}
	gc, err := New(Dependencies{
		Factory: h.factory,
		State:   h.state,
		Devices: h.devices,
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.gc = gc
	t.Cleanup(func() { _ = gc.Leave(context.Background()) })
	return h
}

// enter drives the engine to Entered
func (h *harness) enter(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.gc.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.gc.Enter(ctx); err != nil {
		t.Fatalf("Enter: %v", err)
	}
}

// admitCall presents a ringing inbound call and returns it once tracked
func (h *harness) admitCall(t *testing.T, opponent string) *fakeCall {
	t.Helper()
	call := newFakeCall(h.gc.RoomID(), h.gc.ID(), opponent, CallStateRinging)
	h.gc.HandleIncomingCall(call)
	if h.gc.CallByUser(opponent) == nil {
		t.Fatalf("call from %s was not admitted", opponent)
	}
	return call
}

// newRemoteFeedForTest wraps a stream as an opponent's usermedia feed
func newRemoteFeedForTest(stream feed.MediaStream, userID string) *feed.Feed {
	return feed.NewRemoteFeed(stream, feed.PurposeUsermedia, userID, "remote-device")
}

// remoteMetadata builds a metadata map announcing one usermedia stream
func remoteMetadata(streamID string, audioMuted, videoMuted bool) feed.MetadataMap {
	return feed.MetadataMap{
		streamID: {Purpose: feed.PurposeUsermedia, AudioMuted: audioMuted, VideoMuted: videoMuted},
	}
}

// makeMember builds a membership record for the engine's call
func makeMember(userID, callID string, expiresIn time.Duration, deviceIDs ...string) MemberStateEvent {
	devices := make([]MemberDevice, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		devices = append(devices, MemberDevice{DeviceID: id, Feeds: []feed.StreamMetadata{}})
	}
	return MemberStateEvent{
		UserID: userID,
		Content: MemberContent{
			ExpiresTS: time.Now().Add(expiresIn).UnixMilli(),
			Calls:     []CallMembership{{CallID: callID, Devices: devices}},
		},
	}
}
