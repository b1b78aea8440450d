package groupcall

import (
	"context"

	"github.com/armorclaw/conference/pkg/feed"
	"github.com/armorclaw/conference/pkg/stats"
)

// CallState represents the lifecycle state of a single peer call
type CallState int

const (
	// CallStateFledgling is a call that exists but has not signaled yet
	CallStateFledgling CallState = iota
	// CallStateInviteSent means the local side sent the invite
	CallStateInviteSent
	// CallStateRinging means a remote invite arrived and may be answered
	CallStateRinging
	// CallStateConnected means media is flowing
	CallStateConnected
	// CallStateEnded is terminal
	CallStateEnded
)

// String returns a human-readable call state
func (s CallState) String() string {
	switch s {
	case CallStateFledgling:
		return "fledgling"
	case CallStateInviteSent:
		return "invite_sent"
	case CallStateRinging:
		return "ringing"
	case CallStateConnected:
		return "connected"
	case CallStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// PeerCall is the signaling/media session with one opponent, owned by the
// transport layer. The engine drives it exclusively through this interface
// and never reaches into negotiation details.
type PeerCall interface {
	// ID returns the unique call id, carried in invites and answers
	ID() string

	// RoomID returns the room this call signals through
	RoomID() string

	// GroupCallID returns the conf_id the call was invited under
	GroupCallID() string

	// OpponentUserID returns the remote participant's user id
	OpponentUserID() string

	// State returns the current call state
	State() CallState

	// SetObserver registers the engine for call events. At most one
	// observer is active at a time.
	SetObserver(observer PeerCallObserver)

	// InviteWithFeeds starts an outbound call carrying the given local feeds
	InviteWithFeeds(ctx context.Context, feeds []*feed.Feed) error

	// AnswerWithFeeds answers a ringing inbound call with the given local feeds
	AnswerWithFeeds(ctx context.Context, feeds []*feed.Feed) error

	// Reject declines a ringing inbound call
	Reject() error

	// Hangup terminates the call
	Hangup() error

	// SendMetadataUpdate signals the current local stream metadata to the
	// opponent and returns once the update has been dispatched
	SendMetadataUpdate(ctx context.Context) error

	// AttachFeed adds a local feed to the call, renegotiating as needed
	AttachFeed(ctx context.Context, f *feed.Feed) error

	// DetachFeed removes a previously attached local feed
	DetachFeed(ctx context.Context, f *feed.Feed) error

	// StatsSource exposes the call's peer-connection statistics, or nil if
	// the transport does not collect any
	StatsSource() stats.StatsSource
}

// PeerCallObserver receives events from a tracked peer call. Implemented by
// the engine; invoked by the transport layer.
type PeerCallObserver interface {
	// OnCallStateChanged fires on every call state transition
	OnCallStateChanged(call PeerCall, state CallState)

	// OnRemoteFeed fires when a remote stream for the given purpose becomes
	// available or is replaced
	OnRemoteFeed(call PeerCall, f *feed.Feed)

	// OnRemoteFeedRemoved fires when a remote stream goes away
	OnRemoteFeedRemoved(call PeerCall, f *feed.Feed)

	// OnMetadataChanged fires when the opponent signals new stream metadata
	OnMetadataChanged(call PeerCall, metadata feed.MetadataMap)
}

// PeerCallFactory creates outbound peer calls
type PeerCallFactory interface {
	// NewCall creates a call to one opponent's devices within a group call.
	// The returned call is fledgling; the engine invites it.
	NewCall(ctx context.Context, roomID, groupCallID, opponentUserID string, deviceIDs []string) (PeerCall, error)
}

// StateChannel publishes and reads per-room shared state
type StateChannel interface {
	// SendStateEvent publishes content under (eventType, stateKey) in a room
	SendStateEvent(ctx context.Context, roomID, eventType string, content any, stateKey string) error

	// MemberStates returns the current membership records of a room, one per
	// participant user id
	MemberStates(roomID string) []MemberStateEvent
}

// MediaDevices acquires local capture streams
type MediaDevices interface {
	// GetUserMedia acquires a camera/microphone stream
	GetUserMedia(ctx context.Context, audio, video bool) (feed.MediaStream, error)

	// GetDisplayMedia acquires a screen-capture stream
	GetDisplayMedia(ctx context.Context) (feed.MediaStream, error)
}

// Observer receives engine notifications. All methods are invoked
// synchronously from the engine; implementations must not call back into the
// engine from inside a notification.
type Observer interface {
	// OnStateChanged fires on every group-call state transition
	OnStateChanged(oldState, newState GroupCallState)

	// OnCallAdded fires when a peer call becomes tracked
	OnCallAdded(call PeerCall)

	// OnCallRemoved fires when a tracked peer call is dropped
	OnCallRemoved(call PeerCall)

	// OnFeedAdded fires when a local or remote feed joins the call
	OnFeedAdded(f *feed.Feed)

	// OnFeedRemoved fires when a feed leaves the call
	OnFeedRemoved(f *feed.Feed)
}

// nopObserver is used when no observer is configured
type nopObserver struct{}

func (nopObserver) OnStateChanged(oldState, newState GroupCallState) {}
func (nopObserver) OnCallAdded(call PeerCall)                        {}
func (nopObserver) OnCallRemoved(call PeerCall)                      {}
func (nopObserver) OnFeedAdded(f *feed.Feed)                         {}
func (nopObserver) OnFeedRemoved(f *feed.Feed)                       {}
