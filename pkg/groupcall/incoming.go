package groupcall

import (
	"github.com/armorclaw/conference/pkg/feed"
)

// HandleIncomingCall admits or declines an inbound peer call. Evaluated in
// order: calls for other rooms are ignored, calls for other group calls are
// rejected, calls that are no longer ringing are ignored, and an existing
// call with the same opponent is hung up before the new one is answered.
func (gc *GroupCall) HandleIncomingCall(call PeerCall) {
	if call.RoomID() != gc.roomID {
		return
	}
	if call.GroupCallID() != gc.id {
		gc.log.Info("rejecting call for another group call",
			"call_id", call.ID(), "conf_id", call.GroupCallID())
		if err := call.Reject(); err != nil {
			gc.log.Warn("reject failed", "call_id", call.ID(), "error", err)
		}
		return
	}
	if call.State() != CallStateRinging {
		return
	}

	gc.mu.Lock()
	if gc.callState != StateEntered {
		gc.mu.Unlock()
		return
	}
	existing := gc.calls[call.OpponentUserID()]
	gc.mu.Unlock()

	if existing != nil {
		gc.log.Info("replacing existing call",
			"old_call_id", existing.ID(), "new_call_id", call.ID(),
			"user_id", call.OpponentUserID())
		gc.dropCall(existing, true)
	}

	call.SetObserver(gc)
	if err := call.AnswerWithFeeds(gc.ctx, gc.localFeeds()); err != nil {
		gc.log.Error("answer failed", "call_id", call.ID(), "error", err)
		if hangupErr := call.Hangup(); hangupErr != nil {
			gc.log.Warn("hangup after failed answer", "call_id", call.ID(), "error", hangupErr)
		}
		return
	}

	gc.mu.Lock()
	if gc.callState != StateEntered {
		gc.mu.Unlock()
		if err := call.Hangup(); err != nil {
			gc.log.Warn("hangup failed", "call_id", call.ID(), "error", err)
		}
		return
	}
	gc.calls[call.OpponentUserID()] = call
	gc.mu.Unlock()

	gc.trackCall(call)
	gc.log.Info("answered call", "call_id", call.ID(), "user_id", call.OpponentUserID())
}

// OnCallStateChanged implements PeerCallObserver. A tracked call reaching the
// terminal state is untracked and its feeds and stats collector released.
func (gc *GroupCall) OnCallStateChanged(call PeerCall, state CallState) {
	if state != CallStateEnded {
		return
	}
	gc.mu.Lock()
	tracked := gc.calls[call.OpponentUserID()] == call
	gc.mu.Unlock()
	if !tracked {
		return
	}
	gc.log.Info("call ended", "call_id", call.ID(), "user_id", call.OpponentUserID())
	gc.dropCall(call, false)
}

// OnRemoteFeed implements PeerCallObserver
func (gc *GroupCall) OnRemoteFeed(call PeerCall, f *feed.Feed) {
	switch f.Purpose() {
	case feed.PurposeScreenshare:
		gc.addScreenshareFeed(f)
	default:
		gc.addUserMediaFeed(f)
	}
}

// OnRemoteFeedRemoved implements PeerCallObserver
func (gc *GroupCall) OnRemoteFeedRemoved(call PeerCall, f *feed.Feed) {
	gc.mu.Lock()
	var removed *feed.Feed
	if f.Purpose() == feed.PurposeScreenshare {
		removed = removeFeedByUser(&gc.screenshareFeeds, f.UserID())
	} else {
		removed = removeFeedByUser(&gc.userMediaFeeds, f.UserID())
	}
	gc.mu.Unlock()
	if removed != nil {
		gc.observer.OnFeedRemoved(removed)
	}
}

// OnMetadataChanged implements PeerCallObserver. Remote metadata only updates
// the mirrored mute flags; it never touches tracks.
func (gc *GroupCall) OnMetadataChanged(call PeerCall, metadata feed.MetadataMap) {
	userID := call.OpponentUserID()
	for _, meta := range metadata {
		var target *feed.Feed
		if meta.Purpose == feed.PurposeScreenshare {
			target = gc.ScreenshareFeedByUser(userID)
		} else {
			target = gc.UserMediaFeedByUser(userID)
		}
		if target == nil || target.IsLocal() {
			continue
		}
		target.SetAudioVideoMuted(feed.Bool(meta.AudioMuted), feed.Bool(meta.VideoMuted))
	}
}
