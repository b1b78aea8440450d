package groupcall

import (
	"context"
	"fmt"
	"time"

	"github.com/armorclaw/conference/pkg/feed"
)

// MemberContent is the membership record a participant publishes as room
// state under its own user id. Key names are fixed by the wire protocol.
type MemberContent struct {
	// ExpiresTS is the unix-millisecond time after which the record is stale
	ExpiresTS int64 `json:"m.expires_ts"`

	// Calls lists the group calls the participant is in
	Calls []CallMembership `json:"m.calls"`
}

// CallMembership declares participation in one group call
type CallMembership struct {
	CallID  string         `json:"m.call_id"`
	Devices []MemberDevice `json:"m.devices"`
}

// MemberDevice is one participating device
type MemberDevice struct {
	DeviceID string                `json:"device_id"`
	Feeds    []feed.StreamMetadata `json:"feeds"`
}

// MemberStateEvent is a membership record together with its owner
type MemberStateEvent struct {
	UserID  string
	Content MemberContent
}

// Expired reports whether the record is stale at the given time
func (c MemberContent) Expired(now time.Time) bool {
	return c.ExpiresTS <= now.UnixMilli()
}

// devicesForCall returns the device ids the record declares for a call
func (c MemberContent) devicesForCall(callID string) []string {
	for _, call := range c.Calls {
		if call.CallID != callID {
			continue
		}
		ids := make([]string, 0, len(call.Devices))
		for _, d := range call.Devices {
			ids = append(ids, d.DeviceID)
		}
		return ids
	}
	return nil
}

// publishMembership publishes this participant's membership record
func (gc *GroupCall) publishMembership(ctx context.Context) error {
	content := MemberContent{
		ExpiresTS: time.Now().Add(gc.membershipTTL).UnixMilli(),
		Calls: []CallMembership{{
			CallID: gc.id,
			Devices: []MemberDevice{{
				DeviceID: gc.deviceID,
				Feeds:    []feed.StreamMetadata{},
			}},
		}},
	}
	if err := gc.state.SendStateEvent(ctx, gc.roomID, EventTypeGroupCallMember, content, gc.userID); err != nil {
		return fmt.Errorf("%w: publish membership: %v", ErrSignalingFailed, err)
	}
	return nil
}

// clearMembership publishes an empty membership record
func (gc *GroupCall) clearMembership(ctx context.Context) error {
	content := MemberContent{
		ExpiresTS: time.Now().UnixMilli(),
		Calls:     []CallMembership{},
	}
	if err := gc.state.SendStateEvent(ctx, gc.roomID, EventTypeGroupCallMember, content, gc.userID); err != nil {
		return fmt.Errorf("%w: clear membership: %v", ErrSignalingFailed, err)
	}
	return nil
}

// armResendTimer schedules the membership republish at 3/4 of the TTL so the
// record never expires while this participant is still in the call
func (gc *GroupCall) armResendTimer() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.callState == StateEnded {
		return
	}
	if gc.resendTimer != nil {
		gc.resendTimer.Stop()
	}
	gc.resendTimer = time.AfterFunc(gc.membershipTTL*3/4, gc.resendMembership)
}

func (gc *GroupCall) resendMembership() {
	gc.mu.Lock()
	entered := gc.callState == StateEntered
	gc.mu.Unlock()
	if !entered {
		return
	}
	if err := gc.publishMembership(gc.ctx); err != nil {
		gc.log.Warn("membership republish failed", "error", err)
	}
	gc.armResendTimer()
}

// HandleMemberStateChanged reconciles a participant's membership record into
// call placement. The participant whose user id sorts lexicographically
// earlier places the call; the other side waits for the invite.
func (gc *GroupCall) HandleMemberStateChanged(ev MemberStateEvent) {
	if ev.UserID == gc.userID {
		return
	}

	gc.mu.Lock()
	if gc.callState != StateEntered {
		gc.mu.Unlock()
		return
	}
	existing := gc.calls[ev.UserID]
	gc.mu.Unlock()

	deviceIDs := ev.Content.devicesForCall(gc.id)
	present := len(deviceIDs) > 0 && !ev.Content.Expired(time.Now())

	if !present {
		if existing == nil {
			return
		}
		gc.log.Info("participant departed", "user_id", ev.UserID)
		gc.dropCall(existing, true)
		return
	}

	if existing != nil {
		return
	}
	if gc.userID >= ev.UserID {
		// The opponent sorts earlier and will place the call
		return
	}
	gc.placeCall(ev.UserID, deviceIDs)
}

// placeCall creates, tracks and invites an outbound call to one opponent
func (gc *GroupCall) placeCall(opponentUserID string, deviceIDs []string) {
	call, err := gc.factory.NewCall(gc.ctx, gc.roomID, gc.id, opponentUserID, deviceIDs)
	if err != nil {
		gc.log.Error("failed to create call", "user_id", opponentUserID, "error", err)
		return
	}
	call.SetObserver(gc)

	if err := call.InviteWithFeeds(gc.ctx, gc.localFeeds()); err != nil {
		gc.log.Error("invite failed", "call_id", call.ID(), "user_id", opponentUserID, "error", err)
		if hangupErr := call.Hangup(); hangupErr != nil {
			gc.log.Warn("hangup after failed invite", "call_id", call.ID(), "error", hangupErr)
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
	replaced := gc.calls[opponentUserID]
	gc.calls[opponentUserID] = call
	gc.mu.Unlock()

	if replaced != nil {
		gc.dropCall(replaced, true)
	}

	gc.trackCall(call)
	gc.log.Info("placed call", "call_id", call.ID(), "user_id", opponentUserID)
}

// trackCall registers stats collection and notifies once a call is tracked
func (gc *GroupCall) trackCall(call PeerCall) {
	if src := call.StatsSource(); src != nil {
		gc.stats.AddStatsCollector(call.ID(), call.OpponentUserID(), src)
	}
	gc.observer.OnCallAdded(call)
}

// dropCall untracks a call, optionally hanging it up, and releases its feeds
// and stats collector
func (gc *GroupCall) dropCall(call PeerCall, hangup bool) {
	gc.mu.Lock()
	tracked := gc.calls[call.OpponentUserID()] == call
	if tracked {
		delete(gc.calls, call.OpponentUserID())
	}
	gc.mu.Unlock()

	if hangup {
		if err := call.Hangup(); err != nil {
			gc.log.Warn("hangup failed", "call_id", call.ID(), "error", err)
		}
	}
	gc.stats.RemoveStatsCollector(call.ID())
	if tracked {
		gc.removeFeedsByUser(call.OpponentUserID())
		gc.observer.OnCallRemoved(call)
	}
}
