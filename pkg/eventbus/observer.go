package eventbus

import (
	"github.com/armorclaw/conference/pkg/feed"
	"github.com/armorclaw/conference/pkg/groupcall"
)

// EngineObserver republishes group-call engine notifications on a bus. It
// satisfies the engine's Observer interface.
type EngineObserver struct {
	bus         *Bus
	groupCallID string
	roomID      string
}

// NewEngineObserver creates an observer that publishes to the given bus
func NewEngineObserver(bus *Bus, groupCallID, roomID string) *EngineObserver {
	return &EngineObserver{bus: bus, groupCallID: groupCallID, roomID: roomID}
}

// OnStateChanged implements groupcall.Observer
func (o *EngineObserver) OnStateChanged(oldState, newState groupcall.GroupCallState) {
	o.bus.Publish(&Notification{
		Kind:        KindStateChanged,
		GroupCallID: o.groupCallID,
		RoomID:      o.roomID,
		State:       newState.String(),
	})
}

// OnCallAdded implements groupcall.Observer
func (o *EngineObserver) OnCallAdded(call groupcall.PeerCall) {
	o.bus.Publish(&Notification{
		Kind:        KindCallAdded,
		GroupCallID: o.groupCallID,
		RoomID:      o.roomID,
		UserID:      call.OpponentUserID(),
		CallID:      call.ID(),
	})
}

// OnCallRemoved implements groupcall.Observer
func (o *EngineObserver) OnCallRemoved(call groupcall.PeerCall) {
	o.bus.Publish(&Notification{
		Kind:        KindCallRemoved,
		GroupCallID: o.groupCallID,
		RoomID:      o.roomID,
		UserID:      call.OpponentUserID(),
		CallID:      call.ID(),
	})
}

// OnFeedAdded implements groupcall.Observer
func (o *EngineObserver) OnFeedAdded(f *feed.Feed) {
	o.bus.Publish(&Notification{
		Kind:        KindFeedAdded,
		GroupCallID: o.groupCallID,
		RoomID:      o.roomID,
		UserID:      f.UserID(),
		Purpose:     string(f.Purpose()),
	})
}

// OnFeedRemoved implements groupcall.Observer
func (o *EngineObserver) OnFeedRemoved(f *feed.Feed) {
	o.bus.Publish(&Notification{
		Kind:        KindFeedRemoved,
		GroupCallID: o.groupCallID,
		RoomID:      o.roomID,
		UserID:      f.UserID(),
		Purpose:     string(f.Purpose()),
	})
}
