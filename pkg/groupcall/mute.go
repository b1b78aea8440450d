package groupcall

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/conference/pkg/feed"
)

// IsMicrophoneMuted reports the microphone mute flag
func (gc *GroupCall) IsMicrophoneMuted() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.micMuted
}

// IsLocalVideoMuted reports the local video mute flag
func (gc *GroupCall) IsLocalVideoMuted() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.videoMuted
}

// SetMicrophoneMuted changes the microphone mute state. Muting applies
// locally before the metadata update is signaled, so no audio leaks after the
// call returns. Unmuting signals first and only enables the tracks once every
// peer has been told, so peers never receive media they have no metadata for.
// Overlapping calls for the same flag are serialized.
func (gc *GroupCall) SetMicrophoneMuted(ctx context.Context, muted bool) error {
	gc.micMu.Lock()
	defer gc.micMu.Unlock()

	gc.mu.Lock()
	if gc.callState == StateEnded {
		gc.mu.Unlock()
		return nil
	}
	if gc.localFeed == nil {
		gc.mu.Unlock()
		return fmt.Errorf("%w: local feed not initialized", ErrInvalidStateTransition)
	}
	// Any mute change cancels a pending PTT auto-mute
	if gc.pttTimer != nil {
		gc.pttTimer.Stop()
		gc.pttTimer = nil
	}
	local := gc.localFeed
	calls := gc.callsLocked()
	gc.mu.Unlock()

	if muted {
		local.SetAudioVideoMuted(feed.Bool(true), nil)
		gc.setMicMutedFlag(true)
		if err := gc.sendMetadataUpdates(ctx, calls); err != nil {
			return err
		}
		return nil
	}

	// Announce the unmuted state first; tracks stay disabled until every
	// peer has the metadata
	local.SetMutedFlags(feed.Bool(false), nil)
	if err := gc.sendMetadataUpdates(ctx, calls); err != nil {
		local.SetMutedFlags(feed.Bool(true), nil)
		return err
	}

	gc.mu.Lock()
	if gc.callState == StateEnded {
		gc.mu.Unlock()
		return nil
	}
	gc.micMuted = false
	if gc.pushToTalk {
		gc.pttTimer = gc.newPTTTimer()
	}
	gc.mu.Unlock()

	local.SetAudioVideoMuted(feed.Bool(false), nil)
	return nil
}

// SetLocalVideoMuted changes the local video mute state with the same
// ordering contract as SetMicrophoneMuted.
func (gc *GroupCall) SetLocalVideoMuted(ctx context.Context, muted bool) error {
	gc.videoMu.Lock()
	defer gc.videoMu.Unlock()

	gc.mu.Lock()
	if gc.callState == StateEnded {
		gc.mu.Unlock()
		return nil
	}
	if gc.localFeed == nil {
		gc.mu.Unlock()
		return fmt.Errorf("%w: local feed not initialized", ErrInvalidStateTransition)
	}
	local := gc.localFeed
	calls := gc.callsLocked()
	gc.mu.Unlock()

	if muted {
		local.SetAudioVideoMuted(nil, feed.Bool(true))
		gc.setVideoMutedFlag(true)
		return gc.sendMetadataUpdates(ctx, calls)
	}

	local.SetMutedFlags(nil, feed.Bool(false))
	if err := gc.sendMetadataUpdates(ctx, calls); err != nil {
		local.SetMutedFlags(nil, feed.Bool(true))
		return err
	}

	gc.mu.Lock()
	if gc.callState == StateEnded {
		gc.mu.Unlock()
		return nil
	}
	gc.videoMuted = false
	gc.mu.Unlock()

	local.SetAudioVideoMuted(nil, feed.Bool(false))
	return nil
}

// newPTTTimer arms the transmit limiter. A new unmute always starts a fresh
// window; the timeout is never accumulated across presses. Caller holds mu.
func (gc *GroupCall) newPTTTimer() *time.Timer {
	return time.AfterFunc(gc.pttMaxTransmitTime, func() {
		gc.mu.Lock()
		ended := gc.callState == StateEnded
		alreadyMuted := gc.micMuted
		gc.mu.Unlock()
		if ended || alreadyMuted {
			return
		}
		gc.log.Info("transmit time limit reached, muting")
		if err := gc.SetMicrophoneMuted(gc.ctx, true); err != nil {
			gc.log.Warn("auto-mute failed", "error", err)
		}
	})
}

func (gc *GroupCall) setMicMutedFlag(muted bool) {
	gc.mu.Lock()
	gc.micMuted = muted
	gc.mu.Unlock()
}

func (gc *GroupCall) setVideoMutedFlag(muted bool) {
	gc.mu.Lock()
	gc.videoMuted = muted
	gc.mu.Unlock()
}

// callsLocked snapshots the tracked calls. Caller holds mu.
func (gc *GroupCall) callsLocked() []PeerCall {
	calls := make([]PeerCall, 0, len(gc.calls))
	for _, c := range gc.calls {
		calls = append(calls, c)
	}
	return calls
}

// sendMetadataUpdates fans the metadata update out to every tracked call and
// waits for all of them
func (gc *GroupCall) sendMetadataUpdates(ctx context.Context, calls []PeerCall) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range calls {
		call := c
		g.Go(func() error {
			if err := call.SendMetadataUpdate(ctx); err != nil {
				return fmt.Errorf("call %s: %w", call.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: metadata update: %v", ErrSignalingFailed, err)
	}
	return nil
}
