package groupcall

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/conference/pkg/feed"
)

// IsScreensharing reports whether a local screenshare feed is active
func (gc *GroupCall) IsScreensharing() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.localScreenshare != nil
}

// SetScreensharingEnabled toggles the local screenshare. Enabling acquires a
// display capture and attaches it to every tracked call; disabling detaches
// and stops it. Requesting the current state is a no-op. Returns the
// resulting screensharing state.
func (gc *GroupCall) SetScreensharingEnabled(ctx context.Context, enabled bool) (bool, error) {
	gc.mu.Lock()
	if gc.callState == StateEnded {
		gc.mu.Unlock()
		return false, nil
	}
	if gc.localFeed == nil {
		gc.mu.Unlock()
		return false, fmt.Errorf("%w: local feed not initialized", ErrInvalidStateTransition)
	}
	current := gc.localScreenshare != nil
	if current == enabled {
		gc.mu.Unlock()
		return current, nil
	}
	calls := gc.callsLocked()
	existing := gc.localScreenshare
	gc.mu.Unlock()

	if !enabled {
		gc.detachScreenshare(ctx, existing, calls)
		return false, nil
	}

	stream, err := gc.devices.GetDisplayMedia(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: display capture: %v", ErrMediaAcquisitionFailed, err)
	}
	f := feed.NewLocalFeed(stream, feed.PurposeScreenshare, gc.userID, gc.deviceID)

	g, attachCtx := errgroup.WithContext(ctx)
	for _, c := range calls {
		call := c
		g.Go(func() error {
			if err := call.AttachFeed(attachCtx, f); err != nil {
				return fmt.Errorf("call %s: %w", call.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Roll back so no call carries a feed the engine does not track
		for _, c := range calls {
			if detachErr := c.DetachFeed(ctx, f); detachErr != nil {
				gc.log.Warn("detach after failed attach", "call_id", c.ID(), "error", detachErr)
			}
		}
		f.Stop()
		return false, fmt.Errorf("%w: attach screenshare: %v", ErrSignalingFailed, err)
	}

	gc.mu.Lock()
	if gc.callState == StateEnded || gc.localScreenshare != nil {
		gc.mu.Unlock()
		f.Stop()
		return gc.IsScreensharing(), nil
	}
	gc.localScreenshare = f
	gc.screenshareFeeds = append(gc.screenshareFeeds, f)
	gc.mu.Unlock()

	gc.observer.OnFeedAdded(f)
	gc.log.Info("screensharing enabled", "stream_id", stream.ID())
	return true, nil
}

// detachScreenshare removes the local screenshare from every call and stops it
func (gc *GroupCall) detachScreenshare(ctx context.Context, f *feed.Feed, calls []PeerCall) {
	for _, c := range calls {
		if err := c.DetachFeed(ctx, f); err != nil {
			gc.log.Warn("detach screenshare", "call_id", c.ID(), "error", err)
		}
	}

	gc.mu.Lock()
	if gc.localScreenshare == f {
		gc.localScreenshare = nil
	}
	var removed *feed.Feed
	for i, existing := range gc.screenshareFeeds {
		if existing == f {
			gc.screenshareFeeds = append(gc.screenshareFeeds[:i], gc.screenshareFeeds[i+1:]...)
			removed = existing
			break
		}
	}
	gc.mu.Unlock()

	f.Stop()
	if removed != nil {
		gc.observer.OnFeedRemoved(removed)
	}
	gc.log.Info("screensharing disabled")
}
