package groupcall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestMuteAppliesBeforeSignaling(t *testing.T) {
	h := newHarness(t, Options{})
	h.enter(t)
	call := h.admitCall(t, "@bob:test")
	stream := h.devices.userStreams[0]

	gate := make(chan struct{})
	call.setMetadataGate(gate)

	done := make(chan error, 1)
	go func() {
		done <- h.gc.SetMicrophoneMuted(context.Background(), true)
	}()

	// While the metadata send is blocked the local state is already muted
	waitFor(t, time.Second, func() bool { return h.gc.IsMicrophoneMuted() },
		"mute flag not set while signaling in flight")
	assert.False(t, stream.audioTrack(0).Enabled(), "audio must stop before peers are told")
	assert.Equal(t, 0, call.getMetadataUpdates())

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, call.getMetadataUpdates())
}

func TestUnmuteSignalsBeforeApplying(t *testing.T) {
	h := newHarness(t, Options{})
	h.enter(t)
	call := h.admitCall(t, "@bob:test")
	stream := h.devices.userStreams[0]

	require.NoError(t, h.gc.SetMicrophoneMuted(context.Background(), true))
	updatesAfterMute := call.getMetadataUpdates()

	gate := make(chan struct{})
	call.setMetadataGate(gate)

	done := make(chan error, 1)
	go func() {
		done <- h.gc.SetMicrophoneMuted(context.Background(), false)
	}()

	// While the metadata send is pending nothing is applied locally yet
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.gc.IsMicrophoneMuted(), "unmute must not apply before peers confirm")
	assert.False(t, stream.audioTrack(0).Enabled())

	close(gate)
	require.NoError(t, <-done)
	assert.False(t, h.gc.IsMicrophoneMuted())
	assert.True(t, stream.audioTrack(0).Enabled())
	assert.Equal(t, updatesAfterMute+1, call.getMetadataUpdates())
}

func TestUnmuteFailureLeavesMuted(t *testing.T) {
	h := newHarness(t, Options{})
	h.enter(t)
	call := h.admitCall(t, "@bob:test")
	stream := h.devices.userStreams[0]

	require.NoError(t, h.gc.SetMicrophoneMuted(context.Background(), true))

	// A cancelled context fails the gated send
	gate := make(chan struct{})
	call.setMetadataGate(gate)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.gc.SetMicrophoneMuted(ctx, false)
	assert.ErrorIs(t, err, ErrSignalingFailed)
	assert.True(t, h.gc.IsMicrophoneMuted())
	assert.False(t, stream.audioTrack(0).Enabled())
}

func TestVideoMuteIndependentOfAudio(t *testing.T) {
	h := newHarness(t, Options{})
	h.enter(t)
	stream := h.devices.userStreams[0]
	ctx := context.Background()

	require.NoError(t, h.gc.SetLocalVideoMuted(ctx, true))
	assert.True(t, h.gc.IsLocalVideoMuted())
	assert.False(t, h.gc.IsMicrophoneMuted())
	assert.False(t, stream.videoTrack(0).Enabled())
	assert.True(t, stream.audioTrack(0).Enabled())

	require.NoError(t, h.gc.SetLocalVideoMuted(ctx, false))
	assert.True(t, stream.videoTrack(0).Enabled())
}

func TestPTTAutoMuteAfterMaxTransmitTime(t *testing.T) {
	h := newHarness(t, Options{PushToTalk: true, PTTMaxTransmitTime: 80 * time.Millisecond})
	h.enter(t)
	ctx := context.Background()

	require.NoError(t, h.gc.SetMicrophoneMuted(ctx, false))
	assert.False(t, h.gc.IsMicrophoneMuted())

	waitFor(t, time.Second, func() bool { return h.gc.IsMicrophoneMuted() },
		"transmit limiter did not mute")
	stream := h.devices.userStreams[0]
	assert.False(t, stream.audioTrack(0).Enabled())
}

func TestPTTTimerRestartsOnEachUnmute(t *testing.T) {
	h := newHarness(t, Options{PushToTalk: true, PTTMaxTransmitTime: 150 * time.Millisecond})
	h.enter(t)
	ctx := context.Background()

	require.NoError(t, h.gc.SetMicrophoneMuted(ctx, false))
	time.Sleep(90 * time.Millisecond)

	// A fresh unmute restarts the window rather than inheriting the rest of
	// the previous one
	require.NoError(t, h.gc.SetMicrophoneMuted(ctx, true))
	require.NoError(t, h.gc.SetMicrophoneMuted(ctx, false))

	time.Sleep(90 * time.Millisecond)
	assert.False(t, h.gc.IsMicrophoneMuted(), "restarted window expired too early")

	waitFor(t, time.Second, func() bool { return h.gc.IsMicrophoneMuted() },
		"restarted window never expired")
}

func TestPTTExplicitMuteCancelsTimer(t *testing.T) {
	h := newHarness(t, Options{PushToTalk: true, PTTMaxTransmitTime: 60 * time.Millisecond})
	h.enter(t)
	ctx := context.Background()

	require.NoError(t, h.gc.SetMicrophoneMuted(ctx, false))
	require.NoError(t, h.gc.SetMicrophoneMuted(ctx, true))
	require.NoError(t, h.gc.SetMicrophoneMuted(ctx, false))

	// The timer from the first unmute must not fire into the new window
	time.Sleep(30 * time.Millisecond)
	assert.False(t, h.gc.IsMicrophoneMuted())
}

func TestPTTTimerStoppedOnLeave(t *testing.T) {
	h := newHarness(t, Options{PushToTalk: true, PTTMaxTransmitTime: 40 * time.Millisecond})
	h.enter(t)
	ctx := context.Background()

	require.NoError(t, h.gc.SetMicrophoneMuted(ctx, false))
	require.NoError(t, h.gc.Leave(ctx))

	// The expiry callback observes the terminal state and does nothing
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateEnded, h.gc.State())
}
