// Package feed wraps a media stream together with its owner identity,
// purpose (usermedia vs. screenshare) and mute metadata.
package feed

import (
	"sync"
)

// Purpose identifies what a stream is used for, using the wire values
// carried in stream metadata.
type Purpose string

const (
	// PurposeUsermedia is the primary camera/microphone stream
	PurposeUsermedia Purpose = "m.usermedia"
	// PurposeScreenshare is a screen capture stream
	PurposeScreenshare Purpose = "m.screenshare"
)

// TrackKind distinguishes audio from video tracks
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is a single enableable media track, owned by the device capability.
// Disabling a track stops transmission without tearing down negotiation.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// MediaStream is an opaque handle to a local or remote media stream.
type MediaStream interface {
	ID() string
	AudioTracks() []Track
	VideoTracks() []Track
}

// StreamMetadata describes one stream as carried in peer call metadata
// messages.
type StreamMetadata struct {
	Purpose    Purpose `json:"purpose"`
	AudioMuted bool    `json:"audio_muted"`
	VideoMuted bool    `json:"video_muted"`
}

// MetadataMap maps stream ids to their metadata.
type MetadataMap map[string]StreamMetadata

// Feed binds a media stream to its owning user/device, its purpose and the
// current mute flags. For local feeds the flags are authoritative and drive
// track enablement; for remote feeds they mirror the most recently received
// metadata and never touch the underlying tracks.
type Feed struct {
	userID   string
	deviceID string
	purpose  Purpose
	local    bool

	mu         sync.RWMutex
	stream     MediaStream
	audioMuted bool
	videoMuted bool
}

// NewLocalFeed creates a feed for a stream this participant owns.
func NewLocalFeed(stream MediaStream, purpose Purpose, userID, deviceID string) *Feed {
	return &Feed{
		userID:   userID,
		deviceID: deviceID,
		purpose:  purpose,
		local:    true,
		stream:   stream,
	}
}

// NewRemoteFeed creates a feed for a stream received from a peer.
func NewRemoteFeed(stream MediaStream, purpose Purpose, userID, deviceID string) *Feed {
	return &Feed{
		userID:   userID,
		deviceID: deviceID,
		purpose:  purpose,
		stream:   stream,
	}
}

// UserID returns the stream owner's user id.
func (f *Feed) UserID() string { return f.userID }

// DeviceID returns the stream owner's device id.
func (f *Feed) DeviceID() string { return f.deviceID }

// Purpose returns the feed purpose.
func (f *Feed) Purpose() Purpose { return f.purpose }

// IsLocal reports whether this participant owns the feed.
func (f *Feed) IsLocal() bool { return f.local }

// Stream returns the current underlying stream handle.
func (f *Feed) Stream() MediaStream {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stream
}

// SetStream swaps the underlying stream while preserving the mute flags,
// re-applying track enablement on local feeds. The previous stream's tracks
// are stopped.
func (f *Feed) SetStream(stream MediaStream) {
	f.mu.Lock()
	old := f.stream
	f.stream = stream
	audioMuted, videoMuted := f.audioMuted, f.videoMuted
	f.mu.Unlock()

	if old != nil {
		stopTracks(old)
	}
	if f.local && stream != nil {
		setEnabled(stream.AudioTracks(), !audioMuted)
		setEnabled(stream.VideoTracks(), !videoMuted)
	}
}

// IsAudioMuted reports the audio mute flag.
func (f *Feed) IsAudioMuted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.audioMuted
}

// IsVideoMuted reports the video mute flag.
func (f *Feed) IsVideoMuted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.videoMuted
}

// SetAudioVideoMuted updates the mute flags. A nil pointer leaves that flag
// untouched. On local feeds the corresponding tracks are enabled/disabled
// immediately; remote feeds only record the flags.
func (f *Feed) SetAudioVideoMuted(audioMuted, videoMuted *bool) {
	f.mu.Lock()
	if audioMuted != nil {
		f.audioMuted = *audioMuted
	}
	if videoMuted != nil {
		f.videoMuted = *videoMuted
	}
	stream := f.stream
	am, vm := f.audioMuted, f.videoMuted
	f.mu.Unlock()

	if !f.local || stream == nil {
		return
	}
	if audioMuted != nil {
		setEnabled(stream.AudioTracks(), !am)
	}
	if videoMuted != nil {
		setEnabled(stream.VideoTracks(), !vm)
	}
}

// SetMutedFlags updates the mute flags without touching track enablement.
// Used when the new state must be announced to peers before it is applied
// locally.
func (f *Feed) SetMutedFlags(audioMuted, videoMuted *bool) {
	f.mu.Lock()
	if audioMuted != nil {
		f.audioMuted = *audioMuted
	}
	if videoMuted != nil {
		f.videoMuted = *videoMuted
	}
	f.mu.Unlock()
}

// Stop stops every track of the underlying stream. Used when the engine
// releases a local feed it owns.
func (f *Feed) Stop() {
	f.mu.RLock()
	stream := f.stream
	f.mu.RUnlock()
	if stream != nil {
		stopTracks(stream)
	}
}

// Metadata returns the stream metadata describing this feed.
func (f *Feed) Metadata() StreamMetadata {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return StreamMetadata{
		Purpose:    f.purpose,
		AudioMuted: f.audioMuted,
		VideoMuted: f.videoMuted,
	}
}

func setEnabled(tracks []Track, enabled bool) {
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
}

func stopTracks(stream MediaStream) {
	for _, t := range stream.AudioTracks() {
		t.Stop()
	}
	for _, t := range stream.VideoTracks() {
		t.Stop()
	}
}

// Bool is a convenience helper for the optional mute arguments.
func Bool(v bool) *bool { return &v }
