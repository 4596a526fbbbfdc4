package pion

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var errReleased = errors.New("local media released")

// LocalMedia is the local audio and video pair shared by every transport
// of a session. Capture pipelines feed it through WriteAudio and
// WriteVideo; disabled tracks swallow samples.
type LocalMedia struct {
	id    string
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu       sync.Mutex
	audioOn  bool
	videoOn  bool
	released bool
}

func newLocalMedia(id string, audio, video *webrtc.TrackLocalStaticSample) *LocalMedia {
	return &LocalMedia{
		id:      id,
		audio:   audio,
		video:   video,
		audioOn: true,
		videoOn: true,
	}
}

func (m *LocalMedia) ID() string {
	return m.id
}

func (m *LocalMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioOn = enabled
}

func (m *LocalMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOn = enabled
}

func (m *LocalMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOn
}

func (m *LocalMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoOn
}

func (m *LocalMedia) WriteAudio(s media.Sample) error {
	m.mu.Lock()
	on, released := m.audioOn, m.released
	m.mu.Unlock()
	if released {
		return errReleased
	}
	if !on {
		return nil
	}
	return m.audio.WriteSample(s)
}

func (m *LocalMedia) WriteVideo(s media.Sample) error {
	m.mu.Lock()
	on, released := m.videoOn, m.released
	m.mu.Unlock()
	if released {
		return errReleased
	}
	if !on {
		return nil
	}
	return m.video.WriteSample(s)
}

// Release stops the handle. Transports using it are closed by their owner.
func (m *LocalMedia) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return errReleased
	}
	m.released = true
	return nil
}

func (m *LocalMedia) tracks() []*webrtc.TrackLocalStaticSample {
	return []*webrtc.TrackLocalStaticSample{m.audio, m.video}
}
