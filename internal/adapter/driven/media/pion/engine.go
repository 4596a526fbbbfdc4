package pion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	pliInterval = 3 * time.Second
	// pre-gathered candidates, as the browser client does
	candidatePoolSize = 10
)

var errForeignMedia = errors.New("media handle was not created by this engine")

// Engine implements port.MediaEngine on top of pion.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ port.MediaEngine = (*Engine)(nil)

func NewEngine(iceServers []webrtc.ICEServer) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))

	return &Engine{
		api: api,
		config: webrtc.Configuration{
			ICEServers:           iceServers,
			ICECandidatePoolSize: candidatePoolSize,
		},
	}, nil
}

func (e *Engine) AcquireLocalMedia(ctx context.Context) (port.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "yacall-" + uuid.New().String()

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	log.Debug().Str("stream_id", streamID).Msg("Local media acquired")
	return newLocalMedia(streamID, audio, video), nil
}

func (e *Engine) NewTransport(remote domain.Identity, media port.MediaHandle, cb port.TransportCallbacks) (port.Transport, error) {
	var local *LocalMedia
	if media != nil {
		lm, ok := media.(*LocalMedia)
		if !ok {
			return nil, errForeignMedia
		}
		local = lm
	}

	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := log.With().Str("remote", remote.String()).Logger()

	if local != nil {
		for _, track := range local.tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			go drainRTCP(sender)
		}
	} else {
		// Without local media, still ask for audio and video so the
		// description carries both sections.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	// Trickle ICE
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnCandidate == nil {
			return
		}
		cb.OnCandidate(candidateFromInit(c.ToJSON()))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.Debug().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("Received remote track")
		if cb.OnRemoteMedia != nil {
			cb.OnRemoteMedia(domain.RemoteMedia{
				StreamID: track.StreamID(),
				TrackID:  track.ID(),
				Kind:     track.Kind().String(),
			})
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go requestKeyframes(pc, track)
		}
		go drainTrack(track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.Debug().Str("state", s.String()).Msg("Peer connection state changed")
		if cb.OnStateChange != nil {
			cb.OnStateChange(transportState(s))
		}
	})

	return &Transport{pc: pc, remote: remote}, nil
}

func transportState(s webrtc.PeerConnectionState) domain.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}

// requestKeyframes sends a PLI right away and then periodically until the
// connection goes away.
func requestKeyframes(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	sendPLI := func() error {
		return pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
	}
	if err := sendPLI(); err != nil {
		return
	}
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		if pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
		if err := sendPLI(); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
		}
	}
}

// drainTrack keeps the interceptors fed. Playback belongs to the UI layer.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
