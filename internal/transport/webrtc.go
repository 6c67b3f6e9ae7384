package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/chriscow/fieldvoice/pkg/audio"
	"github.com/chriscow/fieldvoice/pkg/rtc"
)

// ControlChannelLabel is the data channel the realtime service reads events
// from.
const ControlChannelLabel = "oai-events"

// Negotiator trades a local SDP offer for the remote answer.
type Negotiator interface {
	Connect(ctx context.Context, sdp, model string) (string, error)
}

// WebRTCConfig configures a WebRTC transport.
type WebRTCConfig struct {
	Negotiator Negotiator
	Model      string
	Callbacks  Callbacks
	Logger     *slog.Logger
}

// WebRTC is a Transport over a pion peer connection: one ordered data channel
// for control events, one Opus track each way for audio.
type WebRTC struct {
	negotiator Negotiator
	model      string
	callbacks  Callbacks
	logger     *slog.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	track  *webrtc.TrackLocalStaticSample
	closed bool

	done           chan struct{}
	disconnectOnce sync.Once
	pumps          sync.WaitGroup
}

// NewWebRTC creates an unopened WebRTC transport.
func NewWebRTC(cfg WebRTCConfig) (*WebRTC, error) {
	if cfg.Negotiator == nil {
		return nil, fmt.Errorf("negotiator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebRTC{
		negotiator: cfg.Negotiator,
		model:      cfg.Model,
		callbacks:  cfg.Callbacks,
		logger:     cfg.Logger,
		done:       make(chan struct{}),
	}, nil
}

// Open negotiates the peer connection and waits for the control channel. On
// failure the peer connection is closed and a *ConnectionError returned.
func (t *WebRTC) Open(ctx context.Context, iceServers []webrtc.ICEServer) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.pc != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport already open")
	}
	t.mu.Unlock()

	if err := t.open(ctx, iceServers); err != nil {
		t.abort()
		return err
	}
	t.logger.Info("WebRTC transport connected", slog.String("model", t.model))
	return nil
}

func (t *WebRTC) open(ctx context.Context, iceServers []webrtc.ICEServer) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return &ConnectionError{Op: "create peer connection", Err: err}
	}
	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "fieldvoice")
	if err != nil {
		return &ConnectionError{Op: "create audio track", Err: err}
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return &ConnectionError{Op: "add audio track", Err: err}
	}
	t.pumps.Add(1)
	go func() {
		defer t.pumps.Done()
		// drain RTCP so the interceptors keep working
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	ordered := true
	dc, err := pc.CreateDataChannel(ControlChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return &ConnectionError{Op: "create data channel", Err: err}
	}

	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() { openOnce.Do(func() { close(opened) }) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.callbacks.control(msg.Data)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.logger.Debug("Remote audio track", slog.String("codec", remote.Codec().MimeType))
		t.callbacks.remoteAudio(RemoteAudio{
			Codec: strings.ToLower(strings.TrimPrefix(remote.Codec().MimeType, "audio/")),
			ReadRTP: func(b []byte) (int, error) {
				n, _, err := remote.Read(b)
				return n, err
			},
		})
	})

	// Until the control channel is established a lost connection fails Open
	// instead of being reported as a disconnect.
	failed := make(chan error, 1)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("Peer connection state", slog.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			err := &ConnectionError{Op: "connection", Err: fmt.Errorf("peer connection %s", state)}
			t.mu.Lock()
			if t.dc == nil {
				select {
				case failed <- err:
				default:
				}
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
			t.disconnect(err)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return &ConnectionError{Op: "create offer", Err: err}
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return &ConnectionError{Op: "set local description", Err: err}
	}
	if err := await(ctx, gathered, failed, "ice gathering"); err != nil {
		return err
	}

	answer, err := t.negotiator.Connect(ctx, pc.LocalDescription().SDP, t.model)
	if err != nil {
		return &ConnectionError{Op: "signaling", Err: err}
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return &ConnectionError{Op: "set remote description", Err: err}
	}

	if err := await(ctx, opened, failed, "open data channel"); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case err := <-failed:
		return err
	default:
	}
	t.dc = dc
	t.track = track
	return nil
}

// await waits for ready, failing early when the peer connection is lost.
func await(ctx context.Context, ready <-chan struct{}, failed <-chan error, op string) error {
	select {
	case <-ready:
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return &ConnectionError{Op: op, Err: ctx.Err()}
	}
}

// abort tears down a half-open connection without reporting a disconnect.
func (t *WebRTC) abort() {
	t.mu.Lock()
	pc := t.pc
	t.pc = nil
	t.dc = nil
	t.track = nil
	t.mu.Unlock()

	t.disconnectOnce.Do(func() {})
	if pc != nil {
		if err := pc.Close(); err != nil {
			t.logger.Warn("Failed to close peer connection", slog.String("error", err.Error()))
		}
	}
	t.pumps.Wait()
}

func (t *WebRTC) disconnect(err error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.disconnectOnce.Do(func() {
		t.logger.Warn("WebRTC transport disconnected", slog.String("error", err.Error()))
		t.callbacks.disconnected(err)
	})
}

// Senders returns the RTP senders attached to the peer connection, or nil
// when there is none.
func (t *WebRTC) Senders() []*webrtc.RTPSender {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc == nil {
		return nil
	}
	return t.pc.GetSenders()
}

// AddLocalAudio encodes chunks from in to Opus and sends them on the local
// track until in is closed or ctx is done.
func (t *WebRTC) AddLocalAudio(ctx context.Context, in <-chan rtc.AudioChunk) error {
	t.mu.Lock()
	track, closed := t.track, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if track == nil {
		return fmt.Errorf("transport not open")
	}

	enc, err := audio.NewOpusEncoder()
	if err != nil {
		return err
	}

	t.pumps.Add(1)
	go func() {
		defer t.pumps.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case chunk, ok := <-in:
				if !ok {
					return
				}
				packets, err := enc.Encode(chunk.Data)
				if err != nil {
					t.logger.Warn("Failed to encode audio", slog.String("error", err.Error()))
					continue
				}
				for _, p := range packets {
					if err := track.WriteSample(media.Sample{Data: p, Duration: audio.OpusFrameDuration}); err != nil {
						if t.isClosed() {
							return
						}
						t.logger.Debug("Failed to write audio sample", slog.String("error", err.Error()))
					}
				}
			}
		}
	}()
	return nil
}

// SendControl sends one JSON event on the data channel.
func (t *WebRTC) SendControl(msg []byte) error {
	t.mu.Lock()
	dc, closed := t.dc, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if dc == nil {
		return fmt.Errorf("transport not open")
	}
	if err := dc.SendText(string(msg)); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

func (t *WebRTC) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close closes the peer connection. It is idempotent and does not report a
// disconnect.
func (t *WebRTC) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	pc := t.pc
	t.pc = nil
	t.dc = nil
	t.track = nil
	t.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	t.pumps.Wait()
	if err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
