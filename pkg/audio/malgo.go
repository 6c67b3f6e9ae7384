package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// Devices owns the miniaudio context shared by the microphone and speaker.
type Devices struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger
}

// OpenDevices initializes the platform audio backend.
func OpenDevices(logger *slog.Logger) (*Devices, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", slog.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	return &Devices{ctx: ctx, logger: logger}, nil
}

// Close releases the audio context. Devices must be closed first.
func (d *Devices) Close() error {
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

// Microphone returns a capture source on the default input device.
func (d *Devices) Microphone() *MalgoSource {
	return &MalgoSource{ctx: d.ctx}
}

// SpeakerFactory returns a SinkFactory that opens the default output device.
func (d *Devices) SpeakerFactory() SinkFactory {
	return func() (Sink, error) {
		return newMalgoSink(d.ctx)
	}
}

// MalgoSource captures from the default input device in the Wire format.
type MalgoSource struct {
	ctx *malgo.AllocatedContext

	mu      sync.Mutex
	device  *malgo.Device
	onAudio func([]byte)
}

func (s *MalgoSource) Start(_ context.Context, onAudio func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return nil
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * Wire.Channels

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(Wire.SampleRate)
	cfg.Capture.Format = format
	cfg.Capture.Channels = uint32(Wire.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(Wire.FramesIn(DefaultChunkDuration))
	cfg.Periods = 3

	s.onAudio = onAudio
	device, err := malgo.InitDevice(s.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(input) < n {
				return
			}
			// the device reuses its buffer
			out := make([]byte, n)
			copy(out, input[:n])
			s.onAudio(out)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	s.device = device
	return nil
}

func (s *MalgoSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	err := s.device.Stop()
	s.device.Uninit()
	s.device = nil
	if err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

// MalgoSink plays to the default output device in the Wire format.
type MalgoSink struct {
	device *malgo.Device

	mu       sync.Mutex
	leftover []byte
}

func newMalgoSink(ctx *malgo.AllocatedContext) (*MalgoSink, error) {
	s := &MalgoSink{}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * Wire.Channels

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(Wire.SampleRate)
	cfg.Playback.Format = format
	cfg.Playback.Channels = uint32(Wire.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(Wire.SampleRate / 10)
	cfg.Periods = 4

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			s.fill(output, int(frameCount)*bytesPerFrame)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	s.device = device
	return s, nil
}

func (s *MalgoSink) fill(output []byte, need int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(output[:need], s.leftover)
	s.leftover = s.leftover[n:]
	clear(output[n:need])
}

// Start starts the device or resumes it after the system paused it.
func (s *MalgoSink) Start() error {
	if s.device.IsStarted() {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}
	return nil
}

func (s *MalgoSink) Write(pcm []byte) error {
	s.mu.Lock()
	s.leftover = append(s.leftover, pcm...)
	s.mu.Unlock()
	return nil
}

func (s *MalgoSink) Close() error {
	err := s.device.Stop()
	s.device.Uninit()
	s.mu.Lock()
	s.leftover = nil
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to stop playback device: %w", err)
	}
	return nil
}
