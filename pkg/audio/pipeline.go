package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/fieldvoice/pkg/rtc"
	"github.com/chriscow/fieldvoice/pkg/voice"
)

var (
	// ErrStopped is returned by pipeline methods after Stop.
	ErrStopped = errors.New("audio pipeline stopped")

	// ErrCaptureRunning is returned when capture is started twice.
	ErrCaptureRunning = errors.New("capture already running")

	// ErrNoSource is returned by StartCapture when no capture source is configured.
	ErrNoSource = errors.New("no capture source configured")
)

// Source produces PCM16 in the Wire format. onAudio may be called from a
// device thread and must not block.
type Source interface {
	Start(ctx context.Context, onAudio func([]byte)) error
	Stop() error
}

// Sink plays PCM16 in the Wire format. Start starts or resumes output and is
// called before every write.
type Sink interface {
	Start() error
	Write(pcm []byte) error
	Close() error
}

// SinkFactory opens the output device. It is called on first playback.
type SinkFactory func() (Sink, error)

// Config configures a Pipeline.
type Config struct {
	Source  Source
	NewSink SinkFactory

	// ChunkDuration is the length of captured chunks, 20 ms by default.
	ChunkDuration time.Duration

	// CaptureBuffer is the number of captured chunks held for a slow
	// consumer before new ones are dropped.
	CaptureBuffer int

	// PlaybackQueue bounds the number of pending playback items.
	PlaybackQueue int

	// Gate, when set, drops captured audio while playback is audible.
	Gate voice.AudioGate

	Logger *slog.Logger
}

// Metrics counts pipeline activity.
type Metrics struct {
	ChunksCaptured *expvar.Int
	ChunksDropped  *expvar.Int
	ChunksGated    *expvar.Int
	BytesPlayed    *expvar.Int
	DecodeErrors   *expvar.Int
}

// Pipeline owns capture and playback for one session.
type Pipeline struct {
	source        Source
	newSink       SinkFactory
	chunkBytes    int
	chunkDuration time.Duration
	captureBuffer int
	gate          voice.AudioGate
	logger        *slog.Logger
	metrics       *Metrics

	// decode turns a delta into PCM; replaced in tests.
	decode func(string) ([]byte, error)

	mu      sync.Mutex
	stopped bool
	capture *captureRun

	sinkMu      sync.Mutex
	sink        Sink
	sinkRunning bool

	queue    chan *slot
	done     chan struct{}
	player   sync.WaitGroup
	stopOnce sync.Once
}

type captureRun struct {
	mu      sync.Mutex
	out     chan rtc.AudioChunk
	chunker chunker
	closed  bool
	cancel  context.CancelFunc
}

// slot is a playback position reserved at arrival time and filled when its
// decode finishes.
type slot struct {
	ready chan struct{}
	pcm   []byte
	err   error
}

// New creates a Pipeline and starts its player.
func New(cfg Config) (*Pipeline, error) {
	if cfg.NewSink == nil {
		return nil, fmt.Errorf("sink factory is required")
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = DefaultChunkDuration
	}
	if cfg.CaptureBuffer <= 0 {
		cfg.CaptureBuffer = 50
	}
	if cfg.PlaybackQueue <= 0 {
		cfg.PlaybackQueue = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pipeline{
		source:        cfg.Source,
		newSink:       cfg.NewSink,
		chunkBytes:    rtc.BytesFor(cfg.ChunkDuration),
		chunkDuration: cfg.ChunkDuration,
		captureBuffer: cfg.CaptureBuffer,
		gate:          cfg.Gate,
		logger:        cfg.Logger,
		metrics:       newMetrics(),
		decode:        DecodeDelta,
		queue:         make(chan *slot, cfg.PlaybackQueue),
		done:          make(chan struct{}),
	}

	p.player.Add(1)
	go p.play()
	return p, nil
}

// Metrics returns the pipeline counters.
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// StartCapture starts the source and returns its audio as fixed-length
// chunks. The channel is closed when capture stops.
func (p *Pipeline) StartCapture(ctx context.Context) (<-chan rtc.AudioChunk, error) {
	if p.source == nil {
		return nil, ErrNoSource
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrStopped
	}
	if p.capture != nil {
		return nil, ErrCaptureRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	run := &captureRun{
		out:     make(chan rtc.AudioChunk, p.captureBuffer),
		chunker: chunker{size: p.chunkBytes, duration: p.chunkDuration},
		cancel:  cancel,
	}

	if err := p.source.Start(ctx, func(b []byte) { p.deliver(run, b) }); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}
	p.capture = run

	go func() {
		<-ctx.Done()
		p.stopCapture(run)
	}()

	p.logger.Debug("Capture started", slog.String("format", Wire.String()))
	return run.out, nil
}

// StopCapture stops the source. It is safe to call when not capturing.
func (p *Pipeline) StopCapture() {
	p.mu.Lock()
	run := p.capture
	p.mu.Unlock()
	if run != nil {
		p.stopCapture(run)
	}
}

func (p *Pipeline) stopCapture(run *captureRun) {
	p.mu.Lock()
	if p.capture != run {
		p.mu.Unlock()
		return
	}
	p.capture = nil
	p.mu.Unlock()

	run.cancel()
	if err := p.source.Stop(); err != nil {
		p.logger.Warn("Failed to stop capture source", slog.String("error", err.Error()))
	}

	run.mu.Lock()
	run.closed = true
	close(run.out)
	run.mu.Unlock()
}

// deliver runs on the source's thread; it never blocks.
func (p *Pipeline) deliver(run *captureRun, b []byte) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.closed {
		return
	}
	for _, chunk := range run.chunker.push(b) {
		if p.gate != nil && p.gate.ShouldDiscardAudio() {
			p.metrics.ChunksGated.Add(1)
			continue
		}
		select {
		case run.out <- chunk:
			p.metrics.ChunksCaptured.Add(1)
		default:
			p.metrics.ChunksDropped.Add(1)
		}
	}
}

// PlayDelta queues one base64 audio delta. Decoding happens on its own
// goroutine; deltas are played in the order PlayDelta was called no matter
// which decode finishes first.
func (p *Pipeline) PlayDelta(b64 string) error {
	s := &slot{ready: make(chan struct{})}
	if err := p.enqueue(s); err != nil {
		return err
	}

	go func() {
		s.pcm, s.err = p.decode(b64)
		close(s.ready)
	}()
	return nil
}

// PlayPCM queues already decoded PCM16 behind any pending deltas.
func (p *Pipeline) PlayPCM(pcm []byte) error {
	if err := rtc.ValidatePCM16(pcm); err != nil {
		return err
	}
	s := &slot{ready: make(chan struct{}), pcm: pcm}
	close(s.ready)
	return p.enqueue(s)
}

func (p *Pipeline) enqueue(s *slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- s:
		return nil
	case <-p.done:
		return ErrStopped
	}
}

func (p *Pipeline) play() {
	defer p.player.Done()
	for {
		var s *slot
		select {
		case <-p.done:
			return
		case s = <-p.queue:
		}

		select {
		case <-p.done:
			return
		case <-s.ready:
		}

		if s.err != nil {
			p.metrics.DecodeErrors.Add(1)
			p.logger.Warn("Dropping undecodable audio", slog.String("error", s.err.Error()))
			continue
		}
		if len(s.pcm) == 0 {
			continue
		}
		if err := p.write(s.pcm); err != nil {
			p.logger.Warn("Playback failed", slog.String("error", err.Error()))
		}
	}
}

func (p *Pipeline) write(pcm []byte) error {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	if err := p.ensureRunning(); err != nil {
		return err
	}
	if err := p.sink.Write(pcm); err != nil {
		return fmt.Errorf("failed to write to output: %w", err)
	}
	p.metrics.BytesPlayed.Add(int64(len(pcm)))
	if p.gate != nil {
		p.gate.Played(Wire.Duration(len(pcm)))
	}
	return nil
}

// ensureRunning opens the output on first use and starts or resumes it.
// Caller holds sinkMu.
func (p *Pipeline) ensureRunning() error {
	if p.sink == nil {
		sink, err := p.newSink()
		if err != nil {
			return fmt.Errorf("failed to open output: %w", err)
		}
		p.sink = sink
		p.sinkRunning = false
	}
	if !p.sinkRunning {
		if err := p.sink.Start(); err != nil {
			return fmt.Errorf("failed to start output: %w", err)
		}
		p.sinkRunning = true
	}
	return nil
}

// Stop stops capture, discards queued playback and closes the output. It is
// idempotent.
func (p *Pipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.StopCapture()

		p.mu.Lock()
		p.stopped = true
		close(p.done)
		p.mu.Unlock()

		p.player.Wait()

		p.sinkMu.Lock()
		if p.sink != nil {
			err = p.sink.Close()
			p.sink = nil
			p.sinkRunning = false
		}
		p.sinkMu.Unlock()

		if p.gate != nil {
			p.gate.Reset()
		}
	})
	return err
}

// DecodeDelta decodes a base64 PCM16 delta and validates it.
func DecodeDelta(b64 string) ([]byte, error) {
	if len(b64) > base64.StdEncoding.EncodedLen(rtc.MaxChunkBytes) {
		return nil, fmt.Errorf("%w: encoded delta of %d bytes", rtc.ErrChunkTooLarge, len(b64))
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio: %w", err)
	}
	if err := rtc.ValidatePCM16(pcm); err != nil {
		return nil, err
	}
	return pcm, nil
}

// chunker re-frames arbitrary device buffers into fixed-length chunks.
type chunker struct {
	size     int
	duration time.Duration
	buf      []byte
	seq      uint64
}

func (c *chunker) push(b []byte) []rtc.AudioChunk {
	c.buf = append(c.buf, b...)

	var out []rtc.AudioChunk
	for len(c.buf) >= c.size {
		data := make([]byte, c.size)
		copy(data, c.buf[:c.size])
		c.buf = c.buf[c.size:]

		out = append(out, rtc.AudioChunk{
			Data:        data,
			SampleRate:  rtc.SampleRate,
			NumChannels: rtc.NumChannels,
			Encoding:    rtc.EncodingPCM16,
			Seq:         c.seq,
			Timestamp:   time.Duration(c.seq) * c.duration,
		})
		c.seq++
	}
	return out
}

func newMetrics() *Metrics {
	return &Metrics{
		ChunksCaptured: new(expvar.Int),
		ChunksDropped:  new(expvar.Int),
		ChunksGated:    new(expvar.Int),
		BytesPlayed:    new(expvar.Int),
		DecodeErrors:   new(expvar.Int),
	}
}
