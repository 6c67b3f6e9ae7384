package wav

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/chriscow/fieldvoice/pkg/rtc"
)

// ErrUnsupportedFormat is returned for WAV files that are not PCM16 mono at
// the wire sample rate.
var ErrUnsupportedFormat = errors.New("unsupported wav format")

// Header describes the audio stored in a WAV file.
type Header struct {
	ChunkSize     uint32
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Reader streams a WAV file as captured audio. It doubles as a capture source
// for the audio pipeline, which is how recorded utterances are replayed into a
// session.
type Reader struct {
	file   *os.File
	header Header

	// Realtime paces Start at playback speed. Tests turn it off.
	Realtime bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReader opens filename and validates its header.
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}

	r := &Reader{file: file, Realtime: true}
	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	return r, nil
}

// Header returns the parsed header.
func (r *Reader) Header() Header {
	return r.header
}

// Duration returns the length of the audio data.
func (r *Reader) Duration() time.Duration {
	return time.Duration(r.header.DataSize/2) * time.Second / time.Duration(r.header.SampleRate)
}

// ReadChunks reads the remaining audio as chunks of length d. The last chunk
// is zero padded.
func (r *Reader) ReadChunks(d time.Duration) ([]rtc.AudioChunk, error) {
	size := rtc.BytesFor(d)
	if size == 0 {
		return nil, fmt.Errorf("chunk duration too short: %s", d)
	}

	var chunks []rtc.AudioChunk
	for seq := uint64(0); ; seq++ {
		buf := make([]byte, size)
		n, err := io.ReadFull(r.file, buf)
		if n > 0 {
			chunks = append(chunks, rtc.AudioChunk{
				Data:        buf,
				SampleRate:  rtc.SampleRate,
				NumChannels: rtc.NumChannels,
				Encoding:    rtc.EncodingPCM16,
				Seq:         seq,
				Timestamp:   time.Duration(seq) * d,
			})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audio data: %w", err)
		}
	}
}

// Start delivers the file's audio to onAudio in 20 ms pieces from a background
// goroutine until the file ends, ctx is done or Stop is called.
func (r *Reader) Start(ctx context.Context, onAudio func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("wav source already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		const frame = 20 * time.Millisecond
		buf := make([]byte, rtc.BytesFor(frame))

		var tick <-chan time.Time
		if r.Realtime {
			ticker := time.NewTicker(frame)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}

			n, err := io.ReadFull(r.file, buf)
			if n > 0 {
				out := make([]byte, n-n%2)
				copy(out, buf[:len(out)])
				onAudio(out)
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

// Stop ends a Start and waits for its goroutine.
func (r *Reader) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Close stops streaming and closes the file.
func (r *Reader) Close() error {
	_ = r.Stop()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

func (r *Reader) readHeader() error {
	var riff [12]byte
	if _, err := io.ReadFull(r.file, riff[:]); err != nil {
		return fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return fmt.Errorf("not a RIFF/WAVE file")
	}
	r.header.ChunkSize = binary.LittleEndian.Uint32(riff[4:8])

	sawFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r.file, chunk[:]); err != nil {
			return fmt.Errorf("failed to read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if err := r.readFmt(size); err != nil {
				return err
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return fmt.Errorf("data chunk before fmt chunk")
			}
			r.header.DataSize = size
			return nil
		default:
			if _, err := r.file.Seek(int64(size), io.SeekCurrent); err != nil {
				return fmt.Errorf("failed to skip %q chunk: %w", id, err)
			}
		}
	}
}

func (r *Reader) readFmt(size uint32) error {
	if size < 16 {
		return fmt.Errorf("fmt chunk too small: %d bytes", size)
	}
	var data [16]byte
	if _, err := io.ReadFull(r.file, data[:]); err != nil {
		return fmt.Errorf("failed to read fmt data: %w", err)
	}
	if size > 16 {
		if _, err := r.file.Seek(int64(size-16), io.SeekCurrent); err != nil {
			return fmt.Errorf("failed to skip fmt data: %w", err)
		}
	}

	if format := binary.LittleEndian.Uint16(data[0:2]); format != 1 {
		return fmt.Errorf("%w: format tag %d is not PCM", ErrUnsupportedFormat, format)
	}
	r.header.NumChannels = binary.LittleEndian.Uint16(data[2:4])
	r.header.SampleRate = binary.LittleEndian.Uint32(data[4:8])
	r.header.BitsPerSample = binary.LittleEndian.Uint16(data[14:16])

	if r.header.BitsPerSample != 16 || r.header.NumChannels != rtc.NumChannels || r.header.SampleRate != rtc.SampleRate {
		return fmt.Errorf("%w: %d Hz, %d channels, %d bits; want %d Hz mono 16-bit",
			ErrUnsupportedFormat, r.header.SampleRate, r.header.NumChannels, r.header.BitsPerSample, rtc.SampleRate)
	}
	return nil
}
