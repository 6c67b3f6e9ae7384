package rtc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Wire format agreed with the realtime service. Capture and playback both use
// it; it is a constant of the protocol, not a tunable.
const (
	EncodingPCM16 = "pcm16"
	SampleRate    = 24000
	NumChannels   = 1

	// MaxChunkBytes bounds a single decoded chunk.
	MaxChunkBytes = 15 * 1024 * 1024
)

var (
	// ErrOddLength is returned when PCM16 data does not hold whole samples.
	ErrOddLength = errors.New("pcm16 data length must be even")

	// ErrChunkTooLarge is returned when a chunk exceeds MaxChunkBytes.
	ErrChunkTooLarge = errors.New("audio chunk too large")
)

// AudioChunk is an ordered piece of a PCM16 little-endian stream. Chunks of
// one stream carry increasing Seq values; gaps are tolerated.
type AudioChunk struct {
	Data        []byte
	SampleRate  int
	NumChannels int
	Encoding    string
	Seq         uint64
	Timestamp   time.Duration // offset from stream start, zero for live
}

// NewAudioChunk validates data as PCM16 in the wire format.
func NewAudioChunk(data []byte, seq uint64, timestamp time.Duration) (*AudioChunk, error) {
	if err := ValidatePCM16(data); err != nil {
		return nil, err
	}
	return &AudioChunk{
		Data:        data,
		SampleRate:  SampleRate,
		NumChannels: NumChannels,
		Encoding:    EncodingPCM16,
		Seq:         seq,
		Timestamp:   timestamp,
	}, nil
}

// ValidatePCM16 checks that data holds whole 16-bit samples and fits the
// chunk size limit. Empty data is valid.
func ValidatePCM16(data []byte) error {
	if len(data)%2 != 0 {
		return fmt.Errorf("%w: got %d bytes", ErrOddLength, len(data))
	}
	if len(data) > MaxChunkBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrChunkTooLarge, len(data), MaxChunkBytes)
	}
	return nil
}

// Clone creates a deep copy of the chunk.
func (c *AudioChunk) Clone() *AudioChunk {
	data := make([]byte, len(c.Data))
	copy(data, c.Data)

	out := *c
	out.Data = data
	return &out
}

// SamplesPerChannel returns the number of sample frames in the chunk.
func (c *AudioChunk) SamplesPerChannel() int {
	if c.NumChannels == 0 {
		return 0
	}
	return len(c.Data) / 2 / c.NumChannels
}

// Duration returns the playback length of the chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.SamplesPerChannel()) * time.Second / time.Duration(c.SampleRate)
}

// Samples decodes the chunk into signed 16-bit samples.
func (c *AudioChunk) Samples() []int16 {
	return BytesToSamples(c.Data)
}

// BytesToSamples converts little-endian PCM16 bytes to samples. A trailing odd
// byte is ignored.
func BytesToSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// SamplesToBytes converts samples to little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesFor returns the PCM16 byte length of d in the wire format.
func BytesFor(d time.Duration) int {
	return int(d*SampleRate/time.Second) * NumChannels * 2
}
