package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"

	"github.com/chriscow/fieldvoice/pkg/rtc"
)

// OpusFrameDuration is the length of one encoded Opus frame.
const OpusFrameDuration = 20 * time.Millisecond

// maxOpusPacket is the largest packet libopus produces for one frame.
const maxOpusPacket = 4000

// OpusEncoder encodes Wire PCM into Opus frames.
type OpusEncoder struct {
	enc     *opus.Encoder
	pending []int16
	frame   int
}

// NewOpusEncoder creates a voice-tuned encoder for the Wire format.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(Wire.SampleRate, Wire.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, frame: Wire.FramesIn(OpusFrameDuration)}, nil
}

// Encode buffers pcm and returns every complete Opus frame it can produce.
func (e *OpusEncoder) Encode(pcm []byte) ([][]byte, error) {
	if err := rtc.ValidatePCM16(pcm); err != nil {
		return nil, err
	}
	e.pending = append(e.pending, rtc.BytesToSamples(pcm)...)

	var packets [][]byte
	for len(e.pending) >= e.frame {
		buf := make([]byte, maxOpusPacket)
		n, err := e.enc.Encode(e.pending[:e.frame], buf)
		if err != nil {
			return packets, fmt.Errorf("failed to encode opus frame: %w", err)
		}
		packets = append(packets, buf[:n])
		e.pending = e.pending[e.frame:]
	}
	return packets, nil
}

// OpusDecoder decodes Opus packets into Wire PCM.
type OpusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

// NewOpusDecoder creates a decoder producing Wire PCM.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(Wire.SampleRate, Wire.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	// 120 ms is the longest Opus frame
	return &OpusDecoder{dec: dec, pcm: make([]int16, Wire.FramesIn(120*time.Millisecond)*Wire.Channels)}, nil
}

// Decode returns the PCM16 bytes carried by one Opus packet.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("failed to decode opus packet: %w", err)
	}
	return rtc.SamplesToBytes(d.pcm[:n*Wire.Channels]), nil
}

// PacketReader reads one raw RTP packet into b.
type PacketReader func(b []byte) (int, error)

// DecodeOpusTrack reads RTP packets carrying Opus until the reader fails or
// ctx is done, handing the decoded PCM to onPCM. Packets that fail to parse
// or decode are skipped. It returns nil when the track ends.
func DecodeOpusTrack(ctx context.Context, read PacketReader, onPCM func([]byte)) error {
	dec, err := NewOpusDecoder()
	if err != nil {
		return err
	}

	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read track: %w", err)
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(packet.Payload) == 0 {
			continue
		}

		pcm, err := dec.Decode(packet.Payload)
		if err != nil {
			continue
		}
		if len(pcm) > 0 {
			onPCM(pcm)
		}
	}
}
