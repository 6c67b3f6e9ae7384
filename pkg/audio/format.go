// Package audio moves PCM16 between the local devices and a voice session:
// microphone capture, ordered playback of model speech and the Opus bridge
// used by the WebRTC transport.
package audio

import (
	"fmt"
	"time"

	"github.com/chriscow/fieldvoice/pkg/rtc"
)

// Format describes a PCM stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Wire is the only format the pipeline handles. Devices are opened in it and
// the realtime service speaks it in both directions.
var Wire = Format{
	SampleRate:    rtc.SampleRate,
	Channels:      rtc.NumChannels,
	BitsPerSample: 16,
}

// DefaultChunkDuration is the capture chunk length.
const DefaultChunkDuration = 20 * time.Millisecond

// BytesPerFrame returns the size of one sample frame.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration returns the playback length of n bytes.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate == 0 || f.BytesPerFrame() == 0 {
		return 0
	}
	frames := n / f.BytesPerFrame()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// FramesIn returns the number of sample frames that fit in d.
func (f Format) FramesIn(d time.Duration) int {
	return int(d * time.Duration(f.SampleRate) / time.Second)
}

func (f Format) String() string {
	return fmt.Sprintf("pcm%d %dHz %dch", f.BitsPerSample, f.SampleRate, f.Channels)
}
