package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/chriscow/fieldvoice/pkg/rtc"
)

const headerSize = 44

// Writer records PCM16 mono audio at the wire sample rate. It satisfies the
// audio pipeline's sink contract so model speech can be saved to disk.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	written uint32
}

// NewWriter creates filename and writes a placeholder header that Close
// completes.
func NewWriter(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	w := &Writer{file: file}
	if _, err := file.Write(header(0)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return w, nil
}

// Start is a no-op; a file is always ready.
func (w *Writer) Start() error { return nil }

// Write appends PCM16 data.
func (w *Writer) Write(pcm []byte) error {
	if err := rtc.ValidatePCM16(pcm); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("wav writer closed")
	}
	n, err := w.file.Write(pcm)
	w.written += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}
	return nil
}

// WriteTone appends a sine tone, used to produce test fixtures.
func (w *Writer) WriteTone(frequency float64, samples int) error {
	out := make([]int16, samples)
	for i := range out {
		t := float64(i) / float64(rtc.SampleRate)
		out[i] = int16(math.Sin(2*math.Pi*frequency*t) * math.MaxInt16 * 0.5)
	}
	return w.Write(rtc.SamplesToBytes(out))
}

// Samples returns the number of samples written so far.
func (w *Writer) Samples() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.written / 2)
}

// Close rewrites the header with the final sizes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.file.Close()
		w.file = nil
		return fmt.Errorf("failed to seek to header: %w", err)
	}
	if _, err := w.file.Write(header(w.written)); err != nil {
		w.file.Close()
		w.file = nil
		return fmt.Errorf("failed to update header: %w", err)
	}

	err := w.file.Close()
	w.file = nil
	return err
}

func header(dataSize uint32) []byte {
	const (
		bits        = 16
		blockAlign  = rtc.NumChannels * bits / 8
		byteRate    = rtc.SampleRate * blockAlign
		fmtChunkLen = 16
	)

	b := make([]byte, headerSize)
	copy(b[0:4], "RIFF")
	binary.LittleEndian.PutUint32(b[4:8], dataSize+headerSize-8)
	copy(b[8:12], "WAVE")
	copy(b[12:16], "fmt ")
	binary.LittleEndian.PutUint32(b[16:20], fmtChunkLen)
	binary.LittleEndian.PutUint16(b[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(b[22:24], rtc.NumChannels)
	binary.LittleEndian.PutUint32(b[24:28], rtc.SampleRate)
	binary.LittleEndian.PutUint32(b[28:32], byteRate)
	binary.LittleEndian.PutUint16(b[32:34], blockAlign)
	binary.LittleEndian.PutUint16(b[34:36], bits)
	copy(b[36:40], "data")
	binary.LittleEndian.PutUint32(b[40:44], dataSize)
	return b
}
