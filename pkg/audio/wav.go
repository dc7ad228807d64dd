package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// HeaderSize is the size of the canonical RIFF/WAVE header the engine
// writes in front of a recording. Channels, sample rate and bit depth sit
// at fixed offsets inside it.
const HeaderSize = 44

const (
	formatTagPCM   = 0x0001
	formatTagMuLaw = 0x0007
)

// Format describes the PCM layout declared by a WAV header
type Format struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// BytesPerSecond returns the payload byte rate of the format
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.bytesPerSample()
}

// FrameBytes returns the payload size of one frame of duration d, aligned
// down to a whole sample
func (f Format) FrameBytes(d time.Duration) int {
	n := int(float64(f.BytesPerSecond()) * d.Seconds())
	align := f.Channels * f.bytesPerSample()
	if align > 0 {
		n -= n % align
	}
	if n < align {
		n = align
	}
	return n
}

func (f Format) bytesPerSample() int {
	b := f.BitsPerSample / 8
	if b < 1 {
		b = 1
	}
	return b
}

// ParseHeader parses the 44-byte WAV header of a recording. It reads the
// fields at their fixed offsets (channels at 22, sample rate at 24, bits
// per sample at 34) and does not walk arbitrary chunk layouts.
func ParseHeader(header []byte) (Format, error) {
	if len(header) < HeaderSize {
		return Format{}, fmt.Errorf("incomplete WAV header: %d of %d bytes", len(header), HeaderSize)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Format{}, fmt.Errorf("not a RIFF/WAVE header")
	}

	format := Format{
		Channels:      int(binary.LittleEndian.Uint16(header[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(header[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(header[34:36])),
	}
	if format.Channels == 0 || format.SampleRate == 0 {
		return Format{}, fmt.Errorf("invalid WAV format: channels=%d rate=%d", format.Channels, format.SampleRate)
	}
	return format, nil
}

// PCMHeader builds a 44-byte PCM WAV header for the given layout. Used by
// the mock media plane and tests to produce engine-shaped recordings.
func PCMHeader(channels, sampleRate, bitsPerSample int, dataLen uint32) []byte {
	bytesPerSample := bitsPerSample / 8
	byteRate := sampleRate * channels * bytesPerSample
	blockAlign := channels * bytesPerSample

	header := make([]byte, HeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataLen)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], formatTagPCM)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataLen)
	return header
}

// WriteMuLawWAV writes 8-bit µ-law mono samples into a WAV container at
// path. This is the outbound segment format the telephony engine plays.
func WriteMuLawWAV(path string, samples []byte, sampleRate int) error {
	dataLen := uint32(len(samples))

	header := make([]byte, HeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataLen)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], formatTagMuLaw)
	binary.LittleEndian.PutUint16(header[22:24], 1) // mono
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate)) // 1 byte per sample
	binary.LittleEndian.PutUint16(header[32:34], 1)
	binary.LittleEndian.PutUint16(header[34:36], 8)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataLen)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("failed to write segment header: %w", err)
	}
	if _, err := f.Write(samples); err != nil {
		return fmt.Errorf("failed to write segment payload: %w", err)
	}
	return nil
}

// MuLawDuration returns the play time of n µ-law mono samples
func MuLawDuration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
