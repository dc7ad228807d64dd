package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderRoundtrip(t *testing.T) {
	header := PCMHeader(2, 24000, 16, 4800)

	format, err := ParseHeader(header)
	require.NoError(t, err)
	assert.Equal(t, 2, format.Channels)
	assert.Equal(t, 24000, format.SampleRate)
	assert.Equal(t, 16, format.BitsPerSample)
	assert.Equal(t, 96000, format.BytesPerSecond())
}

func TestParseHeaderRejectsGarbage(t *testing.T) {
	_, err := ParseHeader([]byte("too short"))
	assert.Error(t, err, "Short header should be rejected")

	bad := PCMHeader(1, 8000, 16, 0)
	copy(bad[0:4], "JUNK")
	_, err = ParseHeader(bad)
	assert.Error(t, err, "Wrong RIFF magic should be rejected")

	zero := PCMHeader(0, 0, 16, 0)
	_, err = ParseHeader(zero)
	assert.Error(t, err, "Zero channels or rate should be rejected")
}

func TestFormatFrameBytes(t *testing.T) {
	format := Format{Channels: 1, SampleRate: 8000, BitsPerSample: 16}
	assert.Equal(t, 320, format.FrameBytes(20*time.Millisecond), "20ms of PCM16 mono at 8kHz is 320 bytes")

	stereo := Format{Channels: 2, SampleRate: 24000, BitsPerSample: 16}
	assert.Equal(t, 1920, stereo.FrameBytes(20*time.Millisecond))
	assert.Equal(t, 0, stereo.FrameBytes(20*time.Millisecond)%4, "Frames must align to whole samples")
}

func TestWriteMuLawWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.wav")
	samples := make([]byte, 800) // 100ms at 8kHz
	for i := range samples {
		samples[i] = byte(i)
	}

	require.NoError(t, WriteMuLawWAV(path, samples, 8000))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+len(samples), len(data))

	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, uint16(0x0007), binary.LittleEndian.Uint16(data[20:22]), "Format tag must be µ-law")
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[22:24]), "Segments are mono")
	assert.Equal(t, uint32(8000), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, uint32(8000), binary.LittleEndian.Uint32(data[28:32]), "Byte rate is one byte per sample")
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[32:34]), "Block align is one byte")
	assert.Equal(t, uint16(8), binary.LittleEndian.Uint16(data[34:36]))
	assert.Equal(t, uint32(len(samples)), binary.LittleEndian.Uint32(data[40:44]))
	assert.Equal(t, samples, data[HeaderSize:])
}

func TestMuLawDuration(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, MuLawDuration(800, 8000))
	assert.Equal(t, time.Second, MuLawDuration(8000, 8000))
	assert.Equal(t, time.Duration(0), MuLawDuration(100, 0))
}
