package audio

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Frame is one fixed-duration slice of ingress audio. Offset is the byte
// position of the slice within the recording file; frames never overlap
// and are never re-delivered.
type Frame struct {
	Data     []byte
	Offset   int64
	Duration time.Duration
}

// TailReaderConfig holds the tail reader tunables
type TailReaderConfig struct {
	FrameDuration time.Duration
	HeaderTimeout time.Duration
	PollInterval  time.Duration
}

// DefaultTailReaderConfig returns the default tail reader configuration
func DefaultTailReaderConfig() TailReaderConfig {
	return TailReaderConfig{
		FrameDuration: 20 * time.Millisecond,
		HeaderTimeout: 3 * time.Second,
		PollInterval:  10 * time.Millisecond,
	}
}

// TailReader follows a recording file that another process is appending
// to and yields fixed-size PCM frames as they become available. The file
// has a single writer (the engine) and a single reader (this), so offset
// bookkeeping is the only coordination needed.
type TailReader struct {
	path       string
	config     TailReaderConfig
	logger     *logrus.Entry
	file       *os.File
	format     Format
	frameBytes int
	offset     int64

	mutex    sync.Mutex
	streamed bool
	closed   bool
}

// NewTailReader opens path and waits up to HeaderTimeout for a complete
// WAV header to appear, then positions itself at the first payload byte.
func NewTailReader(logger *logrus.Logger, path string, config TailReaderConfig) (*TailReader, error) {
	if config.FrameDuration <= 0 {
		config.FrameDuration = 20 * time.Millisecond
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Millisecond
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}

	header := make([]byte, HeaderSize)
	deadline := time.Now().Add(config.HeaderTimeout)
	for {
		n, err := f.ReadAt(header, 0)
		if n >= HeaderSize {
			break
		}
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			f.Close()
			return nil, fmt.Errorf("failed to read recording header: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("recording header incomplete after %s", config.HeaderTimeout)
		}
		time.Sleep(config.PollInterval)
	}

	format, err := ParseHeader(header)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &TailReader{
		path:       path,
		config:     config,
		logger:     logger.WithField("recording", path),
		file:       f,
		format:     format,
		frameBytes: format.FrameBytes(config.FrameDuration),
		offset:     HeaderSize,
	}
	r.logger.WithFields(logrus.Fields{
		"channels":    format.Channels,
		"sample_rate": format.SampleRate,
		"bits":        format.BitsPerSample,
		"frame_bytes": r.frameBytes,
	}).Debug("Tailing recording")
	return r, nil
}

// Format returns the PCM layout declared by the recording header
func (r *TailReader) Format() Format {
	return r.format
}

// Offset returns the byte position of the next undelivered payload byte
func (r *TailReader) Offset() int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.offset
}

// Stream delivers frames to emit until stop is closed, the file
// disappears, or emit returns an error. Each frame is exactly one frame
// duration of audio; a frame is only delivered once that many new bytes
// exist past the previous one. Stream may be called at most once.
func (r *TailReader) Stream(stop <-chan struct{}, emit func(Frame) error) error {
	r.mutex.Lock()
	if r.streamed {
		r.mutex.Unlock()
		return fmt.Errorf("tail reader already streamed")
	}
	r.streamed = true
	r.mutex.Unlock()

	buf := make([]byte, r.frameBytes)
	frameDur := r.config.FrameDuration

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		info, err := os.Stat(r.path)
		if err != nil {
			if os.IsNotExist(err) {
				r.logger.Debug("Recording removed, stopping tail")
				return nil
			}
			return fmt.Errorf("failed to stat recording: %w", err)
		}

		for info.Size()-r.Offset() >= int64(r.frameBytes) {
			select {
			case <-stop:
				return nil
			default:
			}

			r.mutex.Lock()
			if r.closed {
				r.mutex.Unlock()
				return nil
			}
			offset := r.offset
			n, err := r.file.ReadAt(buf, offset)
			if n == r.frameBytes {
				r.offset += int64(n)
			}
			r.mutex.Unlock()

			if n != r.frameBytes {
				if err != nil && err != io.EOF {
					return fmt.Errorf("failed to read recording: %w", err)
				}
				break
			}

			frame := Frame{Data: append([]byte(nil), buf...), Offset: offset, Duration: frameDur}
			if err := emit(frame); err != nil {
				return err
			}
		}

		select {
		case <-stop:
			return nil
		case <-time.After(r.config.PollInterval):
		}
	}
}

// Close releases the underlying file. Safe to call more than once.
func (r *TailReader) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
