package worker

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/gazehub/gazehub/errors"
)

// Frame is one captured image. Data is the raw pixel buffer; its encoding
// is whatever the capture source produces and travels opaquely through the
// pipeline.
type Frame struct {
	Index     int
	Timestamp float64
	Width     int
	Height    int
	Format    string
	Data      []byte
}

// CaptureSource is the narrow contract a camera driver satisfies. Grab
// returns the next frame or nil when none is ready yet; real drivers block
// briefly, synthetic ones produce on demand.
type CaptureSource interface {
	Grab() (*Frame, error)
	Close() error
}

// CaptureOpener creates a capture source for a named device.
type CaptureOpener func(device string) (CaptureSource, error)

// FrameWriter is the narrow contract a recording backend satisfies. The
// on-disk format is the backend's business.
type FrameWriter interface {
	Write(f *Frame) error
	Close() error
}

// WriterFactory opens a frame writer at the given path.
type WriterFactory func(path string, compression bool) (FrameWriter, error)

// SyntheticSource produces uniform gray frames at a fixed geometry, driven
// by the shared clock. It stands in when no camera hardware is attached.
type SyntheticSource struct {
	width  int
	height int
	clock  func() float64
	index  int
	frame  []byte
}

// NewSyntheticSource creates a synthetic capture source.
func NewSyntheticSource(width, height int, clock func() float64) *SyntheticSource {
	buf := make([]byte, width*height)
	for i := range buf {
		buf[i] = 0x80
	}
	return &SyntheticSource{width: width, height: height, clock: clock, frame: buf}
}

// Grab returns the next synthetic frame. Never returns an error.
func (s *SyntheticSource) Grab() (*Frame, error) {
	s.index++
	return &Frame{
		Index:     s.index,
		Timestamp: s.clock(),
		Width:     s.width,
		Height:    s.height,
		Format:    "gray8",
		Data:      s.frame,
	}, nil
}

// Close implements CaptureSource.
func (s *SyntheticSource) Close() error { return nil }

// rawFileWriter appends frames to a single file as length-prefixed
// records. It is the fallback recording backend; proper video encoders
// plug in through WriterFactory.
type rawFileWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewRawFileWriter opens a raw frame log at path. Compression is ignored;
// the raw backend never compresses.
func NewRawFileWriter(path string, _ bool) (FrameWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.WrapTransient(err, "RawFileWriter", "New", "open recording file")
	}
	return &rawFileWriter{file: file}, nil
}

func (w *rawFileWriter) Write(f *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.WrapInvalid(errors.ErrRecordingNotInProgress,
			"RawFileWriter", "Write", "writer closed")
	}

	var header [28]byte
	binary.LittleEndian.PutUint64(header[0:], uint64(f.Index))
	binary.LittleEndian.PutUint64(header[8:], uint64(f.Width)<<32|uint64(f.Height))
	binary.LittleEndian.PutUint64(header[16:], uint64(int64(f.Timestamp*1e9)))
	binary.LittleEndian.PutUint32(header[24:], uint32(len(f.Data)))
	if _, err := w.file.Write(header[:]); err != nil {
		return errors.WrapTransient(err, "RawFileWriter", "Write", "write header")
	}
	if _, err := w.file.Write(f.Data); err != nil {
		return errors.WrapTransient(err, "RawFileWriter", "Write", "write frame")
	}
	return nil
}

func (w *rawFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
