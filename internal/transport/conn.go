package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Multipart frame carrier: a uint32 big-endian buffer count followed by
// each buffer as uint32 length + bytes. This is the on-the-wire encoding
// for every channel socket.
const (
	maxFrameBuffers = 128
	maxBufferSize   = 64 << 20
)

// WriteFrames writes one multipart frame.
func WriteFrames(w io.Writer, frames [][]byte) error {
	if len(frames) > maxFrameBuffers {
		return fmt.Errorf("transport: %d buffers exceeds frame limit", len(frames))
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(frames)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	for _, f := range frames {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		if _, err := w.Write(n[:]); err != nil {
			return err
		}
		if _, err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrames reads one multipart frame.
func ReadFrames(r io.Reader) ([][]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(n[:])
	if count > maxFrameBuffers {
		return nil, fmt.Errorf("transport: %d buffers exceeds frame limit", count)
	}
	frames := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, err
		}
		size := binary.BigEndian.Uint32(n[:])
		if size > maxBufferSize {
			return nil, fmt.Errorf("transport: %d byte buffer exceeds size limit", size)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		frames = append(frames, buf)
	}
	return frames, nil
}
