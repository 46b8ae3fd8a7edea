package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frames are length-delimited: a 4-byte big-endian payload length followed
// by the JSON payload. Readers must tolerate payloads split across transport
// reads and must not act on a message until it is fully buffered; both are
// handled here with io.ReadFull.
const (
	headerSize = 4

	// MaxFrameSize bounds a single message. Large enough for a full status
	// snapshot, small enough that a garbage length prefix can't balloon
	// memory.
	MaxFrameSize = 4 << 20
)

var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// WriteFrame writes one length-prefixed payload. io.Writer guarantees full
// writes or an error, so partial writes surface as errors here.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one full frame, blocking until the payload is complete.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Send marshals v and writes it as one frame.
func Send(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// Recv reads one frame and unmarshals it into v.
func Recv(r io.Reader, v any) error {
	b, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
