package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxPayload is the default maximum message payload size (50 MB)
const DefaultMaxPayload = 50 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame declares a length above the limit
var ErrFrameTooLarge = errors.New("frame too large")

// FrameLimit returns the maximum on-wire frame size for a payload cap.
// Envelopes are JSON with base64 payloads, so the limit leaves headroom
// for the 4/3 encoding expansion plus envelope fields and the AEAD tag.
func FrameLimit(maxPayload int) int {
	return maxPayload + maxPayload/2 + 4096
}

// Framer handles length-prefixed frames on a byte stream
type Framer struct {
	reader io.Reader
	writer io.Writer
	limit  int
}

// NewFramer creates a framer with the given frame size limit
func NewFramer(r io.Reader, w io.Writer, limit int) *Framer {
	if limit <= 0 {
		limit = FrameLimit(DefaultMaxPayload)
	}
	return &Framer{
		reader: r,
		writer: w,
		limit:  limit,
	}
}

// ReadFrame reads one length-prefixed frame. The declared length is
// checked against the limit before any body buffer is allocated; on an
// oversize declaration the body is discarded so the stream stays aligned,
// and ErrFrameTooLarge is returned.
func (f *Framer) ReadFrame() ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(f.reader, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int64(length) > int64(f.limit) {
		io.CopyN(io.Discard, f.reader, int64(length))
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, f.limit)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// WriteFrame writes one length-prefixed frame
func (f *Framer) WriteFrame(body []byte) error {
	if len(body) > f.limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(body), f.limit)
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(body)))

	if _, err := f.writer.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := f.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// ReadJSON reads a frame and decodes it as JSON
func (f *Framer) ReadJSON(v any) error {
	body, err := f.ReadFrame()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// WriteJSON encodes a value as JSON and writes it as one frame
func (f *Framer) WriteJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return f.WriteFrame(body)
}
