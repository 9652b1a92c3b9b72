package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame (64 KiB). Anything larger is refused
// before the body is read.
const MaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize
var ErrFrameTooLarge = errors.New("frame too large")

// Framer handles length-prefixed message framing: a 4-byte big-endian length
// followed by a JSON body. Reads accumulate with io.ReadFull, so a frame split
// across several TCP segments still arrives whole.
type Framer struct {
	reader io.Reader
	writer io.Writer
}

// NewFramer creates a new framer
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: r,
		writer: w,
	}
}

// ReadEnvelope reads one framed envelope and validates its required fields
func (f *Framer) ReadEnvelope() (*Envelope, error) {
	body, err := f.ReadRaw()
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

// WriteEnvelope writes one framed envelope
func (f *Framer) WriteEnvelope(env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return f.WriteRaw(body)
}

// ReadAck reads one framed acknowledgment
func (f *Framer) ReadAck() (*Ack, error) {
	body, err := f.ReadRaw()
	if err != nil {
		return nil, err
	}

	var ack Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}

	return &ack, nil
}

// WriteAck writes one framed acknowledgment
func (f *Framer) WriteAck(ack *Ack) error {
	body, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	return f.WriteRaw(body)
}

// ReadRaw reads raw bytes with length prefix
func (f *Framer) ReadRaw() ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(f.reader, lengthBuf); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// WriteRaw writes raw bytes with length prefix
func (f *Framer) WriteRaw(data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(data)))

	if _, err := f.writer.Write(lengthBuf); err != nil {
		return fmt.Errorf("write length: %w", err)
	}

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}
