// Package advertise encodes the handshake a connect-mode port writes before
// any other traffic so the listening tool can identify the process instance.
package advertise

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Size is the encoded length of a V1 advertise message.
const Size = len(magicV1) + 16 + 8 + 2

var magicV1 = [8]byte{'A', 'D', 'V', 'R', '_', 'V', '1', 0}

// ErrBadMagic is returned when a message does not start with the V1 magic.
var ErrBadMagic = errors.New("advertise: unrecognized magic")

// Message identifies the advertising process.
type Message struct {
	Cookie uuid.UUID
	PID    uint64
}

// NewCookie returns a random per-process instance cookie.
func NewCookie() uuid.UUID {
	return uuid.New()
}

// MarshalBinary encodes m as magic | cookie | pid (LE) | reserved (LE, zero).
func (m Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	n := copy(buf, magicV1[:])
	n += copy(buf[n:], m.Cookie[:])
	binary.LittleEndian.PutUint64(buf[n:], m.PID)
	n += 8
	binary.LittleEndian.PutUint16(buf[n:], 0)
	return buf, nil
}

// UnmarshalBinary decodes a V1 message. The reserved field is ignored.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < Size {
		return fmt.Errorf("advertise: short message (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:len(magicV1)], magicV1[:]) {
		return ErrBadMagic
	}
	n := len(magicV1)
	copy(m.Cookie[:], data[n:n+16])
	n += 16
	m.PID = binary.LittleEndian.Uint64(data[n:])
	return nil
}

// Write sends m in a single write.
func Write(w io.Writer, m Message) error {
	buf, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	written, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("advertise: write: %w", err)
	}
	if written != len(buf) {
		return fmt.Errorf("advertise: %w", io.ErrShortWrite)
	}
	return nil
}

// Read consumes exactly one message from r.
func Read(r io.Reader) (Message, error) {
	buf := make([]byte, Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, fmt.Errorf("advertise: read: %w", err)
	}
	var m Message
	if err := m.UnmarshalBinary(buf); err != nil {
		return Message{}, err
	}
	return m, nil
}
