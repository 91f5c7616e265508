// Package diagproto frames the commands a diagnostic tool sends over a
// claimed stream and the daemon's responses.
//
// Every message starts with a 20-byte header: a 14-byte magic, the total
// message size (header included, uint16 LE), a command set, a command id and
// two reserved bytes. The payload follows.
package diagproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the encoded header length.
const HeaderSize = 20

// MaxPayload is the largest payload a single message can carry.
const MaxPayload = math.MaxUint16 - HeaderSize

var magic = [14]byte{'D', 'I', 'A', 'G', 'P', 'O', 'R', 'T', '_', 'I', 'P', 'C', '1', 0}

// ErrBadHeader is returned when a message does not start with the protocol magic
// or declares an impossible size.
var ErrBadHeader = errors.New("diagproto: malformed header")

// CommandSet groups related commands.
type CommandSet uint8

const (
	SetProcess CommandSet = 0x04
	SetServer  CommandSet = 0xFF
)

// Command ids in SetServer.
const (
	ServerOK    uint8 = 0x00
	ServerPing  uint8 = 0x01
	ServerError uint8 = 0xFF
)

// Command ids in SetProcess.
const (
	ProcessInfo uint8 = 0x00
)

// Error codes carried in a ServerError payload.
const (
	CodeBadEncoding    uint32 = 0x80131384
	CodeUnknownCommand uint32 = 0x80131385
	CodeUnknownMagic   uint32 = 0x80131386
	CodeInternal       uint32 = 0x80131387
)

// Header describes one message.
type Header struct {
	Size uint16
	Set  CommandSet
	ID   uint8
}

// Message is a decoded command or response.
type Message struct {
	Set     CommandSet
	ID      uint8
	Payload []byte
}

// Command renders the set/id pair for logs and the session journal.
func (m Message) Command() string {
	return CommandName(m.Set, m.ID)
}

// CommandName names a set/id pair, falling back to hex for unknown values.
func CommandName(set CommandSet, id uint8) string {
	switch {
	case set == SetServer && id == ServerPing:
		return "server/ping"
	case set == SetServer && id == ServerOK:
		return "server/ok"
	case set == SetServer && id == ServerError:
		return "server/error"
	case set == SetProcess && id == ProcessInfo:
		return "process/info"
	default:
		return fmt.Sprintf("0x%02x/0x%02x", uint8(set), id)
	}
}

// WriteMessage encodes m in a single write.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("diagproto: payload of %d bytes exceeds %d", len(m.Payload), MaxPayload)
	}
	buf := make([]byte, HeaderSize+len(m.Payload))
	copy(buf, magic[:])
	binary.LittleEndian.PutUint16(buf[14:], uint16(len(buf)))
	buf[16] = byte(m.Set)
	buf[17] = m.ID
	binary.LittleEndian.PutUint16(buf[18:], 0)
	copy(buf[HeaderSize:], m.Payload)

	n, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("diagproto: write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("diagproto: %w", io.ErrShortWrite)
	}
	return nil
}

// ReadHeader reads and validates a header.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("diagproto: read header: %w", err)
	}
	if !bytes.Equal(buf[:len(magic)], magic[:]) {
		return Header{}, fmt.Errorf("%w: unknown magic", ErrBadHeader)
	}
	h := Header{
		Size: binary.LittleEndian.Uint16(buf[14:]),
		Set:  CommandSet(buf[16]),
		ID:   buf[17],
	}
	if h.Size < HeaderSize {
		return Header{}, fmt.Errorf("%w: size %d below header size", ErrBadHeader, h.Size)
	}
	return h, nil
}

// ReadMessage reads one framed message.
func ReadMessage(r io.Reader) (Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Set: h.Set, ID: h.ID}
	if n := int(h.Size) - HeaderSize; n > 0 {
		msg.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return Message{}, fmt.Errorf("diagproto: read payload: %w", err)
		}
	}
	return msg, nil
}

// OK builds a ServerOK response with an optional payload.
func OK(payload []byte) Message {
	return Message{Set: SetServer, ID: ServerOK, Payload: payload}
}

// Error builds a ServerError response carrying code.
func Error(code uint32) Message {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, code)
	return Message{Set: SetServer, ID: ServerError, Payload: payload}
}

// ErrorCode extracts the code of a ServerError response.
func ErrorCode(m Message) (uint32, bool) {
	if m.Set != SetServer || m.ID != ServerError || len(m.Payload) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Payload), true
}

// Ping builds the liveness probe command.
func Ping() Message {
	return Message{Set: SetServer, ID: ServerPing}
}

// InfoRequest builds the process information command.
func InfoRequest() Message {
	return Message{Set: SetProcess, ID: ProcessInfo}
}
