package diagproto_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"diagport/internal/diagproto"
)

func TestWriteMessageLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := diagproto.WriteMessage(&buf, diagproto.Message{Set: diagproto.SetProcess, ID: diagproto.ProcessInfo, Payload: []byte("hi")}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	data := buf.Bytes()
	if len(data) != diagproto.HeaderSize+2 {
		t.Fatalf("unexpected length %d", len(data))
	}
	if string(data[:14]) != "DIAGPORT_IPC1\x00" {
		t.Fatalf("unexpected magic %q", data[:14])
	}
	if size := binary.LittleEndian.Uint16(data[14:]); size != 22 {
		t.Fatalf("size field = %d, want 22", size)
	}
	if data[16] != 0x04 || data[17] != 0x00 || data[18] != 0 || data[19] != 0 {
		t.Fatalf("unexpected set/id/reserved % x", data[16:20])
	}

	msg, err := diagproto.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Command() != "process/info" || string(msg.Payload) != "hi" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestReadMessageRejectsMalformedInput(t *testing.T) {
	var good bytes.Buffer
	diagproto.WriteMessage(&good, diagproto.Ping())

	badMagic := append([]byte(nil), good.Bytes()...)
	badMagic[0] = 'X'
	if _, err := diagproto.ReadMessage(bytes.NewReader(badMagic)); !errors.Is(err, diagproto.ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader for magic, got %v", err)
	}

	badSize := append([]byte(nil), good.Bytes()...)
	binary.LittleEndian.PutUint16(badSize[14:], 3)
	if _, err := diagproto.ReadMessage(bytes.NewReader(badSize)); !errors.Is(err, diagproto.ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader for size, got %v", err)
	}

	truncated := append([]byte(nil), good.Bytes()...)
	binary.LittleEndian.PutUint16(truncated[14:], 40)
	if _, err := diagproto.ReadMessage(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF for missing payload, got %v", err)
	}
}

func TestErrorAndInfoResponses(t *testing.T) {
	code, ok := diagproto.ErrorCode(diagproto.Error(diagproto.CodeUnknownCommand))
	if !ok || code != diagproto.CodeUnknownCommand {
		t.Fatalf("ErrorCode = %x %v", code, ok)
	}
	if _, ok := diagproto.ErrorCode(diagproto.OK(nil)); ok {
		t.Fatal("OK response reported an error code")
	}

	info := diagproto.ProcessInfoPayload{PID: 42, Cookie: "c", Ports: []string{"/tmp/a.sock"}, StartedAt: time.Unix(100, 0).UTC()}
	msg, err := diagproto.EncodeInfo(info)
	if err != nil {
		t.Fatalf("EncodeInfo: %v", err)
	}
	got, err := diagproto.DecodeInfo(msg)
	if err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
	if got.PID != 42 || len(got.Ports) != 1 || !got.StartedAt.Equal(info.StartedAt) {
		t.Fatalf("unexpected info %+v", got)
	}
	if _, err := diagproto.DecodeInfo(diagproto.Error(diagproto.CodeInternal)); err == nil {
		t.Fatal("expected server error to surface")
	}
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	err := diagproto.WriteMessage(io.Discard, diagproto.OK(make([]byte, diagproto.MaxPayload+1)))
	if err == nil {
		t.Fatal("expected oversized payload to be rejected")
	}
	if diagproto.CommandName(0x10, 0x02) != "0x10/0x02" {
		t.Fatalf("unexpected fallback name %q", diagproto.CommandName(0x10, 0x02))
	}
}
