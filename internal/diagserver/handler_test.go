package diagserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"diagport/internal/diagproto"
	"diagport/internal/streamfactory"
	"diagport/internal/transport"
)

func exchange(t *testing.T, h Handler, req []byte) (string, error, diagproto.Message) {
	t.Helper()
	server, client := net.Pipe()
	defer client.Close()

	type result struct {
		command string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		cmd, err := h.Serve(context.Background(), streamfactory.Claim{Stream: server, Endpoint: "pipe", Mode: transport.ModeServer})
		server.Close()
		done <- result{cmd, err}
	}()

	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, readErr := diagproto.ReadMessage(client)
	res := <-done
	if readErr != nil {
		t.Fatalf("read response: %v", readErr)
	}
	return res.command, res.err, resp
}

func encode(t *testing.T, m diagproto.Message) []byte {
	t.Helper()
	var buf bytesBuffer
	if err := diagproto.WriteMessage(&buf, m); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.data
}

type bytesBuffer struct{ data []byte }

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func TestCommandHandlerPing(t *testing.T) {
	h := NewCommandHandler(nil, time.Second, nil)
	cmd, err, resp := exchange(t, h, encode(t, diagproto.Ping()))
	if err != nil || cmd != "server/ping" {
		t.Fatalf("Serve = %q, %v", cmd, err)
	}
	if resp.Set != diagproto.SetServer || resp.ID != diagproto.ServerOK {
		t.Fatalf("expected OK, got %s", resp.Command())
	}
}

func TestCommandHandlerProcessInfo(t *testing.T) {
	h := NewCommandHandler(func() diagproto.ProcessInfoPayload {
		return diagproto.ProcessInfoPayload{PID: 4242, Ports: []string{"/tmp/x.sock"}}
	}, time.Second, nil)
	cmd, err, resp := exchange(t, h, encode(t, diagproto.InfoRequest()))
	if err != nil || cmd != "process/info" {
		t.Fatalf("Serve = %q, %v", cmd, err)
	}
	info, err := diagproto.DecodeInfo(resp)
	if err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
	if info.PID != 4242 || len(info.Ports) != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestCommandHandlerUnknownCommand(t *testing.T) {
	h := NewCommandHandler(nil, time.Second, nil)
	cmd, err, resp := exchange(t, h, encode(t, diagproto.Message{Set: 0x10, ID: 0x02}))
	if !errors.Is(err, ErrUnknownCommand) || cmd != "0x10/0x02" {
		t.Fatalf("Serve = %q, %v", cmd, err)
	}
	if code, ok := diagproto.ErrorCode(resp); !ok || code != diagproto.CodeUnknownCommand {
		t.Fatalf("expected unknown command error, got %s", resp.Command())
	}

	_, err, resp = exchange(t, h, encode(t, diagproto.InfoRequest()))
	if err == nil {
		t.Fatal("expected missing info source to fail")
	}
	if code, _ := diagproto.ErrorCode(resp); code != diagproto.CodeInternal {
		t.Fatalf("expected internal error code, got %x", code)
	}
}

func TestCommandHandlerBadMagic(t *testing.T) {
	h := NewCommandHandler(nil, time.Second, nil)
	req := encode(t, diagproto.Ping())
	req[0] = 'Z'
	_, err, resp := exchange(t, h, req)
	if !errors.Is(err, diagproto.ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader, got %v", err)
	}
	if code, _ := diagproto.ErrorCode(resp); code != diagproto.CodeUnknownMagic {
		t.Fatalf("expected unknown magic code, got %x", code)
	}
}
