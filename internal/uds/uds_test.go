package uds

import (
	"path/filepath"
	"testing"
	"time"
)

func TestServerClientRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), DefaultSocketName)

	srv := NewServer(socketPath)
	srv.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()

	client := NewClient(socketPath)
	client.SetTimeout(5 * time.Second)

	resp, err := client.Call("ping", nil)
	if err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if !resp.Success {
		t.Fatalf("ping failed: %+v", resp.Error)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), DefaultSocketName)

	srv := NewServer(socketPath)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()

	resp, err := NewClient(socketPath).Call("bogus", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeUnknownCommand {
		t.Fatalf("got %+v, want UNKNOWN_COMMAND", resp)
	}
}

func TestServerEmptyCommand(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), DefaultSocketName)

	srv := NewServer(socketPath)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()

	resp, err := NewClient(socketPath).Call("", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeUnknownCommand {
		t.Fatalf("got %+v, want UNKNOWN_COMMAND", resp)
	}
}

func TestServerHandlerPanicAnswered(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), DefaultSocketName)

	srv := NewServer(socketPath)
	srv.Handle("boom", func(req *Request) *Response {
		panic("handler bug")
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()

	resp, err := NewClient(socketPath).Call("boom", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeInternal {
		t.Fatalf("got %+v, want INTERNAL_ERROR", resp)
	}
}

func TestServerProtocolMismatch(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), DefaultSocketName)

	srv := NewServer(socketPath)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()

	resp, err := NewClient(socketPath).Send(&Request{ProtocolVersion: 99, Command: "ping"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Fatalf("got %+v, want PROTOCOL_MISMATCH", resp)
	}
}

func TestClientNoServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(time.Second)
	if _, err := client.Call("ping", nil); err == nil {
		t.Fatal("expected connection error")
	}
}
