package control

import (
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/metrics"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	s := New(path, log.New(log.LevelError), metrics.New())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, path
}

func TestControlServer_DispatchesRegisteredCommand(t *testing.T) {
	s, path := newTestServer(t)
	s.RegisterHandler("status", func(params json.RawMessage) Response {
		return Response{Success: true, Data: map[string]string{"status": "running"}}
	})

	conn, err := DialClient(path, time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer conn.Close()

	resp, err := SendRequest(conn, Request{Command: "status"})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response not success: %+v", resp)
	}
}

func TestControlServer_UnknownCommand(t *testing.T) {
	_, path := newTestServer(t)
	conn, err := DialClient(path, time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer conn.Close()

	resp, err := SendRequest(conn, Request{Command: "bogus"})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown command")
	}
	if resp.ErrorCode != ErrInvalidCommand {
		t.Fatalf("ErrorCode = %d, want ErrInvalidCommand", resp.ErrorCode)
	}
}

func TestControlServer_OversizedMessageClosesSession(t *testing.T) {
	_, path := newTestServer(t)
	conn, err := DialClient(path, time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer conn.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], maxBodySize+1)
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write oversized prefix: %v", err)
	}

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed with no response bytes")
	}
}

func TestControlServer_StatsCountRequests(t *testing.T) {
	s, path := newTestServer(t)
	s.RegisterHandler("status", func(params json.RawMessage) Response {
		return Response{Success: true}
	})

	conn, err := DialClient(path, time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer conn.Close()

	if _, err := SendRequest(conn, Request{Command: "status"}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	connCount, reqCount, _ := s.Stats()
	if connCount < 1 {
		t.Fatalf("connCount = %d, want >= 1", connCount)
	}
	if reqCount != 1 {
		t.Fatalf("reqCount = %d, want 1", reqCount)
	}
}
