package uds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func setupTestServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortTempSockPath(t, "t.sock")

	server := NewServer(sockPath, nil)
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)

	return server, client, sockPath
}

// shortTempSockPath keeps socket paths under the 104-byte sun_path limit on macOS.
func shortTempSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "ozw-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req, err := NewRequest(CmdWaitReady, WaitParams{Attempts: 5, IntervalMs: 100})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got Request
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Command != CmdWaitReady {
		t.Errorf("command: got %q", got.Command)
	}
	if got.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol_version: got %d", got.ProtocolVersion)
	}

	var params WaitParams
	if err := got.DecodeParams(&params); err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if params.Attempts != 5 || params.IntervalMs != 100 {
		t.Errorf("params: got %+v", params)
	}
}

func TestFraming_RejectsOversizedLength(t *testing.T) {
	// Length prefix of 0xFFFFFFFF with no payload.
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	var req Request
	err := ReadFrame(buf, &req)
	if err == nil || !strings.Contains(err.Error(), "frame too large") {
		t.Fatalf("expected frame too large error, got %v", err)
	}
}

func TestFraming_TruncatedPayload(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 10, '{', '}'})
	var req Request
	if err := ReadFrame(buf, &req); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestFraming_LargePayloadOverSocket(t *testing.T) {
	server, client, _ := setupTestServer(t)

	largeContent := strings.Repeat("x", 1024*1024)
	server.Handle("echo", func(_ context.Context, req *Request) *Response {
		var params map[string]string
		if err := req.DecodeParams(&params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]int{"length": len(params["content"])})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	var out map[string]int
	if err := client.Call("echo", map[string]string{"content": largeContent}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out["length"] != len(largeContent) {
		t.Errorf("length: got %d", out["length"])
	}
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	server, client, _ := setupTestServer(t)

	server.Handle(CmdPing, func(context.Context, *Request) *Response {
		return SuccessResponse(PingResult{Version: "test"})
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 999, Command: CmdPing})
	if err != nil {
		t.Fatalf("client send: %v", err)
	}
	if resp.Success {
		t.Error("expected failure for version mismatch")
	}
	if resp.Error == nil {
		t.Fatal("expected error detail")
	}
	if resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected code %q, got %q", ErrCodeProtocolMismatch, resp.Error.Code)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client, _ := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	err := client.Call("nonexistent", nil, nil)
	var detail *ErrorDetail
	if !errors.As(err, &detail) {
		t.Fatalf("expected ErrorDetail, got %v", err)
	}
	if detail.Code != ErrCodeUnknownCommand {
		t.Errorf("expected code %q, got %q", ErrCodeUnknownCommand, detail.Code)
	}
}

func TestServer_HandlerExecution(t *testing.T) {
	server, client, _ := setupTestServer(t)

	server.Handle(CmdPing, func(context.Context, *Request) *Response {
		return SuccessResponse(PingResult{Version: "1.2.3", PID: 42, Running: true})
	})
	server.Handle(CmdWaitQueue, func(_ context.Context, req *Request) *Response {
		var p WaitParams
		if err := req.DecodeParams(&p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(WaitQueueResult{HomeID: 0xe1a2b3c4, Depth: int32(p.Attempts)})
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	var ping PingResult
	if err := client.Call(CmdPing, nil, &ping); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if ping.Version != "1.2.3" || ping.PID != 42 || !ping.Running {
		t.Errorf("ping: got %+v", ping)
	}

	var wq WaitQueueResult
	if err := client.Call(CmdWaitQueue, WaitParams{Attempts: 7}, &wq); err != nil {
		t.Fatalf("wait_queue: %v", err)
	}
	if wq.HomeID != 0xe1a2b3c4 || wq.Depth != 7 {
		t.Errorf("wait_queue: got %+v", wq)
	}
}

func TestServer_HandlerPanicBecomesInternalError(t *testing.T) {
	server, client, _ := setupTestServer(t)

	server.Handle("boom", func(context.Context, *Request) *Response {
		panic("kaboom")
	})
	server.Handle(CmdPing, func(context.Context, *Request) *Response {
		return SuccessResponse(nil)
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("boom", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeInternal {
		t.Fatalf("expected INTERNAL_ERROR, got %+v", resp)
	}
	if !strings.Contains(resp.Error.Message, "kaboom") {
		t.Errorf("message: got %q", resp.Error.Message)
	}

	// The server keeps serving after a panic.
	if err := client.Call(CmdPing, nil, nil); err != nil {
		t.Fatalf("ping after panic: %v", err)
	}
}

func TestServer_HandlerContextCancelledOnStop(t *testing.T) {
	server, client, _ := setupTestServer(t)

	started := make(chan struct{})
	server.Handle(CmdWaitReady, func(ctx context.Context, _ *Request) *Response {
		close(started)
		<-ctx.Done()
		return ErrorResponse(ErrCodeCancelled, ctx.Err().Error())
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Call(CmdWaitReady, nil, nil)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not start")
	}
	server.Stop()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error from cancelled handler")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not return after Stop")
	}
}

func TestServer_MultipleClients(t *testing.T) {
	server, _, sockPath := setupTestServer(t)

	server.Handle(CmdPing, func(context.Context, *Request) *Response {
		return SuccessResponse(PingResult{Running: true})
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			var res PingResult
			if err := c.Call(CmdPing, nil, &res); err != nil {
				errs <- err
				return
			}
			if !res.Running {
				errs <- errors.New("expected running")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("client: %v", err)
	}
}

func TestServer_StartRemovesStaleSocket(t *testing.T) {
	sockPath := shortTempSockPath(t, "s.sock")

	// A listener closed without unlinking leaves a dead socket file behind.
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if ul, ok := l.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	l.Close()
	if _, err := os.Stat(sockPath); err != nil {
		t.Fatalf("stale socket should exist: %v", err)
	}

	server := NewServer(sockPath, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("start over stale socket: %v", err)
	}
	server.Stop()
}

func TestServer_StartRefusesLiveSocket(t *testing.T) {
	first, _, sockPath := setupTestServer(t)
	if err := first.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer first.Stop()

	second := NewServer(sockPath, nil)
	err := second.Start()
	if !errors.Is(err, ErrAlreadyServing) {
		t.Fatalf("expected ErrAlreadyServing, got %v", err)
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "nonexistent.sock")

	client := NewClient(sockPath)
	client.SetTimeout(1 * time.Second)

	_, err := client.SendCommand(CmdPing, nil)
	if err == nil {
		t.Fatal("expected error when daemon not running")
	}
	if !strings.Contains(err.Error(), "failed to connect to daemon") {
		t.Errorf("expected daemon connection error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "ozwatch run") {
		t.Errorf("expected hint about 'ozwatch run', got: %v", err)
	}
}

func TestServer_ConnectionTimeout(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.SetConnTimeout(300 * time.Millisecond)

	server.Handle(CmdStatus, func(context.Context, *Request) *Response {
		return SuccessResponse(nil)
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	// An idle connection is closed by the server.
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(600 * time.Millisecond)

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, readErr := conn.Read(buf); readErr == nil {
		t.Error("expected read error on timed-out connection, but read succeeded")
	}

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	if err := client.Call(CmdStatus, nil, nil); err != nil {
		t.Fatalf("client after timeout: %v", err)
	}
}

func TestServer_SocketPermissions(t *testing.T) {
	server, _, sockPath := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected permissions 0600, got %04o", perm)
	}
}

func TestServer_StopCleansUpSocket(t *testing.T) {
	server, _, sockPath := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	if _, err := os.Stat(sockPath); err != nil {
		t.Fatalf("socket should exist: %v", err)
	}

	server.Stop()

	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket should be removed after stop")
	}
}

func TestResponse_Decode(t *testing.T) {
	resp := ErrorResponse(ErrCodeNotRunning, "harness is not running")
	err := resp.Decode(nil)
	var detail *ErrorDetail
	if !errors.As(err, &detail) {
		t.Fatalf("expected ErrorDetail, got %v", err)
	}
	if detail.Error() != "NOT_RUNNING: harness is not running" {
		t.Errorf("error text: got %q", detail.Error())
	}

	resp = SuccessResponse(WaitReadyResult{Ready: true, ElapsedMs: 12})
	var res WaitReadyResult
	if err := resp.Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Ready || res.ElapsedMs != 12 {
		t.Errorf("got %+v", res)
	}
}

func TestSuccessResponse_NilData(t *testing.T) {
	resp := SuccessResponse(nil)
	if !resp.Success {
		t.Error("expected success")
	}
	if resp.Data != nil {
		t.Errorf("expected nil data, got %s", string(resp.Data))
	}
}

func TestSuccessResponse_UnmarshalableData(t *testing.T) {
	resp := SuccessResponse(map[string]any{"ch": make(chan int)})
	if resp.Success || resp.Error.Code != ErrCodeInternal {
		t.Fatalf("expected INTERNAL_ERROR, got %+v", resp)
	}
	var raw json.RawMessage
	if err := resp.Decode(&raw); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestClient_WaitParamsValidatedBeforeDial(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))

	_, err := client.WaitReady(WaitParams{Attempts: -1}, time.Second)
	var detail *ErrorDetail
	if !errors.As(err, &detail) || detail.Code != ErrCodeValidation {
		t.Fatalf("expected %s, got: %v", ErrCodeValidation, err)
	}

	_, err = client.WaitQueue(WaitParams{IntervalMs: -5}, time.Second)
	if !errors.As(err, &detail) || detail.Code != ErrCodeValidation {
		t.Fatalf("expected %s, got: %v", ErrCodeValidation, err)
	}
}

func TestClient_WaitReadyDeadlineCoversBudget(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdWaitReady, func(context.Context, *Request) *Response {
		time.Sleep(300 * time.Millisecond)
		return SuccessResponse(WaitReadyResult{Ready: true, ElapsedMs: 300})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	client.SetTimeout(100 * time.Millisecond)

	var res WaitReadyResult
	if err := client.Call(CmdWaitReady, WaitParams{}, &res); err == nil {
		t.Fatal("expected the short client timeout to expire")
	}

	res, err := client.WaitReady(WaitParams{Attempts: 3, IntervalMs: 100}, 2*time.Second)
	if err != nil {
		t.Fatalf("wait_ready: %v", err)
	}
	if !res.Ready {
		t.Errorf("wait_ready: got %+v", res)
	}
}

func TestClient_FailureWithoutDetail(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdStatus, func(context.Context, *Request) *Response {
		return &Response{Success: false}
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	_, err := client.SendCommand(CmdStatus, nil)
	if err == nil || !strings.Contains(err.Error(), "without detail") {
		t.Fatalf("expected missing detail error, got: %v", err)
	}
}

func TestClient_Ping(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdPing, func(context.Context, *Request) *Response {
		return SuccessResponse(PingResult{Version: "0.1.0", PID: 7, Device: "/dev/ttyACM0"})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	ping, err := client.Ping()
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if ping.PID != 7 || ping.Device != "/dev/ttyACM0" {
		t.Errorf("ping: got %+v", ping)
	}
}
