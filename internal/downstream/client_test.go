package downstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/pkg/jsonrpc"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// fakeServer reads request lines from the client and answers each with
// the lines returned by handle. A nil slice means no reply.
type fakeServer struct {
	stdout   *io.PipeWriter
	requests chan jsonrpc.Request
}

func startFakeServer(t *testing.T, handle func(req jsonrpc.Request) []string) (*lineClient, *fakeServer) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	t.Cleanup(func() {
		stdinW.Close()
		stdoutW.Close()
	})

	client := newLineClient("fake", stdinW, newTestLogger(t))
	go client.readLoop(stdoutR)

	srv := &fakeServer{stdout: stdoutW, requests: make(chan jsonrpc.Request, 16)}
	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req jsonrpc.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			srv.requests <- req
			if handle == nil {
				continue
			}
			for _, line := range handle(req) {
				io.WriteString(stdoutW, line+"\n")
			}
		}
	}()
	return client, srv
}

func replyLine(req jsonrpc.Request, result string) string {
	id, _ := json.Marshal(req.ID)
	return `{"jsonrpc":"2.0","id":` + string(id) + `,"result":` + result + `}`
}

func TestRequestRoundTrip(t *testing.T) {
	client, _ := startFakeServer(t, func(req jsonrpc.Request) []string {
		return []string{replyLine(req, `{"ok":true}`)}
	})

	result, err := client.request(context.Background(), "tools/list", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestRequestSkipsLogNoise(t *testing.T) {
	client, _ := startFakeServer(t, func(req jsonrpc.Request) []string {
		return []string{
			"Knowledge Graph MCP Server running on stdio",
			"2025-03-01 10:22:01 INFO ready",
			"10:22:01.123 [debug] handling request",
			"",
			replyLine(req, `{"tools":[]}`),
		}
	})

	result, err := client.request(context.Background(), "tools/list", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if string(result) != `{"tools":[]}` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestRequestErrorReply(t *testing.T) {
	client, _ := startFakeServer(t, func(req jsonrpc.Request) []string {
		id, _ := json.Marshal(req.ID)
		return []string{`{"jsonrpc":"2.0","id":` + string(id) + `,"error":{"code":-32601,"message":"no such method"}}`}
	})

	_, err := client.request(context.Background(), "bogus", nil, 2*time.Second)
	if err == nil {
		t.Fatal("expected an error reply")
	}
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected a jsonrpc error, got %v", err)
	}
	if rpcErr.Code != jsonrpc.MethodNotFound {
		t.Errorf("expected code %d, got %d", jsonrpc.MethodNotFound, rpcErr.Code)
	}
}

func TestRequestTimeout(t *testing.T) {
	client, _ := startFakeServer(t, nil)

	_, err := client.request(context.Background(), "tools/list", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestTimeoutDiscardsPartialPayload(t *testing.T) {
	first := true
	client, _ := startFakeServer(t, func(req jsonrpc.Request) []string {
		if first {
			first = false
			// Half a reply and nothing more.
			return []string{`{"jsonrpc":"2.0",`}
		}
		return []string{replyLine(req, `"recovered"`)}
	})

	if _, err := client.request(context.Background(), "tools/list", nil, 300*time.Millisecond); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	result, err := client.request(context.Background(), "tools/list", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request after timeout failed: %v", err)
	}
	if string(result) != `"recovered"` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestLateReplyDoesNotAnswerNextRequest(t *testing.T) {
	calls := 0
	client, _ := startFakeServer(t, func(req jsonrpc.Request) []string {
		calls++
		if calls == 1 {
			time.Sleep(200 * time.Millisecond)
			return []string{replyLine(req, `"stale"`)}
		}
		return []string{replyLine(req, `"fresh"`)}
	})

	if _, err := client.request(context.Background(), "slow", nil, 50*time.Millisecond); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	// The stale reply reaches the client first; id matching must drop it.
	result, err := client.request(context.Background(), "fast", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if string(result) != `"fresh"` {
		t.Errorf("expected the fresh reply, got %s", result)
	}
}

func TestRequestContextCancelled(t *testing.T) {
	client, _ := startFakeServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.request(ctx, "tools/list", nil, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRequestChildExited(t *testing.T) {
	client, srv := startFakeServer(t, nil)
	go func() {
		<-srv.requests
		srv.stdout.Close()
	}()

	_, err := client.request(context.Background(), "tools/list", nil, 5*time.Second)
	if !errors.Is(err, ErrChildExited) {
		t.Fatalf("expected ErrChildExited, got %v", err)
	}
	if !client.exited() {
		t.Error("client should report the child as exited")
	}
}

func TestNotifyCarriesNoID(t *testing.T) {
	client, srv := startFakeServer(t, nil)

	if err := client.notify(jsonrpc.MethodInitialized, nil); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	select {
	case req := <-srv.requests:
		if req.Method != jsonrpc.MethodInitialized {
			t.Errorf("unexpected method %s", req.Method)
		}
		if req.ID != nil {
			t.Errorf("notification should carry no id, got %v", req.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never reached the server")
	}
}

func TestServerNotificationIsIgnored(t *testing.T) {
	client, _ := startFakeServer(t, func(req jsonrpc.Request) []string {
		return []string{
			`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`,
			replyLine(req, `"done"`),
		}
	})

	result, err := client.request(context.Background(), "tools/call", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if string(result) != `"done"` {
		t.Errorf("unexpected result %s", result)
	}
}
