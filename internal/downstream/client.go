package downstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/pkg/jsonrpc"
	"go.uber.org/zap"
)

// Sentinel errors for downstream request failures.
var (
	ErrRequestTimeout = errors.New("downstream request timed out")
	ErrChildExited    = errors.New("downstream server exited")
)

// Scanner limits for child stdout. Tool lists routinely exceed the
// default 64KB token size.
const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 10 * 1024 * 1024
)

// wireMessage is the downstream half of the JSON-RPC envelope. The id is
// kept raw so numeric and string ids both route without a type guess.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

func (m *wireMessage) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// lineClient speaks line-delimited JSON-RPC over a child's stdio pipes.
// Requests are matched to replies by id, so a reply that arrives after
// its request timed out is dropped instead of being mistaken for the
// next reply.
type lineClient struct {
	name   string
	out    io.Writer
	logger *logger.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wireMessage

	accMu sync.Mutex
	acc   accumulator

	nextID atomic.Int64
	done   chan struct{}
}

// newLineClient wraps a child's stdin. The caller passes a logger that
// already identifies the server and must run readLoop on the child's
// stdout exactly once.
func newLineClient(name string, stdin io.Writer, log *logger.Logger) *lineClient {
	return &lineClient{
		name:    name,
		out:     stdin,
		logger:  log,
		pending: make(map[string]chan wireMessage),
		done:    make(chan struct{}),
	}
}

// readLoop consumes the child's stdout until it closes, filtering log
// noise and routing replies to their waiting requests. It must run in
// its own goroutine.
func (c *lineClient) readLoop(stdout io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
	for scanner.Scan() {
		c.accMu.Lock()
		payload, ok := c.acc.Feed(scanner.Text())
		c.accMu.Unlock()
		if !ok {
			continue
		}
		c.route(payload)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("stdout reader error", zap.Error(err))
	}
}

// route delivers one parsed JSON payload from the child.
func (c *lineClient) route(payload []byte) {
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("dropping malformed downstream message", zap.Error(err))
		return
	}

	if !msg.hasID() {
		c.logger.Debug("downstream notification", zap.String("method", msg.Method))
		return
	}
	if msg.Method != "" {
		// A server-initiated request. The broker does not answer these.
		c.logger.Debug("ignoring downstream request", zap.String("method", msg.Method))
		return
	}

	key := string(msg.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("dropping reply with no waiting request", zap.String("id", key))
		return
	}
	ch <- msg
}

// request sends one JSON-RPC request and waits for its reply, the given
// timeout, context cancellation, or child exit, whichever comes first.
func (c *lineClient) request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	key := strconv.FormatInt(id, 10)
	ch := make(chan wireMessage, 1)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()

	if err := c.writeLine(line); err != nil {
		c.dropPending(key)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return c.unwrap(method, msg)
	case <-timer.C:
		c.dropPending(key)
		c.discardPartial()
		return nil, fmt.Errorf("%s to %s after %s: %w", method, c.name, timeout, ErrRequestTimeout)
	case <-ctx.Done():
		c.dropPending(key)
		return nil, ctx.Err()
	case <-c.done:
		// Prefer a reply that raced the exit.
		select {
		case msg := <-ch:
			return c.unwrap(method, msg)
		default:
		}
		c.dropPending(key)
		return nil, fmt.Errorf("%s to %s: %w", method, c.name, ErrChildExited)
	}
}

func (c *lineClient) unwrap(method string, msg wireMessage) (json.RawMessage, error) {
	if msg.Error != nil {
		return nil, fmt.Errorf("%s to %s: %w", method, c.name, msg.Error)
	}
	return msg.Result, nil
}

// notify sends a JSON-RPC notification. No reply is expected.
func (c *lineClient) notify(method string, params interface{}) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("failed to build %s notification: %w", method, err)
	}
	line, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal %s notification: %w", method, err)
	}
	return c.writeLine(line)
}

// writeLine writes one message followed by a newline. Writes are
// serialized so concurrent requests never interleave bytes.
func (c *lineClient) writeLine(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write to %s: %w", c.name, err)
	}
	return nil
}

func (c *lineClient) dropPending(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

// discardPartial throws away any half-accumulated payload so a timed-out
// request cannot poison the next reply.
func (c *lineClient) discardPartial() {
	c.accMu.Lock()
	c.acc.Reset()
	c.accMu.Unlock()
}

// exited reports whether the child's stdout has closed.
func (c *lineClient) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
