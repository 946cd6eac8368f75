package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/dispatch"
	"github.com/agenthive/agenthive/internal/session"
	"github.com/agenthive/agenthive/pkg/jsonrpc"
)

const (
	stdioInitialBuffer = 64 * 1024
	stdioMaxBuffer     = 10 * 1024 * 1024
)

// StdioServer is the local transport: one JSON-RPC message per line on the
// process's standard streams. Callers on this transport are local and
// trusted, so they see the unfiltered tool surface. Logging goes to stderr
// so stdout stays a clean protocol channel.
type StdioServer struct {
	dispatcher *dispatch.Dispatcher
	logger     *logger.Logger

	in  io.Reader
	out io.Writer
	mu  sync.Mutex // serializes writes to out
}

// NewStdioServer wires the transport to the process's standard streams.
func NewStdioServer(d *dispatch.Dispatcher, log *logger.Logger) *StdioServer {
	return &StdioServer{
		dispatcher: d,
		logger:     log.WithFields(zap.String("component", "stdio-transport")),
		in:         os.Stdin,
		out:        os.Stdout,
	}
}

// newStdioServerWithStreams is the test seam.
func newStdioServerWithStreams(d *dispatch.Dispatcher, log *logger.Logger, in io.Reader, out io.Writer) *StdioServer {
	s := NewStdioServer(d, log)
	s.in = in
	s.out = out
	return s
}

// Run reads requests line by line until EOF or context cancellation.
// Requests are dispatched concurrently; responses are written whole-line
// under a lock so they never interleave.
func (s *StdioServer) Run(ctx context.Context) error {
	s.logger.Info("stdio transport listening")

	clientCtx := session.StdioContext()
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, stdioInitialBuffer), stdioMaxBuffer)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req jsonrpc.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.write(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError,
				fmt.Sprintf("parse error: %v", err)))
			continue
		}

		wg.Add(1)
		go func(req jsonrpc.Request) {
			defer wg.Done()
			if resp := s.dispatcher.Handle(ctx, &req, clientCtx); resp != nil {
				s.write(resp)
			}
		}(req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio transport read failed: %w", err)
	}
	s.logger.Info("stdio transport closed")
	return nil
}

func (s *StdioServer) write(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}
