package downstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/pkg/jsonrpc"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// Identity presented to downstream servers during initialize.
const (
	clientName    = "agenthive-coordinator"
	clientVersion = "1.0.0"
)

// child runs one stdio downstream MCP server as a subprocess and owns
// its pipes, pid file, and JSON-RPC client.
type child struct {
	name   string
	cfg    ServerConfig
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	client *lineClient

	pidFile   string
	startedAt time.Time

	wg       sync.WaitGroup
	doneCh   chan struct{}
	stopping atomic.Bool
}

func newChild(name string, cfg ServerConfig, log *logger.Logger) *child {
	return &child{
		name:   name,
		cfg:    cfg,
		logger: log.WithFields(zap.String("server", name)),
	}
}

// start resolves the command, spawns the process, and begins the stderr
// and stdout readers. It does not perform the MCP handshake.
func (c *child) start() error {
	path, err := exec.LookPath(c.cfg.Command)
	if err != nil {
		return fmt.Errorf("command %q not found: %w", c.cfg.Command, err)
	}

	c.killOrphans()

	// NOTE: We intentionally don't use exec.CommandContext here because the
	// startup context must not kill a long-lived child once startup returns.
	c.cmd = exec.Command(path, c.cfg.Args...)
	c.cmd.Env = append(os.Environ(), envList(c.cfg.Env)...)
	hideConsole(c.cmd)

	if c.stdin, err = c.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if c.stdout, err = c.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if c.stderr, err = c.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.name, err)
	}

	c.client = newLineClient(c.name, c.stdin, c.logger)
	c.doneCh = make(chan struct{})
	c.startedAt = time.Now()
	c.writePIDFile()

	c.wg.Add(3)
	go c.readReplies()
	go c.readStderr()
	go c.waitForExit()

	c.logger.Info("downstream server started",
		zap.String("command", c.cfg.Command),
		zap.Strings("args", c.cfg.Args),
		zap.Int("pid", c.cmd.Process.Pid))
	return nil
}

// initialize performs the MCP handshake: initialize, then the
// notifications/initialized notification.
func (c *child) initialize(ctx context.Context, timeout time.Duration) error {
	params := map[string]interface{}{
		"protocolVersion": jsonrpc.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	if _, err := c.client.request(ctx, jsonrpc.MethodInitialize, params, timeout); err != nil {
		return err
	}
	return c.client.notify(jsonrpc.MethodInitialized, nil)
}

// discoverTools asks the child for its tool list.
func (c *child) discoverTools(ctx context.Context, timeout time.Duration) ([]mcp.Tool, error) {
	raw, err := c.client.request(ctx, jsonrpc.MethodToolsList, nil, timeout)
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list reply from %s: %w", c.name, err)
	}

	tools := make([]mcp.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, mcp.Tool{
			Name:           t.Name,
			Description:    t.Description,
			RawInputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// callTool forwards a tools/call to the child and returns the raw result.
func (c *child) callTool(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}
	return c.client.request(ctx, jsonrpc.MethodToolsCall, params, timeout)
}

// stop closes stdin so the child sees EOF and exits; if it has not gone
// away by the time the context expires, it is killed.
func (c *child) stop(ctx context.Context) {
	if !c.stopping.CompareAndSwap(false, true) {
		return
	}

	c.logger.Info("stopping downstream server")
	if c.stdin != nil {
		c.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("downstream server stopped gracefully")
	case <-ctx.Done():
		if c.cmd != nil && c.cmd.Process != nil {
			c.logger.Warn("force killing downstream server")
			c.cmd.Process.Kill()
		}
		<-done
	}
}

// done is closed once the process has exited and its pid file is gone.
func (c *child) done() <-chan struct{} {
	return c.doneCh
}

// wasStopped reports whether the exit was requested by the broker.
func (c *child) wasStopped() bool {
	return c.stopping.Load()
}

// alive reports whether the process is still running.
func (c *child) alive() bool {
	select {
	case <-c.doneCh:
		return false
	default:
		return true
	}
}

func (c *child) pid() int {
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Pid
	}
	return 0
}

// readReplies pumps the child's stdout through the JSON-RPC client.
func (c *child) readReplies() {
	defer c.wg.Done()
	c.client.readLoop(c.stdout)
}

// readStderr forwards the child's stderr to the broker log.
func (c *child) readStderr() {
	defer c.wg.Done()

	scanner := bufio.NewScanner(c.stderr)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
	for scanner.Scan() {
		c.logger.Debug("downstream stderr", zap.String("line", scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// waitForExit reaps the process and cleans up its pid file.
func (c *child) waitForExit() {
	defer c.wg.Done()
	defer close(c.doneCh)

	err := c.cmd.Wait()
	c.removePIDFile()

	if err != nil {
		c.logger.Info("downstream server exited with error", zap.Error(err))
	} else {
		c.logger.Info("downstream server exited")
	}
}

func (c *child) writePIDFile() {
	path := pidFilePath(c.name, c.cmd.Process.Pid)
	if err := os.WriteFile(path, []byte(strconv.Itoa(c.cmd.Process.Pid)), 0o644); err != nil {
		c.logger.Warn("failed to write pid file", zap.Error(err))
		return
	}
	c.pidFile = path
}

func (c *child) removePIDFile() {
	if c.pidFile == "" {
		return
	}
	if err := os.Remove(c.pidFile); err != nil && !os.IsNotExist(err) {
		c.logger.Debug("failed to remove pid file", zap.Error(err))
	}
}

// killOrphans signals any process recorded in a stale pid file for this
// server name, left behind by a broker run that did not shut down
// cleanly, then removes the file.
func (c *child) killOrphans() {
	pattern := filepath.Join(os.TempDir(), "agenthive-mcp-"+c.name+"-*.pid")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err == nil {
			if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && pid > 0 {
				if proc, findErr := os.FindProcess(pid); findErr == nil {
					if killErr := proc.Kill(); killErr == nil {
						c.logger.Warn("killed orphaned downstream server", zap.Int("pid", pid))
					}
				}
			}
		}
		os.Remove(path)
	}
}

func pidFilePath(name string, pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("agenthive-mcp-%s-%d.pid", name, pid))
}

// envList flattens a config env map into KEY=VALUE form with a stable
// order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
