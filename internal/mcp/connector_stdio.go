package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/toolmesh/internal/config"
)

const (
	stderrTailBytes = 4096
	stdioExitGrace  = 500 * time.Millisecond
)

type stdioConnector struct{}

func newStdioConnector() Connector {
	return stdioConnector{}
}

// Connect spawns the server process and speaks Content-Length framed
// JSON-RPC over its stdin/stdout. The process outlives ctx; ctx only bounds
// the handshake.
func (stdioConnector) Connect(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, invalidConfig(cfg.ID, "stdio transport requires command")
	}

	cmd := exec.Command(command, cfg.Args...)
	cmd.Env = append(os.Environ(), envPairs(cfg.Env)...)
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr
	cmd.WaitDelay = stdioExitGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start stdio server %q: %w", cfg.ID, err)
	}

	c := &stdioClient{
		serverID: cfg.ID,
		proc:     cmd.Process,
		stdin:    stdin,
		stderr:   stderr,
		pending:  newPendingCalls(),
		exited:   make(chan struct{}),
	}
	go func() {
		c.exitErr = cmd.Wait()
		close(c.exited)
	}()
	go c.readLoop(bufio.NewReader(stdout))

	if err := initializeClient(ctx, c); err != nil {
		_ = c.Close()
		return nil, c.annotate(err)
	}
	return c, nil
}

// envPairs renders extra variables in a stable order. exec keeps the last
// value of a duplicated key, so these override the inherited environment.
func envPairs(extra map[string]string) []string {
	out := make([]string, 0, len(extra))
	for k, v := range extra {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k+"="+v)
		}
	}
	sort.Strings(out)
	return out
}

type stdioClient struct {
	serverID string
	proc     *os.Process
	stdin    io.WriteCloser
	stderr   *tailBuffer
	pending  *pendingCalls

	exited  chan struct{}
	exitErr error // valid once exited is closed

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *stdioClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return listToolsRPC(ctx, c)
}

func (c *stdioClient) CallTool(ctx context.Context, toolName, argsJSON string) (any, error) {
	return callToolRPC(ctx, c, toolName, argsJSON)
}

func (c *stdioClient) Ping(ctx context.Context) error {
	if err := c.exitError(); err != nil {
		return c.annotate(err)
	}
	return pingRPC(ctx, c)
}

func (c *stdioClient) Close() error {
	c.closeOnce.Do(func() {
		c.pending.failAll(errClientClosed)
		_ = c.stdin.Close()
		_ = c.proc.Kill()
		select {
		case <-c.exited:
		case <-time.After(stdioExitGrace):
		}
	})
	return nil
}

func (c *stdioClient) readLoop(r *bufio.Reader) {
	for {
		payload, err := readFrame(r)
		if err != nil {
			c.pending.failAll(c.annotate(err))
			return
		}
		c.pending.dispatch(payload)
	}
}

func (c *stdioClient) invoke(ctx context.Context, method string, params any) (any, error) {
	if err := c.exitError(); err != nil {
		return nil, c.annotate(err)
	}
	id, ch, err := c.pending.register()
	if err != nil {
		return nil, err
	}
	payload, err := encodeRPCRequest(id, method, params)
	if err == nil {
		err = c.write(payload)
	}
	if err != nil {
		c.pending.forget(id)
		return nil, c.annotate(err)
	}
	return c.pending.await(ctx, id, ch)
}

func (c *stdioClient) notify(ctx context.Context, method string, params any) error {
	if err := c.exitError(); err != nil {
		return c.annotate(err)
	}
	payload, err := encodeRPCNotification(method, params)
	if err != nil {
		return err
	}
	return c.annotate(c.write(payload))
}

func (c *stdioClient) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.stdin, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return fmt.Errorf("write mcp header: %w", err)
	}
	if _, err := c.stdin.Write(payload); err != nil {
		return fmt.Errorf("write mcp payload: %w", err)
	}
	return nil
}

func (c *stdioClient) exitError() error {
	select {
	case <-c.exited:
	default:
		return nil
	}
	if c.exitErr == nil {
		return fmt.Errorf("mcp stdio server %q exited", c.serverID)
	}
	return fmt.Errorf("mcp stdio server %q exited: %w", c.serverID, c.exitErr)
}

// annotate appends the process state and the stderr tail, which usually
// say more than a broken pipe does.
func (c *stdioClient) annotate(err error) error {
	if err == nil {
		return nil
	}
	var extra []string
	if exitErr := c.exitError(); exitErr != nil && err.Error() != exitErr.Error() {
		extra = append(extra, "process="+exitErr.Error())
	}
	if tail := strings.TrimSpace(c.stderr.String()); tail != "" {
		extra = append(extra, "stderr="+tail)
	}
	if len(extra) == 0 {
		return err
	}
	return fmt.Errorf("%w; %s", err, strings.Join(extra, "; "))
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	n, err := readContentLength(r)
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read mcp payload: %w", err)
	}
	return body, nil
}

// readContentLength consumes one header block and returns its
// Content-Length. Other headers are ignored.
func readContentLength(r *bufio.Reader) (int, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("read mcp header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if length < 0 {
				continue
			}
			return length, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("invalid content-length header %q: %w", line, err)
		}
		if n <= 0 || n > maxFrameBytes {
			return 0, fmt.Errorf("content-length %d out of range", n)
		}
		length = n
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
