package mcp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/MEKXH/toolmesh/internal/config"
)

const websocketWriteTimeout = 10 * time.Second

type websocketConnector struct {
	client *http.Client
}

func newWebSocketConnector() Connector {
	return websocketConnector{}
}

// Connect dials a JSON-RPC over websocket server. http(s) URLs are
// rewritten to ws(s).
func (c websocketConnector) Connect(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	endpoint, err := websocketURL(cfg.URL)
	if err != nil {
		return nil, invalidConfig(cfg.ID, "%v", err)
	}

	header := http.Header{}
	applyHeaders(header, cfg.Headers)
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: c.client,
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", endpoint, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	client := &websocketClient{
		serverID: cfg.ID,
		conn:     conn,
		pending:  newPendingCalls(),
	}
	readCtx, cancel := context.WithCancel(context.Background())
	client.cancelRead = cancel
	go client.readLoop(readCtx)

	if err := initializeClient(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func websocketURL(raw string) (string, error) {
	if err := validateURL(raw, config.ConnectionWebSocket, "ws", "wss", "http", "https"); err != nil {
		return "", err
	}
	parsed, _ := url.Parse(strings.TrimSpace(raw))
	switch strings.ToLower(parsed.Scheme) {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	return parsed.String(), nil
}

type websocketClient struct {
	serverID   string
	conn       *websocket.Conn
	pending    *pendingCalls
	cancelRead context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *websocketClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return listToolsRPC(ctx, c)
}

func (c *websocketClient) CallTool(ctx context.Context, toolName, argsJSON string) (any, error) {
	return callToolRPC(ctx, c, toolName, argsJSON)
}

func (c *websocketClient) Ping(ctx context.Context) error {
	return pingRPC(ctx, c)
}

// Close ends the session. Close handshake failures are not reported; the
// peer may already be gone.
func (c *websocketClient) Close() error {
	c.closeOnce.Do(func() {
		c.pending.failAll(errClientClosed)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancelRead()
	})
	return nil
}

func (c *websocketClient) readLoop(ctx context.Context) {
	for {
		typ, payload, err := c.conn.Read(ctx)
		if err != nil {
			c.pending.failAll(fmt.Errorf("mcp websocket %q closed: %w", c.serverID, err))
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		c.pending.dispatch(payload)
	}
}

func (c *websocketClient) invoke(ctx context.Context, method string, params any) (any, error) {
	id, ch, err := c.pending.register()
	if err != nil {
		return nil, err
	}
	payload, err := encodeRPCRequest(id, method, params)
	if err != nil {
		c.pending.forget(id)
		return nil, err
	}
	if err := c.write(ctx, payload); err != nil {
		c.pending.forget(id)
		return nil, err
	}
	return c.pending.await(ctx, id, ch)
}

func (c *websocketClient) notify(ctx context.Context, method string, params any) error {
	payload, err := encodeRPCNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(ctx, payload)
}

// write sends one frame. The library closes the whole connection when a
// write's ctx expires mid-frame, so the caller's ctx only gates the start
// and the frame itself runs under websocketWriteTimeout.
func (c *websocketClient) write(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(context.Background(), websocketWriteTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}
