package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MEKXH/toolmesh/internal/config"
)

const (
	ssePostAttempts  = 2
	sseRetryStep     = 150 * time.Millisecond
	sseDiscoveryWait = 2 * time.Second
)

type sseConnector struct {
	client *http.Client
}

func newSSEConnector() Connector {
	return sseConnector{client: &http.Client{}}
}

// Connect talks to a legacy HTTP+SSE server. Requests are POSTed to the
// endpoint announced on the event stream, or to <base>/messages when the
// stream announces nothing.
func (c sseConnector) Connect(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	if err := validateURL(cfg.URL, config.ConnectionSSE, "http", "https"); err != nil {
		return nil, invalidConfig(cfg.ID, "%v", err)
	}
	streamURL, _ := url.Parse(strings.TrimSpace(cfg.URL))

	client := &sseClient{
		http:    c.client,
		headers: cloneHeaders(cfg.Headers),
	}
	discovered, _ := client.discover(ctx, streamURL)
	client.endpoints = messageEndpoints(streamURL, discovered)

	if err := initializeClient(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// messageEndpoints lists the POST targets in the order they are tried.
func messageEndpoints(stream *url.URL, discovered string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	add(discovered)
	add(stream.String())
	if p := strings.TrimSpace(stream.Path); strings.HasSuffix(p, "/sse") {
		alt := *stream
		alt.Path = strings.TrimSuffix(p, "/sse") + "/messages"
		add(alt.String())
	}
	return out
}

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	name string
	data string
}

// scanSSE feeds events from body to fn until fn returns false, the body
// ends or ctx is done.
func scanSSE(ctx context.Context, body io.Reader, fn func(sseEvent) bool) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var ev sseEvent
	var data []string
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "":
			if len(data) > 0 {
				ev.data = strings.TrimSpace(strings.Join(data, "\n"))
				if !fn(ev) {
					return nil
				}
			}
			ev, data = sseEvent{}, data[:0]
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func readSSEEndpointEvent(ctx context.Context, body io.Reader) (string, bool) {
	var endpoint string
	_ = scanSSE(ctx, body, func(ev sseEvent) bool {
		if strings.EqualFold(ev.name, "endpoint") && ev.data != "" {
			endpoint = ev.data
			return false
		}
		return true
	})
	return endpoint, endpoint != ""
}

// httpStatusError is a non-2xx reply. 408, 429 and 5xx are worth retrying.
type httpStatusError struct {
	code int
	msg  string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.msg)
}

func (e *httpStatusError) retryable() bool {
	return e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests || e.code >= 500
}

// transportError wraps a failure before any HTTP status was received.
type transportError struct{ err error }

func (e transportError) Error() string { return e.err.Error() }
func (e transportError) Unwrap() error { return e.err }

func shouldRetryPost(err error) bool {
	var status *httpStatusError
	if errors.As(err, &status) {
		return status.retryable()
	}
	var te transportError
	return errors.As(err, &te)
}

type sseClient struct {
	http      *http.Client
	endpoints []string
	headers   map[string]string

	closed atomic.Bool
	nextID atomic.Int64
}

func (c *sseClient) discover(ctx context.Context, stream *url.URL) (string, bool) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sseDiscoveryWait)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stream.String(), nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("Accept", "text/event-stream")
	applyHeaders(req.Header, c.headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 || !isEventStream(resp) {
		return "", false
	}

	raw, ok := readSSEEndpointEvent(ctx, resp.Body)
	if !ok {
		return "", false
	}
	resolved, err := stream.Parse(raw)
	if err != nil {
		return "", false
	}
	return resolved.String(), true
}

func (c *sseClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return listToolsRPC(ctx, c)
}

func (c *sseClient) CallTool(ctx context.Context, toolName, argsJSON string) (any, error) {
	return callToolRPC(ctx, c, toolName, argsJSON)
}

func (c *sseClient) Ping(ctx context.Context) error {
	return pingRPC(ctx, c)
}

func (c *sseClient) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *sseClient) invoke(ctx context.Context, method string, params any) (any, error) {
	if c.closed.Load() {
		return nil, errClientClosed
	}
	id := c.nextID.Add(1)
	body, err := encodeRPCRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	result, err := c.send(ctx, body, func(resp *http.Response) (any, error) {
		return readRPCReply(ctx, resp, id)
	})
	if err != nil {
		return nil, fmt.Errorf("mcp sse %s: %w", method, err)
	}
	return result, nil
}

func (c *sseClient) notify(ctx context.Context, method string, params any) error {
	if c.closed.Load() {
		return errClientClosed
	}
	body, err := encodeRPCNotification(method, params)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, body, func(resp *http.Response) (any, error) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("mcp sse notify %s: %w", method, err)
	}
	return nil
}

// send POSTs body to each endpoint in turn, retrying each once on
// transient failures, and hands the first 2xx reply to read.
func (c *sseClient) send(ctx context.Context, body []byte, read func(*http.Response) (any, error)) (any, error) {
	var lastErr error
	for _, endpoint := range c.endpoints {
		for attempt := 1; attempt <= ssePostAttempts; attempt++ {
			result, err := c.post(ctx, endpoint, body, read)
			if err == nil {
				return result, nil
			}
			lastErr = fmt.Errorf("%s (attempt %d/%d): %w", endpoint, attempt, ssePostAttempts, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetryPost(err) || attempt == ssePostAttempts {
				break
			}
			if err := sleepContext(ctx, time.Duration(attempt)*sseRetryStep); err != nil {
				return nil, err
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no message endpoint available")
	}
	return nil, lastErr
}

func (c *sseClient) post(ctx context.Context, endpoint string, body []byte, read func(*http.Response) (any, error)) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	applyHeaders(req.Header, c.headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &httpStatusError{code: resp.StatusCode, msg: msg}
	}
	return read(resp)
}

// readRPCReply decodes the reply to request id from a JSON body or from
// the first matching event of an event stream.
func readRPCReply(ctx context.Context, resp *http.Response, id int64) (any, error) {
	if !isEventStream(resp) {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read mcp response: %w", err)
		}
		result, matched, err := decodeRPCResponse(payload, id)
		if err != nil {
			return nil, err
		}
		if !matched {
			return nil, errors.New("json-rpc response id mismatch")
		}
		return result, nil
	}

	var (
		result  any
		callErr error
		found   bool
	)
	err := scanSSE(ctx, resp.Body, func(ev sseEvent) bool {
		r, matched, err := decodeRPCResponse([]byte(ev.data), id)
		if err != nil {
			callErr, found = err, true
			return false
		}
		if matched {
			result, found = r, true
			return false
		}
		return true
	})
	if found {
		return result, callErr
	}
	return nil, fmt.Errorf("read sse response: %w", err)
}

func isEventStream(resp *http.Response) bool {
	ct := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	return strings.HasPrefix(ct, "text/event-stream")
}

func applyHeaders(dst http.Header, src map[string]string) {
	for k, v := range src {
		if k = strings.TrimSpace(k); k != "" {
			dst.Set(k, v)
		}
	}
}

func cloneHeaders(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = v
		}
	}
	return out
}
