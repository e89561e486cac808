package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MEKXH/toolmesh/internal/version"
)

const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2024-11-05"

	// maxToolPages bounds tools/list pagination against servers that keep
	// handing out cursors.
	maxToolPages = 32

	// maxFrameBytes caps one inbound message on every hand-rolled transport.
	maxFrameBytes = 16 << 20
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return msg
	}
	return fmt.Sprintf("json-rpc error %d", e.Code)
}

// toolReportedError is a failure the server reported in a tools/call result
// (isError=true) rather than a transport or protocol failure.
type toolReportedError struct {
	msg string
}

func (e toolReportedError) Error() string {
	return e.msg
}

// rpcInvoker is what the hand-rolled transports implement; the MCP methods
// below are written once against it.
type rpcInvoker interface {
	invoke(ctx context.Context, method string, params any) (any, error)
	notify(ctx context.Context, method string, params any) error
}

func initializeClient(ctx context.Context, invoker rpcInvoker) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "toolmesh", "version": version.Version},
	}
	if _, err := invoker.invoke(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize mcp session: %w", err)
	}
	if err := invoker.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

type toolsPage struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
	NextCursor string `json:"nextCursor"`
}

func listToolsRPC(ctx context.Context, invoker rpcInvoker) ([]ToolDefinition, error) {
	var defs []ToolDefinition
	cursor := ""
	for range maxToolPages {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		result, err := invoker.invoke(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var page toolsPage
		if err := remarshal(result, &page); err != nil {
			return nil, fmt.Errorf("unexpected tools/list result: %w", err)
		}
		for _, t := range page.Tools {
			name := strings.TrimSpace(t.Name)
			if name == "" {
				continue
			}
			def := ToolDefinition{Name: name, Description: strings.TrimSpace(t.Description)}
			if s := bytes.TrimSpace(t.InputSchema); len(s) > 0 && !bytes.Equal(s, []byte("null")) {
				def.InputSchema = json.RawMessage(s)
			}
			defs = append(defs, def)
		}
		if cursor = strings.TrimSpace(page.NextCursor); cursor == "" {
			break
		}
	}
	return defs, nil
}

type callResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StructuredContent any  `json:"structuredContent"`
	IsError           bool `json:"isError"`
}

func (r callResult) text() string {
	var parts []string
	for _, c := range r.Content {
		if !strings.EqualFold(strings.TrimSpace(c.Type), "text") {
			continue
		}
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func callToolRPC(ctx context.Context, invoker rpcInvoker, toolName, argsJSON string) (any, error) {
	args, err := parseToolArgs(compactJSONOrRaw(argsJSON))
	if err != nil {
		return nil, err
	}
	result, err := invoker.invoke(ctx, "tools/call", map[string]any{
		"name":      strings.TrimSpace(toolName),
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return decodeCallResult(result)
}

func decodeCallResult(result any) (any, error) {
	var res callResult
	if _, isObject := result.(map[string]any); !isObject || remarshal(result, &res) != nil {
		return result, nil
	}
	text := res.text()
	switch {
	case res.IsError && text == "":
		return nil, toolReportedError{msg: "tool reported an error"}
	case res.IsError:
		return nil, toolReportedError{msg: text}
	case text != "":
		return text, nil
	case res.StructuredContent != nil:
		return res.StructuredContent, nil
	}
	return result, nil
}

func pingRPC(ctx context.Context, invoker rpcInvoker) error {
	_, err := invoker.invoke(ctx, "ping", map[string]any{})
	return err
}

func parseToolArgs(argsJSON string) (any, error) {
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, fmt.Errorf("invalid tool args json: %w", err)
	}
	if parsed == nil {
		return map[string]any{}, nil
	}
	return parsed, nil
}

func compactJSONOrRaw(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}"
	}
	var out bytes.Buffer
	if err := json.Compact(&out, []byte(trimmed)); err != nil {
		return trimmed
	}
	return out.String()
}

func remarshal(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func stringValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		return fmt.Sprint(v)
	}
}

func encodeRPCRequest(id int64, method string, params any) ([]byte, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc request: %w", err)
	}
	return payload, nil
}

func encodeRPCNotification(method string, params any) ([]byte, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc notification: %w", err)
	}
	return payload, nil
}

// decodeRPCResponse returns matched=false for notifications and responses
// to other requests.
func decodeRPCResponse(payload []byte, expectedID int64) (any, bool, error) {
	id, result, err := decodeRPCEnvelope(payload)
	if id == "" || id != rpcIDKey(expectedID) {
		return nil, false, nil
	}
	return result, true, err
}

// decodeRPCEnvelope extracts the id key and result of a response. The key
// is empty for notifications and for requests sent by the server.
func decodeRPCEnvelope(payload []byte) (string, any, error) {
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", nil, fmt.Errorf("decode json-rpc response: %w", err)
	}
	if resp.Method != "" {
		return "", nil, nil
	}
	id := rawIDKey(resp.ID)
	if id == "" {
		return "", nil, nil
	}
	if resp.Error != nil {
		return id, nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return id, nil, nil
	}
	var result any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return id, nil, fmt.Errorf("decode json-rpc result: %w", err)
	}
	return id, result, nil
}

func rpcIDKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// rawIDKey maps the ids 7, 7.0 and "7" to the same key.
func rawIDKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return string(raw)
}
