package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"
)

// ToolInfo converts a catalog entry to the tool description handed to chat
// models. A missing or unparsable input schema yields an argument-less tool.
func ToolInfo(entry CatalogEntry) *schema.ToolInfo {
	desc := strings.TrimSpace(entry.Description)
	if desc == "" {
		desc = entry.Name
	}

	owners := make([]string, 0, len(entry.Owners))
	for _, owner := range entry.Owners {
		owners = append(owners, owner.ServerID)
	}

	info := &schema.ToolInfo{
		Name: entry.Name,
		Desc: desc,
		Extra: map[string]any{
			"provider": "mcp",
			"servers":  owners,
		},
	}
	if params := paramsFromSchema(entry.InputSchema); params != nil {
		info.ParamsOneOf = params
	}
	return info
}

// ToolInfos converts a whole catalog.
func ToolInfos(entries []CatalogEntry) []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, ToolInfo(entry))
	}
	return out
}

func paramsFromSchema(raw json.RawMessage) *schema.ParamsOneOf {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var js jsonschema.Schema
	if err := json.Unmarshal([]byte(trimmed), &js); err != nil {
		return nil
	}
	if js.Type == "" {
		js.Type = "object"
	}
	return schema.NewParamsOneOfByJSONSchema(&js)
}

const noOutput = "(no output)"

// normalizeToolResult renders a tool result as the observation text handed
// back to the model.
func normalizeToolResult(v any) string {
	var text string
	switch value := v.(type) {
	case nil:
	case string:
		text = value
	case []byte:
		text = string(value)
	case fmt.Stringer:
		text = value.String()
	default:
		if data, err := json.Marshal(value); err == nil {
			text = string(data)
		} else {
			text = fmt.Sprint(value)
		}
	}
	if text = strings.TrimSpace(text); text == "" || text == "null" {
		return noOutput
	}
	return text
}
