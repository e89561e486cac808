package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/MEKXH/toolmesh/internal/mcp"
)

const defaultSystemPrompt = `You are ToolMesh, an assistant that answers by calling tools exposed by connected tool servers.
Call a tool when it helps answer the question; otherwise answer directly.
When a tool returns an error, decide whether another tool or a direct answer can still help.
Be concise.`

// ContextBuilder builds the conversation sent to the reasoning engine.
type ContextBuilder struct {
	systemPrompt string
}

// NewContextBuilder creates a context builder. An empty prompt uses the default.
func NewContextBuilder(systemPrompt string) *ContextBuilder {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &ContextBuilder{systemPrompt: strings.TrimSpace(systemPrompt)}
}

// BuildSystemPrompt appends a summary of the servers behind the catalog.
func (c *ContextBuilder) BuildSystemPrompt(catalog []mcp.CatalogEntry) string {
	parts := []string{c.systemPrompt}

	if len(catalog) == 0 {
		parts = append(parts, "## Tools\nNo tool servers are available right now. Answer from your own knowledge.")
		return strings.Join(parts, "\n\n")
	}

	perServer := make(map[string]int)
	for _, entry := range catalog {
		for _, owner := range entry.Owners {
			perServer[owner.ServerID]++
		}
	}
	servers := make([]string, 0, len(perServer))
	for id := range perServer {
		servers = append(servers, id)
	}
	sort.Strings(servers)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Tools\n%d tools from %d servers:", len(catalog), len(servers)))
	for _, id := range servers {
		sb.WriteString(fmt.Sprintf("\n- %s (%d tools)", id, perServer[id]))
	}
	parts = append(parts, sb.String())
	return strings.Join(parts, "\n\n")
}

// BuildMessages constructs the full message list
func (c *ContextBuilder) BuildMessages(history []*schema.Message, catalog []mcp.CatalogEntry, query string) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(c.BuildSystemPrompt(catalog)))
	messages = append(messages, history...)
	messages = append(messages, schema.UserMessage(strings.TrimSpace(query)))
	return messages
}
