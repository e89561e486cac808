package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ToolOwner is one ready server advertising a tool.
type ToolOwner struct {
	ServerID string `json:"server_id"`
	Priority int    `json:"priority"`
}

// CatalogEntry is one tool name in the merged catalog of ready sessions.
// Description and schema come from the highest priority owner.
type CatalogEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Owners      []ToolOwner     `json:"owners"`
}

// InvokeResult is the outcome of a routed tool call.
type InvokeResult struct {
	ServerID string
	Output   string
	// Retried is set when the first owner failed and an alternate answered.
	Retried bool
}

func filterSet(servers []string) map[string]struct{} {
	if len(servers) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(servers))
	for _, id := range servers {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

type readyServer struct {
	id       string
	priority int
	order    int
	session  *Session
}

// readyServers returns ready servers in priority order, optionally
// restricted to servers.
func (m *Manager) readyServers(servers []string) []readyServer {
	allowed := filterSet(servers)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.registry == nil {
		return nil
	}
	out := make([]readyServer, 0, len(m.servers))
	for _, st := range m.servers {
		if st.status != StatusReady || st.session == nil {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[st.cfg.ID]; !ok {
				continue
			}
		}
		out = append(out, readyServer{id: st.cfg.ID, priority: st.cfg.Priority, order: st.order, session: st.session})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].order < out[j].order
	})
	return out
}

// Catalog merges the tools of every ready session, sorted by name.
func (m *Manager) Catalog(servers []string) []CatalogEntry {
	byName := make(map[string]*CatalogEntry)
	for _, rs := range m.readyServers(servers) {
		for _, tool := range rs.session.Tools() {
			name := strings.TrimSpace(tool.Name)
			if name == "" {
				continue
			}
			entry, ok := byName[name]
			if !ok {
				entry = &CatalogEntry{
					Name:        name,
					Description: tool.Description,
					InputSchema: tool.InputSchema,
				}
				byName[name] = entry
			}
			entry.Owners = append(entry.Owners, ToolOwner{ServerID: rs.id, Priority: rs.priority})
		}
	}

	out := make([]CatalogEntry, 0, len(byName))
	for _, entry := range byName {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve picks the server for tool among ready owners not in exclude.
func (m *Manager) Resolve(tool string, servers []string, exclude ...string) (string, error) {
	skip := filterSet(exclude)
	var candidates []Candidate
	for _, rs := range m.readyServers(servers) {
		if _, excluded := skip[rs.id]; excluded {
			continue
		}
		if !rs.session.HasTool(tool) {
			continue
		}
		candidates = append(candidates, Candidate{ServerID: rs.id, Priority: rs.priority, Order: rs.order})
	}
	if len(candidates) == 0 {
		return "", &ToolUnavailableError{Tool: tool}
	}
	return m.choose(tool, candidates).ServerID, nil
}

// CallTool invokes tool on one server. Transport failures degrade the
// session so it gets repaired.
func (m *Manager) CallTool(ctx context.Context, serverID, tool, argsJSON string) (string, error) {
	session, err := m.GetSession(serverID)
	if err != nil {
		return "", &ToolInvocationError{ServerID: serverID, Tool: tool, Err: err}
	}

	start := time.Now()
	result, err := session.CallTool(ctx, tool, argsJSON)
	m.recorder.ToolCall(serverID, tool, time.Since(start), err)
	if err != nil {
		m.markTransportFailure(serverID, err)
		return "", err
	}
	return normalizeToolResult(result), nil
}

// Invoke resolves tool and calls it, retrying once on an alternate owner
// when the first call fails.
func (m *Manager) Invoke(ctx context.Context, tool, argsJSON string, servers []string) (InvokeResult, error) {
	serverID, err := m.Resolve(tool, servers)
	if err != nil {
		return InvokeResult{}, err
	}
	output, err := m.CallTool(ctx, serverID, tool, argsJSON)
	if err == nil {
		return InvokeResult{ServerID: serverID, Output: output}, nil
	}
	if ctx.Err() != nil {
		return InvokeResult{ServerID: serverID}, err
	}

	alternate, resolveErr := m.Resolve(tool, servers, serverID)
	if resolveErr != nil {
		return InvokeResult{ServerID: serverID}, err
	}
	slog.Info("retrying tool on alternate server", "tool", tool, "server_id", serverID, "alternate", alternate, "error", err)
	output, retryErr := m.CallTool(ctx, alternate, tool, argsJSON)
	if retryErr != nil {
		return InvokeResult{ServerID: alternate, Retried: true}, errors.Join(err, retryErr)
	}
	return InvokeResult{ServerID: alternate, Output: output, Retried: true}, nil
}
