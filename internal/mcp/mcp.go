// Package mcp discovers tools from configured MCP servers. Servers are
// contacted only during a reload: each one is dialed, initialized, and
// asked for its tool list, then the connection is closed. The discovered
// descriptors are advertised to upstreams by the enrichment layer; tool
// execution stays with the API caller.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.yaml.in/yaml/v3"

	"github.com/labiium/routiium/internal/enrich"
)

const connectTimeout = 15 * time.Second

// ServerConfig describes one MCP server. URL selects the SSE transport;
// otherwise Command spawns a stdio server.
type ServerConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Config is the MCP configuration file, keyed by server name.
type Config struct {
	Servers map[string]ServerConfig `yaml:"mcpServers" json:"mcpServers"`
}

// LoadConfig reads an MCP configuration file. JSON files parse as well
// since JSON is a YAML subset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}
	return cfg, nil
}

type toolLister interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg ServerConfig) (toolLister, error)

type catalog struct {
	servers []string
	tools   []enrich.Tool
}

// Manager holds the discovered tool catalog. Reload swaps the catalog
// atomically, so requests in flight keep the snapshot they started with.
type Manager struct {
	mu   sync.Mutex // serializes reloads
	dial dialFunc
	snap atomic.Pointer[catalog]
}

// NewManager returns a Manager with an empty catalog.
func NewManager() *Manager {
	m := &Manager{dial: connect}
	m.snap.Store(&catalog{})
	return m
}

// Reload loads the configuration at path and rebuilds the catalog. Servers
// that cannot be reached are logged and skipped; the returned slice names
// the servers that answered. A config read or parse failure keeps the
// previous catalog.
func (m *Manager) Reload(ctx context.Context, path string) ([]string, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	next := &catalog{}
	for _, name := range names {
		tools, err := m.discover(ctx, name, cfg.Servers[name])
		if err != nil {
			slog.Warn("mcp server unavailable", "server", name, "error", err)
			continue
		}
		next.servers = append(next.servers, name)
		next.tools = append(next.tools, tools...)
		slog.Info("mcp server discovered", "server", name, "tools", len(tools))
	}
	m.snap.Store(next)
	return next.servers, nil
}

// Tools returns the discovered tool descriptors. The slice is shared and
// must not be mutated.
func (m *Manager) Tools() []enrich.Tool {
	return m.snap.Load().tools
}

// Servers returns the names of servers that answered the last reload.
func (m *Manager) Servers() []string {
	return m.snap.Load().servers
}

func (m *Manager) discover(ctx context.Context, name string, cfg ServerConfig) ([]enrich.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	cli, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "routiium", Version: "1.0"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	res, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]enrich.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, enrich.Tool{
			Server:      name,
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaMap(t),
		})
	}
	return tools, nil
}

func connect(ctx context.Context, cfg ServerConfig) (toolLister, error) {
	if cfg.URL != "" {
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		cli, err := mcpclient.NewSSEMCPClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := cli.Start(ctx); err != nil {
			cli.Close()
			return nil, err
		}
		return cli, nil
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("server has neither url nor command")
	}
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
}

func schemaMap(t mcp.Tool) map[string]any {
	raw := []byte(t.RawInputSchema)
	if len(raw) == 0 {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil
		}
		raw = b
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
