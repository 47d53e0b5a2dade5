// Package mcpserver exposes the bridge to model-context-protocol clients:
// built-in utility tools, one dynamic tool per projected device tool, one
// per virtual tool, and read-only resources over the domain stores.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/ports"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/projection"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/virtual"
)

// Invoker dispatches one device command; satisfied by the bridge's tool
// invoker.
type Invoker interface {
	InvokeTool(ctx context.Context, deviceID, tool string, args map[string]any, timeout time.Duration) (map[string]any, error)
}

// AssetLookup fetches the cached event payload for a request id.
type AssetLookup interface {
	Asset(requestID string) (map[string]any, bool)
}

// Deps collects everything the tool surface reads and writes.
type Deps struct {
	Devices     *registry.Store
	PortStore   *ports.Store
	Matrix      *ports.Matrix
	PortRouter  *ports.Router
	PortSink    ports.ValueSink
	Projections *projection.Store
	Tools       *projection.ToolRegistry
	Virtual     *virtual.Store
	Executor    *virtual.Executor
	Invoker     Invoker
	Assets      AssetLookup
}

// Server is the MCP surface. Projected and virtual tools are synced against
// the underlying stores; built-ins and resources are registered once.
type Server struct {
	mcp    *server.MCPServer
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	projected map[string]struct{}
	virtuals  map[string]struct{}
}

// New builds the MCP server and registers built-in tools and resources.
func New(name, version string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp: server.NewMCPServer(
			name,
			version,
			server.WithToolCapabilities(true),
			server.WithResourceCapabilities(true, true),
			server.WithRecovery(),
		),
		deps:      deps,
		logger:    logger.With("component", "mcp"),
		projected: make(map[string]struct{}),
		virtuals:  make(map[string]struct{}),
	}
	s.registerBuiltins()
	s.registerResources()
	s.Sync()
	return s
}

// ServeStdio blocks serving the stdio transport.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE hosts the server over HTTP SSE until the context is cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	sse := server.NewSSEServer(s.mcp, server.WithBaseURL("http://"+addr))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.SSEHandler())
	mux.Handle("/message", sse.MessageHandler())

	httpServer := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Sync reconciles the dynamic tool set with the projection registry and the
// virtual tool store. Call after announces, projection reloads, and virtual
// tool edits.
func (s *Server) Sync() {
	s.syncProjected()
	s.syncVirtual()
}

func (s *Server) syncProjected() {
	desired := make(map[string]projection.ProjectedTool)
	for _, pt := range s.deps.Tools.List() {
		desired[pt.ToolKey] = pt
	}

	s.mu.Lock()
	var stale []string
	for key := range s.projected {
		if _, keep := desired[key]; !keep {
			stale = append(stale, key)
			delete(s.projected, key)
		}
	}
	var fresh []projection.ProjectedTool
	for key, pt := range desired {
		if _, have := s.projected[key]; !have {
			fresh = append(fresh, pt)
			s.projected[key] = struct{}{}
		}
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		s.mcp.DeleteTools(stale...)
	}
	for _, pt := range fresh {
		s.addProjectedTool(pt)
	}
	if len(stale) > 0 || len(fresh) > 0 {
		s.logger.Info("projected tools synced", "added", len(fresh), "removed", len(stale))
	}
}

func (s *Server) syncVirtual() {
	desired := make(map[string]virtual.Tool)
	for _, vt := range s.deps.Virtual.List() {
		desired[vt.Name] = vt
	}

	s.mu.Lock()
	var stale []string
	for name := range s.virtuals {
		if _, keep := desired[name]; !keep {
			stale = append(stale, name)
			delete(s.virtuals, name)
		}
	}
	var fresh []virtual.Tool
	for name, vt := range desired {
		if _, have := s.virtuals[name]; !have {
			fresh = append(fresh, vt)
			s.virtuals[name] = struct{}{}
		} else {
			// Bindings may have changed; re-register to refresh the schema.
			fresh = append(fresh, vt)
		}
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		s.mcp.DeleteTools(stale...)
	}
	for _, vt := range fresh {
		s.addVirtualTool(vt)
	}
}

func (s *Server) addProjectedTool(pt projection.ProjectedTool) {
	schema := rawSchema(pt.Parameters)
	desc := pt.Description
	if desc == "" {
		desc = fmt.Sprintf("%s on %s", pt.OriginalName, pt.DeviceAlias)
	}
	tool := mcp.NewToolWithRawSchema(pt.ToolKey, desc, schema)
	key := pt.ToolKey
	s.mcp.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// Resolve at call time: the projection may have changed since
		// registration.
		current, ok := s.deps.Tools.Get(key)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("tool %s is no longer projected", key)), nil
		}
		payload, err := s.deps.Invoker.InvokeTool(ctx, current.DeviceID, current.OriginalName, arguments(req), 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(payload)
	})
}

func (s *Server) addVirtualTool(vt virtual.Tool) {
	schema := rawSchema(s.deps.Executor.Schema(vt))
	desc := vt.Description
	if desc == "" {
		desc = fmt.Sprintf("Composite tool over %d devices", len(vt.Bindings))
	}
	tool := mcp.NewToolWithRawSchema(vt.Name, desc, schema)
	name := vt.Name
	s.mcp.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.deps.Executor.Execute(ctx, name, arguments(req))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	})
}
