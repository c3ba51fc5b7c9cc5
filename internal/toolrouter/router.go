// Package toolrouter aggregates tool catalogs from every configured tool
// server into one namespace and routes calls to the owning server.
//
// Public tool names are <server>_<tool>. On a name collision the server
// registered first wins and the loser is recorded as a warning.
package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/calderlabs/overseer/internal/rpc"
	"github.com/calderlabs/overseer/internal/toolpolicy"
	"github.com/calderlabs/overseer/pkg/models"
)

// Server is one registered tool server, usually a scanner-wrapped client.
type Server interface {
	Name() string
	Call(ctx context.Context, toolName string, arguments map[string]any) (*rpc.ToolResult, error)
	ListTools(ctx context.Context) ([]rpc.ToolDescriptor, error)
}

// Route is one resolved public tool.
type Route struct {
	PublicName  string
	ServerName  string
	ToolName    string
	Description string
	InputSchema json.RawMessage
	Destructive bool
	Blocked     bool

	schema *jsonschema.Schema
}

// Definition is the catalog view of a route, safe to hand to agents.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type registration struct {
	server           Server
	allowDestructive bool
}

// Router owns the aggregated tool table.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	servers  []registration
	byServer map[string]Server
	routes   map[string]*Route
	warnings []string
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger.With("component", "toolrouter"),
		byServer: make(map[string]Server),
		routes:   make(map[string]*Route),
	}
}

// RegisterServer adds a server to the discovery set. Registration order
// decides collision priority. Registering a duplicate name is an error.
func (r *Router) RegisterServer(server Server, allowDestructive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byServer[server.Name()]; dup {
		return fmt.Errorf("server %s already registered", server.Name())
	}
	r.servers = append(r.servers, registration{server: server, allowDestructive: allowDestructive})
	r.byServer[server.Name()] = server
	return nil
}

// Discover fetches every server's catalog concurrently and rebuilds the
// route table. A server whose list_tools fails contributes nothing but
// does not fail discovery; the failure becomes a warning.
func (r *Router) Discover(ctx context.Context) error {
	r.mu.RLock()
	regs := append([]registration(nil), r.servers...)
	r.mu.RUnlock()

	type catalog struct {
		tools []rpc.ToolDescriptor
		err   error
	}
	catalogs := make([]catalog, len(regs))

	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			tools, err := reg.server.ListTools(ctx)
			catalogs[i] = catalog{tools: tools, err: err}
		}(i, reg)
	}
	wg.Wait()

	routes := make(map[string]*Route)
	var warnings []string

	// Merge in registration order so collisions resolve deterministically.
	for i, reg := range regs {
		serverName := reg.server.Name()
		if catalogs[i].err != nil {
			warnings = append(warnings, fmt.Sprintf("server %s: catalog unavailable: %v", serverName, catalogs[i].err))
			r.logger.Warn("catalog discovery failed", "server", serverName, "error", catalogs[i].err)
			continue
		}

		for _, tool := range catalogs[i].tools {
			publicName := serverName + "_" + tool.Name
			if existing, dup := routes[publicName]; dup {
				warnings = append(warnings, fmt.Sprintf(
					"tool %s from server %s shadowed by server %s", publicName, serverName, existing.ServerName))
				continue
			}

			route := &Route{
				PublicName:  publicName,
				ServerName:  serverName,
				ToolName:    tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				Destructive: tool.DestructiveHint,
				Blocked:     tool.DestructiveHint && !reg.allowDestructive,
			}
			if len(tool.InputSchema) > 0 {
				schema, err := compileSchema(publicName, tool.InputSchema)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("tool %s: invalid input schema: %v", publicName, err))
					r.logger.Warn("schema rejected, validation disabled for tool", "tool", publicName, "error", err)
				} else {
					route.schema = schema
				}
			}
			routes[publicName] = route
		}
	}

	r.mu.Lock()
	r.routes = routes
	r.warnings = warnings
	r.mu.Unlock()

	r.logger.Info("tool discovery complete", "tools", len(routes), "warnings", len(warnings))
	return nil
}

// Route validates arguments and dispatches a call to the owning server. A
// timed-out call to a non-destructive tool is retried exactly once.
func (r *Router) Route(ctx context.Context, publicName string, arguments map[string]any) (*rpc.ToolResult, error) {
	r.mu.RLock()
	route, ok := r.routes[publicName]
	server := r.byServer[route.GetServerName()]
	r.mu.RUnlock()

	if !ok {
		return nil, models.NewError(models.KindInvalidArgument, "unknown tool %s", publicName)
	}
	if route.Blocked {
		return nil, models.NewError(models.KindToolBlocked, "tool %s is blocked (destructive)", publicName)
	}
	if server == nil {
		return nil, models.NewError(models.KindRPCUnavailable, "server %s not registered", route.ServerName)
	}

	if route.schema != nil {
		if err := validateArguments(route.schema, arguments); err != nil {
			return nil, models.WrapError(models.KindInvalidArgument, err, "arguments for %s", publicName)
		}
	}

	result, err := server.Call(ctx, route.ToolName, arguments)
	if err != nil && models.KindOf(err) == models.KindRPCTimeout && !route.Destructive {
		r.logger.Warn("retrying timed-out call", "tool", publicName)
		result, err = server.Call(ctx, route.ToolName, arguments)
	}
	return result, err
}

// HasRoute reports whether the public name resolves to a callable tool.
func (r *Router) HasRoute(publicName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[publicName]
	return ok && !route.Blocked
}

// Definitions returns the callable catalog sorted by name.
func (r *Router) Definitions() []Definition {
	return r.FilteredDefinitions(toolpolicy.Policy{})
}

// FilteredDefinitions returns the callable catalog narrowed by a policy.
func (r *Router) FilteredDefinitions(policy toolpolicy.Policy) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []Definition
	for name, route := range r.routes {
		if route.Blocked || !policy.Allows(name) {
			continue
		}
		defs = append(defs, Definition{
			Name:        name,
			Description: route.Description,
			InputSchema: route.InputSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// BlockedTools returns the names of destructive tools held back from the
// catalog, sorted.
func (r *Router) BlockedTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var blocked []string
	for name, route := range r.routes {
		if route.Blocked {
			blocked = append(blocked, name)
		}
	}
	sort.Strings(blocked)
	return blocked
}

// ServerToolCounts returns how many callable tools each server
// contributed in the last Discover pass. Blocked tools do not count.
func (r *Router) ServerToolCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.byServer))
	for name := range r.byServer {
		counts[name] = 0
	}
	for _, route := range r.routes {
		if route.Blocked {
			continue
		}
		counts[route.ServerName]++
	}
	return counts
}

// Warnings returns the collision and discovery warnings from the last
// Discover pass.
func (r *Router) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.warnings...)
}

// GetServerName is nil-safe so the route lookup above can run under one
// lock acquisition.
func (route *Route) GetServerName() string {
	if route == nil {
		return ""
	}
	return route.ServerName
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func validateArguments(schema *jsonschema.Schema, arguments map[string]any) error {
	// Round-trip through JSON so values are in the shapes the validator
	// expects regardless of how the caller built the map.
	data, err := json.Marshal(arguments)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
