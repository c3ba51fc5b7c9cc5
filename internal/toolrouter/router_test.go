package toolrouter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/calderlabs/overseer/internal/rpc"
	"github.com/calderlabs/overseer/internal/toolpolicy"
	"github.com/calderlabs/overseer/pkg/models"
)

type fakeServer struct {
	name     string
	tools    []rpc.ToolDescriptor
	listErr  error
	callErrs []error
	results  []*rpc.ToolResult
	calls    int
	lastTool string
}

func (f *fakeServer) Name() string { return f.name }

func (f *fakeServer) ListTools(ctx context.Context) ([]rpc.ToolDescriptor, error) {
	return f.tools, f.listErr
}

func (f *fakeServer) Call(ctx context.Context, toolName string, arguments map[string]any) (*rpc.ToolResult, error) {
	idx := f.calls
	f.calls++
	f.lastTool = toolName
	if idx < len(f.callErrs) && f.callErrs[idx] != nil {
		return nil, f.callErrs[idx]
	}
	if idx < len(f.results) {
		return f.results[idx], nil
	}
	return &rpc.ToolResult{Success: true, Content: "ok"}, nil
}

func discoverRouter(t *testing.T, servers ...*fakeServer) *Router {
	t.Helper()
	r := NewRouter(nil)
	for _, s := range servers {
		if err := r.RegisterServer(s, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDiscoverNamespacesTools(t *testing.T) {
	memory := &fakeServer{name: "memory", tools: []rpc.ToolDescriptor{
		{Name: "store"}, {Name: "recall"},
	}}
	web := &fakeServer{name: "web", tools: []rpc.ToolDescriptor{{Name: "fetch"}}}
	r := discoverRouter(t, memory, web)

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	want := []string{"memory_recall", "memory_store", "web_fetch"}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("defs[%d] = %q, want %q", i, def.Name, want[i])
		}
	}
}

func TestDiscoverCollisionFirstWins(t *testing.T) {
	// Both catalogs produce the public name kv_cache_get.
	first := &fakeServer{name: "kv", tools: []rpc.ToolDescriptor{{Name: "cache_get", Description: "first"}}}
	second := &fakeServer{name: "kv_cache", tools: []rpc.ToolDescriptor{{Name: "get", Description: "second"}}}
	r := discoverRouter(t, first, second)

	defs := r.Definitions()
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition after collision, got %v", defs)
	}
	if defs[0].Description != "first" {
		t.Errorf("registration order must win collisions, got %q", defs[0].Description)
	}
	if len(r.Warnings()) != 1 {
		t.Errorf("collision must be recorded as a warning: %v", r.Warnings())
	}

	result, err := r.Route(context.Background(), "kv_cache_get", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = result
	if first.calls != 1 || second.calls != 0 {
		t.Errorf("call routed to wrong server: first=%d second=%d", first.calls, second.calls)
	}
}

func TestRegisterDuplicateServerName(t *testing.T) {
	r := NewRouter(nil)
	if err := r.RegisterServer(&fakeServer{name: "kv"}, false); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterServer(&fakeServer{name: "kv"}, false); err == nil {
		t.Fatal("duplicate server name must be rejected")
	}
}

func TestDiscoverServerFailureIsWarning(t *testing.T) {
	good := &fakeServer{name: "memory", tools: []rpc.ToolDescriptor{{Name: "store"}}}
	bad := &fakeServer{name: "web", listErr: errors.New("boom")}
	r := discoverRouter(t, good, bad)

	if !r.HasRoute("memory_store") {
		t.Error("healthy server's tools must survive a sibling failure")
	}
	if len(r.Warnings()) != 1 {
		t.Errorf("expected 1 warning, got %v", r.Warnings())
	}
}

func TestDestructiveBlockedByDefault(t *testing.T) {
	s := &fakeServer{name: "fs", tools: []rpc.ToolDescriptor{
		{Name: "read"},
		{Name: "wipe", DestructiveHint: true},
	}}
	r := discoverRouter(t, s)

	if r.HasRoute("fs_wipe") {
		t.Error("destructive tool must not be routable")
	}
	if got := r.BlockedTools(); len(got) != 1 || got[0] != "fs_wipe" {
		t.Errorf("BlockedTools = %v", got)
	}

	_, err := r.Route(context.Background(), "fs_wipe", nil)
	if models.KindOf(err) != models.KindToolBlocked {
		t.Errorf("kind = %s, want tool_blocked", models.KindOf(err))
	}
	if s.calls != 0 {
		t.Error("blocked call must not reach the server")
	}
}

func TestDestructiveAllowedWhenOptedIn(t *testing.T) {
	s := &fakeServer{name: "fs", tools: []rpc.ToolDescriptor{{Name: "wipe", DestructiveHint: true}}}
	r := NewRouter(nil)
	if err := r.RegisterServer(s, true); err != nil {
		t.Fatal(err)
	}
	if err := r.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Route(context.Background(), "fs_wipe", nil); err != nil {
		t.Fatalf("opted-in destructive tool should route: %v", err)
	}
	if s.lastTool != "wipe" {
		t.Errorf("routed tool = %q, want wipe", s.lastTool)
	}
}

func TestRouteUnknownTool(t *testing.T) {
	r := discoverRouter(t, &fakeServer{name: "memory"})
	_, err := r.Route(context.Background(), "nope", nil)
	if models.KindOf(err) != models.KindInvalidArgument {
		t.Errorf("kind = %s, want invalid_argument", models.KindOf(err))
	}
}

func TestRouteValidatesArguments(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`)
	s := &fakeServer{name: "memory", tools: []rpc.ToolDescriptor{{Name: "store", InputSchema: schema}}}
	r := discoverRouter(t, s)

	_, err := r.Route(context.Background(), "memory_store", map[string]any{"other": 1})
	if models.KindOf(err) != models.KindInvalidArgument {
		t.Fatalf("kind = %s, want invalid_argument", models.KindOf(err))
	}
	if s.calls != 0 {
		t.Error("invalid arguments must not reach the server")
	}

	if _, err := r.Route(context.Background(), "memory_store", map[string]any{"key": "k"}); err != nil {
		t.Fatalf("valid arguments rejected: %v", err)
	}
}

func TestRouteRetriesTimeoutOnce(t *testing.T) {
	timeout := models.NewError(models.KindRPCTimeout, "timed out")
	s := &fakeServer{
		name:     "memory",
		tools:    []rpc.ToolDescriptor{{Name: "store"}},
		callErrs: []error{timeout, nil},
		results:  []*rpc.ToolResult{nil, {Success: true, Content: "second try"}},
	}
	r := discoverRouter(t, s)

	result, err := r.Route(context.Background(), "memory_store", nil)
	if err != nil {
		t.Fatalf("retry should have succeeded: %v", err)
	}
	if result.Content != "second try" {
		t.Errorf("unexpected result: %+v", result)
	}
	if s.calls != 2 {
		t.Errorf("server called %d times, want 2", s.calls)
	}
}

func TestRouteNoRetryForDestructive(t *testing.T) {
	timeout := models.NewError(models.KindRPCTimeout, "timed out")
	s := &fakeServer{
		name:     "fs",
		tools:    []rpc.ToolDescriptor{{Name: "wipe", DestructiveHint: true}},
		callErrs: []error{timeout},
	}
	r := NewRouter(nil)
	if err := r.RegisterServer(s, true); err != nil {
		t.Fatal(err)
	}
	if err := r.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := r.Route(context.Background(), "fs_wipe", nil)
	if models.KindOf(err) != models.KindRPCTimeout {
		t.Fatalf("kind = %s, want rpc_timeout", models.KindOf(err))
	}
	if s.calls != 1 {
		t.Errorf("destructive call retried: %d calls", s.calls)
	}
}

func TestFilteredDefinitions(t *testing.T) {
	s := &fakeServer{name: "memory", tools: []rpc.ToolDescriptor{
		{Name: "store"}, {Name: "recall"}, {Name: "delete"},
	}}
	r := discoverRouter(t, s)

	policy := toolpolicy.Policy{Allowed: []string{"memory_*"}, Denied: []string{"memory_delete"}}
	defs := r.FilteredDefinitions(policy)
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %v", defs)
	}
	for _, def := range defs {
		if def.Name == "memory_delete" {
			t.Error("denied tool leaked into filtered catalog")
		}
	}
}

func TestServerToolCounts(t *testing.T) {
	memory := &fakeServer{name: "memory", tools: []rpc.ToolDescriptor{
		{Name: "store"}, {Name: "recall"},
		{Name: "wipe", DestructiveHint: true},
	}}
	web := &fakeServer{name: "web", listErr: errors.New("boom")}
	r := discoverRouter(t, memory, web)

	counts := r.ServerToolCounts()
	if counts["memory"] != 2 {
		t.Errorf("memory count = %d, want 2 (blocked tools excluded)", counts["memory"])
	}
	if got, ok := counts["web"]; !ok || got != 0 {
		t.Errorf("failed server must report 0 tools, got %d (present=%v)", got, ok)
	}
}

func TestRediscoverReplacesTable(t *testing.T) {
	s := &fakeServer{name: "memory", tools: []rpc.ToolDescriptor{{Name: "store"}}}
	r := discoverRouter(t, s)

	s.tools = []rpc.ToolDescriptor{{Name: "recall"}}
	if err := r.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	if r.HasRoute("memory_store") {
		t.Error("stale route survived rediscovery")
	}
	if !r.HasRoute("memory_recall") {
		t.Error("new route missing after rediscovery")
	}
}
