package mcpgateway

import (
	"maps"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyServerID   = "mcpgateway.server_id"
	metaKeyNativeName = "mcpgateway.native_name"
	metaKeyNativeURI  = "mcpgateway.native_uri"
)

// target points a gateway identifier back at its backend.
type target struct {
	Gateway  string
	ServerID string
	Native   string
}

// entrySet maps gateway identifiers to targets and remembers which backend
// owns each one.
type entrySet struct {
	targets  map[string]target
	byServer map[string][]string
}

func newEntrySet() entrySet {
	return entrySet{targets: make(map[string]target), byServer: make(map[string][]string)}
}

func (s *entrySet) drop(serverID string) []string {
	names := s.byServer[serverID]
	for _, name := range names {
		delete(s.targets, name)
	}
	delete(s.byServer, serverID)
	return names
}

func (s *entrySet) put(t target) {
	s.targets[t.Gateway] = t
	s.byServer[t.ServerID] = append(s.byServer[t.ServerID], t.Gateway)
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target target
}

type resourceRegistration struct {
	Resource *mcp.Resource
	Target   target
}

// featureIndex is the gateway's view of which backend owns each exported
// tool and resource.
type featureIndex struct {
	ns NamespaceStrategy

	mu        sync.RWMutex
	tools     entrySet
	resources entrySet
	reverse   map[string]string
}

func newFeatureIndex(ns NamespaceStrategy) *featureIndex {
	return &featureIndex{
		ns:        ns,
		tools:     newEntrySet(),
		resources: newEntrySet(),
		reverse:   make(map[string]string),
	}
}

// UpdateTools replaces serverID's tools and reports the gateway names to
// unregister along with the registrations to add.
func (f *featureIndex) UpdateTools(serverID string, upstream []*mcp.Tool) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed = f.tools.drop(serverID)
	for _, tool := range upstream {
		if tool == nil {
			continue
		}
		t := target{Gateway: f.ns.ToolName(serverID, tool.Name), ServerID: serverID, Native: tool.Name}
		f.tools.put(t)
		added = append(added, toolRegistration{Tool: cloneTool(tool, t), Target: t})
	}
	return removed, added
}

// UpdateResources replaces serverID's resources.
func (f *featureIndex) UpdateResources(serverID string, upstream []*mcp.Resource) (removed []string, added []resourceRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed = f.dropResourcesLocked(serverID)
	for _, res := range upstream {
		if res == nil {
			continue
		}
		t := target{Gateway: f.ns.ResourceURI(serverID, res.URI), ServerID: serverID, Native: res.URI}
		f.resources.put(t)
		f.reverse[reverseKey(serverID, res.URI)] = t.Gateway
		added = append(added, resourceRegistration{Resource: cloneResource(res, t), Target: t})
	}
	return removed, added
}

// DropServer forgets everything serverID exported.
func (f *featureIndex) DropServer(serverID string) (tools, resources []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools.drop(serverID), f.dropResourcesLocked(serverID)
}

func (f *featureIndex) dropResourcesLocked(serverID string) []string {
	for _, uri := range f.resources.byServer[serverID] {
		if t, ok := f.resources.targets[uri]; ok {
			delete(f.reverse, reverseKey(serverID, t.Native))
		}
	}
	return f.resources.drop(serverID)
}

func (f *featureIndex) ToolTarget(name string) (target, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools.targets[name]
	return t, ok
}

func (f *featureIndex) ResourceTarget(uri string) (target, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.resources.targets[uri]
	return t, ok
}

// ResourceTargetByNative maps a backend URI to its gateway URI.
func (f *featureIndex) ResourceTargetByNative(serverID, nativeURI string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	uri, ok := f.reverse[reverseKey(serverID, nativeURI)]
	return uri, ok
}

func reverseKey(serverID, nativeURI string) string {
	return serverID + "\x00" + nativeURI
}

func cloneTool(tool *mcp.Tool, t target) *mcp.Tool {
	clone := *tool
	clone.Name = t.Gateway
	if clone.InputSchema == nil {
		clone.InputSchema = map[string]any{"type": "object"}
	}
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServerID:   t.ServerID,
		metaKeyNativeName: t.Native,
	})
	return &clone
}

func cloneResource(res *mcp.Resource, t target) *mcp.Resource {
	clone := *res
	clone.URI = t.Gateway
	clone.Meta = withMeta(res.Meta, map[string]any{
		metaKeyServerID:  t.ServerID,
		metaKeyNativeURI: t.Native,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
