package plugins

import (
	"context"
	"encoding/json"
	"time"
)

// ManifestFile is the manifest file name expected at a plugin root.
const ManifestFile = "plugin.yaml"

// DefaultModuleFile is the WASM module loaded when a manifest names none.
const DefaultModuleFile = "plugin.wasm"

// PluginType is the closed set of shapes a plugin can implement.
type PluginType string

const (
	TypeAuth             PluginType = "auth"
	TypeTemplate         PluginType = "template"
	TypeResponse         PluginType = "response"
	TypeResponseModifier PluginType = "response_modifier"
	TypeDataSource       PluginType = "datasource"
)

// AllTypes lists every PluginType in declaration order.
var AllTypes = []PluginType{TypeAuth, TypeTemplate, TypeResponse, TypeResponseModifier, TypeDataSource}

// Valid reports whether t is a known plugin type.
func (t PluginType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RuntimeKind selects the execution backend of an installed plugin.
type RuntimeKind string

const (
	RuntimeWasm   RuntimeKind = "wasm"
	RuntimeRemote RuntimeKind = "remote"
)

// Manifest describes a plugin's identity, shapes, capabilities and
// dependencies. It is read from plugin.yaml at the plugin root.
type Manifest struct {
	ID           string                 `yaml:"id" json:"id"`
	Version      string                 `yaml:"version" json:"version"`
	Name         string                 `yaml:"name" json:"name"`
	Description  string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Author       Author                 `yaml:"author,omitempty" json:"author,omitempty"`
	Types        []PluginType           `yaml:"types" json:"types"`
	Runtime      RuntimeKind            `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Module       string                 `yaml:"module,omitempty" json:"module,omitempty"`
	Capabilities Capabilities           `yaml:"capabilities,omitempty" json:"capabilities"`
	Dependencies []Dependency           `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Remote       *RemoteConfig          `yaml:"remote,omitempty" json:"remote,omitempty"`
	ConfigSchema map[string]ConfigField `yaml:"config_schema,omitempty" json:"config_schema,omitempty"`
}

// Author identifies who publishes a plugin.
type Author struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Email string `yaml:"email,omitempty" json:"email,omitempty"`
}

// Dependency is a requirement on another plugin. Version is a constraint
// such as ">= 1.2, < 2.0", "~> 1.4" or "*".
type Dependency struct {
	ID       string `yaml:"id" json:"id"`
	Version  string `yaml:"version,omitempty" json:"version,omitempty"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// ConfigField describes one entry of a plugin's configuration schema.
type ConfigField struct {
	Type        string      `yaml:"type" json:"type"`
	Required    bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// RemoteProtocol is the wire protocol spoken to an out-of-process plugin.
type RemoteProtocol string

const (
	ProtocolHTTP RemoteProtocol = "http"
	ProtocolGRPC RemoteProtocol = "grpc"
)

// RemoteConfig configures a plugin running as a separate service.
type RemoteConfig struct {
	Protocol         RemoteProtocol `yaml:"protocol" json:"protocol"`
	Endpoint         string         `yaml:"endpoint" json:"endpoint"`
	TimeoutMs        int64          `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	MaxRetries       *int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	HealthIntervalMs int64          `yaml:"health_interval_ms,omitempty" json:"health_interval_ms,omitempty"`
	Auth             *RemoteAuth    `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// DefaultMaxRetries applies when a remote block leaves max_retries unset.
const DefaultMaxRetries = 3

// Retries returns the retry budget for idempotent calls. An explicit zero
// disables retries.
func (c *RemoteConfig) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// RemoteAuth is the credential presented to a remote plugin.
type RemoteAuth struct {
	Type  string `yaml:"type" json:"type"` // bearer or api_key
	Value string `yaml:"value" json:"-"`
}

// Capabilities are the permissions a plugin declares. The sandbox never
// grants more than what is declared here.
type Capabilities struct {
	Network    NetworkCapabilities    `yaml:"network,omitempty" json:"network"`
	Filesystem FilesystemCapabilities `yaml:"filesystem,omitempty" json:"filesystem"`
	Resources  ResourceLimits         `yaml:"resources,omitempty" json:"resources"`
}

type NetworkCapabilities struct {
	AllowHTTPOutbound bool     `yaml:"allow_http_outbound,omitempty" json:"allow_http_outbound"`
	AllowedHosts      []string `yaml:"allowed_hosts,omitempty" json:"allowed_hosts,omitempty"`
}

type FilesystemCapabilities struct {
	AllowRead    bool     `yaml:"allow_read,omitempty" json:"allow_read"`
	AllowWrite   bool     `yaml:"allow_write,omitempty" json:"allow_write"`
	AllowedPaths []string `yaml:"allowed_paths,omitempty" json:"allowed_paths,omitempty"`
}

// ResourceLimits bound a plugin's memory, per-call CPU time and concurrency.
// Zero values are replaced by the defaults below.
type ResourceLimits struct {
	MaxMemoryBytes        int64 `yaml:"max_memory_bytes,omitempty" json:"max_memory_bytes"`
	MaxCPUTimeMs          int64 `yaml:"max_cpu_time_ms,omitempty" json:"max_cpu_time_ms"`
	MaxConcurrentRequests int   `yaml:"max_concurrent_requests,omitempty" json:"max_concurrent_requests"`
}

const (
	DefaultMaxMemoryBytes        int64 = 10 * 1024 * 1024
	DefaultMaxCPUTimeMs          int64 = 5000
	DefaultMaxConcurrentRequests       = 5
)

// WithDefaults returns a copy of r with zero or negative fields set to
// defaults.
func (r ResourceLimits) WithDefaults() ResourceLimits {
	if r.MaxMemoryBytes <= 0 {
		r.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if r.MaxCPUTimeMs <= 0 {
		r.MaxCPUTimeMs = DefaultMaxCPUTimeMs
	}
	if r.MaxConcurrentRequests <= 0 {
		r.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	return r
}

// CPUTime returns the per-call budget as a duration.
func (r ResourceLimits) CPUTime() time.Duration {
	return time.Duration(r.WithDefaults().MaxCPUTimeMs) * time.Millisecond
}

// RuntimeKind returns the manifest runtime, defaulting to wasm.
func (m *Manifest) RuntimeKind() RuntimeKind {
	if m.Runtime == "" {
		return RuntimeWasm
	}
	return m.Runtime
}

// ModuleFile returns the WASM module file name.
func (m *Manifest) ModuleFile() string {
	if m.Module == "" {
		return DefaultModuleFile
	}
	return m.Module
}

// HasType reports whether the manifest declares t.
func (m *Manifest) HasType(t PluginType) bool {
	for _, declared := range m.Types {
		if declared == t {
			return true
		}
	}
	return false
}

// State is the lifecycle state of an installed plugin instance.
type State int

const (
	StateLoading State = iota
	StateReady
	StateFailed
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PluginContext is the immutable per-call context handed to a plugin.
// The dispatcher stamps PluginID, PluginVersion and RequestID.
type PluginContext struct {
	RequestID     string                 `json:"request_id"`
	PluginID      string                 `json:"plugin_id"`
	PluginVersion string                 `json:"version"`
	Method        string                 `json:"method,omitempty"`
	URI           string                 `json:"uri,omitempty"`
	Headers       map[string]string      `json:"headers,omitempty"`
	Body          []byte                 `json:"body,omitempty"`
	TimeoutMs     int64                  `json:"timeout_ms,omitempty"`
	Environment   map[string]string      `json:"environment,omitempty"`
	Custom        map[string]interface{} `json:"custom,omitempty"`
}

// ForPlugin returns a copy of c bound to the given plugin.
func (c PluginContext) ForPlugin(id, version string) PluginContext {
	c.PluginID = id
	c.PluginVersion = version
	return c
}

// AuthRequest is the input to an auth plugin.
type AuthRequest struct {
	Method      string            `json:"method"`
	URI         string            `json:"uri"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	ClientIP    string            `json:"client_ip,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
}

// AuthResult is returned by an auth plugin.
type AuthResult struct {
	Authenticated bool                   `json:"authenticated"`
	Principal     string                 `json:"principal,omitempty"`
	Claims        map[string]interface{} `json:"claims,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
}

// ResponseRequest describes the request a response plugin answers.
type ResponseRequest struct {
	Method      string            `json:"method"`
	URI         string            `json:"uri"`
	Path        string            `json:"path"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	PathParams  map[string]string `json:"path_params,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	ClientIP    string            `json:"client_ip,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
}

// ResponseData is a generated or modified response.
type ResponseData struct {
	StatusCode  int                    `json:"status_code"`
	Headers     map[string]string      `json:"headers,omitempty"`
	Body        []byte                 `json:"body,omitempty"`
	ContentType string                 `json:"content_type,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// DataQuery is issued against a datasource plugin.
type DataQuery struct {
	QueryType  string                 `json:"query_type"`
	Query      string                 `json:"query"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

// DataResult is the answer to a DataQuery.
type DataResult struct {
	Rows            []map[string]interface{} `json:"rows"`
	Columns         []string                 `json:"columns,omitempty"`
	TotalCount      int                      `json:"total_count,omitempty"`
	ExecutionTimeMs int64                    `json:"execution_time_ms,omitempty"`
	Metadata        map[string]interface{}   `json:"metadata,omitempty"`
}

// Adapter is the uniform call contract over execution backends. Local
// (sandboxed) and remote implementations behave identically: every method
// returns either a typed result or an *Error.
type Adapter interface {
	Runtime() RuntimeKind
	Authenticate(ctx context.Context, pctx PluginContext, req AuthRequest) (*AuthResult, error)
	TemplateFunction(ctx context.Context, pctx PluginContext, name string, args []interface{}) (json.RawMessage, error)
	GenerateResponse(ctx context.Context, pctx PluginContext, req ResponseRequest) (*ResponseData, error)
	ModifyResponse(ctx context.Context, pctx PluginContext, req ResponseRequest, resp ResponseData) (*ResponseData, error)
	QueryDataSource(ctx context.Context, pctx PluginContext, query DataQuery) (*DataResult, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
