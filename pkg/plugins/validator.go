package plugins

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"
)

var (
	pluginIDRegex   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*[a-z0-9]$|^[a-z0-9]$`)
	hostLabelsRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)
)

var configFieldTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"object":  true,
	"array":   true,
}

// ValidationError represents a manifest validation problem
type ValidationError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Ceilings are the operator-wide maxima a manifest may request.
type Ceilings struct {
	MaxMemoryBytes        int64
	MaxCPUTimeMs          int64
	MaxConcurrentRequests int
}

// Validator performs structural validation of plugin manifests against the
// host's resource ceilings. It never inspects module bytes; export checks
// happen at bind time.
type Validator struct {
	ceilings Ceilings
	logger   *logrus.Logger
}

// NewValidator creates a new manifest validator
func NewValidator(ceilings Ceilings, logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Validator{ceilings: ceilings, logger: logger}
}

// Validate runs every check and returns an ErrValidation error listing all
// error-severity findings. Warnings are logged.
func (v *Validator) Validate(manifest *Manifest) error {
	return v.collect(manifest, v.ValidateManifest(manifest))
}

// ValidateRequired runs only the checks needed to identify and route a
// plugin (id, version and declared types) plus the resource checks, which
// are never skipped: host ceilings bound every plugin.
func (v *Validator) ValidateRequired(manifest *Manifest) error {
	findings := requiredFieldErrors(manifest)
	findings = append(findings, v.validateResources(manifest.Capabilities.Resources)...)
	return v.collect(manifest, findings)
}

func (v *Validator) collect(manifest *Manifest, findings []ValidationError) error {
	var result *multierror.Error
	for _, f := range findings {
		if f.Severity == "warning" {
			v.logger.WithFields(logrus.Fields{
				"plugin": manifest.ID,
				"field":  f.Field,
			}).Warn(f.Message)
			continue
		}
		result = multierror.Append(result, f)
	}
	if result == nil {
		return nil
	}
	result.ErrorFormat = formatFindings
	return WrapError(ErrValidation, manifest.ID, result, "invalid manifest")
}

func formatFindings(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

// ValidateManifest returns every finding for the manifest, including warnings.
func (v *Validator) ValidateManifest(manifest *Manifest) []ValidationError {
	errors := requiredFieldErrors(manifest)

	if manifest.Name == "" {
		errors = append(errors, ValidationError{
			Field:    "name",
			Message:  "Plugin name is required",
			Severity: "error",
		})
	}

	if manifest.Author.Name == "" {
		errors = append(errors, ValidationError{
			Field:    "author",
			Message:  "Author should be specified",
			Severity: "warning",
		})
	}

	errors = append(errors, validateRuntime(manifest)...)
	errors = append(errors, v.validateResources(manifest.Capabilities.Resources)...)
	errors = append(errors, validateNetwork(manifest.Capabilities.Network)...)
	errors = append(errors, validateFilesystem(manifest.Capabilities.Filesystem)...)
	errors = append(errors, validateDependencies(manifest)...)

	for name, field := range manifest.ConfigSchema {
		if !configFieldTypes[field.Type] {
			errors = append(errors, ValidationError{
				Field:    "config_schema." + name,
				Message:  fmt.Sprintf("Unknown field type: %q", field.Type),
				Severity: "error",
			})
		}
	}

	return errors
}

func requiredFieldErrors(manifest *Manifest) []ValidationError {
	var errors []ValidationError

	if manifest.ID == "" {
		errors = append(errors, ValidationError{
			Field:    "id",
			Message:  "Plugin ID is required",
			Severity: "error",
		})
	} else if !isValidPluginID(manifest.ID) {
		errors = append(errors, ValidationError{
			Field:    "id",
			Message:  "Plugin ID must be lowercase alphanumeric with '-', '_' or '.' (e.g., 'jwt-auth')",
			Severity: "error",
		})
	}

	if manifest.Version == "" {
		errors = append(errors, ValidationError{
			Field:    "version",
			Message:  "Version is required",
			Severity: "error",
		})
	} else if !isValidSemver(manifest.Version) {
		errors = append(errors, ValidationError{
			Field:    "version",
			Message:  fmt.Sprintf("Version must be valid semantic version, got %q", manifest.Version),
			Severity: "error",
		})
	}

	if len(manifest.Types) == 0 {
		errors = append(errors, ValidationError{
			Field:    "types",
			Message:  "At least one plugin type is required",
			Severity: "error",
		})
	}
	seen := make(map[PluginType]bool)
	for _, t := range manifest.Types {
		if !t.Valid() {
			errors = append(errors, ValidationError{
				Field:    "types",
				Message:  fmt.Sprintf("Invalid plugin type: %s", t),
				Severity: "error",
			})
		}
		if seen[t] {
			errors = append(errors, ValidationError{
				Field:    "types",
				Message:  fmt.Sprintf("Duplicate plugin type: %s", t),
				Severity: "warning",
			})
		}
		seen[t] = true
	}

	return errors
}

func validateRuntime(manifest *Manifest) []ValidationError {
	var errors []ValidationError

	switch manifest.RuntimeKind() {
	case RuntimeWasm:
		if manifest.Remote != nil {
			errors = append(errors, ValidationError{
				Field:    "remote",
				Message:  "Remote block is only allowed with runtime: remote",
				Severity: "error",
			})
		}
		if strings.ContainsAny(manifest.ModuleFile(), `/\`) {
			errors = append(errors, ValidationError{
				Field:    "module",
				Message:  "Module must be a file name at the plugin root",
				Severity: "error",
			})
		}
	case RuntimeRemote:
		errors = append(errors, validateRemote(manifest.Remote)...)
	default:
		errors = append(errors, ValidationError{
			Field:    "runtime",
			Message:  fmt.Sprintf("Invalid runtime: %s (must be wasm or remote)", manifest.Runtime),
			Severity: "error",
		})
	}

	return errors
}

func validateRemote(remote *RemoteConfig) []ValidationError {
	if remote == nil {
		return []ValidationError{{
			Field:    "remote",
			Message:  "Remote block is required with runtime: remote",
			Severity: "error",
		}}
	}

	var errors []ValidationError
	if remote.Protocol != ProtocolHTTP && remote.Protocol != ProtocolGRPC {
		errors = append(errors, ValidationError{
			Field:    "remote.protocol",
			Message:  fmt.Sprintf("Invalid protocol: %s (must be http or grpc)", remote.Protocol),
			Severity: "error",
		})
	}

	if remote.Endpoint == "" {
		errors = append(errors, ValidationError{
			Field:    "remote.endpoint",
			Message:  "Endpoint is required",
			Severity: "error",
		})
	} else if remote.Protocol == ProtocolHTTP && !isValidURL(remote.Endpoint) {
		errors = append(errors, ValidationError{
			Field:    "remote.endpoint",
			Message:  fmt.Sprintf("Endpoint must be an http(s) URL, got %q", remote.Endpoint),
			Severity: "error",
		})
	}

	if remote.TimeoutMs < 0 || remote.Retries() < 0 || remote.HealthIntervalMs < 0 {
		errors = append(errors, ValidationError{
			Field:    "remote",
			Message:  "Timeouts, retries and intervals must not be negative",
			Severity: "error",
		})
	}

	if remote.Auth != nil && remote.Auth.Type != "bearer" && remote.Auth.Type != "api_key" {
		errors = append(errors, ValidationError{
			Field:    "remote.auth.type",
			Message:  fmt.Sprintf("Invalid auth type: %s (must be bearer or api_key)", remote.Auth.Type),
			Severity: "error",
		})
	}

	return errors
}

func (v *Validator) validateResources(r ResourceLimits) []ValidationError {
	var errors []ValidationError

	if r.MaxMemoryBytes < 0 || r.MaxCPUTimeMs < 0 || r.MaxConcurrentRequests < 0 {
		errors = append(errors, ValidationError{
			Field:    "capabilities.resources",
			Message:  "Resource limits must not be negative",
			Severity: "error",
		})
	}

	r = r.WithDefaults()
	if v.ceilings.MaxMemoryBytes > 0 && r.MaxMemoryBytes > v.ceilings.MaxMemoryBytes {
		errors = append(errors, ValidationError{
			Field: "capabilities.resources.max_memory_bytes",
			Message: fmt.Sprintf("Requested %d bytes exceeds host limit of %d bytes",
				r.MaxMemoryBytes, v.ceilings.MaxMemoryBytes),
			Severity: "error",
		})
	}
	if v.ceilings.MaxCPUTimeMs > 0 && r.MaxCPUTimeMs > v.ceilings.MaxCPUTimeMs {
		errors = append(errors, ValidationError{
			Field: "capabilities.resources.max_cpu_time_ms",
			Message: fmt.Sprintf("Requested %dms exceeds host limit of %dms",
				r.MaxCPUTimeMs, v.ceilings.MaxCPUTimeMs),
			Severity: "error",
		})
	}
	if v.ceilings.MaxConcurrentRequests > 0 && r.MaxConcurrentRequests > v.ceilings.MaxConcurrentRequests {
		errors = append(errors, ValidationError{
			Field: "capabilities.resources.max_concurrent_requests",
			Message: fmt.Sprintf("Requested %d exceeds host limit of %d",
				r.MaxConcurrentRequests, v.ceilings.MaxConcurrentRequests),
			Severity: "error",
		})
	}

	return errors
}

func validateNetwork(n NetworkCapabilities) []ValidationError {
	var errors []ValidationError

	for _, pattern := range n.AllowedHosts {
		if !IsValidHostPattern(pattern) {
			errors = append(errors, ValidationError{
				Field:    "capabilities.network.allowed_hosts",
				Message:  fmt.Sprintf("Malformed host pattern: %q (use host or *.domain)", pattern),
				Severity: "error",
			})
		}
	}

	if !n.AllowHTTPOutbound && len(n.AllowedHosts) > 0 {
		errors = append(errors, ValidationError{
			Field:    "capabilities.network.allowed_hosts",
			Message:  "Allowed hosts have no effect without allow_http_outbound",
			Severity: "warning",
		})
	}
	if n.AllowHTTPOutbound && len(n.AllowedHosts) == 0 {
		errors = append(errors, ValidationError{
			Field:    "capabilities.network.allowed_hosts",
			Message:  "Outbound HTTP is enabled but no hosts are allowed",
			Severity: "warning",
		})
	}

	return errors
}

func validateFilesystem(f FilesystemCapabilities) []ValidationError {
	var errors []ValidationError

	for _, p := range f.AllowedPaths {
		if p == "" || !filepath.IsAbs(p) {
			errors = append(errors, ValidationError{
				Field:    "capabilities.filesystem.allowed_paths",
				Message:  fmt.Sprintf("Allowed path must be absolute: %q", p),
				Severity: "error",
			})
			continue
		}
		if filepath.Clean(p) == string(filepath.Separator) {
			errors = append(errors, ValidationError{
				Field:    "capabilities.filesystem.allowed_paths",
				Message:  "Granting the filesystem root is not allowed",
				Severity: "error",
			})
		}
	}

	if (f.AllowRead || f.AllowWrite) && len(f.AllowedPaths) == 0 {
		errors = append(errors, ValidationError{
			Field:    "capabilities.filesystem.allowed_paths",
			Message:  "Filesystem access is enabled but no paths are allowed",
			Severity: "warning",
		})
	}

	return errors
}

func validateDependencies(manifest *Manifest) []ValidationError {
	var errors []ValidationError
	seen := make(map[string]bool)

	for _, dep := range manifest.Dependencies {
		field := "dependencies." + dep.ID
		if dep.ID == "" {
			errors = append(errors, ValidationError{
				Field:    "dependencies",
				Message:  "Dependency ID is required",
				Severity: "error",
			})
			continue
		}
		if dep.ID == manifest.ID {
			errors = append(errors, ValidationError{
				Field:    field,
				Message:  "Plugin cannot depend on itself",
				Severity: "error",
			})
		}
		if seen[dep.ID] {
			errors = append(errors, ValidationError{
				Field:    field,
				Message:  "Duplicate dependency",
				Severity: "error",
			})
		}
		seen[dep.ID] = true

		if _, err := ParseConstraint(dep.Version); err != nil {
			errors = append(errors, ValidationError{
				Field:    field,
				Message:  fmt.Sprintf("Invalid version range %q: %v", dep.Version, err),
				Severity: "error",
			})
		}
	}

	return errors
}

// ParseConstraint parses a dependency version range. An empty range or "*"
// matches any version and yields nil constraints.
func ParseConstraint(raw string) (version.Constraints, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil, nil
	}
	return version.NewConstraint(raw)
}

// SatisfiesConstraint reports whether v satisfies the range raw.
func SatisfiesConstraint(v, raw string) (bool, error) {
	constraints, err := ParseConstraint(raw)
	if err != nil {
		return false, err
	}
	parsed, err := version.NewSemver(v)
	if err != nil {
		return false, err
	}
	if constraints == nil {
		return true, nil
	}
	return constraints.Check(parsed), nil
}

// CompareVersions compares two semver strings like strings.Compare.
func CompareVersions(a, b string) (int, error) {
	va, err := version.NewSemver(a)
	if err != nil {
		return 0, err
	}
	vb, err := version.NewSemver(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// IsValidHostPattern accepts an exact host name or a "*." suffix wildcard.
func IsValidHostPattern(pattern string) bool {
	host := strings.TrimPrefix(pattern, "*.")
	if host == "" || strings.Contains(host, "*") {
		return false
	}
	return hostLabelsRegex.MatchString(host)
}

func isValidPluginID(id string) bool {
	return pluginIDRegex.MatchString(id)
}

func isValidSemver(v string) bool {
	_, err := version.NewSemver(v)
	return err == nil
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
