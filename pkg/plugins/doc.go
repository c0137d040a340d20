// Package plugins defines the plugin model shared by the plughost packages:
// manifests, capabilities, resource limits, lifecycle states, the typed
// request and result records, and the categorized error type.
//
// # Overview
//
// A plugin is described by a plugin.yaml manifest. The manifest names the
// plugin types it implements (auth, template, response,
// response_modifier, datasource), the runtime it runs under (wasm or remote), the
// capabilities it needs and the resources it may consume.
//
//	manifest, err := plugins.LoadManifestFromDir(dir)
//	if err != nil {
//		return err
//	}
//	v := plugins.NewValidator(plugins.Ceilings{MaxMemoryBytes: 256 << 20}, logger)
//	if err := v.Validate(manifest); err != nil {
//		return err // multierror of ValidationError
//	}
//
// # Capabilities
//
// A Gate is built once per plugin from its declared capabilities. Every
// privileged operation a plugin asks for goes through it:
//
//	gate := plugins.NewGate(manifest.ID, manifest.Capabilities)
//	if err := gate.CheckURL("https://api.example.com/v1"); err != nil {
//		// ErrCapabilityDenied
//	}
//	resolved, err := gate.CheckPath(plugins.AccessRead, "data/users.json")
//
// # Errors
//
// Every failure is a *Error carrying a kind sentinel. errors.Is matches the
// kind and Category returns its name for logs, exit codes and HTTP status
// mapping:
//
//	if errors.Is(err, plugins.ErrNotFound) { ... }
//	fmt.Println(plugins.Category(err)) // "NotFound"
//
// # Related Packages
//
//   - pkg/plugins/host: install, update, uninstall and query
//   - pkg/plugins/runtime: WASM and remote adapters implementing Adapter
//   - pkg/plugins/registry: the live set of plugin instances
//   - pkg/plugins/dispatch: typed calls from the mock server
package plugins
