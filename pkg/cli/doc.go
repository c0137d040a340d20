// Package cli provides the plughost command-line interface.
//
// # Commands
//
// Install from a directory, archive, URL, git repository or registry name:
//
//	plughost plugin install ./auth-plugin
//	plughost plugin install https://example.com/auth-1.2.0.tar.gz --checksum sha256:<hex>
//	plughost plugin install https://github.com/acme/auth-plugin.git#v1.2.0
//	plughost plugin install acme-auth@1.2.0
//
// Several sources are installed in dependency order:
//
//	plughost plugin install ./base ./app
//
// Manage installed plugins:
//
//	plughost plugin list --detailed
//	plughost plugin info acme-auth
//	plughost plugin update acme-auth
//	plughost plugin update --all
//	plughost plugin uninstall acme-auth [--force]
//
// Dry-run an install, then inspect the cache:
//
//	plughost plugin validate ./auth-plugin
//	plughost plugin cache-stats
//	plughost plugin clear-cache --stats
//
// Run the host with the admin API, metrics, health checks and the local
// directory watcher:
//
//	plughost serve --addr :9464
//
// # Exit codes
//
// 0 on success, 2 for usage and manifest validation errors, 3 for source
// errors, 4 for integrity errors and 1 otherwise. Failures print a single
// "Error: <Category>: <message>" line to stderr.
//
// # Configuration
//
// Settings come from PLUGHOST_* environment variables (see pkg/config);
// --data-dir, --cache-dir, --log-level and --log-format override them.
package cli
