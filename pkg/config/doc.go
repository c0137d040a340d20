// Package config loads plughost configuration from PLUGHOST_* environment
// variables, applies defaults and validates the result.
//
// Directories:
//
//	PLUGHOST_DATA_DIR          installed plugins and plugins.db
//	PLUGHOST_CACHE_DIR         downloads/, git/ and .staging/
//
// Ceilings applied to every manifest:
//
//	PLUGHOST_MAX_MEMORY_BYTES  default 256 MiB
//	PLUGHOST_MAX_CPU_TIME      default 30s
//	PLUGHOST_MAX_CONCURRENT    default 64
//
// Acquisition:
//
//	PLUGHOST_TRUSTED_KEYS_DIR     PEM public keys, named by file stem
//	PLUGHOST_REQUIRE_SIGNATURES   default true
//	PLUGHOST_DOWNLOAD_MAX_BYTES   default 100 MB
//	PLUGHOST_DOWNLOAD_TIMEOUT     default 5m
//	PLUGHOST_DOWNLOAD_RETRIES     default 3
//	PLUGHOST_VERIFY_TLS           default true
//	PLUGHOST_GIT_TIMEOUT          default 5m
//	PLUGHOST_REGISTRY_URL         default https://registry.plughost.dev
//
// Serving:
//
//	PLUGHOST_HEALTH_INTERVAL   default remote probe interval, 10s
//	PLUGHOST_ADMIN_ADDR        default :9464
//	PLUGHOST_LOG_LEVEL         default info
//	PLUGHOST_LOG_FORMAT        text or json
//	PLUGHOST_OTEL_ENABLED, PLUGHOST_OTEL_ENDPOINT, PLUGHOST_OTEL_INSECURE,
//	PLUGHOST_OTEL_SAMPLE_RATIO
//
// Storage:
//
//	PLUGHOST_DATABASE_URL      postgres metadata store instead of SQLite
//	PLUGHOST_S3_ENABLED        s3:// sources (PLUGHOST_S3_REGION, _ENDPOINT,
//	                           _ACCESS_KEY, _SECRET_KEY, _USE_PATH_STYLE)
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
