package config

import (
	"time"
)

// Protocol defines the listener protocol type
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
)

// Handler names understood by the request pipeline.
const (
	HandlerISAPI = "isapi-isa"
	HandlerFile  = "default-handler"
)

// Path info policies for a directory scope.
const (
	PathInfoDefault = "default"
	PathInfoAccept  = "on"
	PathInfoReject  = "off"
)

// Config represents the complete server configuration
type Config struct {
	Listeners    []ListenerConfig  `yaml:"listeners"`
	Logging      LoggingConfig     `yaml:"logging"`
	Admin        AdminConfig       `yaml:"admin"`
	Tracing      TracingConfig     `yaml:"tracing"`
	DocumentRoot string            `yaml:"document_root"`
	Aliases      []AliasConfig     `yaml:"aliases"`
	Directories  []DirectoryConfig `yaml:"directories"`
	Handlers     []HandlerConfig   `yaml:"handlers"`
	ISAPI        ISAPIConfig       `yaml:"isapi"`
	Shutdown     ShutdownConfig    `yaml:"shutdown"`
}

// ListenerConfig defines a listener configuration
type ListenerConfig struct {
	ID       string             `yaml:"id"`
	Address  string             `yaml:"address"` // e.g., ":8080"
	Protocol Protocol           `yaml:"protocol"`
	TLS      TLSConfig          `yaml:"tls"`
	HTTP     HTTPListenerConfig `yaml:"http,omitempty"`
}

// HTTPListenerConfig defines HTTP-specific listener settings
type HTTPListenerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	EnableHTTP3       bool          `yaml:"enable_http3"` // serve HTTP/3 over QUIC on same port
}

// TLSConfig defines TLS settings for a listener
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	ClientAuth   string `yaml:"client_auth"`    // "", request, require, verify
	ClientCAFile string `yaml:"client_ca_file"` // CA bundle for verify
}

// AliasConfig maps a URL prefix onto a filesystem directory outside the document root.
type AliasConfig struct {
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
}

// HandlerConfig assigns a handler to every request path matching Pattern.
// Patterns are doublestar globs, e.g. "**/*.dll".
type HandlerConfig struct {
	Pattern string `yaml:"pattern"`
	Handler string `yaml:"handler"`
}

// DirectoryConfig holds settings for a filesystem directory and everything below it.
// Nil pointer fields inherit from the enclosing directory.
type DirectoryConfig struct {
	Path           string               `yaml:"path"`
	ExecCGI        *bool                `yaml:"exec_cgi"`
	AcceptPathInfo string               `yaml:"accept_path_info"` // default, on, off
	ISAPI          ISAPIDirectoryConfig `yaml:"isapi"`
}

// ISAPIDirectoryConfig holds the per-directory extension bridge settings.
type ISAPIDirectoryConfig struct {
	ReadAheadBuffer   *int  `yaml:"read_ahead_buffer"`    // default 48192
	LogNotSupported   *bool `yaml:"log_not_supported"`    // default false
	AppendLogToErrors *bool `yaml:"append_log_to_errors"` // default true
	AppendLogToQuery  *bool `yaml:"append_log_to_query"`  // default true
}

// ISAPIConfig holds server-wide extension bridge settings.
type ISAPIConfig struct {
	CacheFiles        []string          `yaml:"cache_files"`         // extensions loaded and pinned at startup
	Timeout           time.Duration     `yaml:"timeout"`             // completion wait for pending requests (default 60s)
	FakeAsync         *bool             `yaml:"fake_async"`          // emulate async completion (default true)
	ReportVersion     uint32            `yaml:"report_version"`      // server version reported in the control block (default 5.0)
	MaxRedirects      int               `yaml:"max_redirects"`       // internal redirect depth (default 10)
	UnsupportedLogRPS float64           `yaml:"unsupported_log_rps"` // rate limit for unsupported-call warnings (default 10)
	Extensions        []ExtensionConfig `yaml:"extensions"`
	Breaker           BreakerConfig     `yaml:"breaker"`
	Wasm              WasmConfig        `yaml:"wasm"`
}

// ExtensionConfig overrides the server-wide defaults for one extension file.
type ExtensionConfig struct {
	Path          string        `yaml:"path"`
	Timeout       time.Duration `yaml:"timeout"`
	FakeAsync     *bool         `yaml:"fake_async"`
	ReportVersion uint32        `yaml:"report_version"`
}

// BreakerConfig controls when an extension is taken out of service after
// completion timeouts or crashes.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // consecutive failures before opening (default 3)
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // time spent open before a trial request (default 30s)
	MaxRequests      uint32        `yaml:"max_requests"`      // trial requests allowed while half-open (default 1)
}

// WasmConfig defines the runtime used for .wasm extensions.
type WasmConfig struct {
	RuntimeMode    string `yaml:"runtime_mode"`     // "compiler" (default) or "interpreter"
	MaxMemoryPages int    `yaml:"max_memory_pages"` // 64KiB pages per instance (default 256)
	PoolSize       int    `yaml:"pool_size"`        // pre-instantiated instances per extension (default 4)
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Format   string            `yaml:"format"` // json (default) or console
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`

	AccessLog AccessLogConfig `yaml:"access_log"`
}

// AccessLogConfig controls the per-request access log.
type AccessLogConfig struct {
	Enabled   bool     `yaml:"enabled"`    // default true
	SkipPaths []string `yaml:"skip_paths"` // exact paths not logged
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Port    int           `yaml:"port"`
	Address string        `yaml:"address"` // overrides port, e.g. "127.0.0.1:8081"
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers"`     // extra headers for OTLP exporter
}

// ShutdownConfig defines graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default 30s
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listeners: []ListenerConfig{{
			ID:       "default-http",
			Address:  ":8080",
			Protocol: ProtocolHTTP,
			HTTP: HTTPListenerConfig{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
		}},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
			AccessLog: AccessLogConfig{Enabled: true},
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8081,
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		DocumentRoot: "htdocs",
		Handlers: []HandlerConfig{
			{Pattern: "**/*.dll", Handler: HandlerISAPI},
			{Pattern: "**/*.wasm", Handler: HandlerISAPI},
		},
		ISAPI: ISAPIConfig{
			Timeout:           60 * time.Second,
			MaxRedirects:      10,
			UnsupportedLogRPS: 10,
			Breaker: BreakerConfig{
				FailureThreshold: 3,
				OpenTimeout:      30 * time.Second,
				MaxRequests:      1,
			},
			Wasm: WasmConfig{
				RuntimeMode:    "compiler",
				MaxMemoryPages: 256,
				PoolSize:       4,
			},
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// BoolValue returns the value of b, or def when b is nil.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// IntValue returns the value of i, or def when i is nil.
func IntValue(i *int, def int) int {
	if i == nil {
		return def
	}
	return *i
}
