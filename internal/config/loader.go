package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"

	"github.com/wudi/isapigw/config"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file. Relative paths in the file are
// resolved against the directory containing it.
func (l *Loader) Load(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := l.Parse(data)
	if err != nil {
		return nil, err
	}
	resolvePaths(cfg, filepath.Dir(path))
	return cfg, nil
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*config.Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := config.DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *config.Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}

	listenerIDs := make(map[string]bool)
	for i, listener := range cfg.Listeners {
		if listener.ID == "" {
			return fmt.Errorf("listener %d: id is required", i)
		}
		if listenerIDs[listener.ID] {
			return fmt.Errorf("duplicate listener id: %s", listener.ID)
		}
		listenerIDs[listener.ID] = true

		if listener.Address == "" {
			return fmt.Errorf("listener %s: address is required", listener.ID)
		}
		if listener.Protocol != "" && listener.Protocol != config.ProtocolHTTP {
			return fmt.Errorf("listener %s: unsupported protocol %q", listener.ID, listener.Protocol)
		}
		if listener.TLS.Enabled && (listener.TLS.CertFile == "" || listener.TLS.KeyFile == "") {
			return fmt.Errorf("listener %s: tls requires cert_file and key_file", listener.ID)
		}
		if listener.HTTP.EnableHTTP3 && !listener.TLS.Enabled {
			return fmt.Errorf("listener %s: enable_http3 requires tls", listener.ID)
		}
	}

	if cfg.DocumentRoot == "" {
		return fmt.Errorf("document_root is required")
	}

	for i, a := range cfg.Aliases {
		if !strings.HasPrefix(a.URL, "/") {
			return fmt.Errorf("alias %d: url must start with /", i)
		}
		if a.Path == "" {
			return fmt.Errorf("alias %s: path is required", a.URL)
		}
	}

	for i, h := range cfg.Handlers {
		if h.Pattern == "" || h.Handler == "" {
			return fmt.Errorf("handler %d: pattern and handler are required", i)
		}
		if !doublestar.ValidatePattern(h.Pattern) {
			return fmt.Errorf("handler %d: invalid pattern %q", i, h.Pattern)
		}
	}

	for i, d := range cfg.Directories {
		if d.Path == "" {
			return fmt.Errorf("directory %d: path is required", i)
		}
		switch d.AcceptPathInfo {
		case "", config.PathInfoDefault, config.PathInfoAccept, config.PathInfoReject:
		default:
			return fmt.Errorf("directory %s: accept_path_info must be default, on or off", d.Path)
		}
		if d.ISAPI.ReadAheadBuffer != nil && *d.ISAPI.ReadAheadBuffer < 0 {
			return fmt.Errorf("directory %s: isapi.read_ahead_buffer must be >= 0", d.Path)
		}
	}

	isapi := cfg.ISAPI
	if isapi.Timeout < 0 {
		return fmt.Errorf("isapi.timeout must be >= 0")
	}
	if isapi.MaxRedirects < 0 {
		return fmt.Errorf("isapi.max_redirects must be >= 0")
	}
	seen := make(map[string]bool)
	for i, ext := range isapi.Extensions {
		if ext.Path == "" {
			return fmt.Errorf("isapi.extensions[%d]: path is required", i)
		}
		key := strings.ToLower(filepath.Clean(ext.Path))
		if seen[key] {
			return fmt.Errorf("isapi.extensions: duplicate path %s", ext.Path)
		}
		seen[key] = true
		if ext.Timeout < 0 {
			return fmt.Errorf("isapi.extensions[%s]: timeout must be >= 0", ext.Path)
		}
	}
	switch isapi.Wasm.RuntimeMode {
	case "", "compiler", "interpreter":
	default:
		return fmt.Errorf("isapi.wasm.runtime_mode must be compiler or interpreter")
	}
	if isapi.Wasm.MaxMemoryPages < 0 || isapi.Wasm.MaxMemoryPages > 65536 {
		return fmt.Errorf("isapi.wasm.max_memory_pages must be between 0 and 65536")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

// resolvePaths makes relative filesystem paths absolute against base.
func resolvePaths(cfg *config.Config, base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.DocumentRoot = abs(cfg.DocumentRoot)
	for i := range cfg.Aliases {
		cfg.Aliases[i].Path = abs(cfg.Aliases[i].Path)
	}
	for i := range cfg.Directories {
		cfg.Directories[i].Path = abs(cfg.Directories[i].Path)
	}
	for i := range cfg.ISAPI.CacheFiles {
		cfg.ISAPI.CacheFiles[i] = abs(cfg.ISAPI.CacheFiles[i])
	}
	for i := range cfg.ISAPI.Extensions {
		cfg.ISAPI.Extensions[i].Path = abs(cfg.ISAPI.Extensions[i].Path)
	}
}
