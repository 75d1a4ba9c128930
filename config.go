package inspector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// TLS/CA configuration
	TLS TLSConfig `mapstructure:"tls"`

	// Outbound connection settings
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Domain blocking configuration
	Filter FilterConfig `mapstructure:"filter"`

	// HTML content filtering configuration
	Content ContentConfig `mapstructure:"content"`

	// Block page configuration
	BlockPage BlockPageConfig `mapstructure:"block_page"`

	// Activity log configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// Admin API configuration
	Admin AdminConfig `mapstructure:"admin"`

	// Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080", "0.0.0.0:8080")
	Addr string `mapstructure:"addr" validate:"required,listen_addr"`

	// IdleTimeout for intercepted keep-alive connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`

	// MaxBufferSize is the largest upstream body buffered for inspection
	MaxBufferSize int64 `mapstructure:"max_buffer_size" validate:"gte=0"`
}

// TLSConfig contains TLS/certificate settings.
type TLSConfig struct {
	// CACert is the path to the CA certificate file
	CACert string `mapstructure:"ca_cert"`

	// CAKey is the path to the CA private key file
	CAKey string `mapstructure:"ca_key"`

	// Organization name for generated certificates
	Organization string `mapstructure:"organization"`

	// CertCacheSize bounds the in-memory leaf certificate cache
	CertCacheSize int `mapstructure:"cert_cache_size" validate:"gte=1"`
}

// UpstreamConfig contains outbound connection settings.
type UpstreamConfig struct {
	// ProxyURL chains upstream requests through another proxy
	ProxyURL string `mapstructure:"proxy_url" validate:"omitempty,url"`

	// DialTimeout bounds the TCP dial
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`

	// TLSHandshakeTimeout bounds the upstream TLS handshake
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout" validate:"gte=0"`

	// ResponseHeaderTimeout bounds the wait for response headers
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout" validate:"gte=0"`

	// MaxIdleConnsPerHost caps pooled idle connections per host
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host" validate:"gte=0"`

	// HTTP2 negotiates h2 with upstream servers
	HTTP2 bool `mapstructure:"http2"`
}

// FilterConfig contains domain blocking settings.
type FilterConfig struct {
	// Domains is a list of domain substrings to block
	Domains []string `mapstructure:"domains"`

	// Sources are list files or http(s) URLs with one domain per line
	Sources []string `mapstructure:"sources" validate:"dive,required"`

	// ReloadInterval for sources (0 = no periodic reload)
	ReloadInterval time.Duration `mapstructure:"reload_interval" validate:"gte=0"`

	// Watch reloads the lists when a local source file changes
	Watch bool `mapstructure:"watch"`
}

// ContentConfig contains HTML rewriting settings.
type ContentConfig struct {
	// Enabled turns HTML word filtering on or off
	Enabled bool `mapstructure:"enabled"`

	// Words is a list of forbidden words
	Words []string `mapstructure:"words"`

	// WordSources are list files or http(s) URLs with one word per line
	WordSources []string `mapstructure:"word_sources" validate:"dive,required"`

	// Replacement is the redaction token
	Replacement string `mapstructure:"replacement" validate:"required"`

	// MaxBodySize is the largest HTML body rewritten
	MaxBodySize int64 `mapstructure:"max_body_size" validate:"gte=0"`

	// Parser selects the HTML parser: auto, html5 or tokenizer
	Parser string `mapstructure:"parser" validate:"oneof=auto html5 tokenizer"`
}

// BlockPageConfig contains block page settings.
type BlockPageConfig struct {
	// TemplatePath to a custom block page template
	TemplatePath string `mapstructure:"template_path"`
}

// LoggingConfig contains activity log settings.
type LoggingConfig struct {
	// File is the activity log path
	File string `mapstructure:"file" validate:"required"`

	// MaxSize is the rotation threshold in bytes
	MaxSize int64 `mapstructure:"max_size" validate:"gte=1024"`

	// Backups is the number of rotated files kept
	Backups int `mapstructure:"backups" validate:"gte=0"`

	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	// Enabled mounts the admin API on the proxy listener
	Enabled bool `mapstructure:"enabled"`

	// PathPrefix for admin routes
	PathPrefix string `mapstructure:"path_prefix" validate:"startswith=/"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Enabled serves /metrics on the proxy listener
	Enabled bool `mapstructure:"enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			IdleTimeout:   DefaultIdleTimeout,
			MaxBufferSize: DefaultMaxBufferSize,
		},
		TLS: TLSConfig{
			CACert:        "ca.crt",
			CAKey:         "ca.key",
			Organization:  DefaultCertOrganization,
			CertCacheSize: DefaultCertCacheSize,
		},
		Upstream: UpstreamConfig{
			DialTimeout:           30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConnsPerHost:   10,
			HTTP2:                 true,
		},
		Content: ContentConfig{
			Enabled:     true,
			Replacement: DefaultReplacement,
			MaxBodySize: DefaultMaxBodySize,
			Parser:      "auto",
		},
		Logging: LoggingConfig{
			File:    DefaultLogFile,
			MaxSize: DefaultLogMaxSize,
			Backups: DefaultLogBackups,
			Level:   "info",
		},
		Admin: AdminConfig{
			Enabled:    true,
			PathPrefix: "/api",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./inspector.yaml
// 3. $HOME/.inspector/inspector.yaml
// 4. /etc/inspector/inspector.yaml
//
// Environment variables override file values, e.g.
// INSPECTOR_LOGGING_LEVEL=debug.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("inspector")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.inspector")
	v.AddConfigPath("/etc/inspector")

	v.SetEnvPrefix("INSPECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	return unmarshalConfig(v)
}

// LoadConfigFromReader loads configuration from raw bytes.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return unmarshalConfig(v)
}

func unmarshalConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	v.SetDefault("server.max_buffer_size", defaults.Server.MaxBufferSize)

	v.SetDefault("tls.ca_cert", defaults.TLS.CACert)
	v.SetDefault("tls.ca_key", defaults.TLS.CAKey)
	v.SetDefault("tls.organization", defaults.TLS.Organization)
	v.SetDefault("tls.cert_cache_size", defaults.TLS.CertCacheSize)

	v.SetDefault("upstream.proxy_url", defaults.Upstream.ProxyURL)
	v.SetDefault("upstream.dial_timeout", defaults.Upstream.DialTimeout)
	v.SetDefault("upstream.tls_handshake_timeout", defaults.Upstream.TLSHandshakeTimeout)
	v.SetDefault("upstream.response_header_timeout", defaults.Upstream.ResponseHeaderTimeout)
	v.SetDefault("upstream.max_idle_conns_per_host", defaults.Upstream.MaxIdleConnsPerHost)
	v.SetDefault("upstream.http2", defaults.Upstream.HTTP2)

	v.SetDefault("filter.domains", []string{})
	v.SetDefault("filter.sources", []string{})
	v.SetDefault("filter.reload_interval", defaults.Filter.ReloadInterval)
	v.SetDefault("filter.watch", defaults.Filter.Watch)

	v.SetDefault("content.enabled", defaults.Content.Enabled)
	v.SetDefault("content.words", []string{})
	v.SetDefault("content.word_sources", []string{})
	v.SetDefault("content.replacement", defaults.Content.Replacement)
	v.SetDefault("content.max_body_size", defaults.Content.MaxBodySize)
	v.SetDefault("content.parser", defaults.Content.Parser)

	v.SetDefault("block_page.template_path", defaults.BlockPage.TemplatePath)

	v.SetDefault("logging.file", defaults.Logging.File)
	v.SetDefault("logging.max_size", defaults.Logging.MaxSize)
	v.SetDefault("logging.backups", defaults.Logging.Backups)
	v.SetDefault("logging.level", defaults.Logging.Level)

	v.SetDefault("admin.enabled", defaults.Admin.Enabled)
	v.SetDefault("admin.path_prefix", defaults.Admin.PathPrefix)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config key rather than the Go name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("listen_addr", validListenAddr)
	return v
}

// validListenAddr accepts "host:port" and ":port" with a numeric port.
func validListenAddr(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	n, err := strconv.ParseUint(port, 10, 16)
	return err == nil && n < 65536
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SlogLevel returns the configured log level.
func (c *LoggingConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// ActivityLogConfig returns the settings for OpenActivityLog.
func (c *LoggingConfig) ActivityLogConfig() ActivityLogConfig {
	return ActivityLogConfig{
		Path:    c.File,
		MaxSize: c.MaxSize,
		Backups: c.Backups,
		Level:   c.SlogLevel(),
	}
}

// BuildTransport returns the upstream transport for the proxy.
func (c *Config) BuildTransport() (*UpstreamTransport, error) {
	ut := NewUpstreamTransport()
	ut.DialTimeout = c.Upstream.DialTimeout
	ut.TLSHandshakeTimeout = c.Upstream.TLSHandshakeTimeout
	ut.ResponseHeaderTimeout = c.Upstream.ResponseHeaderTimeout
	ut.MaxIdleConnsPerHost = c.Upstream.MaxIdleConnsPerHost
	ut.EnableHTTP2 = c.Upstream.HTTP2
	if err := ut.SetProxyURL(c.Upstream.ProxyURL); err != nil {
		return nil, err
	}
	return ut, nil
}

// DomainLoader returns a loader combining inline domains with the
// configured sources, or nil when there are no sources to reload from.
func (c *Config) DomainLoader() ListLoader {
	return listLoader(c.Filter.Domains, c.Filter.Sources)
}

// WordLoader returns a loader combining inline words with the configured
// word sources, or nil when there are no sources to reload from.
func (c *Config) WordLoader() ListLoader {
	return listLoader(c.Content.Words, c.Content.WordSources)
}

func listLoader(inline, sources []string) ListLoader {
	if len(sources) == 0 {
		return nil
	}
	loaders := make([]ListLoader, 0, len(sources)+1)
	if len(inline) > 0 {
		loaders = append(loaders, NewStaticListLoader(inline...))
	}
	for _, src := range sources {
		loaders = append(loaders, SourceLoader(src))
	}
	return NewMultiListLoader(loaders...)
}

// WatchPaths returns the local list files that should trigger a reload
// when they change.
func (c *Config) WatchPaths() []string {
	var paths []string
	for _, src := range append(append([]string(nil), c.Filter.Sources...), c.Content.WordSources...) {
		if l, ok := SourceLoader(src).(*FileListLoader); ok {
			paths = append(paths, l.Path)
		}
	}
	return paths
}

// BuildPipeline creates a Pipeline from the configuration, logging to
// al. List sources are loaded once here; a failure is fatal.
func (c *Config) BuildPipeline(ctx context.Context, al *ActivityLogger) (*Pipeline, error) {
	parsers, err := ParserByName(c.Content.Parser)
	if err != nil {
		return nil, err
	}

	var bp *BlockPage
	if c.BlockPage.TemplatePath != "" {
		bp, err = NewBlockPageFromFile(c.BlockPage.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("load block page template: %w", err)
		}
	}

	p, err := NewPipeline(al, PipelineConfig{
		Domains:        c.Filter.Domains,
		Words:          c.Content.Words,
		Replacement:    c.Content.Replacement,
		DisableRewrite: !c.Content.Enabled,
		Parsers:        parsers,
		BlockPage:      bp,
		MaxBodySize:    c.Content.MaxBodySize,
	})
	if err != nil {
		return nil, err
	}

	p.DomainSource = c.DomainLoader()
	p.WordSource = c.WordLoader()
	if p.DomainSource != nil || p.WordSource != nil {
		if err := p.reload(ctx); err != nil {
			return nil, fmt.Errorf("load lists: %w", err)
		}
	}
	return p, nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# inspector configuration

server:
  # Address to listen on
  addr: ":8080"

  # Idle timeout for intercepted TLS connections
  idle_timeout: 30s

  # Largest upstream body buffered for inspection (bytes)
  max_buffer_size: 33554432

tls:
  # CA certificate and key paths (create with "inspector gen-ca")
  ca_cert: "ca.crt"
  ca_key: "ca.key"

  # Organization name for generated certificates
  organization: "Inspector Proxy"

  # Number of host certificates kept in memory
  cert_cache_size: 1024

upstream:
  # Chain through another proxy (http, https or socks5)
  # proxy_url: "http://corp-proxy:3128"
  dial_timeout: 30s
  tls_handshake_timeout: 10s
  response_header_timeout: 60s
  max_idle_conns_per_host: 10
  http2: true

filter:
  # A host is blocked when it contains any entry as a substring
  domains:
    - "bing.com"
    - "youtube.com"

  # Extra list files or URLs, one domain per line
  # sources:
  #   - "/etc/inspector/blocklist.txt"

  # Periodic reload of sources (0 disables)
  reload_interval: 0s

  # Reload when a local source file changes
  watch: false

content:
  # Redact forbidden words in HTML responses
  enabled: true

  # Case-insensitive whole words
  words:
    - "bomb"
    - "attack"

  # Extra word lists, one word per line
  # word_sources:
  #   - "/etc/inspector/words.txt"

  replacement: "[FILTERED]"

  # Largest HTML body rewritten (bytes). Larger pages are delivered
  # unfiltered; keep this at or above server.max_buffer_size.
  max_body_size: 33554432

  # HTML parser: auto, html5, tokenizer
  parser: "auto"

block_page:
  # Custom html/template with .Domain, .URL and .Timestamp
  # template_path: "/etc/inspector/block.html"

logging:
  file: "proxy.log"
  max_size: 10485760
  backups: 3

  # Log level: debug, info, warn, error
  level: "info"

admin:
  enabled: true
  path_prefix: "/api"

metrics:
  enabled: true
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
