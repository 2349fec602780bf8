// Package config loads the engine's layered YAML configuration via koanf,
// mirroring the teacher's config package but reshaped around the outbound
// engine instead of a mailbox server: spool/logging/metrics/DNS/throttle/
// egress knobs replace listener ports and mailbox storage.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the engine process.
type Config struct {
	Node     NodeConfig     `koanf:"node"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Spool    SpoolConfig    `koanf:"spool"`
	DNS      DNSConfig      `koanf:"dns"`
	MTASTS   MTASTSConfig   `koanf:"mta_sts"`
	Cluster  ClusterConfig  `koanf:"cluster"`
	Shaping  ShapingFiles   `koanf:"shaping"`
	LogBus   LogBusConfig   `koanf:"log_bus"`
	Admin    AdminConfig    `koanf:"admin"`
	Maildir  MaildirConfig  `koanf:"maildir"`
	Routing  RoutingConfig  `koanf:"routing"`
	DKIM     []DKIMDomainConfig `koanf:"dkim"`
	Shutdown ShutdownConfig `koanf:"shutdown"`
}

// DKIMDomainConfig declares one signing key to load into the engine's
// DKIMSignerPool, keyed by sending domain.
type DKIMDomainConfig struct {
	Domain   string `koanf:"domain"`
	Selector string `koanf:"selector"`
	KeyFile  string `koanf:"key_file"`
}

// NodeConfig identifies this engine instance within a cluster.
type NodeConfig struct {
	Hostname string `koanf:"hostname"` // advertised in EHLO when an egress source sets no ehlo_domain
	NodeID   string `koanf:"node_id"`  // UUID; generated on first run if empty and persisted by the caller
}

// LoggingConfig configures the process-wide structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"` // host:port for /metrics
}

// SpoolConfig configures durable on-disk message storage (spec.md §4.1).
type SpoolConfig struct {
	DataDir          string `koanf:"data_dir"`
	SoftMemoryLimit  int64  `koanf:"soft_memory_limit_bytes"`
	HardMemoryLimit  int64  `koanf:"hard_memory_limit_bytes"`
	ShrinkDataAfter  string `koanf:"shrink_data_after"`     // time-until-due threshold for shrink()
	ShrinkMetaAfter  string `koanf:"shrink_meta_after"`     // time-until-due threshold for shrink_meta()
}

// DNSConfig configures the resolver (spec.md §4.3).
type DNSConfig struct {
	Backend               string `koanf:"backend"` // "system" or a named local-zone backend
	NegativeTTL            string `koanf:"negative_ttl"`
	MaxConcurrentResolves  int    `koanf:"max_concurrent_resolves"`
	ResolutionTimeBudget   string `koanf:"resolution_time_budget"`
	Nameserver             string `koanf:"nameserver"` // override system resolver, host:port
}

// MTASTSConfig configures MTA-STS policy fetch/cache.
type MTASTSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CacheDir string `koanf:"cache_dir"`
}

// ClusterConfig configures the shared K/V store backing cluster-wide
// throttles and leased connection counters (spec.md §5).
type ClusterConfig struct {
	RedisURL string `koanf:"redis_url"`
	Prefix   string `koanf:"prefix"`
}

// ShapingFiles names the on-disk shaping documents consumed by
// internal/shaping, plus the hot-reload behavior.
type ShapingFiles struct {
	Paths       []string `koanf:"paths"`
	HotReload   bool     `koanf:"hot_reload"`
	CallbackTTL string   `koanf:"callback_ttl"` // memoization TTL for policy callbacks (spec.md §6 default 60s)
}

// LogBusConfig configures the local file-writer consumer and any network
// consumers registered on the log event bus (spec.md §4.9).
type LogBusConfig struct {
	FileDir         string        `koanf:"file_dir"`
	RotateSize      int64         `koanf:"rotate_size_bytes"`
	RotateInterval  string        `koanf:"rotate_interval"`
	Webhooks        []WebhookSink `koanf:"webhooks"`
	AMQP            []AMQPSink    `koanf:"amqp"`
	Kafka           []KafkaSink   `koanf:"kafka"`
}

// WebhookSink is a network log consumer reached via the reserved `webhook`
// queue protocol.
type WebhookSink struct {
	Name   string   `koanf:"name"`
	URL    string   `koanf:"url"`
	Types  []string `koanf:"types"`
}

// AMQPSink publishes log records to an AMQP exchange.
type AMQPSink struct {
	Name     string   `koanf:"name"`
	URL      string   `koanf:"url"`
	Exchange string   `koanf:"exchange"`
	Types    []string `koanf:"types"`
}

// KafkaSink publishes log records to a Kafka topic.
type KafkaSink struct {
	Name    string   `koanf:"name"`
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
	Types   []string `koanf:"types"`
}

// AdminConfig configures the admin-control socket/API surface (spec.md
// §4.10 / §6).
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// MaildirConfig configures the reserved `maildir` delivery target (spec.md
// §6): queues whose get_queue_config policy callback returns protocol
// "maildir" are written directly into a local {tmp,new,cur} structure
// instead of being dispatched over SMTP/LMTP.
type MaildirConfig struct {
	Enabled      bool   `koanf:"enabled"`
	PathTemplate string `koanf:"path_template"` // text/template, fields: .Recipient .User .Domain
	DirMode      string `koanf:"dir_mode"`      // octal, e.g. "0750"
	FileMode     string `koanf:"file_mode"`     // octal, e.g. "0640"
}

// RoutingConfig declares a static, in-engine alternative to an
// out-of-process policy service (spec.md §6): a flat table of queue
// routing rules plus the egress sources/pools they reference, for
// deployments that would rather declare routing here than run a
// separate callback server. Leave Queues/EgressSources/EgressPools
// empty to fall back to Engine's own built-in defaults (plain SMTP,
// no named sources).
type RoutingConfig struct {
	DefaultQueue  QueueRuleConfig        `koanf:"default_queue"`
	Queues        []QueueRuleConfig      `koanf:"queues"`
	EgressSources []EgressSourceConfig   `koanf:"egress_sources"`
	EgressPools   []EgressPoolConfig     `koanf:"egress_pools"`
}

// QueueRuleConfig is one static get_queue_config entry, matched by
// recipient-domain suffix; the longest matching suffix wins.
type QueueRuleConfig struct {
	DomainSuffix     string  `koanf:"domain_suffix"`
	Protocol         string  `koanf:"protocol"`
	EgressPool       string  `koanf:"egress_pool"`
	MaxAge           string  `koanf:"max_age"`
	RetryInterval    string  `koanf:"retry_interval"`
	MaxRetryInterval string  `koanf:"max_retry_interval"`
	MaxMessageRate   float64 `koanf:"max_message_rate"`
}

// EgressSourceConfig declares one static egress.Source.
type EgressSourceConfig struct {
	Name          string `koanf:"name"`
	SourceAddress string `koanf:"source_address"`
	EHLODomain    string `koanf:"ehlo_domain"`
	RemotePort    int    `koanf:"remote_port"`
}

// EgressPoolConfig declares one static egress.Pool.
type EgressPoolConfig struct {
	Name    string                   `koanf:"name"`
	Entries []EgressPoolEntryConfig  `koanf:"entries"`
}

// EgressPoolEntryConfig is one weighted member of an EgressPoolConfig.
type EgressPoolEntryConfig struct {
	SourceName string `koanf:"source_name"`
	Weight     int    `koanf:"weight"`
}

// ShutdownConfig configures the soft-drain shutdown sequence (spec.md §5).
type ShutdownConfig struct {
	SystemShutdownTimeout string `koanf:"system_shutdown_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Hostname: "localhost",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9090",
		},
		Spool: SpoolConfig{
			DataDir:         "/var/spool/kumo-engine",
			SoftMemoryLimit: 2 << 30, // 2GiB
			HardMemoryLimit: 3 << 30, // 3GiB
			ShrinkDataAfter: "10m",
			ShrinkMetaAfter: "1h",
		},
		DNS: DNSConfig{
			Backend:               "system",
			NegativeTTL:           "5m",
			MaxConcurrentResolves: 128,
			ResolutionTimeBudget:  "5s",
		},
		MTASTS: MTASTSConfig{
			Enabled:  true,
			CacheDir: "/var/lib/kumo-engine/mta-sts",
		},
		Cluster: ClusterConfig{
			RedisURL: "redis://localhost:6379/0",
			Prefix:   "kumo",
		},
		Shaping: ShapingFiles{
			Paths:       []string{"/etc/kumo-engine/shaping.yaml"},
			HotReload:   true,
			CallbackTTL: "60s",
		},
		LogBus: LogBusConfig{
			FileDir:        "/var/log/kumo-engine",
			RotateSize:     1 << 30, // 1GiB
			RotateInterval: "24h",
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9091",
		},
		Maildir: MaildirConfig{
			Enabled:      false,
			PathTemplate: "/var/spool/kumo-engine/maildir/{{.Domain}}/{{.User}}",
			DirMode:      "0750",
			FileMode:     "0640",
		},
		Routing: RoutingConfig{
			DefaultQueue: QueueRuleConfig{
				Protocol:         "smtp",
				RetryInterval:    "1m",
				MaxRetryInterval: "1h",
				MaxAge:           "72h",
			},
		},
		Shutdown: ShutdownConfig{
			SystemShutdownTimeout: "5m",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults for
// any field the file does not set.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Node.Hostname == "" {
		return fmt.Errorf("node.hostname is required")
	}

	if err := c.validateSpool(); err != nil {
		return err
	}
	if err := c.validateDNS(); err != nil {
		return err
	}
	if err := c.validateDurations(); err != nil {
		return err
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	if c.Cluster.RedisURL == "" {
		return fmt.Errorf("cluster.redis_url is required (cluster-shared throttles and leases need it)")
	}

	if len(c.Shaping.Paths) == 0 {
		return fmt.Errorf("shaping.paths must name at least one shaping document")
	}

	if c.Admin.Enabled && c.Admin.Listen == "" {
		return fmt.Errorf("admin.listen is required when admin is enabled")
	}

	return nil
}

func (c *Config) validateSpool() error {
	if c.Spool.DataDir == "" {
		return fmt.Errorf("spool.data_dir is required")
	}
	if !filepath.IsAbs(c.Spool.DataDir) {
		return fmt.Errorf("spool.data_dir must be an absolute path (got: %s)", c.Spool.DataDir)
	}
	if c.Spool.HardMemoryLimit > 0 && c.Spool.SoftMemoryLimit > c.Spool.HardMemoryLimit {
		return fmt.Errorf("spool.soft_memory_limit_bytes (%d) must not exceed spool.hard_memory_limit_bytes (%d)",
			c.Spool.SoftMemoryLimit, c.Spool.HardMemoryLimit)
	}
	return nil
}

func (c *Config) validateDNS() error {
	if c.DNS.MaxConcurrentResolves < 1 {
		return fmt.Errorf("dns.max_concurrent_resolves must be at least 1")
	}
	return nil
}

func (c *Config) validateDurations() error {
	durations := map[string]string{
		"spool.shrink_data_after":        c.Spool.ShrinkDataAfter,
		"spool.shrink_meta_after":        c.Spool.ShrinkMetaAfter,
		"dns.negative_ttl":               c.DNS.NegativeTTL,
		"dns.resolution_time_budget":     c.DNS.ResolutionTimeBudget,
		"shaping.callback_ttl":           c.Shaping.CallbackTTL,
		"log_bus.rotate_interval":        c.LogBus.RotateInterval,
		"shutdown.system_shutdown_timeout": c.Shutdown.SystemShutdownTimeout,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, value)
		}
	}
	return nil
}

// EnsureDirectories creates directories the engine needs at startup.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Spool.DataDir, c.LogBus.FileDir}
	if c.MTASTS.Enabled && c.MTASTS.CacheDir != "" {
		dirs = append(dirs, c.MTASTS.CacheDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
