// Package shaping implements spec.md §3/§6 Shaping Entries: per-destination
// delivery parameters layered from a global default through
// site-name/suffix/provider overrides down to per-source overrides, with
// field-by-field inheritance and hot reload.
//
// Grounded on the teacher's internal/config (koanf + YAML, Validate())
// for the document shape, and on the teacher's use of fsnotify-style
// reload hooks noted in the pack manifests for the epoch-bump mechanism.
package shaping

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kumocorp/engine/internal/logging"
)

// TLSMode enumerates the STARTTLS discipline (spec.md §3/§4.7).
type TLSMode string

const (
	TLSDisabled              TLSMode = "Disabled"
	TLSOpportunisticInsecure TLSMode = "OpportunisticInsecure"
	TLSOpportunistic         TLSMode = "Opportunistic"
	TLSRequired              TLSMode = "Required"
	TLSRequiredInsecure      TLSMode = "RequiredInsecure"
)

// Entry is one layer of shaping configuration. Pointer fields distinguish
// "unset, inherit" from an explicit zero value, per spec.md §3's
// field-by-field layering rule.
type Entry struct {
	Match string `koanf:"match"` // site name, dotted suffix, or provider tag this entry applies to; "" is the global default

	ConnectionLimit            *int      `koanf:"connection_limit"`
	MaxConnectionRate          *string   `koanf:"max_connection_rate"`
	MaxMessageRate             *string   `koanf:"max_message_rate"`
	MaxDeliveriesPerConnection *int      `koanf:"max_deliveries_per_connection"`
	MaxReady                   *int      `koanf:"max_ready"`
	IdleTimeout                *string   `koanf:"idle_timeout"`
	BannerTimeout               *string  `koanf:"banner_timeout"`
	DataTimeout                 *string  `koanf:"data_timeout"`
	EnableTLS                   *string  `koanf:"enable_tls"`
	EnableMTASTS                *bool    `koanf:"enable_mta_sts"`
	EnableDANE                  *bool    `koanf:"enable_dane"`
	EnableRSET                  *bool    `koanf:"enable_rset"`
	EnablePipelining             *bool   `koanf:"enable_pipelining"`
	SMTPPort                     *int    `koanf:"smtp_port"`
	SkipHosts                    []string `koanf:"skip_hosts"`
	RememberBrokenTLS             *bool  `koanf:"remember_broken_tls"`
	SystemShutdownTimeout         *string `koanf:"system_shutdown_timeout"`
	OpportunisticTLSReconnect     *bool  `koanf:"opportunistic_tls_reconnect_on_failed_handshake"`
}

// ResolvedPath is the fully-layered, concrete shaping configuration for
// one egress path (queue, source, site). Every field has a value.
type ResolvedPath struct {
	ConnectionLimit            int
	MaxConnectionRate          float64 // per second
	MaxMessageRate             float64 // per second
	MaxDeliveriesPerConnection int
	MaxReady                   int
	IdleTimeout                time.Duration
	BannerTimeout               time.Duration
	DataTimeout                 time.Duration
	EnableTLS                   TLSMode
	EnableMTASTS                bool
	EnableDANE                  bool
	EnableRSET                  bool
	EnablePipelining             bool
	SMTPPort                     int
	SkipHosts                    []string
	RememberBrokenTLS             bool
	SystemShutdownTimeout         time.Duration
	OpportunisticTLSReconnect     bool // reconnect in plaintext after a failed STARTTLS handshake under Opportunistic mode
}

func defaultResolved() ResolvedPath {
	return ResolvedPath{
		ConnectionLimit:            10,
		MaxConnectionRate:          100,
		MaxMessageRate:             100,
		MaxDeliveriesPerConnection: 100,
		MaxReady:                   1024,
		IdleTimeout:                5 * time.Minute,
		BannerTimeout:              60 * time.Second,
		DataTimeout:                5 * time.Minute,
		EnableTLS:                  TLSOpportunistic,
		EnableMTASTS:               true,
		EnableDANE:                 true,
		EnableRSET:                 true,
		EnablePipelining:           true,
		SMTPPort:                   25,
		RememberBrokenTLS:          true,
		SystemShutdownTimeout:      5 * time.Minute,
		OpportunisticTLSReconnect:  true,
	}
}

// apply overlays e onto base, field-by-field; unset fields in e are left
// untouched in base.
func apply(base ResolvedPath, e Entry) (ResolvedPath, error) {
	if e.ConnectionLimit != nil {
		base.ConnectionLimit = *e.ConnectionLimit
	}
	if e.MaxConnectionRate != nil {
		v, err := parseRate(*e.MaxConnectionRate)
		if err != nil {
			return base, fmt.Errorf("shaping: max_connection_rate: %w", err)
		}
		base.MaxConnectionRate = v
	}
	if e.MaxMessageRate != nil {
		v, err := parseRate(*e.MaxMessageRate)
		if err != nil {
			return base, fmt.Errorf("shaping: max_message_rate: %w", err)
		}
		base.MaxMessageRate = v
	}
	if e.MaxDeliveriesPerConnection != nil {
		base.MaxDeliveriesPerConnection = *e.MaxDeliveriesPerConnection
	}
	if e.MaxReady != nil {
		base.MaxReady = *e.MaxReady
	}
	if e.IdleTimeout != nil {
		d, err := time.ParseDuration(*e.IdleTimeout)
		if err != nil {
			return base, fmt.Errorf("shaping: idle_timeout: %w", err)
		}
		base.IdleTimeout = d
	}
	if e.BannerTimeout != nil {
		d, err := time.ParseDuration(*e.BannerTimeout)
		if err != nil {
			return base, fmt.Errorf("shaping: banner_timeout: %w", err)
		}
		base.BannerTimeout = d
	}
	if e.DataTimeout != nil {
		d, err := time.ParseDuration(*e.DataTimeout)
		if err != nil {
			return base, fmt.Errorf("shaping: data_timeout: %w", err)
		}
		base.DataTimeout = d
	}
	if e.EnableTLS != nil {
		base.EnableTLS = TLSMode(*e.EnableTLS)
	}
	if e.EnableMTASTS != nil {
		base.EnableMTASTS = *e.EnableMTASTS
	}
	if e.EnableDANE != nil {
		base.EnableDANE = *e.EnableDANE
	}
	if e.EnableRSET != nil {
		base.EnableRSET = *e.EnableRSET
	}
	if e.EnablePipelining != nil {
		base.EnablePipelining = *e.EnablePipelining
	}
	if e.SMTPPort != nil {
		base.SMTPPort = *e.SMTPPort
	}
	if e.SkipHosts != nil {
		base.SkipHosts = e.SkipHosts
	}
	if e.RememberBrokenTLS != nil {
		base.RememberBrokenTLS = *e.RememberBrokenTLS
	}
	if e.SystemShutdownTimeout != nil {
		d, err := time.ParseDuration(*e.SystemShutdownTimeout)
		if err != nil {
			return base, fmt.Errorf("shaping: system_shutdown_timeout: %w", err)
		}
		base.SystemShutdownTimeout = d
	}
	if e.OpportunisticTLSReconnect != nil {
		base.OpportunisticTLSReconnect = *e.OpportunisticTLSReconnect
	}
	return base, nil
}

func parseRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	var perSecond float64
	if _, err := fmt.Sscanf(s, "%f", &perSecond); err != nil {
		return 0, err
	}
	return perSecond, nil
}

// Document is the on-disk shape of one shaping YAML file: an ordered list
// of entries, global default first.
type Document struct {
	Entries []Entry `koanf:"entries"`
}

// Config is the live, hot-reloadable shaping configuration. Reads are
// lock-free via an atomic snapshot pointer with an epoch counter, matching
// spec.md §5's copy-on-write distribution model.
type Config struct {
	logger *logging.Logger
	paths  []string
	epoch  atomic.Int64
	snap   atomic.Pointer[snapshot]

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
}

type snapshot struct {
	entries []Entry
	epoch   int64
}

// New loads the shaping documents named by paths and returns a Config. If
// hotReload is true, a background watcher bumps the epoch whenever any
// path changes; callers re-resolve affected paths lazily against the new
// epoch.
func New(paths []string, hotReload bool, logger *logging.Logger) (*Config, error) {
	c := &Config{logger: logger.WithFields("component", "shaping"), paths: paths}
	if err := c.reload(); err != nil {
		return nil, err
	}
	if hotReload {
		if err := c.startWatch(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Config) reload() error {
	var entries []Entry
	for _, path := range c.paths {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("shaping: load %s: %w", path, err)
		}
		var doc Document
		if err := k.Unmarshal("", &doc); err != nil {
			return fmt.Errorf("shaping: unmarshal %s: %w", path, err)
		}
		entries = append(entries, doc.Entries...)
	}
	epoch := c.epoch.Add(1)
	c.snap.Store(&snapshot{entries: entries, epoch: epoch})
	return nil
}

func (c *Config) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("shaping: start watcher: %w", err)
	}
	for _, path := range c.paths {
		if err := w.Add(path); err != nil {
			w.Close()
			return fmt.Errorf("shaping: watch %s: %w", path, err)
		}
	}
	c.watchMu.Lock()
	c.watcher = w
	c.watchMu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if err := c.reload(); err != nil {
						c.logger.Error("shaping reload failed", "error", err.Error(), "path", event.Name)
					} else {
						c.logger.Info("shaping config reloaded", "path", event.Name, "epoch", c.Epoch())
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Error("shaping watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}

// Close stops the hot-reload watcher, if any.
func (c *Config) Close() error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// Epoch returns the current configuration generation; consumers may cache
// a ResolvedPath against an epoch and invalidate when it changes.
func (c *Config) Epoch() int64 {
	return c.snap.Load().epoch
}

// Resolve layers the global default, then every entry whose Match is a
// suffix of site (or equals source/provider tags supplied via extra),
// applied in document order, then returns the fully-resolved path.
func (c *Config) Resolve(site string, extra ...string) (ResolvedPath, error) {
	snap := c.snap.Load()
	resolved := defaultResolved()

	matches := func(entry Entry) bool {
		if entry.Match == "" {
			return true // global default layer
		}
		if strings.HasSuffix(site, entry.Match) {
			return true
		}
		for _, tag := range extra {
			if tag == entry.Match {
				return true
			}
		}
		return false
	}

	var err error
	for _, e := range snap.entries {
		if !matches(e) {
			continue
		}
		resolved, err = apply(resolved, e)
		if err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}
