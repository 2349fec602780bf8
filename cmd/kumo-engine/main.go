package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kumocorp/engine/internal/config"
	"github.com/kumocorp/engine/internal/egress"
	"github.com/kumocorp/engine/internal/engine"
	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/policy"
	"github.com/kumocorp/engine/internal/scheduledqueue"
	"github.com/kumocorp/engine/internal/spool"
)

var (
	cfgFile   string
	cfg       *config.Config
	adminAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kumo-engine",
	Short: "Outbound mail transfer engine",
	Long: `kumo-engine accepts, schedules, shapes, and delivers outbound mail:
- Durable crash-safe spool
- Per-destination Scheduled Queues, per-source/site Ready Queues
- GCRA-based connection/message rate shaping
- Admin control: bounce, suspend, resume, rebind, transfer
- A log event bus fanning reception/delivery/bounce records out to
  files, webhooks, AMQP, and Kafka`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

// buildDeps translates cfg.Routing/cfg.DKIM into the concrete engine.Deps
// a deployment without a separate out-of-process policy service needs,
// via internal/policy's static resolvers.
func buildDeps(cfg *config.Config) engine.Deps {
	queueRules := make([]policy.QueueRule, 0, len(cfg.Routing.Queues))
	for _, q := range cfg.Routing.Queues {
		queueRules = append(queueRules, policy.QueueRule{
			DomainSuffix:     q.DomainSuffix,
			Protocol:         q.Protocol,
			EgressPool:       q.EgressPool,
			MaxAge:           q.MaxAge,
			RetryInterval:    q.RetryInterval,
			MaxRetryInterval: q.MaxRetryInterval,
			MaxMessageRate:   q.MaxMessageRate,
		})
	}
	defRule := policy.QueueRule{
		Protocol:         cfg.Routing.DefaultQueue.Protocol,
		EgressPool:       cfg.Routing.DefaultQueue.EgressPool,
		MaxAge:           cfg.Routing.DefaultQueue.MaxAge,
		RetryInterval:    cfg.Routing.DefaultQueue.RetryInterval,
		MaxRetryInterval: cfg.Routing.DefaultQueue.MaxRetryInterval,
		MaxMessageRate:   cfg.Routing.DefaultQueue.MaxMessageRate,
	}

	sources := make(map[string]egress.Source, len(cfg.Routing.EgressSources))
	for _, s := range cfg.Routing.EgressSources {
		sources[s.Name] = egress.Source{
			Name:          s.Name,
			SourceAddress: s.SourceAddress,
			EHLODomain:    s.EHLODomain,
			RemotePort:    s.RemotePort,
		}
	}
	pools := make(map[string]egress.Pool, len(cfg.Routing.EgressPools))
	for _, p := range cfg.Routing.EgressPools {
		entries := make([]egress.PoolEntry, 0, len(p.Entries))
		for _, e := range p.Entries {
			entries = append(entries, egress.PoolEntry{SourceName: e.SourceName, Weight: e.Weight})
		}
		pools[p.Name] = egress.Pool{Name: p.Name, Entries: entries}
	}

	return engine.Deps{
		QueueConfig:  policy.StaticQueueConfig(queueRules, defRule),
		EgressSource: policy.StaticEgressSource(sources),
		EgressPool:   policy.StaticEgressPool(pools),
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the outbound delivery engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}

		// resources tracks every long-lived handle so cleanup can unwind
		// them in reverse order of acquisition, on both the error and
		// signal paths.
		type resources struct {
			logger *logging.Logger
			eng    *engine.Engine
		}
		var res resources

		shutdownTimeout := 5 * time.Minute
		if d, err := time.ParseDuration(cfg.Shutdown.SystemShutdownTimeout); err == nil && d > 0 {
			shutdownTimeout = d
		}

		cleanup := func() {
			if res.eng != nil {
				if res.logger != nil {
					res.logger.Info("stopping delivery engine")
				}
				if err := res.eng.Stop(shutdownTimeout); err != nil && res.logger != nil {
					res.logger.Error("engine shutdown error", "error", err.Error())
				}
			}
			if res.logger != nil {
				res.logger.Info("shutdown complete")
			}
		}

		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC during engine operation: %v\n", r)
				cleanup()
				panic(r)
			}
		}()

		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		res.logger = logger
		logger.Info("kumo-engine starting", "hostname", cfg.Node.Hostname, "node_id", cfg.Node.NodeID)

		eng, err := engine.New(cfg, buildDeps(cfg), logger)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to construct engine: %w", err)
		}
		res.eng = eng

		for _, d := range cfg.DKIM {
			if d.KeyFile == "" {
				continue
			}
			if err := eng.DKIM().AddSigner(d.Domain, d.Selector, d.KeyFile); err != nil {
				logger.Warn("failed to load DKIM key for domain", "domain", d.Domain, "error", err.Error())
				continue
			}
			logger.Info("loaded DKIM key", "domain", d.Domain, "selector", d.Selector)
		}

		n, err := eng.RebuildFromSpool(context.Background())
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to rebuild scheduled queues from spool: %w", err)
		}
		logger.Info("rebuilt scheduled queues from spool", "messages", n)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		eng.Start(ctx)
		logger.Info("engine started",
			"admin_enabled", cfg.Admin.Enabled, "admin_listen", cfg.Admin.Listen,
			"metrics_enabled", cfg.Metrics.Enabled, "metrics_listen", cfg.Metrics.Listen)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())

		cleanup()
		logger.Info("engine stopped")
		return nil
	},
}

type spoolEntryView struct {
	ID   string      `json:"id"`
	Meta message.Meta `json:"meta"`
}

var enumerateSpoolCmd = &cobra.Command{
	Use:   "enumerate-spool",
	Short: "Print every message currently held in the durable spool as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.Default()
		eng, err := engine.New(cfg, engine.Deps{QueueConfig: func(string) (scheduledqueue.QueueConfig, error) {
			return scheduledqueue.QueueConfig{}, nil
		}}, logger)
		if err != nil {
			return fmt.Errorf("failed to open spool: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		return eng.Spool().Enumerate(context.Background(), func(entry spool.Entry) error {
			return enc.Encode(spoolEntryView{ID: string(entry.ID), Meta: entry.Meta})
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("kumo-engine v0.1.0")
	},
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Issue one-shot operator control requests against a running engine's admin API",
}

// addPatternFlags registers the domain/tenant/campaign/queue match flags
// shared by every admin subcommand. Must be called during init(), before
// cobra parses arguments — flags registered inside a RunE are too late.
func addPatternFlags(cmd *cobra.Command) {
	cmd.Flags().String("domain", "", "match queues for this recipient domain")
	cmd.Flags().String("tenant", "", "match queues for this tenant")
	cmd.Flags().String("campaign", "", "match queues for this campaign")
	cmd.Flags().String("queue", "", "match this exact queue name")
}

func patternArgs(cmd *cobra.Command) map[string]any {
	domain, _ := cmd.Flags().GetString("domain")
	tenant, _ := cmd.Flags().GetString("tenant")
	campaign, _ := cmd.Flags().GetString("campaign")
	queueName, _ := cmd.Flags().GetString("queue")
	return map[string]any{"domain": domain, "tenant": tenant, "campaign": campaign, "queue_name": queueName}
}

func postAdminJSON(path string, body any) (map[string]any, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("http://%s%s", adminAddr, path)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("admin request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading admin response: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		// Non-JSON body: a plain-text error from http.Error, most likely.
		out = map[string]any{"status": resp.StatusCode, "body": string(raw)}
	}
	if resp.StatusCode >= 300 {
		return out, fmt.Errorf("admin request failed with status %d: %s", resp.StatusCode, raw)
	}
	return out, nil
}

var adminBounceCmd = &cobra.Command{
	Use:   "bounce",
	Short: "Bounce every message in the matched queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := patternArgs(cmd)
		body["reason"], _ = cmd.Flags().GetString("reason")
		out, err := postAdminJSON("/admin/bounce", body)
		fmt.Printf("%v\n", out)
		return err
	},
}

var adminSuspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Suspend the matched queues for a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		until, _ := cmd.Flags().GetDuration("until")
		body := patternArgs(cmd)
		body["until_seconds"] = until.Seconds()
		out, err := postAdminJSON("/admin/suspend", body)
		fmt.Printf("%v\n", out)
		return err
	},
}

var adminResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the matched suspended queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := postAdminJSON("/admin/resume", patternArgs(cmd))
		fmt.Printf("%v\n", out)
		return err
	},
}

var adminXferCmd = &cobra.Command{
	Use:   "xfer",
	Short: "Transfer the matched queues to another node",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := patternArgs(cmd)
		body["target_node_url"], _ = cmd.Flags().GetString("target")
		out, err := postAdminJSON("/admin/xfer", body)
		fmt.Printf("%v\n", out)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/kumo-engine/config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enumerateSpoolCmd)
	rootCmd.AddCommand(versionCmd)

	adminCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:9091", "admin API host:port")
	for _, c := range []*cobra.Command{adminBounceCmd, adminSuspendCmd, adminResumeCmd, adminXferCmd} {
		addPatternFlags(c)
	}
	adminBounceCmd.Flags().String("reason", "", "bounce reason text")
	adminSuspendCmd.Flags().Duration("until", time.Hour, "suspend duration")
	adminXferCmd.Flags().String("target", "", "target node admin API base URL")
	adminCmd.AddCommand(adminBounceCmd, adminSuspendCmd, adminResumeCmd, adminXferCmd)
	rootCmd.AddCommand(adminCmd)
}
