// riptide-agent keeps this node connected to the Riptide Central API and
// serves share uploads, metadata and status requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"riptide/agent/pkg/admin"
	"riptide/agent/pkg/agent"
	"riptide/agent/pkg/config"
	"riptide/agent/pkg/logging"
	"riptide/agent/pkg/store"
)

var version = "0.1.0"

const readyPoll = 5 * time.Second

type options struct {
	configPath  string
	svcCmd      string
	svcName     string
	logLevel    string
	reload      bool
	list        bool
	showVersion bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("riptide-agent", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "config file, .yaml or .json (default "+config.DefaultPath()+")")
	fs.StringVar(&o.svcCmd, "service", "", "service control: install|uninstall|start|stop|run")
	fs.StringVar(&o.svcName, "svcname", "RiptideAgent", "service name")
	fs.StringVar(&o.logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	fs.BoolVar(&o.reload, "reload", false, "ask a running agent to reload its configuration and exit")
	fs.BoolVar(&o.list, "list", false, "list registered shares and exit")
	fs.BoolVarP(&o.showVersion, "version", "v", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.configPath == "" {
		o.configPath = config.DefaultPath()
	}
	if abs, err := filepath.Abs(o.configPath); err == nil {
		o.configPath = abs
	}
	return o, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Println("riptide-agent", version)
		return nil
	}
	if opts.reload {
		if err := config.RequestReload(filepath.Dir(opts.configPath)); err != nil {
			return fmt.Errorf("request reload: %w", err)
		}
		fmt.Println("reload requested")
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	logger, closer := logging.Setup("agent", cfg.Log)
	defer closer.Close()

	if opts.list {
		return listShares(cfg)
	}
	if opts.svcCmd != "" {
		return handleServiceCmd(opts, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("starting", "version", version, "config", opts.configPath)
	return runAgent(ctx, opts, logger)
}

// runAgent starts the engine and restarts it in-process whenever a reload
// is requested. It returns nil on a clean shutdown.
func runAgent(ctx context.Context, opts options, logger *log.Logger) error {
	stats := agent.NewStats()
	for {
		cfg, err := waitReady(ctx, opts, logger)
		if err != nil {
			return nil
		}
		logging.Apply(logger, cfg.Log)
		err = runOnce(ctx, cfg, stats, logger)
		switch {
		case errors.Is(err, config.ErrReloadRequested):
			logger.Info("reloading configuration")
			continue
		case ctx.Err() != nil:
			logger.Info("shutting down")
			return nil
		default:
			return err
		}
	}
}

func runOnce(ctx context.Context, cfg config.AgentConfig, stats *agent.Stats, logger *log.Logger) error {
	if err := os.MkdirAll(cfg.FileStoreLocation, 0o755); err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabaseLocation), 0o755); err != nil {
		return fmt.Errorf("database dir: %w", err)
	}
	db, err := store.Open(store.Config{Path: cfg.DatabaseLocation, Logger: logger.WithPrefix("store")})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("close store", "err", err)
		}
	}()

	o := agent.Build(cfg, db, logger, stats)
	if cfg.AdminAddr != "" {
		o.Add("admin", admin.New(cfg.AdminAddr, stats, db, logger.WithPrefix("admin")))
	}
	logger.Info("agent running", "endpoint", cfg.Endpoint(), "public_id", cfg.PublicID)
	return o.Run(ctx)
}

// waitReady blocks until the config file exists, the agent is registered
// and the config validates. It only fails when ctx ends.
func waitReady(ctx context.Context, opts options, logger *log.Logger) (config.AgentConfig, error) {
	for {
		var reason string
		cfg, err := config.Load(opts.configPath)
		switch {
		case !config.Exists(opts.configPath):
			reason = "config file not found"
		case err != nil:
			reason = err.Error()
		case !cfg.Registered():
			reason = "agent is not registered"
		default:
			if verr := cfg.Validate(); verr != nil {
				reason = verr.Error()
			} else {
				if opts.logLevel != "" {
					cfg.Log.Level = opts.logLevel
				}
				return cfg, nil
			}
		}
		logger.Warn("waiting to start", "reason", reason, "config", opts.configPath, "retry_in", readyPoll)
		t := time.NewTimer(readyPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return config.AgentConfig{}, ctx.Err()
		case <-t.C:
		}
	}
}

func listShares(cfg config.AgentConfig) error {
	db, err := store.Open(store.Config{Path: cfg.DatabaseLocation, PoolSize: 1, Logger: log.Default()})
	if err != nil {
		return err
	}
	defer db.Close()
	shares, err := db.ListShares(context.Background(), "")
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tNAME\tSIZE\tEXPIRES")
	for _, sh := range shares {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", sh.FileID, sh.UserName, sh.FileName, sh.FileSize, time.Unix(sh.Exp, 0).Format(time.RFC3339))
	}
	return tw.Flush()
}
