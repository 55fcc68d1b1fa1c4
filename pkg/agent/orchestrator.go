package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"riptide/agent/pkg/config"
	"riptide/agent/pkg/proto"
	"riptide/agent/pkg/transport"
	"riptide/agent/pkg/upload"
)

// ErrTaskExited means a long-running task returned while nothing asked it to.
var ErrTaskExited = errors.New("agent: task exited")

type Runner interface {
	Run(ctx context.Context) error
}

type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

type namedRunner struct {
	name string
	r    Runner
}

// Orchestrator runs the agent's tasks together; the first one to stop
// stops them all.
type Orchestrator struct {
	tasks   []namedRunner
	closers []io.Closer
	logger  *log.Logger
}

func NewOrchestrator(logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{logger: logger}
}

func (o *Orchestrator) Add(name string, r Runner) {
	o.tasks = append(o.tasks, namedRunner{name: name, r: r})
}

// OnStop registers c to be closed once every task has returned. Closers
// run in reverse registration order.
func (o *Orchestrator) OnStop(c io.Closer) {
	o.closers = append(o.closers, c)
}

// Run blocks until ctx ends (ctx.Err()), a reload is requested
// (config.ErrReloadRequested) or a task exits on its own (ErrTaskExited).
// Every task has returned by the time Run does.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range o.tasks {
		t := t
		g.Go(func() error {
			o.logger.Debug("task started", "task", t.name)
			err := t.r.Run(gctx)
			switch {
			case errors.Is(err, config.ErrReloadRequested):
				return err
			case gctx.Err() != nil:
				o.logger.Debug("task stopped", "task", t.name)
				return nil
			case err == nil:
				return fmt.Errorf("%w: %s", ErrTaskExited, t.name)
			default:
				return fmt.Errorf("%w: %s: %w", ErrTaskExited, t.name, err)
			}
		})
	}
	err := g.Wait()
	for i := len(o.closers) - 1; i >= 0; i-- {
		if cerr := o.closers[i].Close(); cerr != nil {
			o.logger.Warn("close on stop", "err", cerr)
		}
	}
	if err == nil {
		return ctx.Err()
	}
	return err
}

// Build wires the connection engine for cfg over st: supervisor, sweeper
// and reload watcher. Callers may Add further tasks before Run.
func Build(cfg config.AgentConfig, st ShareStore, logger *log.Logger, stats *Stats) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	up := upload.New(upload.Config{
		Root:          cfg.FileStoreLocation,
		MaxAttempts:   cfg.MaxUploadAttempts,
		RetryInterval: cfg.UploadRetryInterval.Std(),
		Client:        &http.Client{Timeout: 30 * time.Minute},
		Logger:        logger.WithPrefix("upload"),
	})

	dialer := &transport.WebsocketDialer{}
	if len(cfg.DNSServers) > 0 {
		dialer.Resolver = transport.NewResolver(cfg.DNSServers, 2*time.Second, 5*time.Minute)
	}

	sup := NewSupervisor(SupervisorConfig{
		Endpoint:       cfg.Endpoint(),
		Dialer:         dialer,
		Handler:        NewHandler(cfg, st, up, logger.WithPrefix("handler"), stats),
		Session:        SessionOptions{Codec: proto.CBOR{}, ReplyCapacity: DefaultReplyCapacity},
		ReconnectDelay: cfg.ReconnectDelay.Std(),
		Logger:         logger.WithPrefix("supervisor"),
		Stats:          stats,
	})

	o := NewOrchestrator(logger)
	o.OnStop(up)
	o.Add("supervisor", sup)
	o.Add("sweeper", NewSweeper(st, cfg.FileStoreLocation, cfg.SweepInterval.Std(), logger.WithPrefix("sweeper"), stats))
	o.Add("reload", config.NewReloadWatcher(cfg, logger.WithPrefix("reload")))
	return o
}
