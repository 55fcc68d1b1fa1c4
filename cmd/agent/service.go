package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	svc "github.com/kardianos/service"
)

// program adapts the agent to kardianos/service.
type program struct {
	opts   options
	logger *log.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := runAgent(ctx, p.opts, p.logger); err != nil {
			p.logger.Error("agent stopped", "err", err)
		}
	}()
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(15 * time.Second):
		p.logger.Warn("agent did not stop in time")
	}
	return nil
}

func handleServiceCmd(opts options, logger *log.Logger) error {
	cfg := &svc.Config{
		Name:        opts.svcName,
		DisplayName: opts.svcName,
		Description: "Riptide share agent",
		Arguments:   []string{"--config", opts.configPath, "--service", "run"},
		Option:      svc.KeyValue{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	p := &program{opts: opts, logger: logger}
	s, err := svc.New(p, cfg)
	if err != nil {
		return err
	}
	switch strings.ToLower(opts.svcCmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", opts.svcCmd)
	}
}
