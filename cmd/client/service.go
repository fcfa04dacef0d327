package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	svc "github.com/kardianos/service"
	"github.com/spf13/cobra"

	"sst/telemetry/pkg/logging"
)

// program runs the client under the service manager.
type program struct {
	cfgPath string
	cancel  context.CancelFunc
	done    chan struct{}
	logs    io.Closer
}

func (p *program) Start(s svc.Service) error {
	cfg, err := loadConfig(p.cfgPath)
	if err != nil {
		return err
	}
	p.logs = logging.Setup("client", cfg.Dir, logging.Rotation{MaxSizeMB: cfg.MaxSizeMB, MaxBackups: cfg.MaxBackups, MaxAgeDays: cfg.MaxAgeDays})
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := run(ctx, cfg); err != nil {
			log.Printf("[SERVICE] client stopped: %v", err)
		}
	}()
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	if p.logs != nil {
		p.logs.Close()
	}
	return nil
}

func serviceCmd(cfgPath *string) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:       "service <install|uninstall|start|stop|run>",
		Short:     "Control the client as a system service",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"install", "uninstall", "start", "stop", "run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return handleServiceCmd(args[0], name, *cfgPath)
		},
	}
	cmd.Flags().StringVar(&name, "svcname", "SSTTelemetryClient", "service name")
	return cmd
}

func handleServiceCmd(action, name, cfgPath string) error {
	cfg := &svc.Config{
		Name:        name,
		DisplayName: name,
		Description: "Server state telemetry client",
		Arguments:   []string{"service", "run", "--svcname", name, "--config", cfgPath},
		Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	s, err := svc.New(&program{cfgPath: cfgPath}, cfg)
	if err != nil {
		return err
	}
	switch strings.ToLower(action) {
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
		return fmt.Errorf("unknown service command: %s", action)
	}
}
