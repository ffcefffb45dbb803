// Command voidrun is the CLI entry point: init/up/down/status subcommands
// over urfave/cli/v2, a PID file plus signal-handling bootstrap, and wiring
// for the config/registry/backend/API stack.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vaderyang/voidrun/internal/api"
	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/backend/container"
	"github.com/vaderyang/voidrun/internal/backend/jail"
	"github.com/vaderyang/voidrun/internal/config"
	"github.com/vaderyang/voidrun/internal/faas"
	"github.com/vaderyang/voidrun/internal/lifecycle"
	"github.com/vaderyang/voidrun/internal/logging"
	"github.com/vaderyang/voidrun/internal/portpool"
	"github.com/vaderyang/voidrun/internal/registry"
	"github.com/vaderyang/voidrun/internal/stats"
)

func main() {
	app := &cli.App{
		Name:  "voidrun",
		Usage: "sandbox execution service",
		Commands: []*cli.Command{
			initCmd(),
			upCmd(),
			downCmd(),
			statusCmd(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to a voidrun.toml config file",
}

var pidPathFlag = &cli.StringFlag{
	Name:  "pid-file",
	Usage: "path to the PID file written by 'up'",
	Value: "voidrun.pid",
}

// initCmd corresponds to the "init" command: write a default config file.
func initCmd() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "write a default voidrun.toml config file",
		UsageText: "voidrun init [--config path]",
		Flags:     []cli.Flag{configFlag},
		Action: func(ctx *cli.Context) error {
			outPath := ctx.String("config")
			if outPath == "" {
				outPath = "voidrun.toml"
			}
			if err := config.Save(config.Defaults(), outPath); err != nil {
				return err
			}
			fmt.Printf("wrote default config to %s\n", outPath)
			fmt.Printf("start the service with: voidrun up --config %s\n", outPath)
			return nil
		},
	}
}

// upCmd corresponds to the "up" command: load config, wire every subsystem,
// and serve until a signal arrives.
func upCmd() *cli.Command {
	return &cli.Command{
		Name:      "up",
		Usage:     "start the voidrun server",
		UsageText: "voidrun up [--config path]",
		Flags:     []cli.Flag{configFlag, pidPathFlag},
		Action: func(ctx *cli.Context) error {
			return runServer(ctx.String("config"), ctx.String("pid-file"))
		},
	}
}

func runServer(confPath, pidPath string) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	logging.Init(os.Stdout, logging.ParseFormat(cfg.Log.Format), logging.ParseLevel(cfg.Log.Level))
	log := logging.For("voidrun")

	if err := writePidFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	var be backend.Backend
	switch cfg.Backend.Kind {
	case "container":
		be = container.New(cfg.Backend.ContainerImagePrefix, logging.For("backend.container"))
	case "jail":
		be = jail.New(cfg.Backend.JailRoot, logging.For("backend.jail"))
	default:
		return fmt.Errorf("unknown backend.kind %q", cfg.Backend.Kind)
	}
	if !be.Available() {
		// Backend unavailable at startup is fatal per the error taxonomy.
		return fmt.Errorf("backend %q is not available; is the dependency reachable?", be.Name())
	}

	ports, err := portpool.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	if err != nil {
		return err
	}

	reg := registry.New()
	statsReg := stats.NewRegistry()
	lc := lifecycle.New(cfg, reg, ports, be, logging.For("lifecycle"), statsReg)

	publicURL := func(deploymentID string) string {
		return fmt.Sprintf("http://%s:%d/faas/%s", cfg.Server.Host, cfg.Server.Port, deploymentID)
	}
	fm := faas.New(lc, reg, publicURL, logging.For("faas"))
	if err := fm.Start(cfg.Cleanup.IntervalSeconds); err != nil {
		return fmt.Errorf("could not start autoscale sweep: %w", err)
	}
	defer fm.Stop()

	srv := api.New(lc, reg, fm, statsReg, logging.For("api"))

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr(), "backend", be.Name())
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		log.Info("received shutdown signal, draining")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warn("http shutdown did not complete cleanly", "error", err)
		}
		teardownAll(reg, lc, log)
	}

	return nil
}

// teardownAll destroys every remaining sandbox, best-effort, bounded by a
// shutdown timeout — the two-singleton explicit-teardown discipline.
func teardownAll(reg *registry.Registry, lc *lifecycle.Manager, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, sb := range reg.List() {
		if err := lc.Destroy(ctx, sb.ID); err != nil {
			log.Warn("failed to destroy sandbox during shutdown", "id", sb.ID, "error", err)
		}
	}
}

func writePidFile(pidPath string) error {
	if _, err := os.Stat(pidPath); err == nil {
		return fmt.Errorf("previous voidrun process may be running, %s already exists", pidPath)
	}
	if dir := filepath.Dir(pidPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// downCmd corresponds to the "down" command: signal a running voidrun
// process to shut down cleanly via its PID file.
func downCmd() *cli.Command {
	return &cli.Command{
		Name:      "down",
		Usage:     "stop a running voidrun server",
		UsageText: "voidrun down [--pid-file path]",
		Flags:     []cli.Flag{pidPathFlag},
		Action: func(ctx *cli.Context) error {
			pidPath := ctx.String("pid-file")
			raw, err := os.ReadFile(pidPath)
			if err != nil {
				return fmt.Errorf("could not read pid file %s: %w", pidPath, err)
			}
			pid, err := strconv.Atoi(string(raw))
			if err != nil {
				return fmt.Errorf("bad pid in %s: %w", pidPath, err)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			return proc.Signal(syscall.SIGTERM)
		},
	}
}

// statusCmd corresponds to the "status" command: hit /health.
func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "check a running voidrun server's health endpoint",
		UsageText: "voidrun status [--config path]",
		Flags:     []cli.Flag{configFlag},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			url := fmt.Sprintf("http://%s/health", cfg.Addr())
			resp, err := http.Get(url)
			if err != nil {
				return fmt.Errorf("could not reach %s: %w", url, err)
			}
			defer resp.Body.Close()
			fmt.Printf("%s => %s\n", url, resp.Status)
			return nil
		},
	}
}
