// Command picosnitch is the picosnitch daemon binary. It loads the daemon's
// YAML configuration, wires the Monitor→Updater pipeline and its four
// collaborator workers under a Supervisor, serves the local introspection
// API, and exits gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/aschaap/picosnitch-go/internal/audit"
	"github.com/aschaap/picosnitch-go/internal/config"
	"github.com/aschaap/picosnitch-go/internal/hasher"
	"github.com/aschaap/picosnitch-go/internal/introspect"
	"github.com/aschaap/picosnitch-go/internal/kprobe"
	"github.com/aschaap/picosnitch-go/internal/monitor"
	"github.com/aschaap/picosnitch-go/internal/persistence"
	"github.com/aschaap/picosnitch-go/internal/procinfo"
	"github.com/aschaap/picosnitch-go/internal/reputation"
	"github.com/aschaap/picosnitch-go/internal/supervisor"
	"github.com/aschaap/picosnitch-go/internal/updater"
)

// version is the human-readable build version, matching spec.md §6's
// "version" subcommand.
const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "/etc/picosnitch/config.yaml", "path to the picosnitch daemon YAML configuration file")
	fs.Parse(os.Args[2:])

	switch cmd {
	case "start":
		if err := runStart(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "picosnitch: %v\n", err)
			os.Exit(1)
		}
	case "stop":
		if err := runStop(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "picosnitch: %v\n", err)
			os.Exit(1)
		}
	case "restart":
		if err := runStop(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "picosnitch: stop phase of restart: %v\n", err)
		}
		if err := runStart(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "picosnitch: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("picosnitch", version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: picosnitch <start|stop|restart|version> [-config path]")
}

// runStop reads the pidfile in the configured state directory and signals
// the running daemon to terminate, matching the Supervisor's termination
// protocol (§4.5): workers notice within their blocking-receive timeout or
// at the next loop boundary.
func runStop(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pid, err := readPidfile(pidfilePath(cfg.StateDir))
	if err != nil {
		return fmt.Errorf("read pidfile: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	return nil
}

func pidfilePath(stateDir string) string {
	return filepath.Join(stateDir, "picosnitch.pid")
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

func writePidfile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// runStart wires and runs the full pipeline in the foreground until a
// shutdown signal arrives.
func runStart(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	store, err := persistence.New(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state directory: %w", err)
	}
	if err := writePidfile(pidfilePath(cfg.StateDir), os.Getpid()); err != nil {
		logger.Warn("failed to write pidfile", slog.Any("error", err))
	}
	defer os.Remove(pidfilePath(cfg.StateDir))

	ledger, err := persistence.OpenPendingLedger(filepath.Join(cfg.StateDir, "pending.db"))
	if err != nil {
		return fmt.Errorf("open pending-digest ledger: %w", err)
	}
	defer ledger.Close()

	snitchState, err := store.LoadState()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load persisted state: %w", err)
		}
		snitchState = updater.NewState(updater.DefaultConfig())
		logger.Info("no persisted state found, starting with a fresh knowledge base")
	} else {
		logger.Info("loaded persisted state", slog.Int("executables", len(snitchState.Processes)))
	}

	source := kprobe.NewLinuxSource(nil)
	mon := monitor.New(source, monitor.WithLogger(logger))
	h := hasher.New(hasher.WithLogger(logger))
	resolver := procinfo.New(procinfo.WithLogger(logger))
	rep := reputation.New(
		reputation.DisabledService{},
		reputation.WithLogger(logger),
		reputation.WithInterval(time.Duration(snitchState.Config.VTLimitRequest*float64(time.Second))),
		reputation.WithFileUpload(snitchState.Config.VTFileUpload),
	)

	auditLogger, err := audit.Open(filepath.Join(cfg.StateDir, "audit.log"))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLogger.Close()

	notifier := updater.AuditNotifier{Logger: logger, Audit: auditLogger}

	buildUpdater := func(seed *updater.State) *updater.Updater {
		return updater.New(mon.Events(), h, resolver, rep,
			updater.WithLogger(logger),
			updater.WithNotifier(notifier),
			updater.WithPersister(store),
			updater.WithPendingLedger(ledger),
			updater.WithState(seed),
		)
	}
	up := buildUpdater(snitchState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(supervisor.Deps{
		Monitor:    mon,
		Resolver:   resolver,
		Hasher:     h,
		Reputation: rep,
		Updater:    up,
		SelfPID:    os.Getpid(),
		RebuildUpdater: func(seed *updater.State) *updater.Updater {
			return buildUpdater(seed)
		},
	},
		supervisor.WithLogger(logger),
		supervisor.WithMonitorMemCeilingMiB(cfg.MonitorMemCeilingMiB),
		supervisor.WithUpdaterMemCeilingMiB(cfg.UpdaterMemCeilingMiB),
	)

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	up.ResumePending(ctx)

	initial := procinfo.InitialScan(snitchState.Config.OnlyLogConnections, logger)
	up.Prime(ctx, initial)

	introServer := introspect.New(up)
	httpServer := &http.Server{
		Addr:         cfg.IntrospectAddr,
		Handler:      introspect.NewRouter(introServer),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("introspection API listening", slog.String("addr", cfg.IntrospectAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("introspection API server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-sup.Aborted():
		logger.Error("supervisor aborted the pipeline")
	}

	sup.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("introspection API shutdown error", slog.Any("error", err))
	}

	logger.Info("picosnitch exited cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
