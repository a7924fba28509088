// Package main provides a multitrack recorder that captures every configured
// audio device and writes one file per track while the track carries sound.
//
// Usage:
//
//	multitrack [-config path/to/config.yaml] [-list-devices] [-version]
//
// If -config is not specified, the recorder looks for config.yaml in the same
// directory as the binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-multitrack/internal/config"
	"github.com/oszuidwest/zwfm-multitrack/internal/device"
	"github.com/oszuidwest/zwfm-multitrack/internal/engine"
	"github.com/oszuidwest/zwfm-multitrack/internal/eventlog"
	"github.com/oszuidwest/zwfm-multitrack/internal/notify"
	"github.com/oszuidwest/zwfm-multitrack/internal/recording"
	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file (default: config.yaml next to binary)")
	listDevices := flag.Bool("list-devices", false, "Print the available capture devices and exit")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("multitrack %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return 0
	}

	if *listDevices {
		return printDevices()
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			return 1
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.yaml")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		return 1
	}

	logFile, err := util.ConfigureLogger(cfg.System.LogLevel, cfg.System.LogFile)
	if err != nil {
		slog.Error("failed to configure logging", "error", err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close() //nolint:errcheck // Process is exiting
	}
	slog.Info("using config file", "path", cfg.Path())

	if cfg.System.Backend != config.BackendCommand {
		if err := device.Initialize(); err != nil {
			slog.Error("failed to initialize audio backend", "error", err)
			return 1
		}
		defer func() {
			if err := device.Terminate(); err != nil {
				slog.Warn("failed to terminate audio backend", "error", err)
			}
		}()
	}

	if err := cfg.CheckOutput(); err != nil {
		slog.Error("output directory not writable", "dir", cfg.Recording.OutputDir, "error", err)
		return 1
	}

	runID := uuid.NewString()

	events, err := eventlog.NewLogger(cfg.EventLogPath(), runID)
	if err != nil {
		slog.Error("failed to open event log", "error", err)
		return 1
	}
	defer events.Close() //nolint:errcheck // Process is exiting

	notifier := notify.New(cfg.Notify(), runID)

	var uploader *recording.Uploader
	if cfg.Upload.IsConfigured() {
		uploader, err = recording.NewUploader(cfg.Upload, runID, sink.Format(cfg.Recording.Format), func(res recording.UploadResult) {
			logUpload(events, res)
			notifier.HandleUpload(res)
		})
		if err != nil {
			slog.Error("failed to create uploader", "error", err)
			return 1
		}
	}

	engineCfg, err := cfg.Engine(cfg.Resolver())
	if err != nil {
		slog.Error("failed to resolve devices", "error", err)
		return 1
	}

	opts := engine.Options{
		Opener:  cfg.Opener(),
		Namer:   cfg.Namer(),
		RunID:   runID,
		Events:  events,
		OnAlert: notifier.HandleAlert,
	}
	if uploader != nil {
		opts.Uploader = uploader
	}

	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()

	handle, err := engine.Start(ctx, engineCfg, opts)
	if err != nil {
		slog.Error("failed to start recorder", "error", err)
		return 1
	}

	if days := cfg.Recording.RetentionDays; days > 0 {
		cleaner := recording.NewCleaner(cfg.Recording.OutputDir, sink.Format(cfg.Recording.Format), days)
		cleaner.Start()
		defer cleaner.Stop()
	}

	var version *VersionChecker
	if cfg.System.CheckUpdates {
		version = NewVersionChecker()
		defer version.Stop()
	}

	var httpServer *http.Server
	if cfg.System.Port > 0 {
		httpServer = NewServer(cfg, handle, version).Start()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case <-handle.Done():
		slog.Warn("all capture sessions ended")
	}

	handle.Stop()
	joinErr := handle.Join()

	if uploader != nil {
		uploader.Stop()
	}
	notifier.Close(types.ShutdownTimeout)

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}

	if joinErr != nil {
		slog.Error("recorder stopped with errors", "error", joinErr)
		return 1
	}
	slog.Info("shutdown complete")
	return 0
}

// printDevices lists the inputs of both capture backends on stdout.
func printDevices() int {
	fmt.Println("portaudio:")
	if err := device.Initialize(); err != nil {
		fmt.Printf("  unavailable: %v\n", err)
	} else {
		devices, err := device.List()
		if err != nil {
			fmt.Printf("  unavailable: %v\n", err)
		}
		for _, d := range devices {
			fmt.Printf("  %-40s %2d ch  %6d Hz\n", d.Name, d.Channels, d.SampleRate)
		}
		_ = device.Terminate()
	}

	fmt.Println("command:")
	for _, d := range device.ListCommand() {
		fmt.Printf("  %-40s %s\n", d.Name, d.ID)
	}
	return 0
}

// logUpload records an upload outcome in the event log.
func logUpload(events *eventlog.Logger, res recording.UploadResult) {
	typ, msg := eventlog.UploadCompleted, ""
	if res.Err != nil {
		typ, msg = eventlog.UploadFailed, res.Err.Error()
	}
	if err := events.LogUpload(typ, res.File.Path, res.Key, msg); err != nil {
		slog.Warn("failed to log upload", "path", res.File.Path, "error", err)
	}
}
