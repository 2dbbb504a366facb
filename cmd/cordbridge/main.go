// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command cordbridge runs the Discord bridge against a plain terminal
// host. Buffers are printed to stdout with their short name, input lines
// go to the current buffer and /discord commands drive the bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aiku/cordbridge/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("cordbridge", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to the config file, created from the example if missing")
	token := flags.String("token", "", "account token, overrides DISCORD_TOKEN and the config file")
	envFile := flags.String("env-file", ".env", "dotenv file to load before reading DISCORD_TOKEN")
	debug := flags.BoolP("debug", "d", false, "log at debug level")
	noUpdate := flags.Bool("no-update", false, "don't write the upgraded config back to disk")
	version := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *version {
		fmt.Printf("cordbridge %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return nil
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}
	if err := ensureConfig(*configPath); err != nil {
		return err
	}
	cfg, err := connector.LoadConfig(*configPath, !*noUpdate)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if env := os.Getenv("DISCORD_TOKEN"); env != "" {
		cfg.Token = env
	}
	if *token != "" {
		cfg.Token = *token
	}

	log, closeLog, err := setupLogging(cfg.Logging, *debug)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host := newTermHost(os.Stdout)
	bridge := connector.New(cfg, host, log)
	bridge.Styler = termStyle{}
	defer bridge.Close()
	if _, err := bridge.RegisterCommands(); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	if cfg.Token == "" {
		host.CorePrint("discord: no token configured, set DISCORD_TOKEN or token in " + *configPath)
	} else if err := bridge.Connect(ctx); err != nil {
		host.CorePrint("discord: connect failed: " + err.Error())
	}

	done := make(chan error, 1)
	go func() {
		done <- host.Run(os.Stdin)
	}()
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		return nil
	case err := <-done:
		return err
	}
}

func ensureConfig(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.WriteFile(path, []byte(connector.ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}

func setupLogging(cfg connector.LoggingConfig, debug bool) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if debug {
		level = zerolog.DebugLevel
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}}
	closeLog := func() {}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 3,
			Compress:   true,
		}
		writers = append(writers, file)
		closeLog = func() { _ = file.Close() }
	}
	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().
		Logger()
	exzerolog.SetupDefaults(&log)
	return log, closeLog, nil
}
