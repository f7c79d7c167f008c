// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/cognition/pkg/logging"
	"github.com/AleutianAI/cognition/services/cognition"
	"github.com/AleutianAI/cognition/services/cognition/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	root       string
	configPath string
	mode       string
	logLevel   string
}

func defaultRoot() string {
	if root := os.Getenv("COGNITION_ROOT"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cognition"
	}
	return filepath.Join(home, ".cognition")
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "cognition",
		Short: "Cognitive cycle engine: durable, queryable history of project activity",
		Long: `cognition observes file edits and commits recorded as NDJSON traces, runs
the analysis pipeline once per distinct input and keeps a hash-chained ledger,
a cache index, rotating snapshots and a pattern evolution log under --root.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.root, "root", defaultRoot(), "storage root directory")
	pf.StringVar(&g.configPath, "config", "", "config file (default <root>/cognition.yaml)")
	pf.StringVar(&g.mode, "mode", "development", "deployment mode used when creating the config")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (overrides the config)")

	root.AddCommand(
		newRunCmd(g),
		newCycleCmd(g),
		newVerifyCmd(g),
		newIndexCmd(g),
		newQueryCmd(g),
		newReconstructCmd(g),
		newEvolutionCmd(g),
		newSnapshotCmd(g),
	)
	return root
}

// loadConfig reads the config, creating it on first run.
func (g *globalFlags) loadConfig() (config.Config, error) {
	mode, err := config.ParseMode(g.mode)
	if err != nil {
		return config.Config{}, err
	}
	path := g.configPath
	if path == "" {
		path = filepath.Join(g.root, config.FileName)
	}
	cfg, created, err := config.LoadFile(g.root, path, mode)
	if err != nil {
		return config.Config{}, err
	}
	if created {
		fmt.Fprintf(os.Stderr, "First run detected, created the config at %s\n", path)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}

// newLogger sends text to a terminal and JSON otherwise.
func newLogger(cfg config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Paths().Logs,
		Service: "cognition",
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()),
	}), nil
}

// session is an open service plus its logger.
type session struct {
	cfg    config.Config
	logger *logging.Logger
	svc    *cognition.Service
}

func (g *globalFlags) open(mutate func(*config.Config)) (*session, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger.Slog())
	svc, err := cognition.Open(cfg, cognition.Options{Logger: logger.Slog()})
	if err != nil {
		logger.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, svc: svc}, nil
}

func (s *session) close() error {
	err := s.svc.Close()
	if lerr := s.logger.Close(); err == nil {
		err = lerr
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
