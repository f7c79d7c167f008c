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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cognition/services/cognition/reconstruct"
)

// errVerifyFailed makes `verify` exit non-zero on a broken chain.
var errVerifyFailed = errors.New("ledger chain is broken")

// withSession opens the service for a one-shot command.
func withSession(g *globalFlags, fn func(cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		s, err := g.open(nil)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := s.close(); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, s, args)
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" || s == "now" {
		return time.Now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339", s)
	}
	return ts, nil
}

func newCycleCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one cycle now and print its record",
		Args:  cobra.NoArgs,
		RunE: withSession(g, func(cmd *cobra.Command, s *session, _ []string) error {
			return printJSON(cmd.OutOrStdout(), s.svc.RunCycle(cmd.Context()))
		}),
	}
}

func newVerifyCmd(g *globalFlags) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain",
		Args:  cobra.NoArgs,
		RunE: withSession(g, func(cmd *cobra.Command, s *session, _ []string) error {
			res, err := s.svc.Verify()
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Valid {
				return nil
			}
			if !repair {
				return errVerifyFailed
			}
			removed, err := s.svc.Repair(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "repaired: removed %d entries\n", removed)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "truncate the ledger after the first broken entry")
	return cmd
}

func newIndexCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "index", Short: "Cache index maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Discard and regenerate the cache index from the ledger and traces",
		Args:  cobra.NoArgs,
		RunE: withSession(g, func(cmd *cobra.Command, s *session, _ []string) error {
			if err := s.svc.RebuildIndex(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s.svc.Stats().Index)
		}),
	})
	return cmd
}

func newQueryCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "query", Short: "Look up cycles in the cache index"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "day YYYY-MM-DD",
			Short: "Cycle ids for a day",
			Args:  cobra.ExactArgs(1),
			RunE: withSession(g, func(cmd *cobra.Command, s *session, args []string) error {
				if _, err := time.Parse("2006-01-02", args[0]); err != nil {
					return fmt.Errorf("invalid day %q", args[0])
				}
				return printJSON(cmd.OutOrStdout(), ids(s.svc.CyclesForDay(args[0])))
			}),
		},
		&cobra.Command{
			Use:   "hour YYYY-MM-DD HH",
			Short: "Cycle ids for one hour",
			Args:  cobra.ExactArgs(2),
			RunE: withSession(g, func(cmd *cobra.Command, s *session, args []string) error {
				hour, err := strconv.Atoi(args[1])
				if err != nil || hour < 0 || hour > 23 {
					return fmt.Errorf("invalid hour %q", args[1])
				}
				return printJSON(cmd.OutOrStdout(), ids(s.svc.CyclesForHour(args[0], hour)))
			}),
		},
		&cobra.Command{
			Use:   "file NAME",
			Short: "Cycle ids associated with a file path or basename",
			Args:  cobra.ExactArgs(1),
			RunE: withSession(g, func(cmd *cobra.Command, s *session, args []string) error {
				return printJSON(cmd.OutOrStdout(), ids(s.svc.CyclesForFile(args[0])))
			}),
		},
		&cobra.Command{
			Use:   "entry ID",
			Short: "Index entry of one cycle",
			Args:  cobra.ExactArgs(1),
			RunE: withSession(g, func(cmd *cobra.Command, s *session, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid cycle id %q", args[0])
				}
				entry, ok := s.svc.Entry(id)
				if !ok {
					return fmt.Errorf("cycle %d is not indexed", id)
				}
				return printJSON(cmd.OutOrStdout(), entry)
			}),
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Engine, ledger and index counters",
			Args:  cobra.NoArgs,
			RunE: withSession(g, func(cmd *cobra.Command, s *session, _ []string) error {
				return printJSON(cmd.OutOrStdout(), s.svc.Stats())
			}),
		},
	)
	return cmd
}

func newReconstructCmd(g *globalFlags) *cobra.Command {
	var at, mode string
	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Rebuild the cognitive state at an instant",
		Args:  cobra.NoArgs,
		RunE: withSession(g, func(cmd *cobra.Command, s *session, _ []string) error {
			ts, err := parseTime(at)
			if err != nil {
				return err
			}
			m, err := reconstruct.ParseMode(mode)
			if err != nil {
				return err
			}
			state, err := s.svc.ReconstructAt(cmd.Context(), ts, m)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		}),
	}
	cmd.Flags().StringVar(&at, "at", "now", "instant, RFC 3339")
	cmd.Flags().StringVar(&mode, "mode", string(reconstruct.ModeApproximate), "approximate or precise")
	return cmd
}

func newEvolutionCmd(g *globalFlags) *cobra.Command {
	var metric, from, to string
	cmd := &cobra.Command{
		Use:   "evolution",
		Short: "Print a metric series",
		Long: `Metrics: cognitive_load, pattern_count and pattern_confidence:<pattern-id>.
--from and --to are RFC 3339; empty bounds are open.`,
		Args: cobra.NoArgs,
		RunE: withSession(g, func(cmd *cobra.Command, s *session, _ []string) error {
			var fromT, toT time.Time
			var err error
			if from != "" {
				if fromT, err = parseTime(from); err != nil {
					return err
				}
			}
			if to != "" {
				if toT, err = parseTime(to); err != nil {
					return err
				}
			}
			points, err := s.svc.MetricEvolution(cmd.Context(), metric, fromT, toT)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), points)
		}),
	}
	cmd.Flags().StringVar(&metric, "metric", reconstruct.MetricCognitiveLoad, "metric name")
	cmd.Flags().StringVar(&from, "from", "", "series start")
	cmd.Flags().StringVar(&to, "to", "", "series end")
	return cmd
}

func newSnapshotCmd(g *globalFlags) *cobra.Command {
	var at string
	cmd := &cobra.Command{Use: "snapshot", Short: "Snapshot store lookups"}
	closest := &cobra.Command{
		Use:   "closest",
		Short: "Snapshot nearest an instant",
		Args:  cobra.NoArgs,
		RunE: withSession(g, func(cmd *cobra.Command, s *session, _ []string) error {
			ts, err := parseTime(at)
			if err != nil {
				return err
			}
			entry, ok, err := s.svc.FindClosestSnapshot(ts)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("no snapshots")
			}
			return printJSON(cmd.OutOrStdout(), entry)
		}),
	}
	closest.Flags().StringVar(&at, "at", "now", "instant, RFC 3339")
	cmd.AddCommand(closest, &cobra.Command{
		Use:   "list",
		Short: "List the snapshot index",
		Args:  cobra.NoArgs,
		RunE: withSession(g, func(cmd *cobra.Command, s *session, _ []string) error {
			list, err := s.svc.Snapshots()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		}),
	})
	return cmd
}

func ids(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
