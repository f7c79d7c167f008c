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
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/cognition/services/cognition/api"
	"github.com/AleutianAI/cognition/services/cognition/config"
	"github.com/AleutianAI/cognition/services/cognition/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		watch  string
		period time.Duration
		listen string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(func(cfg *config.Config) {
				if watch != "" {
					cfg.Trace.Watch = watch
				}
				if period > 0 {
					cfg.Engine.Period = period
				}
				if cmd.Flags().Changed("listen") {
					cfg.HTTP.Listen = listen
				}
			})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s)
		},
	}
	cmd.Flags().StringVar(&watch, "watch", "", "record file changes under this directory")
	cmd.Flags().DurationVar(&period, "period", 0, "cycle period (default from config)")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address; empty disables the API")
	return cmd
}

// serve runs the engine and the API server together. The first to fail,
// or ctx ending, stops both.
func serve(ctx context.Context, s *session) (err error) {
	log := s.logger.Slog()
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx, s.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if terr := shutdownTelemetry(sctx); terr != nil {
			log.Warn("telemetry.shutdown_failed", "error", terr)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(s.svc, api.Config{
		RateLimit: s.cfg.HTTP.RateLimit,
		Burst:     s.cfg.HTTP.Burst,
		Logger:    log,
	})
	s.svc.OnCycle(server.Hub().Publish)
	defer server.Hub().Close()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := s.svc.Start(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		<-gctx.Done()
		s.svc.Stop()
		return nil
	})

	if addr := s.cfg.HTTP.Listen; addr != "" {
		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		grp.Go(func() error {
			log.Info("api.listening", "addr", addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	log.Info("cognition.running", "root", s.cfg.Root, "period", s.cfg.Engine.Period.String())
	return grp.Wait()
}
