// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/logging"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/validation"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/config"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/eval"
)

// errEvalFailed makes the process exit non-zero after a rendered report.
var errEvalFailed = errors.New("eval failed")

func newBriefCmd() *cobra.Command {
	var (
		refresh  bool
		reasoner string
	)
	cmd := &cobra.Command{
		Use:   "brief <vendor_id>",
		Short: "Generate a renewal brief for a vendor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vendorID, err := validation.SanitizeVendorID(args[0])
			if err != nil {
				return err
			}
			resp, err := client().Brief(cmd.Context(), vendorID, refresh, reasoner)
			if err != nil {
				return err
			}
			if err := renderBrief(printer(os.Stdout), resp); err != nil {
				return err
			}
			if resp.Status == datatypes.ResponseTemporarilyUnavailable {
				return errors.New("reasoning backend unavailable")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the brief cache")
	cmd.Flags().StringVar(&reasoner, "reasoner", "", "override the server's reasoner: heuristic or llm")
	return cmd
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <vendor_id> <file>...",
		Short: "Upload contract, invoice and usage files for a vendor",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vendorID, err := validation.SanitizeVendorID(args[0])
			if err != nil {
				return err
			}
			resp, err := client().Ingest(cmd.Context(), vendorID, args[1:])
			if err != nil {
				return err
			}
			return renderIngest(printer(os.Stdout), resp)
		},
	}
}

func newTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <request_id>",
		Short: "Show the recorded trace of a brief request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().Trace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderTrace(printer(os.Stdout), t)
		},
	}
}

type evalFlags struct {
	configPath   string
	casesPath    string
	expectedPath string
	reportPath   string
	smoke        bool
}

func newEvalCmd() *cobra.Command {
	var f evalFlags
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run golden cases through an in-process pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEval(cmd.Context(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", os.Getenv("RENEWAL_CONFIG"), "path to the YAML config file")
	fl.StringVar(&f.casesPath, "cases", "services/renewal/eval/golden/cases.jsonl", "cases JSONL file")
	fl.StringVar(&f.expectedPath, "expected", "services/renewal/eval/golden/expected.jsonl", "expected results JSONL file")
	fl.StringVar(&f.reportPath, "report", ".reports/eval-summary.json", "where to write the JSON report")
	fl.BoolVar(&f.smoke, "smoke", false, "only check that every input file is readable")
	return cmd
}

func runEval(ctx context.Context, f evalFlags) error {
	cases, err := eval.LoadCases(f.casesPath)
	if err != nil {
		return err
	}
	expected, err := eval.LoadExpected(f.expectedPath)
	if err != nil {
		return err
	}

	logger, closer := logging.New(logging.Config{
		Level:   logging.LevelWarn,
		Service: "renewalctl",
		Output:  os.Stderr,
	})
	defer closer.Close()
	slog.SetDefault(logger)

	var harness *eval.Harness
	if f.smoke {
		harness = eval.New(nil, nil, logger)
	} else {
		docs, err := os.MkdirTemp("", "renewal-eval-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(docs)
		svc, err := newEvalService(ctx, f.configPath, docs)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = svc.Shutdown(shutdownCtx)
		}()
		harness = eval.New(svc.Ingester(), svc.Runner(), logger)
	}

	report := harness.Run(ctx, cases, expected, eval.Options{
		BaseDir: filepath.Dir(f.casesPath),
		Smoke:   f.smoke,
	})
	if err := eval.WriteReport(f.reportPath, report); err != nil {
		return err
	}
	if err := renderEval(printer(os.Stdout), report, f.reportPath); err != nil {
		return err
	}
	if !report.OK() {
		return errEvalFailed
	}
	return nil
}

// newEvalService builds a pipeline isolated from production data: an
// in-memory database, a scratch document root and no brief cache.
func newEvalService(ctx context.Context, configPath, docs string) (renewal.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Server.DemoEnabled = false
	cfg.Storage.DataDir = ""
	cfg.Storage.DocsRoot = docs
	cfg.Storage.GCSBucket = ""
	cfg.Storage.WeaviateURL = ""
	cfg.Cache.Enabled = false
	cfg.Trace.Persist = false
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	return renewal.New(ctx, cfg, nil)
}
