// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command renewalctl is the command-line client for the renewal brief
// service.
//
// brief, ingest and trace talk to a running renewald over HTTP. eval runs
// the golden cases in-process against a fresh pipeline built from the same
// configuration renewald uses.
//
// # Usage
//
//	renewalctl ingest acme contract.pdf invoices.csv usage.csv
//	renewalctl brief acme --refresh
//	renewalctl trace 6f1c...
//	renewalctl eval --cases services/renewal/eval/golden/cases.jsonl
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/ux"
)

var (
	serverURL  string
	apiToken   string
	outputFlag string
	timeout    time.Duration

	rootCmd = &cobra.Command{
		Use:           "renewalctl",
		Short:         "Generate and inspect SaaS renewal briefs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("RENEWAL_SERVER", "http://localhost:8080"), "renewald base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("RENEWAL_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "auto", "output format: auto, rich, plain or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout")

	rootCmd.AddCommand(newBriefCmd(), newIngestCmd(), newTraceCmd(), newEvalCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if p := printer(os.Stderr); p.Mode() != ux.ModeJSON {
			p.Error(err.Error())
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func printer(f *os.File) *ux.Printer {
	return ux.NewPrinter(f, ux.DetectMode(outputFlag, f))
}

func client() *apiClient {
	return newAPIClient(serverURL, apiToken, timeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
