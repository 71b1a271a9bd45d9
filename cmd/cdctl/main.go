// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command cdctl is the operator CLI for the pipeline tracker.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCD/pkg/cdclient"
	"github.com/AleutianAI/AleutianCD/pkg/logging"
	"github.com/AleutianAI/AleutianCD/pkg/ux"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// app holds what every command needs once flags and config are resolved.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath     string
	server         string
	token          string
	callbackSecret string
	output         string
	verbose        bool

	cfg     Config
	printer *ux.Printer
	client  *cdclient.Client
	logger  *slog.Logger
}

func run(args []string, out, errOut io.Writer) int {
	a := &app{out: out, errOut: errOut}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	if err := root.Execute(); err != nil {
		if a.printer != nil {
			a.printer.Error(err.Error())
		} else {
			fmt.Fprintln(errOut, "Error:", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "cdctl",
		Short:         "Inspect and drive pipeline executions",
		Long:          `cdctl talks to the pipeline tracker: trigger executions, follow their stages, sign off audit gates and verify the audit journal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", defaultConfigPath(), "config file")
	f.StringVar(&a.server, "server", "", "tracker base URL")
	f.StringVar(&a.token, "token", "", "bearer token")
	f.StringVar(&a.callbackSecret, "callback-secret", "", "X-Callback-Token for runner callbacks")
	f.StringVarP(&a.output, "output", "o", "", "output mode: rich, machine or auto")
	f.BoolVarP(&a.verbose, "verbose", "v", false, "log requests to stderr")

	root.AddCommand(
		newGetCmd(a),
		newListCmd(a),
		newTriggerCmd(a),
		newDecisionCmd(a, "approve"),
		newDecisionCmd(a, "reject"),
		newStopCmd(a),
		newCallbackCmd(a),
		newDefinitionsCmd(a),
		newHealthCmd(a),
		newJournalCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	cfg.applyEnv()
	if a.server != "" {
		cfg.Server = a.server
	}
	if a.token != "" {
		cfg.Token = a.token
	}
	if a.callbackSecret != "" {
		cfg.CallbackSecret = a.callbackSecret
	}
	if a.output != "" {
		cfg.Output = a.output
	}
	a.cfg = cfg

	mode, ok := ux.ParseMode(cfg.Output)
	if !ok {
		mode = ux.ModeMachine
		if f, isFile := a.out.(*os.File); isFile {
			mode = ux.DetectMode(f)
		}
	}
	a.printer = ux.NewPrinter(a.out, a.errOut, mode)

	level := logging.LevelWarn
	if a.verbose {
		level = logging.LevelDebug
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		Service: "cdctl",
		Output:  a.errOut,
	}).Slog()

	a.client = cdclient.New(cfg.Server,
		cdclient.WithToken(cfg.Token),
		cdclient.WithCallbackToken(cfg.CallbackSecret),
		cdclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	a.logger.Debug("configured", "server", cfg.Server, "config", a.configPath)
	return nil
}
