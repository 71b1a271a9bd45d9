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
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCD/pkg/cdclient"
	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/journal"
)

var (
	errNoApprover    = errors.New("approver required: pass --as or set user in the config file")
	errJournalBroken = errors.New("journal hash chain is broken")
)

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <pipeline-id>",
		Short: "Show one execution with its stages, tasks and audits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := a.client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderExecution(a.printer, exec, time.Now())
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		opts   cdclient.ListOptions
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				s := datatypes.Status(status)
				if !s.IsValid() {
					return fmt.Errorf("unknown status %q", status)
				}
				opts.Status = s
			}
			res, err := a.client.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			renderList(a.printer, res.Pipelines, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.DefinitionID, "definition", "", "only this definition")
	cmd.Flags().StringVar(&status, "status", "", "only this status")
	cmd.Flags().BoolVar(&opts.ActiveOnly, "active", false, "only non-terminal records")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum records")
	return cmd
}

func newTriggerCmd(a *app) *cobra.Command {
	req := &datatypes.TriggerRequest{}
	cmd := &cobra.Command{
		Use:   "trigger <definition-id>",
		Short: "Start an execution of a pipeline definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.DefinitionID = args[0]
			exec, err := a.client.Trigger(cmd.Context(), req)
			if err != nil {
				return err
			}
			a.printer.Success("triggered " + exec.Pipeline.ID)
			renderExecution(a.printer, exec, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&req.TriggerType, "type", "manual", "trigger type: manual, webhook or schedule")
	cmd.Flags().StringVar(&req.TriggerRef, "ref", "", "trigger reference, for example a commit")
	cmd.Flags().StringVar(&req.TriggerContext, "context", "", "trigger context, for example a branch")
	cmd.Flags().StringVar(&req.BusinessKey, "business-key", "", "business key")
	cmd.Flags().StringVar(&req.ExternalRunID, "run-id", "", "runner run id")
	cmd.Flags().StringVar(&req.TriggeredBy, "as", "", "triggering user (admin only)")
	return cmd
}

func newDecisionCmd(a *app, verb string) *cobra.Command {
	var approver, comment string
	cmd := &cobra.Command{
		Use:   verb + " <stage-id>",
		Short: "Record an audit decision: " + verb,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approver == "" {
				approver = a.cfg.User
			}
			if approver == "" {
				return errNoApprover
			}
			a.logger.Debug("deciding", "stage", args[0], "approver", approver, "decision", verb)
			res, err := a.client.Decide(cmd.Context(), args[0], &datatypes.DecisionRequest{
				ApproverID: approver,
				Decision:   verb,
				Comment:    comment,
			})
			if err != nil {
				return err
			}
			renderDecision(a.printer, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&approver, "as", "", "approver id (defaults to user from the config)")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment stored with the decision")
	return cmd
}

func newStopCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop <pipeline-id>",
		Short: "Stop an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.Stop(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			renderEvent(a.printer, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the pipeline")
	return cmd
}

func newCallbackCmd(a *app) *cobra.Command {
	var (
		req    datatypes.CallbackRequest
		result string
	)
	cmd := &cobra.Command{
		Use:   "callback",
		Short: "Post a runner status callback",
		Long:  `Sends the same callback a pipeline runner would. Useful for replaying a lost status update.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if result != "" {
				if !json.Valid([]byte(result)) {
					return errors.New("--result must be valid JSON")
				}
				req.Result = json.RawMessage(result)
			}
			res, err := a.client.Callback(cmd.Context(), &req)
			if err != nil {
				return err
			}
			renderEvent(a.printer, res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RunID, "run-id", "", "runner run id")
	f.StringVar(&req.Stage, "stage", "", "stage name or id")
	f.StringVar(&req.Task, "task", "", "task name or id")
	f.StringVar(&req.Status, "status", "", "runner status, for example SUCCESS")
	f.Int64Var(&req.Sequence, "sequence", 0, "runner sequence number")
	f.StringVar(&req.ActionRef, "action-ref", "", "deployment reference")
	f.StringVar(&result, "result", "", "JSON result payload")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newDefinitionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "List loaded pipeline definitions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := a.client.Definitions(cmd.Context())
			if err != nil {
				return err
			}
			renderDefinitions(a.printer, defs)
			return nil
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the tracker is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Health(cmd.Context()); err != nil {
				return err
			}
			a.printer.Success("tracker healthy at " + a.cfg.Server)
			return nil
		},
	}
}

func newJournalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Work with a local audit journal file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <path>",
		Short: "Verify the hash chain of a journal file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valid, brk, err := journal.Verify(args[0])
			if err != nil {
				return err
			}
			if !valid {
				a.printer.KV("broken at", brk)
				return errJournalBroken
			}
			n, err := journal.Count(args[0])
			if err != nil {
				return err
			}
			a.printer.Success(fmt.Sprintf("journal intact, %d entries", n))
			return nil
		},
	})
	return cmd
}
