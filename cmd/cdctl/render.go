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
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCD/pkg/ux"
	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
	"github.com/AleutianAI/AleutianCD/services/tracker/definitions"
)

// renderExecution prints a pipeline record followed by its stages. Machine
// mode emits one tab separated line per record, prefixed by the record kind.
func renderExecution(p *ux.Printer, exec *datatypes.Execution, now time.Time) {
	pl := exec.Pipeline
	if pl == nil {
		return
	}

	if p.Mode() == ux.ModeMachine {
		p.Line(strings.Join([]string{"pipeline", pl.ID, pl.DefinitionID, p.Status(string(pl.Status)),
			string(pl.TriggerType), pl.TriggeredBy, fmt.Sprint(pl.DurationSeconds(now))}, "\t"))
		for _, se := range exec.Stages {
			s := se.Stage
			p.Line(strings.Join([]string{"stage", s.ID, fmt.Sprint(s.Sequence), s.Name,
				p.Status(string(s.Status)), gateSummary(se)}, "\t"))
			for _, t := range se.Tasks {
				p.Line(strings.Join([]string{"task", t.ID, s.Name, t.Name,
					p.Status(string(t.Status)), string(t.Type), t.ActionRef}, "\t"))
			}
			for _, au := range se.Audits {
				p.Line(strings.Join([]string{"audit", au.ID, s.Name, au.ApproverID,
					string(au.Decision), au.DecidedAt.UTC().Format(time.RFC3339)}, "\t"))
			}
		}
		return
	}

	p.Title("Pipeline " + pl.ID)
	p.KV("definition", pl.DefinitionID)
	p.KV("status", p.Status(string(pl.Status)))
	p.KV("trigger", triggerSummary(pl))
	if pl.TriggeredBy != "" {
		p.KV("triggered by", pl.TriggeredBy)
	}
	if pl.ExternalRunID != "" {
		p.KV("run", pl.ExternalRunID)
	}
	p.KV("created", pl.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	p.KV("duration", formatSeconds(pl.DurationSeconds(now)))
	if pl.LastError != nil {
		p.KV("error", p.Render(ux.Styles.Error, *pl.LastError))
	}
	if pl.Edited {
		p.Warning("definition changed since this execution was created")
	}

	for _, se := range exec.Stages {
		s := se.Stage
		line := fmt.Sprintf("  %d. %-20s %s", s.Sequence, s.Name, p.Status(string(s.Status)))
		if g := gateSummary(se); g != "" {
			line += " " + p.Render(ux.Styles.Muted, "["+g+"]")
		}
		p.Line(line)
		for _, t := range se.Tasks {
			task := fmt.Sprintf("       %s %s", p.Status(string(t.Status)), t.Name)
			if t.ActionRef != "" {
				task += " " + p.Render(ux.Styles.Muted, t.ActionRef)
			}
			p.Line(task)
		}
		for _, au := range se.Audits {
			audit := fmt.Sprintf("       %s %s %s", p.Icon(ux.IconAudit), au.ApproverID, au.Decision)
			if au.Comment != "" {
				audit += p.Render(ux.Styles.Muted, ": "+au.Comment)
			}
			p.Line(audit)
		}
	}
}

// renderList prints one row per pipeline record.
func renderList(p *ux.Printer, records []*datatypes.PipelineRecord, now time.Time) {
	if len(records) == 0 {
		if p.Mode() != ux.ModeMachine {
			p.Line(p.Render(ux.Styles.Muted, "no pipeline records"))
		}
		return
	}
	p.Title(fmt.Sprintf("%d pipeline records", len(records)))
	for _, r := range records {
		if p.Mode() == ux.ModeMachine {
			p.Line(strings.Join([]string{r.ID, r.DefinitionID, p.Status(string(r.Status)),
				r.CreatedAt.UTC().Format(time.RFC3339), fmt.Sprint(r.DurationSeconds(now))}, "\t"))
			continue
		}
		p.Line(fmt.Sprintf("%-36s  %-18s %s  %s", r.ID, r.DefinitionID,
			p.Status(string(r.Status)), p.Render(ux.Styles.Muted, formatSeconds(r.DurationSeconds(now)))))
	}
}

func renderDecision(p *ux.Printer, res *datatypes.DecisionResponse) {
	if p.Mode() == ux.ModeMachine {
		p.KV("result", res.Result)
		p.KV("stage", p.Status(string(res.StageStatus)))
		p.KV("pipeline", p.Status(string(res.PipelineStatus)))
		p.KV("pending", strings.Join(res.Gate.Pending, ","))
		return
	}
	switch res.Result {
	case datatypes.ResultApplied:
		p.Success("decision recorded, gate closed")
	case datatypes.ResultGateUnsatisfied:
		p.Success("decision recorded, gate still open")
	default:
		p.Warning("decision had no effect: " + string(res.Result))
	}
	p.KV("stage", p.Status(string(res.StageStatus)))
	p.KV("pipeline", p.Status(string(res.PipelineStatus)))
	if len(res.Gate.Approved) > 0 {
		p.KV("approved", strings.Join(res.Gate.Approved, ", "))
	}
	if len(res.Gate.Rejected) > 0 {
		p.KV("rejected", strings.Join(res.Gate.Rejected, ", "))
	}
	if len(res.Gate.Pending) > 0 {
		p.KV("waiting on", strings.Join(res.Gate.Pending, ", "))
	}
}

func renderEvent(p *ux.Printer, res *datatypes.EventResponse) {
	if p.Mode() == ux.ModeMachine {
		p.KV("result", res.Result)
		if res.PipelineRecordID != "" {
			p.KV("pipeline", res.PipelineRecordID)
		}
		if res.PipelineStatus != "" {
			p.KV("status", p.Status(string(res.PipelineStatus)))
		}
		return
	}
	if res.Result.Changed() {
		p.Success(string(res.Result))
	} else {
		p.Warning(string(res.Result))
	}
	if res.PipelineRecordID != "" {
		p.KV("pipeline", res.PipelineRecordID)
	}
	if res.PipelineStatus != "" {
		p.KV("status", p.Status(string(res.PipelineStatus)))
	}
}

func renderDefinitions(p *ux.Printer, defs []definitions.Definition) {
	p.Title(fmt.Sprintf("%d definitions", len(defs)))
	for _, d := range defs {
		names := make([]string, 0, len(d.Stages))
		for _, s := range d.Stages {
			name := s.Name
			if s.Gate.Gated() {
				name += "*"
			}
			names = append(names, name)
		}
		if p.Mode() == ux.ModeMachine {
			p.Line(strings.Join([]string{d.ID, d.Revision, strings.Join(names, ",")}, "\t"))
			continue
		}
		p.Line(fmt.Sprintf("%-20s %s %s", p.Render(ux.Styles.Bold, d.ID),
			p.Render(ux.Styles.Muted, d.Revision), strings.Join(names, " "+string(ux.IconArrow)+" ")))
	}
}

// gateSummary describes a stage's gate, for example "countersign 1/2".
func gateSummary(se *datatypes.StageExecution) string {
	g := se.Stage.Gate
	if !g.Gated() {
		return ""
	}
	approved := 0
	for _, au := range se.Audits {
		if au.Decision == datatypes.DecisionApprove {
			approved++
		}
	}
	required := 1
	switch g.Mode {
	case datatypes.GateCountersign:
		required = len(g.Approvers)
	case datatypes.GateQuorum:
		required = g.Required
	}
	return fmt.Sprintf("%s %d/%d", g.Mode, approved, required)
}

func triggerSummary(pl *datatypes.PipelineRecord) string {
	parts := []string{string(pl.TriggerType)}
	if pl.TriggerRef != "" {
		parts = append(parts, pl.TriggerRef)
	}
	if pl.TriggerContext != "" {
		parts = append(parts, "@"+pl.TriggerContext)
	}
	return strings.Join(parts, " ")
}

func formatSeconds(s int64) string {
	return (time.Duration(s) * time.Second).String()
}
