// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package definitions

import (
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// Materialize builds a new, PENDING execution for def.
//
// # Description
//
// Every stage receives a copy of its gate policy so that later edits to the
// definition never change an open gate. Approval tasks of a countersign gate
// are flagged countersigned.
//
// # Inputs
//
//   - def: The definition to instantiate.
//   - req: Trigger parameters. An empty TriggerType means manual.
//   - newID: Id generator. Nil uses uuid.NewString.
//   - now: Creation time.
func Materialize(def Definition, req *datatypes.TriggerRequest, newID func() string, now time.Time) *datatypes.Execution {
	if newID == nil {
		newID = uuid.NewString
	}
	triggerType := datatypes.TriggerType(req.TriggerType)
	if triggerType == "" {
		triggerType = datatypes.TriggerManual
	}

	p := &datatypes.PipelineRecord{
		ID:                 newID(),
		DefinitionID:       def.ID,
		DefinitionRevision: def.Revision,
		ExternalRunID:      req.ExternalRunID,
		Status:             datatypes.StatusPending,
		TriggerType:        triggerType,
		TriggerRef:         req.TriggerRef,
		TriggerContext:     req.TriggerContext,
		BusinessKey:        req.BusinessKey,
		TriggeredBy:        req.TriggeredBy,
		CreatedAt:          now,
	}

	exec := &datatypes.Execution{Pipeline: p}
	for i, sd := range def.Stages {
		gate := sd.Gate
		gate.Approvers = append([]string(nil), sd.Gate.Approvers...)
		stage := &datatypes.StageRecord{
			ID:               newID(),
			PipelineRecordID: p.ID,
			Name:             sd.Name,
			Sequence:         i,
			Status:           datatypes.StatusPending,
			Gate:             gate,
		}
		se := &datatypes.StageExecution{Stage: stage, Audits: []*datatypes.AuditRecord{}}
		for j, td := range sd.Tasks {
			taskType := td.Type
			if taskType == "" {
				taskType = datatypes.TaskCustom
			}
			se.Tasks = append(se.Tasks, &datatypes.TaskRecord{
				ID:            newID(),
				StageRecordID: stage.ID,
				Name:          td.Name,
				Sequence:      j,
				Type:          taskType,
				Status:        datatypes.StatusPending,
				Countersigned: td.Countersigned || (taskType == datatypes.TaskApproval && gate.Mode == datatypes.GateCountersign),
			})
		}
		if se.Tasks == nil {
			se.Tasks = []*datatypes.TaskRecord{}
		}
		exec.Stages = append(exec.Stages, se)
	}
	if exec.Stages == nil {
		exec.Stages = []*datatypes.StageExecution{}
	}
	return exec
}
