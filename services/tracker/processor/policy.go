// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// InFlightAction is what a trigger does about an execution already in
// flight for the same definition and context.
type InFlightAction int

const (
	// InFlightReject refuses the new trigger with ErrInFlight.
	InFlightReject InFlightAction = iota
	// InFlightSupersede stops the running execution and creates the new one.
	InFlightSupersede
)

// InFlightPolicy decides between rejecting and superseding.
type InFlightPolicy interface {
	Decide(existing *datatypes.PipelineRecord, req *datatypes.TriggerRequest) InFlightAction
}

// RejectPolicy always rejects.
type RejectPolicy struct{}

func (RejectPolicy) Decide(*datatypes.PipelineRecord, *datatypes.TriggerRequest) InFlightAction {
	return InFlightReject
}

// SupersedePolicy always stops the running execution.
type SupersedePolicy struct{}

func (SupersedePolicy) Decide(*datatypes.PipelineRecord, *datatypes.TriggerRequest) InFlightAction {
	return InFlightSupersede
}

// PolicyByName returns the policy called name ("reject" or "supersede").
func PolicyByName(name string) (InFlightPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "reject":
		return RejectPolicy{}, nil
	case "supersede":
		return SupersedePolicy{}, nil
	}
	return nil, fmt.Errorf("unknown in-flight policy %q", name)
}
