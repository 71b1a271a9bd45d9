// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// StatusStyle returns the color for a record status.
func StatusStyle(status string) lipgloss.Style {
	switch strings.ToLower(status) {
	case "success":
		return Styles.Success
	case "failed":
		return Styles.Error
	case "stop":
		return Styles.Warning
	case "running":
		return Styles.Running
	case "awaiting_audit":
		return Styles.Highlight
	}
	return Styles.Muted
}

// StatusIcon returns the glyph for a record status.
func StatusIcon(status string) Icon {
	switch strings.ToLower(status) {
	case "success":
		return IconSuccess
	case "failed":
		return IconError
	case "stop":
		return IconStop
	case "running":
		return IconRunning
	case "awaiting_audit":
		return IconAudit
	}
	return IconPending
}

// Status renders a status label: icon and colored name in rich mode, the
// upper-case name in machine mode.
func (p *Printer) Status(status string) string {
	label := strings.ToUpper(status)
	if p.mode == ModeMachine {
		return label
	}
	return p.Icon(StatusIcon(status)) + " " + StatusStyle(status).Render(label)
}
