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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TRACKER_PORT", "9100")
	t.Setenv("TRACKER_IN_MEMORY", "true")
	t.Setenv("TRACKER_AUDIT_DEADLINE", "90m")
	t.Setenv("TRACKER_DELIVERY_RATE", "2.5")
	t.Setenv("TRACKER_RUNNING_DEADLINE", "not-a-duration")

	cfg := configFromEnv()
	assert.Equal(t, 9100, cfg.Port)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, 90*time.Minute, cfg.AuditDeadline)
	assert.Equal(t, 2.5, cfg.DeliveryRatePerSecond)
	assert.Equal(t, 24*time.Hour, cfg.RunningDeadline, "bad values fall back to the default")
	assert.Equal(t, "reject", cfg.InFlightPolicy)
}
