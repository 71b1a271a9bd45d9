// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   Level
		wantOK bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{"", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
	}
	assert.Equal(t, "warn", LevelWarn.String())
}

func TestNew_ConsoleLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Service: "cd-tracker", JSON: true, Output: &buf})
	defer logger.Close()

	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown", "pipeline_record_id", "p1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"service":"cd-tracker"`)
	assert.Contains(t, out, `"pipeline_record_id":"p1"`)
}

func TestNew_FileLogging(t *testing.T) {
	var console bytes.Buffer
	dir := t.TempDir()
	logger := New(Config{Level: LevelDebug, Service: "cdctl", LogDir: dir, Output: &console})

	logger.Slog().Debug("to both", "k", "v")
	path := logger.FilePath()
	require.NotEmpty(t, path)
	require.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both"`)
	assert.True(t, strings.HasPrefix(console.String(), "time="), "console stream is text")
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	logger.Slog().Error("nothing")
	assert.Empty(t, buf.String())
}
