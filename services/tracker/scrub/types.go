// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scrub

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Confidence is how likely a pattern match is a real secret.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

// UnmarshalYAML rejects unknown confidence levels.
func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Confidence(s) {
	case High, Medium, Low:
		*c = Confidence(s)
		return nil
	}
	return fmt.Errorf("invalid confidence %q", s)
}

// patternFile is the YAML document layout.
type patternFile struct {
	SensitiveKeys   []string         `yaml:"sensitive_keys"`
	Classifications []classification `yaml:"classifications"`
}

type classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []pattern `yaml:"patterns"`
}

type pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`
	re          *regexp.Regexp
}

func (f *patternFile) compile() ([]*regexp.Regexp, error) {
	for i := range f.Classifications {
		c := &f.Classifications[i]
		if c.Name == "" {
			return nil, fmt.Errorf("classification %d has no name", i)
		}
		for j := range c.Patterns {
			p := &c.Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", p.ID, err)
			}
			p.re = re
		}
	}
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})

	keys := make([]*regexp.Regexp, 0, len(f.SensitiveKeys))
	for _, k := range f.SensitiveKeys {
		re, err := regexp.Compile(k)
		if err != nil {
			return nil, fmt.Errorf("sensitive key %q: %w", k, err)
		}
		keys = append(keys, re)
	}
	return keys, nil
}

// Finding describes one redaction. The matched text is never kept.
type Finding struct {
	// Field is the event field, with a JSON path for result payloads,
	// for example "result.deploy.env[2]".
	Field          string     `json:"field"`
	Classification string     `json:"classification"`
	PatternID      string     `json:"patternId"`
	Confidence     Confidence `json:"confidence"`
}

type keyPattern struct {
	re     *regexp.Regexp
	source string
}
