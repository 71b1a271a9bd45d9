// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scrub redacts credentials from free-form values before they are
// persisted: runner result payloads, audit comments and stop reasons.
//
// Patterns are grouped into prioritized classifications and loaded from
// YAML. The default set is embedded in the binary; deployments may supply
// their own file.
//
// # Thread Safety
//
// A Scrubber is immutable after construction and safe for concurrent use.
package scrub

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// KeyClassification is reported for values redacted because of their key.
const KeyClassification = "sensitive_key"

// Scrubber replaces secret-looking text with "[REDACTED:<pattern id>]".
type Scrubber struct {
	classes []classification
	keys    []*keyPattern
}

// New returns a Scrubber using the embedded pattern set.
func New() (*Scrubber, error) {
	return Parse(defaultPatterns)
}

// Load reads a pattern file from disk.
func Load(path string) (*Scrubber, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scrub patterns: %w", err)
	}
	return Parse(data)
}

// Parse builds a Scrubber from a YAML pattern document.
func Parse(data []byte) (*Scrubber, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode scrub patterns: %w", err)
	}
	keys, err := f.compile()
	if err != nil {
		return nil, err
	}
	s := &Scrubber{classes: f.Classifications}
	for i, re := range keys {
		s.keys = append(s.keys, &keyPattern{re: re, source: f.SensitiveKeys[i]})
	}
	return s, nil
}

// String redacts text. field names the value in the returned findings.
func (s *Scrubber) String(field, text string) (string, []Finding) {
	if text == "" {
		return text, nil
	}
	var findings []Finding
	for _, c := range s.classes {
		for _, p := range c.Patterns {
			if !p.re.MatchString(text) {
				continue
			}
			text = p.re.ReplaceAllLiteralString(text, "[REDACTED:"+p.ID+"]")
			findings = append(findings, Finding{
				Field:          field,
				Classification: c.Name,
				PatternID:      p.ID,
				Confidence:     p.Confidence,
			})
		}
	}
	return text, findings
}

// JSON redacts every string in a JSON document, and replaces the whole value
// of object members whose key is sensitive. The document is re-encoded only
// when something was redacted. A payload that is not JSON is redacted as
// text and returned as a JSON string.
func (s *Scrubber) JSON(field string, raw json.RawMessage) (json.RawMessage, []Finding) {
	if len(raw) == 0 {
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		text, findings := s.String(field, string(raw))
		if len(findings) == 0 {
			return raw, nil
		}
		out, _ := encode(text)
		return out, findings
	}

	doc, findings := s.walk(field, doc)
	if len(findings) == 0 {
		return raw, nil
	}
	out, err := encode(doc)
	if err != nil {
		return raw, nil
	}
	return out, findings
}

func (s *Scrubber) walk(path string, v any) (any, []Finding) {
	switch t := v.(type) {
	case string:
		out, findings := s.String(path, t)
		return out, findings
	case map[string]any:
		var findings []Finding
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := path + "." + k
			if kp := s.sensitiveKey(k); kp != nil && t[k] != nil {
				if isScalar(t[k]) {
					t[k] = "[REDACTED:" + KeyClassification + "]"
					findings = append(findings, Finding{
						Field:          child,
						Classification: KeyClassification,
						PatternID:      kp.source,
						Confidence:     High,
					})
					continue
				}
			}
			var f []Finding
			t[k], f = s.walk(child, t[k])
			findings = append(findings, f...)
		}
		return t, findings
	case []any:
		var findings []Finding
		for i := range t {
			var f []Finding
			t[i], f = s.walk(path+"["+strconv.Itoa(i)+"]", t[i])
			findings = append(findings, f...)
		}
		return t, findings
	}
	return v, nil
}

func (s *Scrubber) sensitiveKey(k string) *keyPattern {
	for _, kp := range s.keys {
		if kp.re.MatchString(k) {
			return kp
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, json.Number, bool:
		return true
	}
	return false
}

func encode(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
