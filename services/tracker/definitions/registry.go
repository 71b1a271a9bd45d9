// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package definitions loads pipeline definitions from YAML and turns them
// into fresh execution records.
//
// A definition file looks like:
//
//	definitions:
//	  - id: web-app
//	    name: Web application
//	    stages:
//	      - name: build
//	        tasks:
//	          - name: compile
//	            type: deploy
//	      - name: production
//	        gate:
//	          mode: countersign
//	          approvers: [alice, bob]
//	        tasks:
//	          - name: sign-off
//	            type: approval
//
// Each definition carries a Revision derived from its content. Records keep
// the revision they were created from so a later edit can be reported.
package definitions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCD/pkg/validation"
	"github.com/AleutianAI/AleutianCD/services/tracker/datatypes"
)

// ErrInvalidDefinition is returned when a definition file fails validation.
var ErrInvalidDefinition = errors.New("invalid pipeline definition")

// TaskDef describes one task of a stage.
type TaskDef struct {
	Name string             `yaml:"name" json:"name"`
	Type datatypes.TaskType `yaml:"type" json:"type"`
	// Countersigned marks an approval task that needs the full approver set.
	// It is implied for approval tasks of a countersign gate.
	Countersigned bool `yaml:"countersigned,omitempty" json:"countersigned,omitempty"`
}

// StageDef describes one stage of a pipeline.
type StageDef struct {
	Name  string               `yaml:"name" json:"name"`
	Gate  datatypes.GatePolicy `yaml:"gate,omitempty" json:"gate"`
	Tasks []TaskDef            `yaml:"tasks,omitempty" json:"tasks"`
}

// Definition is a pipeline template.
type Definition struct {
	ID     string     `yaml:"id" json:"id"`
	Name   string     `yaml:"name,omitempty" json:"name,omitempty"`
	Stages []StageDef `yaml:"stages" json:"stages"`

	// Revision is computed on load.
	Revision string `yaml:"-" json:"revision"`
}

type file struct {
	Definitions []Definition `yaml:"definitions"`
}

// Parse decodes and validates a definitions document.
func Parse(data []byte) ([]Definition, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}

	seen := make(map[string]bool, len(f.Definitions))
	for i := range f.Definitions {
		d := &f.Definitions[i]
		if err := validate(d); err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidDefinition, d.ID)
		}
		seen[d.ID] = true
		d.Revision = revision(d)
	}
	return f.Definitions, nil
}

func validate(d *Definition) error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if err := validation.ValidateIdentifier(d.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	stageNames := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("%w: %s: stage without name", ErrInvalidDefinition, d.ID)
		}
		if stageNames[s.Name] {
			return fmt.Errorf("%w: %s: duplicate stage %q", ErrInvalidDefinition, d.ID, s.Name)
		}
		stageNames[s.Name] = true

		if !s.Gate.Mode.IsValid() {
			return fmt.Errorf("%w: %s/%s: unknown gate mode %q", ErrInvalidDefinition, d.ID, s.Name, s.Gate.Mode)
		}
		if s.Gate.Mode != datatypes.GateNone && len(s.Gate.Approvers) == 0 {
			return fmt.Errorf("%w: %s/%s: gate without approvers", ErrInvalidDefinition, d.ID, s.Name)
		}
		if err := validation.ValidateIdentifiers(s.Gate.Approvers); err != nil {
			return fmt.Errorf("%w: %s/%s: approvers: %v", ErrInvalidDefinition, d.ID, s.Name, err)
		}
		if s.Gate.Mode == datatypes.GateQuorum && s.Gate.Required < 1 {
			return fmt.Errorf("%w: %s/%s: quorum gate needs required >= 1", ErrInvalidDefinition, d.ID, s.Name)
		}

		taskNames := make(map[string]bool, len(s.Tasks))
		for _, t := range s.Tasks {
			if t.Name == "" {
				return fmt.Errorf("%w: %s/%s: task without name", ErrInvalidDefinition, d.ID, s.Name)
			}
			if taskNames[t.Name] {
				return fmt.Errorf("%w: %s/%s: duplicate task %q", ErrInvalidDefinition, d.ID, s.Name, t.Name)
			}
			taskNames[t.Name] = true
			if t.Type != "" && !t.Type.IsValid() {
				return fmt.Errorf("%w: %s/%s/%s: unknown task type %q", ErrInvalidDefinition, d.ID, s.Name, t.Name, t.Type)
			}
		}
	}
	return nil
}

// revision hashes the definition's canonical JSON form.
func revision(d *Definition) string {
	c := *d
	c.Revision = ""
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Registry holds the currently loaded definitions.
//
// # Thread Safety
//
// Safe for concurrent use. Reload swaps the whole set atomically.
type Registry struct {
	mu   sync.RWMutex
	path string
	defs map[string]Definition
}

// NewRegistry returns a registry holding defs.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	r.replace(defs)
	return r
}

// Load reads and parses the definitions file at path.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, defs: make(map[string]Definition)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry's file. On error the previous set stays.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read definitions: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return err
	}
	r.replace(defs)
	return nil
}

func (r *Registry) replace(defs []Definition) {
	next := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if d.Revision == "" {
			d.Revision = revision(&d)
		}
		next[d.ID] = d
	}
	r.mu.Lock()
	r.defs = next
	r.mu.Unlock()
}

// Path returns the backing file, empty for in-memory registries.
func (r *Registry) Path() string {
	return r.path
}

// Get returns the definition with id.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", datatypes.ErrUnknownDefinition, id)
	}
	return d, nil
}

// Revision returns the current revision of id, or "" if it is not loaded.
func (r *Registry) Revision(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[id].Revision
}

// List returns all definitions sorted by id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edited reports whether the definition changed since rec was created. A
// definition that was removed counts as edited.
func (r *Registry) Edited(rec *datatypes.PipelineRecord) bool {
	if rec.DefinitionRevision == "" {
		return false
	}
	return r.Revision(rec.DefinitionID) != rec.DefinitionRevision
}
