// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations wrap it with context:
//
//	return nil, fmt.Errorf("unknown token: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// Well-known roles.
const (
	// RoleAdmin may act on behalf of any user, including recording audit
	// decisions for another approver.
	RoleAdmin = "admin"

	// RoleOperator may trigger and stop pipelines.
	RoleOperator = "operator"

	// RoleRunner identifies pipeline runners posting status callbacks.
	RoleRunner = "runner"
)

// AuthInfo contains identity information returned after successful
// authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - Email: User's email address
//   - Roles: Roles the user holds
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	UserID string `yaml:"user_id"`

	// Email is the user's email address.
	Email string `yaml:"email,omitempty"`

	// Roles contains the user's role memberships for authorization decisions.
	Roles []string `yaml:"roles,omitempty"`
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// # Description
//
// Validate returns the identity behind token. An empty token is passed
// through so providers can decide whether anonymous access is allowed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an action a user wants to perform.
type AuthzRequest struct {
	// User is the authenticated caller.
	User *AuthInfo

	// Action is the verb, for example "pipeline.trigger".
	Action string

	// ResourceType is the kind of resource, for example "pipeline".
	ResourceType string

	// ResourceID identifies the resource. May be empty for create actions.
	ResourceID string
}

// AuthzProvider decides whether an authenticated user may perform an action.
// Authorize returns nil when allowed and an error wrapping ErrUnauthorized
// otherwise.
type AuthzProvider interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// =============================================================================
// No-op implementations
// =============================================================================

// NopAuthProvider accepts every token as a local admin user.
//
// Use this for single-user installs where the API is bound to localhost.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{RoleAdmin},
	}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// =============================================================================
// Static tokens
// =============================================================================

// StaticTokenAuthProvider authenticates callers against a fixed token table.
//
// # Description
//
// Tokens are compared in constant time. The table may be replaced at runtime
// with Replace, for example after the token file changes.
//
// # Thread Safety
//
// Safe for concurrent use.
type StaticTokenAuthProvider struct {
	mu     sync.RWMutex
	tokens map[string]AuthInfo
}

// NewStaticTokenAuthProvider creates a provider from a token -> identity map.
func NewStaticTokenAuthProvider(tokens map[string]AuthInfo) *StaticTokenAuthProvider {
	p := &StaticTokenAuthProvider{}
	p.Replace(tokens)
	return p
}

// LoadTokenFile reads a YAML token table of the form:
//
//	tokens:
//	  s3cret:
//	    user_id: alice
//	    roles: [operator]
func LoadTokenFile(path string) (*StaticTokenAuthProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var doc struct {
		Tokens map[string]AuthInfo `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	for token, info := range doc.Tokens {
		if token == "" || info.UserID == "" {
			return nil, fmt.Errorf("token file %s: every entry needs a token and a user_id", path)
		}
	}
	return NewStaticTokenAuthProvider(doc.Tokens), nil
}

// Replace swaps the token table.
func (p *StaticTokenAuthProvider) Replace(tokens map[string]AuthInfo) {
	copied := make(map[string]AuthInfo, len(tokens))
	for k, v := range tokens {
		v.Roles = append([]string(nil), v.Roles...)
		copied[k] = v
	}
	p.mu.Lock()
	p.tokens = copied
	p.mu.Unlock()
}

// Validate looks token up in the table.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var match *AuthInfo
	for candidate, info := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found := info
			found.Roles = append([]string(nil), info.Roles...)
			match = &found
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return match, nil
}

// =============================================================================
// Role-based authorization
// =============================================================================

// RoleAuthzProvider allows an action when the user holds one of the roles
// listed for it. Admins may do everything. Actions without an entry are
// allowed for any authenticated user.
type RoleAuthzProvider struct {
	rules map[string][]string
}

// NewRoleAuthzProvider creates a provider from an action -> roles table.
func NewRoleAuthzProvider(rules map[string][]string) *RoleAuthzProvider {
	return &RoleAuthzProvider{rules: rules}
}

// Authorize implements AuthzProvider.
func (p *RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("%s: no identity: %w", req.Action, ErrUnauthorized)
	}
	if req.User.HasRole(RoleAdmin) {
		return nil
	}
	roles, ok := p.rules[req.Action]
	if !ok {
		return nil
	}
	for _, role := range roles {
		if req.User.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("%s on %s %s by %s: %w",
		req.Action, req.ResourceType, req.ResourceID, req.User.UserID, ErrUnauthorized)
}

// Compile-time interface checks.
var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*StaticTokenAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = (*RoleAuthzProvider)(nil)
)
