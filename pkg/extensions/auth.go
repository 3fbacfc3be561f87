// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations wrap it with context.
var ErrUnauthorized = errors.New("unauthorized")

// AllVendors is the scope entry granting access to every vendor.
const AllVendors = "*"

// AuthInfo identifies a caller after authentication.
//
// Required fields:
//   - UserID: never empty
//   - TenantID: selects per-tenant budget limits
//
// VendorScopes lists the vendor ids the caller may read. An empty list
// grants nothing. The single entry "*" grants every vendor.
type AuthInfo struct {
	UserID       string
	TenantID     string
	Email        string
	Roles        []string
	VendorScopes []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// CanAccessVendor reports whether vendorID falls within the caller's scopes.
func (a *AuthInfo) CanAccessVendor(vendorID string) bool {
	if a == nil || vendorID == "" {
		return false
	}
	for _, s := range a.VendorScopes {
		if s == AllVendors || s == vendorID {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns caller identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks the token and returns the caller.
	//
	// Returns ErrUnauthorized (or wrapped) for invalid tokens, other
	// errors for provider failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check as (subject, action, resource).
//
// Example:
//
//	req := AuthzRequest{
//	    User:         caller,
//	    Action:       "invoke",
//	    ResourceType: "vendor",
//	    ResourceID:   "acme",
//	}
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
	ResourceID   string
}

// AuthzProvider checks if a caller may perform an action.
type AuthzProvider interface {
	// Authorize returns nil when permitted and ErrUnauthorized (or
	// wrapped) when denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider authenticates every request as the local user.
//
// The local user belongs to tenant "local" and is scoped to all vendors,
// which lets the CLI and demo endpoints run without identity
// infrastructure. The token is ignored.
type NopAuthProvider struct{}

// Validate always returns the local user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID:       "local-user",
		TenantID:     "local",
		Roles:        []string{"admin"},
		VendorScopes: []string{AllVendors},
	}, nil
}

// StaticTokenAuthProvider maps fixed API tokens to callers.
//
// Tokens are compared in constant time. Intended for small deployments
// where callers are provisioned in the config file.
type StaticTokenAuthProvider struct {
	tokens map[string]AuthInfo
}

// NewStaticTokenAuthProvider copies the token table.
func NewStaticTokenAuthProvider(tokens map[string]AuthInfo) *StaticTokenAuthProvider {
	cp := make(map[string]AuthInfo, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticTokenAuthProvider{tokens: cp}
}

// Validate looks the token up.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	for known, info := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			out := info
			out.Roles = slices.Clone(info.Roles)
			out.VendorScopes = slices.Clone(info.VendorScopes)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
}

// VendorScopeAuthz permits an action only when the resource is a vendor
// inside the caller's VendorScopes. Everything else is denied.
type VendorScopeAuthz struct{}

// Authorize implements AuthzProvider.
func (VendorScopeAuthz) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("no caller identity: %w", ErrUnauthorized)
	}
	if req.ResourceType != "vendor" {
		return fmt.Errorf("resource type %q not permitted: %w", req.ResourceType, ErrUnauthorized)
	}
	if !req.User.CanAccessVendor(req.ResourceID) {
		return fmt.Errorf("user %s cannot %s vendor %s: %w",
			req.User.UserID, req.Action, req.ResourceID, ErrUnauthorized)
	}
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*StaticTokenAuthProvider)(nil)
	_ AuthzProvider = VendorScopeAuthz{}
	_ AuthzProvider = (*VendorScopeAuthz)(nil)
)
