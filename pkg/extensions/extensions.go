// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the identity, authorization and audit
// extension points of the renewal desk.
//
// The service runs locally with no identity infrastructure: the defaults
// authenticate every caller as a local user scoped to all vendors and
// discard audit events. Deployments that need tenant isolation inject a
// token provider, the vendor-scope authorizer and a persistent audit
// logger through ServiceOptions.
//
//   - auth.go: AuthProvider, AuthzProvider, vendor scopes
//   - audit.go: AuditLogger and the in-memory and slog implementations
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Nil fields are replaced with the defaults by Normalize.
type ServiceOptions struct {
	// AuthProvider resolves a bearer token to a caller.
	// Default: NopAuthProvider (local user, all vendors)
	AuthProvider AuthProvider

	// AuthzProvider decides whether a caller may act on a vendor.
	// Default: VendorScopeAuthz (default deny outside the caller's scopes)
	AuthzProvider AuthzProvider

	// AuditLogger records tool invocations and authorization decisions.
	// Default: NopAuditLogger
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions for a single-user local deployment.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &VendorScopeAuthz{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// Normalize fills nil fields with defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	d := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = d.AuthProvider
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = d.AuthzProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = d.AuditLogger
	}
	return opts
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
