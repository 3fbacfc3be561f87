// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the request, evidence and brief types shared by
// every stage of the renewal pipeline.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/extensions"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/validation"
)

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("vendorid", validateVendorID)
}

func validateVendorID(fl validator.FieldLevel) bool {
	return ValidVendorID(fl.Field().String())
}

// ValidVendorID reports whether id may name a vendor.
func ValidVendorID(id string) bool {
	return validation.ValidateVendorID(id) == nil
}

// BriefRequest is the HTTP body of POST /v1/renewal-brief.
type BriefRequest struct {
	VendorID string `json:"vendor_id" binding:"required" validate:"required,max=128,vendorid"`
	Refresh  bool   `json:"refresh"`

	// Reasoner overrides the configured reasoner for this request:
	// "heuristic" or "llm". Empty keeps the configured one.
	Reasoner string `json:"reasoner,omitempty" validate:"omitempty,oneof=heuristic llm"`
}

// Validate checks the request body.
func (r *BriefRequest) Validate() error {
	return requestValidate.Struct(r)
}

// Request is one brief generation. Immutable after NewRequest.
type Request struct {
	RequestID string
	VendorID  string
	Refresh   bool
	Caller    *extensions.AuthInfo
	ArrivedAt time.Time

	// Reasoner selects a reasoner kind. Empty uses the primary.
	Reasoner string
}

// NewRequest stamps a fresh request id.
func NewRequest(vendorID string, refresh bool, caller *extensions.AuthInfo, now time.Time) *Request {
	return &Request{
		RequestID: uuid.NewString(),
		VendorID:  vendorID,
		Refresh:   refresh,
		Caller:    caller,
		ArrivedAt: now,
	}
}

// WithReasoner returns a copy of r that selects reasoner kind.
func (r *Request) WithReasoner(kind string) *Request {
	cp := *r
	cp.Reasoner = kind
	return &cp
}

// TenantID returns the caller's tenant, or "" for anonymous requests.
func (r *Request) TenantID() string {
	if r.Caller == nil {
		return ""
	}
	return r.Caller.TenantID
}
