// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package faults provides classified errors for the renewal pipeline.
//
// Every error that crosses a component boundary (gateway, router,
// synthesizer, validator, runner) carries a Kind so that the runner can
// decide between retry, degrade and abort without string matching.
//
// # Kinds
//
//   - Unauthorized: caller scope does not cover the vendor. Fatal.
//   - SchemaInvalid: tool or synthesis output failed a schema check.
//   - BudgetExceeded: a budget reservation was denied. Never retried.
//   - UpstreamError: a backend or reasoning call failed. Backoff retry.
//   - InsufficientEvidence: no usable evidence. Not a failure.
//   - InjectionSuspected: directive content was neutralised. Informational.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for control-flow decisions.
type Kind string

const (
	KindUnauthorized         Kind = "unauthorized"
	KindSchemaInvalid        Kind = "schema_invalid"
	KindBudgetExceeded       Kind = "budget_exceeded"
	KindUpstream             Kind = "upstream_error"
	KindInsufficientEvidence Kind = "insufficient_evidence"
	KindInjectionSuspected   Kind = "injection_suspected"
)

type classifiedError struct {
	kind      Kind
	code      string
	field     string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap attaches a kind and code to cause. A nil cause yields nil.
//
// Retryability is derived from the kind: only upstream errors are
// retried by the backoff loop.
func Wrap(cause error, kind Kind, code string) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		kind:      kind,
		code:      code,
		retryable: kind == KindUpstream,
		cause:     cause,
	}
}

// New creates a classified error with a formatted message.
func New(kind Kind, code, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), kind, code)
}

// WithField returns a copy of err attributed to a brief field.
// Non-classified errors are returned unchanged.
func WithField(err error, field string) error {
	var c *classifiedError
	if !errors.As(err, &c) {
		return err
	}
	cp := *c
	cp.field = field
	return &cp
}

// Permanent marks an upstream error as not worth retrying, e.g. a 4xx
// response from a reasoning backend.
func Permanent(err error) error {
	var c *classifiedError
	if !errors.As(err, &c) {
		return err
	}
	cp := *c
	cp.retryable = false
	return &cp
}

// KindOf returns the kind of err, or "" if err is not classified.
func KindOf(err error) Kind {
	var c *classifiedError
	if errors.As(err, &c) {
		return c.kind
	}
	return ""
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	var c *classifiedError
	if errors.As(err, &c) {
		return c.code
	}
	return ""
}

// FieldOf returns the brief field err is attributed to, if any.
func FieldOf(err error) string {
	var c *classifiedError
	if errors.As(err, &c) {
		return c.field
	}
	return ""
}

// RetryableOf reports whether err may be retried with backoff.
func RetryableOf(err error) bool {
	var c *classifiedError
	if errors.As(err, &c) {
		return c.retryable
	}
	return false
}

// Is reports whether err is classified with kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Unauthorized is shorthand for an authorization denial.
func Unauthorized(format string, args ...any) error {
	return New(KindUnauthorized, "scope_denied", format, args...)
}

// SchemaInvalid is shorthand for a schema violation.
func SchemaInvalid(code, format string, args ...any) error {
	return New(KindSchemaInvalid, code, format, args...)
}

// Upstream wraps a backend failure as retryable.
func Upstream(cause error, code string) error {
	return Wrap(cause, KindUpstream, code)
}
