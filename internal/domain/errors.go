// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a state conflict, e.g. deciding an approval twice
// or claiming a run that another worker already owns.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates malformed input: bad arguments, bad plan JSON.
var ErrValidation = errors.New("validation failed")

// ErrPolicyDenied indicates the risk policy refused the request.
var ErrPolicyDenied = errors.New("policy denied")

// ErrPathBlocked indicates a path-shaped argument fell outside the tool's allow-list.
var ErrPathBlocked = errors.New("path blocked")

// ErrUnavailable wraps infrastructure failures (store, queue, LLM proxy).
var ErrUnavailable = errors.New("service unavailable")
