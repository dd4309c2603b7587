// Package apierrors defines the stable error codes returned in the command/status REST surface's error body.
package apierrors

// Code identifies the category of an API error, stable across releases so callers can branch on it.
type Code string

const (
	ValidationError Code = "VALIDATION_ERROR"
	InvalidBody     Code = "INVALID_BODY"
	NotFound        Code = "NOT_FOUND"
	Conflict        Code = "CONFLICT"
	Unauthorised    Code = "UNAUTHORISED"
	InternalError   Code = "INTERNAL_ERROR"
)
