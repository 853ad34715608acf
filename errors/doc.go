// Package errors provides the structured error type shared by every condflow
// package. Each AppError carries a machine-readable code, a category derived
// from that code, an HTTP status for the API surface and optional details
// such as the offending node id.
package errors
