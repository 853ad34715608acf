// Package server exposes condflow over HTTP using Gin, with h2c so HTTP/2
// clients can connect without TLS.
//
// Routes:
//
//	GET  /health
//	GET  /info
//	GET  /api/v1/pipelines
//	GET  /api/v1/pipelines/:name
//	POST /api/v1/pipelines/:name/runs   {"parameters": {...}} -> 202
//	GET  /api/v1/runs/:id
//	POST /api/v1/runs/:id/cancel
//
// Errors are rendered from errors.AppError as {"error": {...}} with the
// error's HTTP status.
package server
