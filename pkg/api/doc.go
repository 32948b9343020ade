// Package api implements the engine's Admission API: the HTTP surface
// clients use to submit tasks, manage sessions, and poll health.
//
// # Architecture
//
// The server is a single http.ServeMux wrapped in a small middleware
// chain (panic recovery, structured request logging, CORS, shared-secret
// auth) in front of handlers that translate requests into pipeline and
// registry calls:
//
//	client ── HTTP ──▶ middleware chain ──▶ mux ──▶ handlers ──▶ pipeline/sessions/devices
//
// POST /tasks/predefined streams its response as a sequence of event
// frames (see package streamevents) rather than a single JSON body; every
// other endpoint returns a conventional JSON response. Errors before the
// event stream opens are reported as `{ "detail": "..." }` JSON bodies
// with the status code apierrors.Status maps the failure kind to.
package api
