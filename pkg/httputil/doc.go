// Package httputil provides JSON request and response helpers shared by the
// HTTP handlers.
//
// Request bodies are decoded strictly and checked against validate struct
// tags:
//
//	var req GrantRequest
//	if !httputil.DecodeAndValidate(w, r, &req) {
//		return // 400 already written
//	}
//
// Error bodies always have the shape {"error": "...", "details": {...}}.
package httputil
