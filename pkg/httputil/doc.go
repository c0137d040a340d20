// Package httputil holds the JSON response helpers and middleware shared by
// the admin HTTP surface.
//
// Plugin host errors map to status codes by category:
//
//	httputil.WritePluginError(w, err) // NotFound -> 404, Conflict -> 409, ...
//
// Middleware composes with Chain:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
package httputil
