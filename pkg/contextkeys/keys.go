// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that setters
// and readers agree on a single typed key.
//
// USAGE PATTERN:
//
//	import "github.com/learnhub/keystone/pkg/contextkeys"
//	ctx = context.WithValue(ctx, contextkeys.PrincipalKey, principal)
//	principal, ok := ctx.Value(contextkeys.PrincipalKey).(authz.Principal)
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains authz.Principal
	// Set by: api.PrincipalMiddleware (pkg/api/principal.go)
	// Required by: authz.Middleware, console and organization handlers
	// Type: authz.Principal
	PrincipalKey Key = "principal"

	// RequestIDKey contains request ID string (UUID)
	// Set by: observability.RequestLogger
	// Used by: Logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains logrus.FieldLogger
	// Set by: observability.RequestLogger
	// Used by: Handlers that need structured logging with request context
	// Type: logrus.FieldLogger
	LoggerKey Key = "logger"
)
